package model

import "time"

// Status is the lifecycle state of a queued mention.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether a status can never change again.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// Mention is a discovered mention awaiting (or past) a reply.
// ID is the external post id; ids are numeric snowflakes so the ingest
// checkpoint can compare them as integers.
type Mention struct {
	ID           int64
	AuthorID     string
	Handle       string
	Text         string
	CreatedAt    time.Time
	Status       Status
	Priority     int // lower = more urgent
	RetryCount   int
	LastError    string
	ClaimedBy    string
	ClaimedAt    *time.Time
	BatchID      string
	DiscoveredAt time.Time
	CompletedAt  *time.Time
}

// RateInfo carries authoritative rate-limit data reported by the remote
// service alongside a response.
type RateInfo struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
	OK        bool // false when the response carried no rate headers
}
