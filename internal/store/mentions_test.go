package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"signalq/internal/model"
)

func openTest(t *testing.T) *DB {
	t.Helper()
	db, err := Open(":memory:")
	if err != nil { t.Fatal(err) }
	t.Cleanup(func() { db.Close() })
	return db
}

func mention(id int64, prio int, discovered time.Time) model.Mention {
	return model.Mention{
		ID: id, AuthorID: "a1", Handle: "alice", Text: "hey @bot",
		CreatedAt: discovered, Priority: prio, BatchID: "b1", DiscoveredAt: discovered,
	}
}

func TestUpsertIdempotent(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	now := time.Now().UTC()
	items := []model.Mention{mention(101, 1, now)}
	if _, err := db.UpsertMentions(ctx, items); err != nil { t.Fatal(err) }
	if _, err := db.UpsertMentions(ctx, items); err != nil { t.Fatal(err) }
	m, err := db.GetMention(ctx, 101)
	if err != nil { t.Fatal(err) }
	if m.Status != model.StatusPending || m.RetryCount != 0 {
		t.Fatalf("unexpected state after double upsert: %+v", m)
	}
	counts, _ := db.CountByStatus(ctx)
	if counts[model.StatusPending] != 1 { t.Fatalf("expected 1 pending, got %d", counts[model.StatusPending]) }
}

func TestUpsertDoesNotReviveTerminal(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	now := time.Now().UTC()
	if _, err := db.UpsertMentions(ctx, []model.Mention{mention(1, 1, now), mention(2, 1, now)}); err != nil { t.Fatal(err) }

	claimed, err := db.ClaimMentions(ctx, "w1", 2, -1, now)
	if err != nil || len(claimed) != 2 { t.Fatalf("claim: %v %d", err, len(claimed)) }
	if err := db.CompleteMention(ctx, 1, now); err != nil { t.Fatal(err) }
	if err := db.FailMention(ctx, 2, "boom", 1, now); err != nil { t.Fatal(err) }

	if _, err := db.UpsertMentions(ctx, []model.Mention{mention(1, 1, now), mention(2, 1, now)}); err != nil { t.Fatal(err) }
	m1, _ := db.GetMention(ctx, 1)
	m2, _ := db.GetMention(ctx, 2)
	if m1.Status != model.StatusCompleted { t.Fatalf("completed mention revived: %s", m1.Status) }
	if m2.Status != model.StatusFailed { t.Fatalf("failed mention revived: %s", m2.Status) }
}

func TestClaimOrderAndBounds(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	items := []model.Mention{
		mention(10, 2, base),
		mention(11, 1, base.Add(time.Minute)), // more urgent
		mention(12, 1, base),                  // same priority, older
		mention(13, 3, base),
	}
	if _, err := db.UpsertMentions(ctx, items); err != nil { t.Fatal(err) }

	got, err := db.ClaimMentions(ctx, "w1", 2, -1, base.Add(time.Hour))
	if err != nil { t.Fatal(err) }
	if len(got) != 2 || got[0].ID != 12 || got[1].ID != 11 {
		t.Fatalf("wrong claim order: %+v", got)
	}
	for _, m := range got {
		if m.Status != model.StatusProcessing || m.ClaimedBy != "w1" {
			t.Fatalf("claimed mention not marked: %+v", m)
		}
	}
}

func TestClaimPriorityCeiling(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	now := time.Now().UTC()
	if _, err := db.UpsertMentions(ctx, []model.Mention{mention(1, 1, now), mention(2, 5, now)}); err != nil { t.Fatal(err) }
	got, err := db.ClaimMentions(ctx, "w1", 10, 2, now)
	if err != nil { t.Fatal(err) }
	if len(got) != 1 || got[0].ID != 1 { t.Fatalf("ceiling ignored: %+v", got) }
}

func TestConcurrentClaimsNeverOverlap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "q.db")
	db, err := Open(path)
	if err != nil { t.Fatal(err) }
	defer db.Close()
	ctx := context.Background()
	now := time.Now().UTC()
	var items []model.Mention
	for i := int64(1); i <= 40; i++ {
		items = append(items, mention(i, 1, now))
	}
	if _, err := db.UpsertMentions(ctx, items); err != nil { t.Fatal(err) }

	const workers = 8
	var mu sync.Mutex
	seen := map[int64]string{}
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			caller := string(rune('A' + w))
			for {
				got, err := db.ClaimMentions(ctx, caller, 3, -1, time.Now().UTC())
				if err != nil { t.Error(err); return }
				if len(got) == 0 { return }
				mu.Lock()
				for _, m := range got {
					if prev, dup := seen[m.ID]; dup {
						t.Errorf("mention %d claimed by both %s and %s", m.ID, prev, caller)
					}
					seen[m.ID] = caller
				}
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	if len(seen) != 40 { t.Fatalf("expected 40 claimed, got %d", len(seen)) }
}

func TestRetryLifecycle(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	now := time.Now().UTC()
	const maxRetries = 3
	if _, err := db.UpsertMentions(ctx, []model.Mention{mention(7, 1, now)}); err != nil { t.Fatal(err) }

	// fail maxRetries-1 times, then succeed
	for i := 0; i < maxRetries-1; i++ {
		got, err := db.ClaimMentions(ctx, "w1", 1, -1, now)
		if err != nil || len(got) != 1 { t.Fatalf("claim %d: %v %d", i, err, len(got)) }
		if err := db.FailMention(ctx, 7, "timeout", maxRetries, now); err != nil { t.Fatal(err) }
	}
	got, err := db.ClaimMentions(ctx, "w1", 1, -1, now)
	if err != nil || len(got) != 1 { t.Fatalf("final claim: %v %d", err, len(got)) }
	if err := db.CompleteMention(ctx, 7, now); err != nil { t.Fatal(err) }
	m, _ := db.GetMention(ctx, 7)
	if m.Status != model.StatusCompleted || m.RetryCount != maxRetries-1 {
		t.Fatalf("expected completed with %d retries, got %+v", maxRetries-1, m)
	}
	// completing again is a no-op
	if err := db.CompleteMention(ctx, 7, now); err != nil { t.Fatal(err) }
}

func TestTerminalFailureExcludedFromClaims(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	now := time.Now().UTC()
	const maxRetries = 2
	if _, err := db.UpsertMentions(ctx, []model.Mention{mention(9, 1, now)}); err != nil { t.Fatal(err) }
	for i := 0; i < maxRetries; i++ {
		got, err := db.ClaimMentions(ctx, "w1", 1, -1, now)
		if err != nil || len(got) != 1 { t.Fatalf("claim %d: %v %d", i, err, len(got)) }
		if err := db.FailMention(ctx, 9, "boom", maxRetries, now); err != nil { t.Fatal(err) }
	}
	m, _ := db.GetMention(ctx, 9)
	if m.Status != model.StatusFailed || m.RetryCount != maxRetries {
		t.Fatalf("expected terminal failed, got %+v", m)
	}
	if m.LastError != "boom" { t.Fatalf("last error not kept: %q", m.LastError) }
	got, err := db.ClaimMentions(ctx, "w1", 10, -1, now)
	if err != nil { t.Fatal(err) }
	if len(got) != 0 { t.Fatalf("terminal mention claimed again: %+v", got) }
}

func TestReleaseReturnsToPendingWithoutRetryCharge(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	now := time.Now().UTC()
	if _, err := db.UpsertMentions(ctx, []model.Mention{mention(5, 1, now)}); err != nil { t.Fatal(err) }
	if _, err := db.ClaimMentions(ctx, "w1", 1, -1, now); err != nil { t.Fatal(err) }
	if err := db.ReleaseMention(ctx, 5); err != nil { t.Fatal(err) }
	m, _ := db.GetMention(ctx, 5)
	if m.Status != model.StatusPending || m.RetryCount != 0 || m.ClaimedBy != "" {
		t.Fatalf("release left wrong state: %+v", m)
	}
}

func TestSweepReclaimsExpiredClaims(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	if _, err := db.UpsertMentions(ctx, []model.Mention{mention(1, 1, base), mention(2, 1, base)}); err != nil { t.Fatal(err) }
	if _, err := db.ClaimMentions(ctx, "w1", 2, -1, base); err != nil { t.Fatal(err) }

	// fresh claims survive a sweep with an older cutoff
	n, err := db.SweepExpiredClaims(ctx, base.Add(-time.Minute), 3)
	if err != nil || n != 0 { t.Fatalf("sweep touched fresh claims: %v %d", err, n) }

	n, err = db.SweepExpiredClaims(ctx, base.Add(10*time.Minute), 3)
	if err != nil || n != 2 { t.Fatalf("sweep missed expired claims: %v %d", err, n) }
	m, _ := db.GetMention(ctx, 1)
	if m.Status != model.StatusPending || m.RetryCount != 1 || m.ClaimedBy != "" {
		t.Fatalf("reclaimed mention in wrong state: %+v", m)
	}
	// a reclaim that exhausts the budget is terminal
	if _, err := db.ClaimMentions(ctx, "w2", 2, -1, base.Add(20*time.Minute)); err != nil { t.Fatal(err) }
	if _, err := db.SweepExpiredClaims(ctx, base.Add(time.Hour), 2); err != nil { t.Fatal(err) }
	m, _ = db.GetMention(ctx, 1)
	if m.Status != model.StatusFailed { t.Fatalf("expected terminal after exhausted reclaims, got %s", m.Status) }
}
