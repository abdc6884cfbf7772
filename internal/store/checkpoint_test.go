package store

import (
	"context"
	"testing"
	"time"
)

func TestCheckpointMonotonic(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, ok, err := db.Checkpoint(ctx, "mentions")
	if err != nil { t.Fatal(err) }
	if ok { t.Fatal("expected no checkpoint yet") }

	if err := db.AdvanceCheckpoint(ctx, "mentions", 103, now); err != nil { t.Fatal(err) }
	id, ok, err := db.Checkpoint(ctx, "mentions")
	if err != nil || !ok || id != 103 { t.Fatalf("checkpoint mismatch: %v %v %d", err, ok, id) }

	// a smaller id never moves the checkpoint backwards
	if err := db.AdvanceCheckpoint(ctx, "mentions", 99, now); err != nil { t.Fatal(err) }
	id, _, _ = db.Checkpoint(ctx, "mentions")
	if id != 103 { t.Fatalf("checkpoint regressed to %d", id) }

	if err := db.AdvanceCheckpoint(ctx, "mentions", 200, now); err != nil { t.Fatal(err) }
	id, _, _ = db.Checkpoint(ctx, "mentions")
	if id != 200 { t.Fatalf("checkpoint did not advance: %d", id) }

	// sources are independent
	if err := db.AdvanceCheckpoint(ctx, "quotes", 5, now); err != nil { t.Fatal(err) }
	id, _, _ = db.Checkpoint(ctx, "quotes")
	if id != 5 { t.Fatalf("source isolation broken: %d", id) }
}
