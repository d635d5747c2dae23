package events_test

import (
	"context"
	"testing"
	"time"

	"touchline/internal/db"
	"touchline/internal/events"
	"touchline/internal/migrate"
	"touchline/internal/repo"
)

func TestAppendFollowsTransaction(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ctx := context.Background()
	w := events.Writer{Now: func() time.Time { return time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC) }}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Append(ctx, tx, events.ActionCreated, "u1", "action", "a1", nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	_ = tx.Rollback()

	tx, err = conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Append(ctx, tx, events.ActionScheduled, "u1", "relationship", "r1", events.EventPayload{"count": 2}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	got, err := repo.Repo{DB: conn}.LatestEvents(ctx, 10, "u1", "", "", "")
	if err != nil {
		t.Fatalf("latest events: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected only the committed event, got %d", len(got))
	}
	if got[0].Type != events.ActionScheduled || got[0].TS != "2025-01-10T09:00:00Z" || got[0].Payload != `{"count":2}` {
		t.Fatalf("unexpected event %+v", got[0])
	}
}
