package repo_test

import (
	"context"
	"errors"
	"testing"

	"cloud.google.com/go/civil"

	"touchline/internal/db"
	"touchline/internal/domain"
	"touchline/internal/migrate"
	"touchline/internal/repo"
)

const ts = "2025-01-10T09:00:00Z"

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func seedRelationship(t *testing.T, r repo.Repo, id string) domain.Relationship {
	t.Helper()
	rel := domain.Relationship{ID: id, UserID: "u1", Name: "Name " + id, Tier: domain.TierWarm, OpenLoop: true, CreatedAt: ts, UpdatedAt: ts}
	if err := r.InsertRelationship(context.Background(), nil, rel); err != nil {
		t.Fatalf("insert relationship: %v", err)
	}
	return rel
}

func TestActionsRoundTripAndFilters(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	seedRelationship(t, r, "r1")
	seedRelationship(t, r, "r2")
	est := 5
	due := civil.Date{Year: 2025, Month: 1, Day: 12}
	actions := []domain.Action{
		{ID: "a1", RelationshipID: "r1", UserID: "u1", Type: domain.TypeFollowUp, State: domain.StateNew, DueDate: due, EstimatedMinutes: &est, CreatedAt: ts, UpdatedAt: ts},
		{ID: "a2", RelationshipID: "r1", UserID: "u1", Type: domain.TypeOutreach, State: domain.StateDone, DueDate: due, CreatedAt: ts, UpdatedAt: ts},
		{ID: "a3", RelationshipID: "r2", UserID: "u1", Type: domain.TypeNurture, State: domain.StateSent, DueDate: due.AddDays(-3), CreatedAt: ts, UpdatedAt: ts},
	}
	for _, a := range actions {
		if err := r.InsertAction(ctx, nil, a); err != nil {
			t.Fatalf("insert %s: %v", a.ID, err)
		}
	}
	got, err := r.GetAction(ctx, "a1")
	if err != nil {
		t.Fatal(err)
	}
	if got.DueDate != due || got.EstimatedMinutes == nil || *got.EstimatedMinutes != 5 {
		t.Fatalf("round trip lost fields: %+v", got)
	}
	open, err := r.ListActions(ctx, repo.ActionFilters{UserID: "u1"}.PendingOnly())
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 2 || open[0].ID != "a3" {
		t.Fatalf("pending list = %+v", open)
	}
	byRel, _ := r.ListActions(ctx, repo.ActionFilters{RelationshipID: "r1"})
	if len(byRel) != 2 {
		t.Fatalf("expected 2 actions for r1, got %d", len(byRel))
	}
	if _, err := r.GetAction(ctx, "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDecisionStateUpsert(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	seedRelationship(t, r, "r1")
	if _, err := r.GetDecisionState(ctx, "r1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	ds := domain.DecisionState{Signals: domain.Signals{RelationshipID: "r1", Tier: domain.TierWarm, PendingCount: 1}, CadenceDays: 30, ComputedAt: ts}
	if err := r.UpsertDecisionState(ctx, nil, ds); err != nil {
		t.Fatal(err)
	}
	ds.PendingCount = 2
	if err := r.UpsertDecisionState(ctx, nil, ds); err != nil {
		t.Fatal(err)
	}
	got, err := r.GetDecisionState(ctx, "r1")
	if err != nil || got.PendingCount != 2 || got.CadenceDays != 30 {
		t.Fatalf("decision state = %+v, %v", got, err)
	}
	all, err := r.ListDecisionStates(ctx, "u1")
	if err != nil || len(all) != 1 {
		t.Fatalf("list = %v, %v", all, err)
	}
}

func TestUpdateRelationshipMissing(t *testing.T) {
	r := newRepo(t)
	err := r.UpdateRelationship(context.Background(), nil, domain.Relationship{ID: "nope", Tier: domain.TierWarm})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAPIKeys(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	hash := repo.HashAPIKey(" secret ")
	if hash != repo.HashAPIKey("secret") {
		t.Fatalf("hash should ignore surrounding space")
	}
	if err := r.InsertAPIKey(ctx, nil, domain.APIKey{ID: "k1", UserID: "u1", Name: "laptop", KeyHash: hash}); err != nil {
		t.Fatal(err)
	}
	key, err := r.GetAPIKeyByHash(ctx, hash)
	if err != nil || key.UserID != "u1" || key.Name != "laptop" {
		t.Fatalf("lookup = %+v, %v", key, err)
	}
	if err := r.DeleteAPIKey(ctx, "k1"); err != nil {
		t.Fatal(err)
	}
	if err := r.DeleteAPIKey(ctx, "k1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}
