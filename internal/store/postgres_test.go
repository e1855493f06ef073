//go:build integration

// Run with:
//
//	go test -tags integration -v ./internal/store/...
//
// Requires Docker (for testcontainers-go) and a reachable Docker socket.
package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/manugarri/crab/internal/store"
)

// setupDB starts a PostgreSQL container and opens a PostgresStore against
// it; the store applies its own schema.
func setupDB(t *testing.T) *store.PostgresStore {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := tcpostgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		tcpostgres.WithDatabase("crab_test"),
		tcpostgres.WithUsername("crab"),
		tcpostgres.WithPassword("secret"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() { _ = pgContainer.Terminate(ctx) })

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("get connection string: %v", err)
	}

	s, err := store.NewPostgres(ctx, connStr, nil)
	if err != nil {
		t.Fatalf("NewPostgres: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPostgresEnsureJobAndSupersession(t *testing.T) {
	s := setupDB(t)
	ctx := context.Background()

	old, err := s.EnsureJob(ctx, "h", "j", "cmd1")
	if err != nil {
		t.Fatal(err)
	}
	again, err := s.EnsureJob(ctx, "h", "j", "cmd1")
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != old.ID {
		t.Fatal("EnsureJob must be idempotent")
	}

	fresh, err := s.EnsureJob(ctx, "h", "j", "cmd2")
	if err != nil {
		t.Fatal(err)
	}
	if fresh.ID == old.ID {
		t.Fatal("supersession must create a new registration")
	}
	active, err := s.GetJobs(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].Command != "cmd2" {
		t.Fatalf("want one active registration with cmd2, got %+v", active)
	}
}

func TestPostgresEventsAndSyntheticIdempotence(t *testing.T) {
	s := setupDB(t)
	ctx := context.Background()

	job, err := s.EnsureJob(ctx, "h", "j", "cmd")
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now().UTC()
	code := 0
	startID, err := s.AppendEvent(ctx, job.ID, store.EventStart, now, nil, "", "")
	if err != nil {
		t.Fatal(err)
	}
	finishID, err := s.AppendEvent(ctx, job.ID, store.EventFinish, now.Add(time.Minute), &code, "out", "err")
	if err != nil {
		t.Fatal(err)
	}
	if finishID <= startID {
		t.Fatal("event ids must be monotonic")
	}

	stdout, stderr, err := s.GetOutput(ctx, finishID)
	if err != nil {
		t.Fatal(err)
	}
	if stdout != "out" || stderr != "err" {
		t.Errorf("output round-trip: %q / %q", stdout, stderr)
	}

	id1, created, err := s.AppendSynthetic(ctx, job.ID, store.EventMissed, now, "missed-1")
	if err != nil || !created {
		t.Fatalf("first synthetic: %v created=%v", err, created)
	}
	id2, created, err := s.AppendSynthetic(ctx, job.ID, store.EventMissed, now, "missed-1")
	if err != nil {
		t.Fatal(err)
	}
	if created || id2 != id1 {
		t.Fatalf("synthetic replay must be a no-op: id=%d created=%v", id2, created)
	}
}

func TestPostgresNotificationsAndAlerts(t *testing.T) {
	s := setupDB(t)
	ctx := context.Background()

	job, err := s.EnsureJob(ctx, "h", "j", "cmd")
	if err != nil {
		t.Fatal(err)
	}
	code := 1
	eventID, err := s.AppendEvent(ctx, job.ID, store.EventFinish, time.Now().UTC(), &code, "", "")
	if err != nil {
		t.Fatal(err)
	}

	rules, err := s.SetNotifications(ctx, []store.Rule{
		{MinSeverity: "FAIL", Transport: "email", Address: "ops@example.com", SkipOK: true},
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.LastAlert(ctx, rules[0].ID, job.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}

	a := store.Alert{
		ID: "a-1", RuleID: rules[0].ID, JobID: job.ID, EventID: eventID,
		State: "FAIL", DispatchedAt: time.Now().UTC(), OK: false, Result: "boom",
	}
	if err := s.RecordAlert(ctx, a); err != nil {
		t.Fatal(err)
	}
	a.OK = true
	a.Result = "sent"
	if err := s.RecordAlert(ctx, a); err != nil {
		t.Fatal(err)
	}
	last, err := s.LastAlert(ctx, rules[0].ID, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !last.OK || last.Result != "sent" {
		t.Errorf("alert row not updated: %+v", last)
	}
}
