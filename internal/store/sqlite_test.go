package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(context.Background(), ":memory:", nil)
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestEnsureJobIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var first Job
	for i := 0; i < 3; i++ {
		job, err := s.EnsureJob(ctx, "hostA", "backup", "/usr/bin/backup")
		if err != nil {
			t.Fatalf("EnsureJob: %v", err)
		}
		if i == 0 {
			first = job
		} else if job.ID != first.ID {
			t.Fatalf("EnsureJob created a second registration: %d then %d", first.ID, job.ID)
		}
	}

	jobs, err := s.GetJobs(ctx, false)
	if err != nil {
		t.Fatalf("GetJobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("want exactly one registration, got %d", len(jobs))
	}
}

func TestEnsureJobSupersession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old, err := s.EnsureJob(ctx, "h", "j", "cmd1")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SetSchedule(ctx, old.ID, "*/5 * * * *", "UTC", time.Minute, 10*time.Minute); err != nil {
		t.Fatal(err)
	}

	fresh, err := s.EnsureJob(ctx, "h", "j", "cmd2")
	if err != nil {
		t.Fatal(err)
	}
	if fresh.ID == old.ID {
		t.Fatal("supersession must create a new registration")
	}
	if fresh.Schedule != "*/5 * * * *" || fresh.GracePeriod != time.Minute {
		t.Errorf("schedule configuration not carried over: %+v", fresh)
	}

	active, err := s.GetJobs(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].Command != "cmd2" {
		t.Fatalf("want one active registration with cmd2, got %+v", active)
	}

	all, err := s.GetJobs(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("superseded registration must be kept for history, got %d rows", len(all))
	}
}

func TestEnsureJobUpgradesCommandKeyedRegistration(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	anon, err := s.EnsureJob(ctx, "h", "", "/usr/bin/report")
	if err != nil {
		t.Fatal(err)
	}
	named, err := s.EnsureJob(ctx, "h", "report", "/usr/bin/report")
	if err != nil {
		t.Fatal(err)
	}
	if named.ID != anon.ID {
		t.Fatalf("crabid arriving for an existing command must upgrade in place, got new id %d", named.ID)
	}
	if named.Crabid != "report" {
		t.Errorf("crabid not recorded: %+v", named)
	}
}

func TestEnsureJobEmptyCrabidMatchesByCommand(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, err := s.EnsureJob(ctx, "h", "", "/bin/one")
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.EnsureJob(ctx, "h", "", "/bin/one")
	if err != nil {
		t.Fatal(err)
	}
	if a.ID != b.ID {
		t.Error("same command must resolve to the same registration")
	}
	c, err := s.EnsureJob(ctx, "h", "", "/bin/two")
	if err != nil {
		t.Fatal(err)
	}
	if c.ID == a.ID {
		t.Error("different command must create a new registration")
	}
}

func TestAppendAndReadEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job, err := s.EnsureJob(ctx, "h", "j", "cmd")
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now().UTC()
	startID, err := s.AppendEvent(ctx, job.ID, EventStart, now, nil, "", "")
	if err != nil {
		t.Fatal(err)
	}
	code := 0
	finishID, err := s.AppendEvent(ctx, job.ID, EventFinish, now.Add(time.Minute), &code, "all good\n", "")
	if err != nil {
		t.Fatal(err)
	}
	if finishID <= startID {
		t.Fatalf("event ids must be monotonic: %d then %d", startID, finishID)
	}

	events, err := s.GetEvents(ctx, job.ID, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("want 2 events, got %d", len(events))
	}
	last := events[len(events)-1]
	if last.ID != finishID || last.Kind != EventFinish {
		t.Errorf("round-trip mismatch: %+v", last)
	}
	if last.StatusCode == nil || *last.StatusCode != 0 {
		t.Errorf("status code not preserved: %+v", last.StatusCode)
	}
	if !last.HasOutput {
		t.Error("finish with stdout must be flagged has_output")
	}
	for i := 1; i < len(events); i++ {
		if events[i].Timestamp.Before(events[i-1].Timestamp) {
			t.Error("timestamps must be non-decreasing in id order")
		}
	}

	stdout, stderr, err := s.GetOutput(ctx, finishID)
	if err != nil {
		t.Fatal(err)
	}
	if stdout != "all good\n" || stderr != "" {
		t.Errorf("output round-trip mismatch: %q / %q", stdout, stderr)
	}
}

func TestAppendEventRejectsUnknownKindAndJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job, err := s.EnsureJob(ctx, "h", "j", "cmd")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.AppendEvent(ctx, job.ID, EventKind("EXPLODED"), time.Now(), nil, "", ""); err == nil {
		t.Error("unknown event kind must be rejected")
	}
	if _, err := s.AppendEvent(ctx, job.ID+99, EventStart, time.Now(), nil, "", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown job must fail with ErrNotFound, got %v", err)
	}
}

func TestAppendSyntheticIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job, err := s.EnsureJob(ctx, "h", "j", "cmd")
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now().UTC()
	id1, created, err := s.AppendSynthetic(ctx, job.ID, EventMissed, now, "missed-1717243200")
	if err != nil || !created {
		t.Fatalf("first synthetic append: id=%d created=%v err=%v", id1, created, err)
	}
	id2, created, err := s.AppendSynthetic(ctx, job.ID, EventMissed, now.Add(time.Minute), "missed-1717243200")
	if err != nil {
		t.Fatal(err)
	}
	if created || id2 != id1 {
		t.Fatalf("replay must be a no-op: id=%d created=%v", id2, created)
	}

	events, err := s.GetEvents(ctx, job.ID, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("exactly one MISSED event must exist, got %d", len(events))
	}

	// The same key under a different job is distinct.
	other, err := s.EnsureJob(ctx, "h2", "j", "cmd")
	if err != nil {
		t.Fatal(err)
	}
	if _, created, err := s.AppendSynthetic(ctx, other.ID, EventMissed, now, "missed-1717243200"); err != nil || !created {
		t.Fatalf("synthetic keys must be scoped per job: created=%v err=%v", created, err)
	}
}

func TestGetLatestEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job, err := s.EnsureJob(ctx, "h", "j", "cmd")
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		if _, err := s.AppendEvent(ctx, job.ID, EventStart, now.Add(time.Duration(i)*time.Minute), nil, "", ""); err != nil {
			t.Fatal(err)
		}
	}

	events, err := s.GetLatestEvents(ctx, job.ID, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("want 3 events, got %d", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].ID <= events[i-1].ID {
			t.Error("latest events must be in ascending id order")
		}
	}
}

func TestNotificationsReplaceRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rules := []Rule{
		{Host: "hostA", MinSeverity: "FAIL", Transport: "email", Address: "ops@example.com", SkipOK: true},
		{Crabid: "backup", MinSeverity: "WARN", Transport: "log", Address: "-", IncludeOutput: true, Cooldown: 30 * time.Minute},
	}
	saved, err := s.SetNotifications(ctx, rules)
	if err != nil {
		t.Fatal(err)
	}
	if len(saved) != 2 || saved[0].ID == 0 || saved[1].ID == 0 {
		t.Fatalf("saved rules must carry ids: %+v", saved)
	}

	got, err := s.GetNotifications(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("want 2 rules, got %d", len(got))
	}
	if got[0].Address != "ops@example.com" || got[1].Cooldown != 30*time.Minute {
		t.Errorf("round-trip mismatch: %+v", got)
	}

	// Full replace drops the old set.
	if _, err := s.SetNotifications(ctx, rules[:1]); err != nil {
		t.Fatal(err)
	}
	got, err = s.GetNotifications(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("replace must be total: got %d rules", len(got))
	}
}

func TestRecordAndLastAlert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job, err := s.EnsureJob(ctx, "h", "j", "cmd")
	if err != nil {
		t.Fatal(err)
	}
	code := 1
	eventID, err := s.AppendEvent(ctx, job.ID, EventFinish, time.Now().UTC(), &code, "", "")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.LastAlert(ctx, 1, job.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("want ErrNotFound before any alert, got %v", err)
	}

	a := Alert{
		ID: "alert-1", RuleID: 1, JobID: job.ID, EventID: eventID,
		State: "FAIL", DispatchedAt: time.Now().UTC(), OK: false, Result: "connection refused",
	}
	if err := s.RecordAlert(ctx, a); err != nil {
		t.Fatal(err)
	}

	// A retry updates the same row to success.
	a.OK = true
	a.Result = "sent"
	a.DispatchedAt = a.DispatchedAt.Add(time.Minute)
	if err := s.RecordAlert(ctx, a); err != nil {
		t.Fatal(err)
	}

	last, err := s.LastAlert(ctx, 1, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !last.OK || last.Result != "sent" {
		t.Errorf("retry must update the alert row: %+v", last)
	}
	if last.EventID != eventID {
		t.Errorf("alert must reference its event: %+v", last)
	}
}

func TestRemoveOldEventsKeepsPendingAlerts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job, err := s.EnsureJob(ctx, "h", "j", "cmd")
	if err != nil {
		t.Fatal(err)
	}
	old := time.Now().UTC().Add(-48 * time.Hour)
	code := 1

	plainID, err := s.AppendEvent(ctx, job.ID, EventFinish, old, &code, "out", "")
	if err != nil {
		t.Fatal(err)
	}
	pendingID, err := s.AppendEvent(ctx, job.ID, EventFinish, old.Add(time.Minute), &code, "", "")
	if err != nil {
		t.Fatal(err)
	}
	sentID, err := s.AppendEvent(ctx, job.ID, EventFinish, old.Add(2*time.Minute), &code, "", "")
	if err != nil {
		t.Fatal(err)
	}
	freshID, err := s.AppendEvent(ctx, job.ID, EventFinish, time.Now().UTC(), &code, "", "")
	if err != nil {
		t.Fatal(err)
	}

	mustRecord := func(id string, eventID int64, ok bool) {
		t.Helper()
		if err := s.RecordAlert(ctx, Alert{
			ID: id, RuleID: 1, JobID: job.ID, EventID: eventID,
			State: "FAIL", DispatchedAt: time.Now().UTC(), OK: ok,
		}); err != nil {
			t.Fatal(err)
		}
	}
	mustRecord("pending", pendingID, false)
	mustRecord("sent", sentID, true)

	cutoff := time.Now().UTC().Add(-24 * time.Hour)
	removed, err := s.RemoveOldEvents(ctx, cutoff)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 2 {
		t.Fatalf("want 2 events removed (plain + dispatched), got %d", removed)
	}

	events, err := s.GetEvents(ctx, job.ID, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	remaining := map[int64]bool{}
	for _, e := range events {
		remaining[e.ID] = true
	}
	if remaining[plainID] || remaining[sentID] {
		t.Error("old events without pending alerts must be removed")
	}
	if !remaining[pendingID] {
		t.Error("event with a pending alert must survive retention")
	}
	if !remaining[freshID] {
		t.Error("events inside the window must survive retention")
	}

	// Re-running is a no-op.
	removed, err = s.RemoveOldEvents(ctx, cutoff)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 0 {
		t.Errorf("retention must be idempotent, removed %d more", removed)
	}
}

func TestRetireAndInhibit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job, err := s.EnsureJob(ctx, "h", "j", "cmd")
	if err != nil {
		t.Fatal(err)
	}

	if err := s.SetInhibit(ctx, job.ID, true); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Inhibited {
		t.Error("inhibit flag not persisted")
	}

	if err := s.RetireJob(ctx, job.ID); err != nil {
		t.Fatal(err)
	}
	active, err := s.GetJobs(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 0 {
		t.Errorf("retired job still listed: %+v", active)
	}
	if err := s.RetireJob(ctx, job.ID+99); !errors.Is(err, ErrNotFound) {
		t.Errorf("retiring an unknown job must fail with ErrNotFound, got %v", err)
	}
}

func TestOutputStoreRouting(t *testing.T) {
	ctx := context.Background()
	out, err := NewSQLiteOutput(ctx, ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	s, err := NewSQLite(ctx, ":memory:", out)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	job, err := s.EnsureJob(ctx, "h", "j", "cmd")
	if err != nil {
		t.Fatal(err)
	}
	code := 0
	id, err := s.AppendEvent(ctx, job.ID, EventFinish, time.Now().UTC(), &code, "big blob", "oops")
	if err != nil {
		t.Fatal(err)
	}

	// The blob lives in the output store, and reads reassemble it
	// transparently.
	stdout, stderr, err := out.ReadOutput(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if stdout != "big blob" || stderr != "oops" {
		t.Errorf("output store did not receive the payload: %q / %q", stdout, stderr)
	}
	stdout, stderr, err = s.GetOutput(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if stdout != "big blob" || stderr != "oops" {
		t.Errorf("read-through mismatch: %q / %q", stdout, stderr)
	}
}
