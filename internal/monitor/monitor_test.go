package monitor

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/manugarri/crab/internal/filter"
	"github.com/manugarri/crab/internal/store"
)

func newTestMonitor(t *testing.T) (*Monitor, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLite(context.Background(), ":memory:", nil)
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	// A short lookback keeps each test's evaluation window to the single
	// fire under test.
	m := New(st, slog.Default(), Config{
		Interval:       30 * time.Second,
		Lookback:       time.Minute,
		DefaultGrace:   2 * time.Minute,
		DefaultTimeout: 5 * time.Minute,
	})
	return m, st
}

// drainQueue empties the monitor's delta backlog for assertions.
func drainQueue(m *Monitor) []StatusChange {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queue
	m.queue = nil
	return q
}

func scheduledJob(t *testing.T, st *store.SQLiteStore, grace, timeout time.Duration) store.Job {
	t.Helper()
	ctx := context.Background()
	job, err := st.EnsureJob(ctx, "hostA", "backup", "/usr/bin/backup")
	if err != nil {
		t.Fatal(err)
	}
	if err := st.SetSchedule(ctx, job.ID, "*/5 * * * *", "UTC", grace, timeout); err != nil {
		t.Fatal(err)
	}
	job, err = st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	return job
}

func countKind(t *testing.T, st *store.SQLiteStore, jobID int64, kind store.EventKind) int {
	t.Helper()
	events, err := st.GetEvents(context.Background(), jobID, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	n := 0
	for _, e := range events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func TestMissedRunMaterializesOnce(t *testing.T) {
	m, st := newTestMonitor(t)
	ctx := context.Background()
	job := scheduledJob(t, st, time.Minute, 10*time.Minute)

	if err := m.initialize(ctx); err != nil {
		t.Fatal(err)
	}

	// A */5 fire with no START: at fire+grace+1s one MISSED appears.
	fire := time.Date(2024, 6, 1, 12, 5, 0, 0, time.UTC)
	m.lastCheck = fire.Add(-time.Minute)

	now := fire.Add(61 * time.Second)
	if err := m.tick(ctx, now); err != nil {
		t.Fatal(err)
	}
	if n := countKind(t, st, job.ID, store.EventMissed); n != 1 {
		t.Fatalf("want exactly one MISSED event, got %d", n)
	}

	// The delta reports the transition into MISSED.
	var found bool
	for _, sc := range drainQueue(m) {
		if sc.Job.ID == job.ID && sc.New == filter.StateMissed {
			found = true
		}
	}
	if !found {
		t.Error("no MISSED delta emitted")
	}

	// Another tick over the same window does not double-emit.
	if err := m.tick(ctx, now.Add(30*time.Second)); err != nil {
		t.Fatal(err)
	}
	if n := countKind(t, st, job.ID, store.EventMissed); n != 1 {
		t.Fatalf("restart/re-tick must be idempotent, got %d MISSED events", n)
	}
}

func TestLateBeforeGraceExpires(t *testing.T) {
	m, st := newTestMonitor(t)
	ctx := context.Background()
	job := scheduledJob(t, st, 5*time.Minute, 10*time.Minute)

	if err := m.initialize(ctx); err != nil {
		t.Fatal(err)
	}

	fire := time.Date(2024, 6, 1, 12, 5, 0, 0, time.UTC)
	m.lastCheck = fire.Add(-time.Minute)

	// Past the fire but inside the grace window: LATE, not MISSED.
	if err := m.tick(ctx, fire.Add(30*time.Second)); err != nil {
		t.Fatal(err)
	}
	if n := countKind(t, st, job.ID, store.EventLate); n != 1 {
		t.Fatalf("want one LATE event, got %d", n)
	}
	if n := countKind(t, st, job.ID, store.EventMissed); n != 0 {
		t.Fatalf("MISSED must not appear inside the grace window, got %d", n)
	}
}

func TestStartWithinGraceSuppressesMissed(t *testing.T) {
	m, st := newTestMonitor(t)
	ctx := context.Background()
	job := scheduledJob(t, st, time.Minute, 10*time.Minute)

	fire := time.Date(2024, 6, 1, 12, 5, 0, 0, time.UTC)
	if _, err := st.AppendEvent(ctx, job.ID, store.EventStart, fire.Add(20*time.Second), nil, "", ""); err != nil {
		t.Fatal(err)
	}

	if err := m.initialize(ctx); err != nil {
		t.Fatal(err)
	}
	m.lastCheck = fire.Add(-time.Minute)

	if err := m.tick(ctx, fire.Add(2*time.Minute)); err != nil {
		t.Fatal(err)
	}
	if n := countKind(t, st, job.ID, store.EventMissed); n != 0 {
		t.Fatalf("START inside grace must suppress MISSED, got %d", n)
	}
}

func TestZeroGraceMissesOnFirstTickAfterFire(t *testing.T) {
	m, st := newTestMonitor(t)
	ctx := context.Background()
	job := scheduledJob(t, st, 0, 10*time.Minute)

	if err := m.initialize(ctx); err != nil {
		t.Fatal(err)
	}

	fire := time.Date(2024, 6, 1, 12, 5, 0, 0, time.UTC)
	m.lastCheck = fire.Add(-time.Minute)

	// Exactly at the fire instant nothing happens yet.
	if err := m.tick(ctx, fire); err != nil {
		t.Fatal(err)
	}
	if n := countKind(t, st, job.ID, store.EventMissed); n != 0 {
		t.Fatalf("MISSED must not appear at the fire instant, got %d", n)
	}

	// The first tick strictly after the fire materializes MISSED.
	m.lastCheck = fire.Add(-time.Minute)
	if err := m.tick(ctx, fire.Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	if n := countKind(t, st, job.ID, store.EventMissed); n != 1 {
		t.Fatalf("zero grace must miss on the first tick after the fire, got %d", n)
	}
}

func TestTimeoutMaterializesOncePerStart(t *testing.T) {
	m, st := newTestMonitor(t)
	ctx := context.Background()
	job := scheduledJob(t, st, time.Minute, time.Minute)

	start := time.Date(2024, 6, 1, 12, 5, 0, 0, time.UTC)
	if _, err := st.AppendEvent(ctx, job.ID, store.EventStart, start, nil, "", ""); err != nil {
		t.Fatal(err)
	}

	if err := m.initialize(ctx); err != nil {
		t.Fatal(err)
	}
	m.lastCheck = start

	now := start.Add(90 * time.Second)
	if err := m.tick(ctx, now); err != nil {
		t.Fatal(err)
	}
	if n := countKind(t, st, job.ID, store.EventTimeout); n != 1 {
		t.Fatalf("want one TIMEOUT event, got %d", n)
	}

	// Later ticks do not re-emit for the same START.
	if err := m.tick(ctx, now.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	if err := m.tick(ctx, now.Add(2*time.Minute)); err != nil {
		t.Fatal(err)
	}
	if n := countKind(t, st, job.ID, store.EventTimeout); n != 1 {
		t.Fatalf("TIMEOUT must be emitted once per START, got %d", n)
	}

	// A FINISH ends the run; no further timeouts.
	code := 0
	if _, err := st.AppendEvent(ctx, job.ID, store.EventFinish, now.Add(3*time.Minute), &code, "", ""); err != nil {
		t.Fatal(err)
	}
	if err := m.tick(ctx, now.Add(4*time.Minute)); err != nil {
		t.Fatal(err)
	}
	if n := countKind(t, st, job.ID, store.EventTimeout); n != 1 {
		t.Fatalf("finished run must not time out again, got %d", n)
	}
}

func TestFinishEventEmitsDelta(t *testing.T) {
	m, st := newTestMonitor(t)
	ctx := context.Background()
	job := scheduledJob(t, st, time.Minute, 10*time.Minute)

	if err := m.initialize(ctx); err != nil {
		t.Fatal(err)
	}
	drainQueue(m)

	now := time.Date(2024, 6, 1, 12, 6, 0, 0, time.UTC)
	m.lastCheck = now.Add(-30 * time.Second)

	if _, err := st.AppendEvent(ctx, job.ID, store.EventStart, now.Add(-time.Minute), nil, "", ""); err != nil {
		t.Fatal(err)
	}
	code := 2
	if _, err := st.AppendEvent(ctx, job.ID, store.EventFinish, now, &code, "", "boom"); err != nil {
		t.Fatal(err)
	}

	if err := m.tick(ctx, now.Add(time.Second)); err != nil {
		t.Fatal(err)
	}

	deltas := drainQueue(m)
	var fail *StatusChange
	for i := range deltas {
		if deltas[i].New == filter.StateFail {
			fail = &deltas[i]
		}
	}
	if fail == nil {
		t.Fatalf("no FAIL delta emitted: %+v", deltas)
	}
	if fail.Event.Kind != store.EventFinish {
		t.Errorf("delta must carry the trigger event, got %s", fail.Event.Kind)
	}

	snap := m.Snapshot()
	if snap.Jobs[job.ID].State != filter.StateFail {
		t.Errorf("snapshot state = %s, want FAIL", snap.Jobs[job.ID].State)
	}
	if snap.NumError != 1 {
		t.Errorf("NumError = %d, want 1", snap.NumError)
	}
}

func TestMisconfiguredScheduleIsExcluded(t *testing.T) {
	m, st := newTestMonitor(t)
	ctx := context.Background()

	job, err := st.EnsureJob(ctx, "hostA", "broken", "/bin/x")
	if err != nil {
		t.Fatal(err)
	}
	if err := st.SetSchedule(ctx, job.ID, "not a cron", "UTC", 0, 0); err != nil {
		t.Fatal(err)
	}

	if err := m.initialize(ctx); err != nil {
		t.Fatal(err)
	}
	m.lastCheck = time.Now().UTC().Add(-10 * time.Minute)

	if err := m.tick(ctx, time.Now().UTC()); err != nil {
		t.Fatal(err)
	}
	if n := countKind(t, st, job.ID, store.EventMissed); n != 0 {
		t.Fatalf("misconfigured job must be excluded from liveness, got %d MISSED", n)
	}
	if !m.Snapshot().Jobs[job.ID].Misconfigured {
		t.Error("snapshot must surface the misconfigured flag")
	}
}

func TestBacklogShedsDuplicatesFirst(t *testing.T) {
	m, _ := newTestMonitor(t)

	job := store.Job{ID: 1, Host: "h", Command: "c"}
	m.mu.Lock()
	for i := 0; i < queueSoftCap; i++ {
		// Alternate duplicates and transitions.
		if i%2 == 0 {
			m.queue = append(m.queue, StatusChange{Job: job, Old: filter.StateFail, New: filter.StateFail})
		} else {
			m.queue = append(m.queue, StatusChange{Job: job, Old: filter.StateOK, New: filter.StateFail})
		}
	}
	m.enqueueLocked(StatusChange{Job: job, Old: filter.StateFail, New: filter.StateMissed})
	queueLen := len(m.queue)
	dup := 0
	for _, sc := range m.queue {
		if sc.Old == sc.New {
			dup++
		}
	}
	m.mu.Unlock()

	if queueLen != queueSoftCap {
		t.Errorf("queue length = %d, want %d after shedding", queueLen, queueSoftCap)
	}
	if dup != queueSoftCap/2-1 {
		t.Errorf("a duplicate-state delta should have been shed, %d remain", dup)
	}
}
