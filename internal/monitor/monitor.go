// Package monitor implements the liveness monitor: a long-lived loop that
// compares each scheduled job's expected fire instants against the observed
// event stream, materializes LATE, MISSED and TIMEOUT events, and fans
// status changes out to the notification engine.
//
// The monitor keeps only a soft in-memory cache (per-job recent events and
// last derived state). All synthetic events are written through the Store
// with a per-fire idempotence key, so losing the cache — or restarting the
// daemon — costs at most one tick of redundant reads, never a duplicate
// MISSED or TIMEOUT event.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/manugarri/crab/internal/filter"
	"github.com/manugarri/crab/internal/schedule"
	"github.com/manugarri/crab/internal/store"
)

const (
	// DefaultInterval is the tick period.
	DefaultInterval = 30 * time.Second

	// DefaultLookback bounds how far behind now each tick scans for
	// expected fires, so a paused daemon does not re-evaluate its whole
	// history on resume.
	DefaultLookback = 10 * time.Minute

	// eventCacheSize is how many recent events are kept per job for state
	// derivation.
	eventCacheSize = 100

	// queueSoftCap is the fan-out backlog size above which duplicate-state
	// deltas are shed; queueHardCap is the ceiling above which even
	// transitions are dropped and the degraded callback fires.
	queueSoftCap = 256
	queueHardCap = 1024
)

// StatusChange is one entry on the monitor's fan-out: job j went from Old
// to New, triggered by Event. Old may equal New when a fresh event
// re-asserts the current state (for example a second failing FINISH); the
// notification engine decides whether that repeats an alert.
type StatusChange struct {
	Job   store.Job
	Old   filter.State
	New   filter.State
	Event store.Event
	At    time.Time
}

// JobStatus is the monitor's view of one job, returned by Snapshot.
type JobStatus struct {
	Job           store.Job
	State         filter.State
	Reliability   int
	Misconfigured bool
}

// Snapshot is a copy of the monitor's status cache.
type Snapshot struct {
	Jobs       map[int64]JobStatus
	NumWarning int
	NumError   int
	Degraded   bool
}

// Config carries the monitor's tunables. Zero values take the defaults
// above; DefaultGrace and DefaultTimeout apply to jobs whose configuration
// leaves them unset.
type Config struct {
	Interval       time.Duration
	Lookback       time.Duration
	DefaultTZ      string
	DefaultGrace   time.Duration
	DefaultTimeout time.Duration
}

// Monitor is the liveness monitor. Create one with New and drive it with
// Run; consume status changes from Deltas.
type Monitor struct {
	store  store.Store
	logger *slog.Logger
	cfg    Config

	mu     sync.Mutex
	jobs   map[int64]*jobState
	lastID int64 // highest event id processed
	lastCheck time.Time

	queue    []StatusChange
	queueCh  chan struct{}
	out      chan StatusChange
	degraded bool

	// OnDegraded, when set, is called once if the fan-out backlog exceeds
	// its hard ceiling and transitions had to be dropped.
	OnDegraded func()
}

type jobState struct {
	job           store.Job
	sched         *schedule.Schedule
	misconfigured bool
	events        []store.Event
	state         filter.State
	reliability   int
	dirty         bool
	// fresh holds synthetic events materialized during the current tick,
	// so they feed delta emission exactly once.
	fresh []store.Event
}

// New creates a Monitor over st.
func New(st store.Store, logger *slog.Logger, cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = DefaultLookback
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		store:   st,
		logger:  logger.With(slog.String("component", "monitor")),
		cfg:     cfg,
		jobs:    make(map[int64]*jobState),
		queueCh: make(chan struct{}, 1),
		out:     make(chan StatusChange),
	}
}

// Deltas returns the fan-out channel. It is closed after Run returns and
// the queue has drained.
func (m *Monitor) Deltas() <-chan StatusChange { return m.out }

// Run executes the monitor loop until ctx is cancelled. The current tick is
// always finished before Run returns. Store failures are logged and retried
// on the next tick; they never terminate the loop.
func (m *Monitor) Run(ctx context.Context) {
	go m.pump(ctx)

	if err := m.initialize(ctx); err != nil {
		m.logger.Error("initial load failed; continuing with empty cache",
			slog.Any("error", err))
	}

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.tick(ctx, time.Now().UTC()); err != nil && ctx.Err() == nil {
				m.logger.Error("tick failed", slog.Any("error", err))
			}
		}
	}
}

// initialize seeds the status cache from the Store so that the first tick
// starts from the current derived states instead of reporting every job as
// a transition from UNKNOWN.
func (m *Monitor) initialize(ctx context.Context) error {
	now := time.Now().UTC()

	jobs, err := m.store.GetJobs(ctx, false)
	if err != nil {
		return fmt.Errorf("monitor: load jobs: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, j := range jobs {
		js := m.newJobStateLocked(j)
		events, err := m.store.GetLatestEvents(ctx, j.ID, eventCacheSize)
		if err != nil {
			return fmt.Errorf("monitor: load events for job %d: %w", j.ID, err)
		}
		js.events = events
		for _, e := range events {
			if e.ID > m.lastID {
				m.lastID = e.ID
			}
		}
		st := filter.Reduce(events, now, m.timeoutFor(j))
		js.state = st.State
		js.reliability = st.Reliability
		m.jobs[j.ID] = js
	}
	m.lastCheck = now
	return nil
}

func (m *Monitor) newJobStateLocked(j store.Job) *jobState {
	js := &jobState{job: j, state: filter.StateUnknown}
	if j.Schedule != "" {
		tz := j.Timezone
		if tz == "" {
			tz = m.cfg.DefaultTZ
		}
		sched, err := schedule.Parse(j.Schedule, tz)
		if err != nil {
			// The job stays visible but is excluded from liveness until
			// its schedule is fixed.
			m.logger.Warn("job has unusable schedule",
				slog.Int64("job", j.ID),
				slog.String("spec", j.Schedule),
				slog.Any("error", err))
			js.misconfigured = true
		} else {
			js.sched = sched
		}
	}
	return js
}

// graceFor and timeoutFor resolve a job's configured values, falling back
// to the daemon defaults only when the job has none (an explicit zero is
// meaningful).
func (m *Monitor) graceFor(j store.Job) time.Duration {
	if j.GracePeriod >= 0 {
		return j.GracePeriod
	}
	return m.cfg.DefaultGrace
}

func (m *Monitor) timeoutFor(j store.Job) time.Duration {
	if j.Timeout >= 0 {
		return j.Timeout
	}
	return m.cfg.DefaultTimeout
}

// tick runs one monitor pass at the given instant.
func (m *Monitor) tick(ctx context.Context, now time.Time) error {
	jobs, err := m.store.GetJobs(ctx, false)
	if err != nil {
		return fmt.Errorf("monitor: load jobs: %w", err)
	}

	events, err := m.store.GetEventsSince(ctx, m.currentLastID())
	if err != nil {
		return fmt.Errorf("monitor: load events: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.refreshJobsLocked(jobs)

	// Fold the new events into the per-job caches.
	byJob := make(map[int64][]store.Event)
	for _, e := range events {
		if e.ID > m.lastID {
			m.lastID = e.ID
		}
		byJob[e.JobID] = append(byJob[e.JobID], e)
	}
	for id, evs := range byJob {
		js, ok := m.jobs[id]
		if !ok {
			continue // retired or just-removed job
		}
		js.events = appendBounded(js.events, evs...)
	}

	// Liveness: materialize LATE / MISSED / TIMEOUT, then re-derive.
	windowStart := m.lastCheck.Add(-m.cfg.Lookback)
	for _, js := range m.jobs {
		m.checkScheduleLocked(ctx, js, windowStart, now)
		m.checkTimeoutLocked(ctx, js, now)
	}
	m.lastCheck = now

	// State derivation and delta emission, for jobs with fresh events.
	for id, js := range m.jobs {
		evs := append(byJob[id], js.fresh...)
		js.fresh = nil
		if len(evs) == 0 && !js.dirty {
			continue
		}
		js.dirty = false
		st := filter.Reduce(js.events, now, m.timeoutFor(js.job))
		old := js.state
		js.state = st.State
		js.reliability = st.Reliability

		// One delta per alertable trigger event; a state transition with
		// no alertable event (clock-derived) is reported against the
		// newest event.
		emitted := false
		for _, e := range evs {
			if alertable(e.Kind) {
				m.enqueueLocked(StatusChange{
					Job: js.job, Old: old, New: js.state, Event: e, At: now,
				})
				old = js.state
				emitted = true
			}
		}
		if !emitted && js.state != old {
			var trigger store.Event
			if n := len(js.events); n > 0 {
				trigger = js.events[n-1]
			}
			m.enqueueLocked(StatusChange{
				Job: js.job, Old: old, New: js.state, Event: trigger, At: now,
			})
		}
	}
	return nil
}

// alertable reports whether an event kind can trigger a notification.
// STARTs only change state; they never alert on their own.
func alertable(k store.EventKind) bool {
	switch k {
	case store.EventFinish, store.EventWarn, store.EventAlreadyRunning,
		store.EventInhibited, store.EventMissed, store.EventLate,
		store.EventTimeout, store.EventCouldNotStart:
		return true
	}
	return false
}

// refreshJobsLocked reconciles the cache with the current registrations:
// new jobs are added, vanished (retired) jobs removed, and schedule changes
// re-parsed.
func (m *Monitor) refreshJobsLocked(jobs []store.Job) {
	seen := make(map[int64]bool, len(jobs))
	for _, j := range jobs {
		seen[j.ID] = true
		js, ok := m.jobs[j.ID]
		if !ok {
			m.jobs[j.ID] = m.newJobStateLocked(j)
			continue
		}
		if js.job.Schedule != j.Schedule || js.job.Timezone != j.Timezone {
			fresh := m.newJobStateLocked(j)
			fresh.events = js.events
			fresh.state = js.state
			fresh.reliability = js.reliability
			fresh.dirty = true
			m.jobs[j.ID] = fresh
			continue
		}
		js.job = j
	}
	for id := range m.jobs {
		if !seen[id] {
			delete(m.jobs, id)
		}
	}
}

// checkScheduleLocked evaluates one job's expected fires in
// [windowStart, now) and materializes LATE and MISSED events.
func (m *Monitor) checkScheduleLocked(ctx context.Context, js *jobState, windowStart, now time.Time) {
	if js.sched == nil || js.misconfigured {
		return
	}
	grace := m.graceFor(js.job)

	for _, fire := range js.sched.Fires(windowStart, now) {
		if hasStartIn(js.events, fire, fire.Add(grace)) {
			continue
		}
		if now.After(fire.Add(grace)) {
			m.materializeLocked(ctx, js, store.EventMissed,
				fmt.Sprintf("missed-%d", fire.Unix()), now)
		} else if now.After(fire) {
			m.materializeLocked(ctx, js, store.EventLate,
				fmt.Sprintf("late-%d", fire.Unix()), now)
		}
	}
}

// checkTimeoutLocked materializes a TIMEOUT event for a START that has
// outlived the job's timeout without a FINISH, keyed by the START id.
func (m *Monitor) checkTimeoutLocked(ctx context.Context, js *jobState, now time.Time) {
	timeout := m.timeoutFor(js.job)
	if timeout <= 0 {
		return
	}
	var lastStart *store.Event
	for i := len(js.events) - 1; i >= 0; i-- {
		e := js.events[i]
		if e.Kind == store.EventFinish {
			return // most recent run completed
		}
		if e.Kind == store.EventStart {
			lastStart = &js.events[i]
			break
		}
	}
	if lastStart == nil || now.Sub(lastStart.Timestamp) <= timeout {
		return
	}
	m.materializeLocked(ctx, js, store.EventTimeout,
		fmt.Sprintf("timeout-%d", lastStart.ID), now)
}

// materializeLocked writes a synthetic event. The Store's unique key makes
// it idempotent; only a newly created event is folded into the cache (it
// then triggers a delta on this tick).
func (m *Monitor) materializeLocked(ctx context.Context, js *jobState, kind store.EventKind, key string, now time.Time) {
	if hasSyntheticKey(js.events, key) {
		return
	}
	id, created, err := m.store.AppendSynthetic(ctx, js.job.ID, kind, now, key)
	if err != nil {
		m.logger.Error("could not record synthetic event",
			slog.Int64("job", js.job.ID),
			slog.String("kind", string(kind)),
			slog.Any("error", err))
		return
	}
	if !created {
		return
	}
	e := store.Event{ID: id, JobID: js.job.ID, Kind: kind, Timestamp: now, SynthKey: key}
	js.events = appendBounded(js.events, e)
	js.fresh = append(js.fresh, e)
	if id > m.lastID {
		m.lastID = id
	}
}

func hasStartIn(events []store.Event, from, to time.Time) bool {
	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		if e.Kind != store.EventStart {
			continue
		}
		if !e.Timestamp.Before(from) && !e.Timestamp.After(to) {
			return true
		}
	}
	return false
}

func hasSyntheticKey(events []store.Event, key string) bool {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].SynthKey == key {
			return true
		}
	}
	return false
}

func appendBounded(events []store.Event, more ...store.Event) []store.Event {
	events = append(events, more...)
	if len(events) > eventCacheSize {
		events = events[len(events)-eventCacheSize:]
	}
	return events
}

func (m *Monitor) currentLastID() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastID
}

// Snapshot returns a copy of the monitor's status cache; callers may use it
// freely without synchronization.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{Jobs: make(map[int64]JobStatus, len(m.jobs)), Degraded: m.degraded}
	for id, js := range m.jobs {
		snap.Jobs[id] = JobStatus{
			Job:           js.job,
			State:         js.state,
			Reliability:   js.reliability,
			Misconfigured: js.misconfigured,
		}
		switch js.state {
		case filter.StateWarn, filter.StateLate:
			snap.NumWarning++
		case filter.StateFail, filter.StateMissed, filter.StateTimeout:
			snap.NumError++
		}
	}
	return snap
}

// enqueueLocked adds a delta to the fan-out backlog, shedding per the
// backpressure policy: duplicate-state deltas go first once the soft cap is
// reached; past the hard ceiling transitions are dropped too and the
// degraded callback fires once.
func (m *Monitor) enqueueLocked(sc StatusChange) {
	if len(m.queue) >= queueSoftCap {
		for i, q := range m.queue {
			if q.Old == q.New {
				m.queue = append(m.queue[:i], m.queue[i+1:]...)
				break
			}
		}
	}
	if len(m.queue) >= queueHardCap {
		m.queue = m.queue[1:]
		if !m.degraded {
			m.degraded = true
			m.logger.Error("notification backlog exceeded hard ceiling; dropping status changes")
			if m.OnDegraded != nil {
				go m.OnDegraded()
			}
		}
	}
	m.queue = append(m.queue, sc)
	select {
	case m.queueCh <- struct{}{}:
	default:
	}
}

// pump forwards queued deltas to the out channel in order, then closes it
// once the context is cancelled and the backlog is drained.
func (m *Monitor) pump(ctx context.Context) {
	defer close(m.out)
	for {
		m.mu.Lock()
		var next *StatusChange
		if len(m.queue) > 0 {
			sc := m.queue[0]
			m.queue = m.queue[1:]
			next = &sc
		}
		m.mu.Unlock()

		if next == nil {
			select {
			case <-ctx.Done():
				// Drain whatever arrived during the final tick.
				m.mu.Lock()
				empty := len(m.queue) == 0
				m.mu.Unlock()
				if empty {
					return
				}
				continue
			case <-m.queueCh:
				continue
			}
		}

		select {
		case m.out <- *next:
		case <-ctx.Done():
			// Receiver is shutting down too; try a last non-blocking hand-off.
			select {
			case m.out <- *next:
			default:
				return
			}
		}
	}
}
