// Package store provides the durable persistence layer for the crab daemon:
// job registrations, the append-only event log, per-job configuration,
// notification rules, and dispatched alerts.
//
// Two backends are provided, selected by name through a registry (see
// Register and Open): a WAL-mode SQLite backend, which is the default for a
// single-host deployment, and a PostgreSQL backend. Both satisfy the Store
// interface and the daemon never touches the database outside of it.
//
// Large stdout/stderr payloads can optionally be routed to a separate
// OutputStore backend; the main store then keeps only the event row and
// reassembles the payload transparently on read.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned by lookups whose subject does not exist.
var ErrNotFound = errors.New("store: not found")

// DurationUnset marks a grace period or timeout that has never been
// configured, as opposed to an explicit zero.
const DurationUnset = time.Duration(-1)

// EventKind identifies the type of a job lifecycle event.
type EventKind string

// Event kinds recorded in the jobevent table. START/FINISH/WARN and the
// bypass kinds come from the wrapper via the client API; MISSED, LATE and
// TIMEOUT are synthesized by the liveness monitor.
const (
	EventStart          EventKind = "START"
	EventFinish         EventKind = "FINISH"
	EventWarn           EventKind = "WARN"
	EventAlreadyRunning EventKind = "ALREADYRUNNING"
	EventInhibited      EventKind = "INHIBITED"
	EventMissed         EventKind = "MISSED"
	EventLate           EventKind = "LATE"
	EventTimeout        EventKind = "TIMEOUT"
	EventCouldNotStart  EventKind = "COULDNOTSTART"
)

// validKinds is the set of accepted event kind strings.
var validKinds = map[EventKind]bool{
	EventStart:          true,
	EventFinish:         true,
	EventWarn:           true,
	EventAlreadyRunning: true,
	EventInhibited:      true,
	EventMissed:         true,
	EventLate:           true,
	EventTimeout:        true,
	EventCouldNotStart:  true,
}

// ValidKind reports whether k is a recognized event kind.
func ValidKind(k EventKind) bool { return validKinds[k] }

// Job is a registration of an externally scheduled command on a host.
//
// Crabid is the caller-supplied stable identifier; when empty the command
// text serves as the business key. Registrations are never hard-deleted:
// Retired marks a row that was superseded or explicitly retired and is
// excluded from liveness monitoring.
type Job struct {
	ID        int64     `json:"id"`
	Host      string    `json:"host"`
	Crabid    string    `json:"crabid,omitempty"`
	Command   string    `json:"command"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`

	// Schedule is a five-field cron specification; empty means the job has
	// no schedule and is not liveness-monitored.
	Schedule string `json:"schedule,omitempty"`
	// Timezone is an IANA zone name; empty falls back to the daemon default.
	Timezone string `json:"timezone,omitempty"`
	// GracePeriod is how late a START may arrive before MISSED. A zero
	// grace is meaningful (MISSED on the first tick after the fire), so
	// DurationUnset marks the absence of a configured value.
	GracePeriod time.Duration `json:"graceperiod,omitempty"`
	// Timeout is how long a START may run without FINISH before TIMEOUT;
	// DurationUnset when not configured.
	Timeout time.Duration `json:"timeout,omitempty"`

	Retired   bool `json:"retired,omitempty"`
	Inhibited bool `json:"inhibited,omitempty"`
}

// Event is one append-only record in a job's lifecycle log. Stdout and
// Stderr are only populated by GetOutput; list queries leave them empty so
// that large payloads are not dragged through every read.
type Event struct {
	ID         int64     `json:"id"`
	JobID      int64     `json:"job_id"`
	Kind       EventKind `json:"kind"`
	Timestamp  time.Time `json:"timestamp"`
	StatusCode *int      `json:"status_code,omitempty"`
	Stdout     string    `json:"stdout,omitempty"`
	Stderr     string    `json:"stderr,omitempty"`
	HasOutput  bool      `json:"has_output,omitempty"`

	// SynthKey is the idempotence key of a monitor-generated event, empty
	// for events reported by the wrapper.
	SynthKey string `json:"-"`
}

// Rule is one notification subscription. Empty Host or Crabid matches any
// value. Address may hold several comma-separated recipients; splitting is
// the notification engine's concern.
type Rule struct {
	ID            int64         `json:"id" yaml:"-"`
	Host          string        `json:"host,omitempty" yaml:"host"`
	Crabid        string        `json:"crabid,omitempty" yaml:"crabid"`
	MinSeverity   string        `json:"min_severity" yaml:"min_severity"`
	Transport     string        `json:"transport" yaml:"transport"`
	Address       string        `json:"address" yaml:"address"`
	SkipOK        bool          `json:"skip_ok" yaml:"skip_ok"`
	IncludeOutput bool          `json:"include_output" yaml:"include_output"`
	Cooldown      time.Duration `json:"cooldown,omitempty" yaml:"cooldown"`
}

// Alert records one dispatch attempt outcome for a (rule, job, event)
// triple. Every alert references an extant event.
type Alert struct {
	ID           string    `json:"id"`
	RuleID       int64     `json:"rule_id"`
	JobID        int64     `json:"job_id"`
	EventID      int64     `json:"event_id"`
	State        string    `json:"state"`
	DispatchedAt time.Time `json:"dispatched_at"`
	OK           bool      `json:"ok"`
	Result       string    `json:"result,omitempty"`
}

// Store is the transactional persistence API. All durable state flows
// through it; write operations either fully commit or return an error.
type Store interface {
	// EnsureJob finds or creates the registration for (host, crabid,
	// command) and returns it with LastSeen refreshed. It implements
	// supersession: a new command under an existing crabid retires the old
	// row and inserts a fresh one, and a crabid arriving for a previously
	// crabid-less registration of the same command upgrades that row in
	// place.
	EnsureJob(ctx context.Context, host, crabid, command string) (Job, error)

	GetJob(ctx context.Context, id int64) (Job, error)
	GetJobs(ctx context.Context, includeRetired bool) ([]Job, error)
	SetSchedule(ctx context.Context, id int64, spec, timezone string, grace, timeout time.Duration) error
	RetireJob(ctx context.Context, id int64) error
	SetInhibit(ctx context.Context, id int64, inhibited bool) error

	// AppendEvent appends one event and returns its id, monotonic within
	// the job. Payloads are routed to the output store when configured.
	AppendEvent(ctx context.Context, jobID int64, kind EventKind, ts time.Time, statusCode *int, stdout, stderr string) (int64, error)

	// AppendSynthetic appends a monitor-generated event keyed by key,
	// unique per job. It reports created=false when an event with the same
	// key already exists, making monitor restarts idempotent.
	AppendSynthetic(ctx context.Context, jobID int64, kind EventKind, ts time.Time, key string) (id int64, created bool, err error)

	// GetEvents returns events for one job with id > sinceID in ascending
	// id order, at most limit rows (limit <= 0 means no limit).
	GetEvents(ctx context.Context, jobID, sinceID int64, limit int) ([]Event, error)

	// GetEventsSince returns events across all jobs with id > sinceID in
	// ascending id order. The monitor uses it to observe new activity.
	GetEventsSince(ctx context.Context, sinceID int64) ([]Event, error)

	// GetLatestEvents returns the newest limit events of one job in
	// ascending id order. The monitor uses it to seed its per-job caches
	// at startup.
	GetLatestEvents(ctx context.Context, jobID int64, limit int) ([]Event, error)

	// GetRecentEvents returns the newest events across all jobs, newest
	// first, for the dashboard and the feed.
	GetRecentEvents(ctx context.Context, limit int) ([]Event, error)

	// GetOutput returns the stdout/stderr payload of one event,
	// reassembled from the output store when one is configured.
	GetOutput(ctx context.Context, eventID int64) (stdout, stderr string, err error)

	GetNotifications(ctx context.Context) ([]Rule, error)
	// SetNotifications replaces the full rule set in one transaction.
	SetNotifications(ctx context.Context, rules []Rule) ([]Rule, error)

	RecordAlert(ctx context.Context, a Alert) error
	// LastAlert returns the most recent alert for (ruleID, jobID), or
	// ErrNotFound.
	LastAlert(ctx context.Context, ruleID, jobID int64) (Alert, error)

	// RemoveOldEvents deletes events older than cutoff, skipping events
	// referenced by an alert that has not been dispatched successfully.
	// It returns the number of rows removed and is safe to re-run.
	RemoveOldEvents(ctx context.Context, cutoff time.Time) (int64, error)

	Close() error
}

// OutputStore receives the large stdout/stderr blobs when the daemon is
// configured with a separate [outputstore] backend.
type OutputStore interface {
	WriteOutput(ctx context.Context, eventID int64, stdout, stderr string) error
	ReadOutput(ctx context.Context, eventID int64) (stdout, stderr string, err error)
	Close() error
}

// Constructor opens a Store backend. outputs may be nil, in which case the
// backend keeps payloads in its own rawoutput table.
type Constructor func(ctx context.Context, dsn string, outputs OutputStore) (Store, error)

// OutputConstructor opens an OutputStore backend.
type OutputConstructor func(ctx context.Context, dsn string) (OutputStore, error)

var (
	registryMu sync.RWMutex
	backends   = map[string]Constructor{}
	outputs    = map[string]OutputConstructor{}
)

// Register adds a Store backend constructor under name. Backends call it
// from init; registering the same name twice panics.
func Register(name string, c Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := backends[name]; dup {
		panic(fmt.Sprintf("store: backend %q registered twice", name))
	}
	backends[name] = c
}

// RegisterOutput adds an OutputStore backend constructor under name.
func RegisterOutput(name string, c OutputConstructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := outputs[name]; dup {
		panic(fmt.Sprintf("store: output backend %q registered twice", name))
	}
	outputs[name] = c
}

// Backends returns the sorted names of all registered Store backends.
func Backends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open constructs the named Store backend with dsn. out may be nil.
func Open(ctx context.Context, backend, dsn string, out OutputStore) (Store, error) {
	registryMu.RLock()
	c, ok := backends[backend]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("store: unknown backend %q (have %v)", backend, Backends())
	}
	return c(ctx, dsn, out)
}

// OpenOutput constructs the named OutputStore backend with dsn.
func OpenOutput(ctx context.Context, backend, dsn string) (OutputStore, error) {
	registryMu.RLock()
	c, ok := outputs[backend]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("store: unknown output backend %q", backend)
	}
	return c(ctx, dsn)
}
