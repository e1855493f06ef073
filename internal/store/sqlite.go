package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

func init() {
	Register("sqlite", func(ctx context.Context, dsn string, out OutputStore) (Store, error) {
		return NewSQLite(ctx, dsn, out)
	})
	RegisterOutput("sqlite", func(ctx context.Context, dsn string) (OutputStore, error) {
		return NewSQLiteOutput(ctx, dsn)
	})
}

// SQLiteStore is a WAL-mode SQLite implementation of Store. It is the
// default backend: a single-process daemon with a local database file.
// It is safe for concurrent use.
type SQLiteStore struct {
	db  *sql.DB
	out OutputStore
}

// ddl is the schema, kept here so the package is self-contained and a fresh
// database is usable immediately (CREATE ... IF NOT EXISTS is idempotent).
const ddl = `
CREATE TABLE IF NOT EXISTS job (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    host       TEXT    NOT NULL,
    crabid     TEXT    NOT NULL DEFAULT '',
    command    TEXT    NOT NULL,
    first_seen TEXT    NOT NULL,
    last_seen  TEXT    NOT NULL,
    retired    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_job_key ON job (host, crabid, retired);

CREATE TABLE IF NOT EXISTS jobconfig (
    job_id      INTEGER PRIMARY KEY REFERENCES job (id),
    schedule    TEXT    NOT NULL DEFAULT '',
    timezone    TEXT    NOT NULL DEFAULT '',
    graceperiod INTEGER,
    timeout     INTEGER,
    inhibited   INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS jobevent (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id      INTEGER NOT NULL REFERENCES job (id),
    kind        TEXT    NOT NULL,
    ts          TEXT    NOT NULL,
    status_code INTEGER,
    has_output  INTEGER NOT NULL DEFAULT 0,
    synth_key   TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_jobevent_synth
    ON jobevent (job_id, synth_key) WHERE synth_key IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_jobevent_job ON jobevent (job_id, id);
CREATE INDEX IF NOT EXISTS idx_jobevent_ts  ON jobevent (ts);

CREATE TABLE IF NOT EXISTS rawoutput (
    event_id INTEGER PRIMARY KEY REFERENCES jobevent (id),
    stdout   TEXT NOT NULL DEFAULT '',
    stderr   TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS jobnotify (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    host           TEXT    NOT NULL DEFAULT '',
    crabid         TEXT    NOT NULL DEFAULT '',
    min_severity   TEXT    NOT NULL,
    transport      TEXT    NOT NULL,
    address        TEXT    NOT NULL,
    skip_ok        INTEGER NOT NULL DEFAULT 1,
    include_output INTEGER NOT NULL DEFAULT 0,
    cooldown       INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS jobalert (
    id            TEXT    PRIMARY KEY,
    rule_id       INTEGER NOT NULL,
    job_id        INTEGER NOT NULL REFERENCES job (id),
    event_id      INTEGER NOT NULL REFERENCES jobevent (id),
    state         TEXT    NOT NULL,
    dispatched_at TEXT    NOT NULL,
    ok            INTEGER NOT NULL DEFAULT 0,
    result        TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_jobalert_rule_job
    ON jobalert (rule_id, job_id, dispatched_at);
`

// NewSQLite opens (or creates) the SQLite database at path, enables WAL
// journal mode, and applies the schema. If path is ":memory:" an in-memory
// database is used; suitable for tests but lost on Close.
//
// out, when non-nil, receives stdout/stderr payloads instead of the local
// rawoutput table.
func NewSQLite(ctx context.Context, path string, out OutputStore) (*SQLiteStore, error) {
	db, err := openSQLite(ctx, path)
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db, out: out}, nil
}

// openSQLite is shared by the main store and the output store backend.
func openSQLite(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %q: %w", path, err)
	}

	// SQLite allows only one writer at a time. Limiting the pool to a
	// single connection serialises writers through it and avoids
	// "database is locked" errors under concurrent request handling.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA synchronous = NORMAL`,
		`PRAGMA foreign_keys = ON`,
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: %s: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(ctx, ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	return db, nil
}

// Close closes the underlying database. The store must not be used after
// Close returns.
func (s *SQLiteStore) Close() error {
	if s.out != nil {
		_ = s.out.Close()
	}
	return s.db.Close()
}

// sqlTime formats t for storage; sqlite TEXT columns sort correctly in this
// representation.
func sqlTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime reads a stored timestamp, falling back to plain RFC3339.
func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339, s)
	}
	return t
}

// withTx runs fn inside a transaction, committing on nil and rolling back on
// error.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

const jobColumns = `
	job.id, job.host, job.crabid, job.command, job.first_seen, job.last_seen,
	job.retired,
	COALESCE(jobconfig.schedule, ''), COALESCE(jobconfig.timezone, ''),
	COALESCE(jobconfig.graceperiod, -1), COALESCE(jobconfig.timeout, -1),
	COALESCE(jobconfig.inhibited, 0)`

const jobFrom = ` FROM job LEFT JOIN jobconfig ON jobconfig.job_id = job.id `

// scanner is satisfied by both *sql.Row and *sql.Rows, allowing shared scan
// helpers across single-row and multi-row queries.
type scanner interface {
	Scan(dest ...any) error
}

func scanJob(sc scanner) (Job, error) {
	var (
		j                    Job
		firstSeen, lastSeen  string
		graceSecs, timeoutSecs int64
	)
	err := sc.Scan(
		&j.ID, &j.Host, &j.Crabid, &j.Command, &firstSeen, &lastSeen,
		&j.Retired,
		&j.Schedule, &j.Timezone, &graceSecs, &timeoutSecs, &j.Inhibited,
	)
	if err != nil {
		return Job{}, err
	}
	j.FirstSeen = parseTime(firstSeen)
	j.LastSeen = parseTime(lastSeen)
	j.GracePeriod = secondsOrUnset(graceSecs)
	j.Timeout = secondsOrUnset(timeoutSecs)
	return j, nil
}

func secondsOrUnset(secs int64) time.Duration {
	if secs < 0 {
		return DurationUnset
	}
	return time.Duration(secs) * time.Second
}

// EnsureJob implements Store. All lookup/update/insert steps run in one
// transaction so concurrent wrapper reports cannot race a supersession.
func (s *SQLiteStore) EnsureJob(ctx context.Context, host, crabid, command string) (Job, error) {
	now := time.Now().UTC()
	var id int64

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		find := func(query string, args ...any) (int64, string, error) {
			var foundID int64
			var foundCommand string
			err := tx.QueryRowContext(ctx, query, args...).Scan(&foundID, &foundCommand)
			if errors.Is(err, sql.ErrNoRows) {
				return 0, "", nil
			}
			return foundID, foundCommand, err
		}

		insert := func(crabid string) error {
			res, err := tx.ExecContext(ctx,
				`INSERT INTO job (host, crabid, command, first_seen, last_seen)
				 VALUES (?, ?, ?, ?, ?)`,
				host, crabid, command, sqlTime(now), sqlTime(now))
			if err != nil {
				return fmt.Errorf("store: insert job: %w", err)
			}
			id, err = res.LastInsertId()
			return err
		}

		touch := func(jobID int64) error {
			_, err := tx.ExecContext(ctx,
				`UPDATE job SET last_seen = ? WHERE id = ?`, sqlTime(now), jobID)
			return err
		}

		if crabid != "" {
			foundID, foundCommand, err := find(
				`SELECT id, command FROM job
				 WHERE host = ? AND crabid = ? AND retired = 0
				 ORDER BY id LIMIT 1`, host, crabid)
			if err != nil {
				return fmt.Errorf("store: find job by crabid: %w", err)
			}
			if foundID != 0 {
				if foundCommand == command {
					id = foundID
					return touch(foundID)
				}
				// Supersession: retire the old registration, create a
				// fresh one, and carry the schedule configuration over so
				// the job keeps its identity.
				if _, err := tx.ExecContext(ctx,
					`UPDATE job SET retired = 1 WHERE id = ?`, foundID); err != nil {
					return fmt.Errorf("store: retire superseded job: %w", err)
				}
				if err := insert(crabid); err != nil {
					return err
				}
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO jobconfig
					     (job_id, schedule, timezone, graceperiod, timeout, inhibited)
					 SELECT ?, schedule, timezone, graceperiod, timeout, inhibited
					 FROM jobconfig WHERE job_id = ?`, id, foundID); err != nil {
					return fmt.Errorf("store: carry over job config: %w", err)
				}
				return nil
			}

			// A registration may already exist for this command without a
			// crabid; upgrade it in place rather than duplicating the job.
			foundID, _, err = find(
				`SELECT id, command FROM job
				 WHERE host = ? AND crabid = '' AND command = ? AND retired = 0
				 ORDER BY id LIMIT 1`, host, command)
			if err != nil {
				return fmt.Errorf("store: find job by command: %w", err)
			}
			if foundID != 0 {
				id = foundID
				_, err := tx.ExecContext(ctx,
					`UPDATE job SET crabid = ?, last_seen = ? WHERE id = ?`,
					crabid, sqlTime(now), foundID)
				return err
			}
			return insert(crabid)
		}

		// No crabid supplied: the command text is the business key.
		foundID, _, err := find(
			`SELECT id, command FROM job
			 WHERE host = ? AND command = ? AND retired = 0
			 ORDER BY id LIMIT 1`, host, command)
		if err != nil {
			return fmt.Errorf("store: find job by command: %w", err)
		}
		if foundID != 0 {
			id = foundID
			return touch(foundID)
		}
		return insert("")
	})
	if err != nil {
		return Job{}, err
	}
	return s.GetJob(ctx, id)
}

// GetJob implements Store.
func (s *SQLiteStore) GetJob(ctx context.Context, id int64) (Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+jobFrom+`WHERE job.id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, fmt.Errorf("store: job %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Job{}, fmt.Errorf("store: get job %d: %w", id, err)
	}
	return j, nil
}

// GetJobs implements Store. Results are ordered by host, then crabid, then
// registration id.
func (s *SQLiteStore) GetJobs(ctx context.Context, includeRetired bool) ([]Job, error) {
	query := `SELECT ` + jobColumns + jobFrom
	if !includeRetired {
		query += `WHERE job.retired = 0 `
	}
	query += `ORDER BY job.host, job.crabid, job.id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// SetSchedule implements Store.
func (s *SQLiteStore) SetSchedule(ctx context.Context, id int64, spec, timezone string, grace, timeout time.Duration) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := jobExists(ctx, tx, id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO jobconfig (job_id, schedule, timezone, graceperiod, timeout)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (job_id) DO UPDATE SET
			     schedule = excluded.schedule,
			     timezone = excluded.timezone,
			     graceperiod = excluded.graceperiod,
			     timeout = excluded.timeout`,
			id, spec, timezone, int64(grace.Seconds()), int64(timeout.Seconds()))
		if err != nil {
			return fmt.Errorf("store: set schedule for job %d: %w", id, err)
		}
		return nil
	})
}

// RetireJob implements Store.
func (s *SQLiteStore) RetireJob(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE job SET retired = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: retire job %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: job %d: %w", id, ErrNotFound)
	}
	return nil
}

// SetInhibit implements Store.
func (s *SQLiteStore) SetInhibit(ctx context.Context, id int64, inhibited bool) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := jobExists(ctx, tx, id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO jobconfig (job_id, inhibited) VALUES (?, ?)
			 ON CONFLICT (job_id) DO UPDATE SET inhibited = excluded.inhibited`,
			id, boolInt(inhibited))
		if err != nil {
			return fmt.Errorf("store: set inhibit for job %d: %w", id, err)
		}
		return nil
	})
}

func jobExists(ctx context.Context, tx *sql.Tx, id int64) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM job WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("store: job %d: %w", id, ErrNotFound)
	}
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// AppendEvent implements Store. When an output store is configured the
// payload goes there and only the event row is written locally.
func (s *SQLiteStore) AppendEvent(ctx context.Context, jobID int64, kind EventKind, ts time.Time, statusCode *int, stdout, stderr string) (int64, error) {
	if !ValidKind(kind) {
		return 0, fmt.Errorf("store: invalid event kind %q", kind)
	}
	hasOutput := stdout != "" || stderr != ""

	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := jobExists(ctx, tx, jobID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO jobevent (job_id, kind, ts, status_code, has_output)
			 VALUES (?, ?, ?, ?, ?)`,
			jobID, string(kind), sqlTime(ts), nullableInt(statusCode), boolInt(hasOutput))
		if err != nil {
			return fmt.Errorf("store: append event: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return err
		}
		if hasOutput && s.out == nil {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO rawoutput (event_id, stdout, stderr) VALUES (?, ?, ?)`,
				id, stdout, stderr); err != nil {
				return fmt.Errorf("store: write output: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if hasOutput && s.out != nil {
		if err := s.out.WriteOutput(ctx, id, stdout, stderr); err != nil {
			return id, fmt.Errorf("store: output store: %w", err)
		}
	}
	return id, nil
}

// AppendSynthetic implements Store. The (job_id, synth_key) unique index
// turns a replay into a no-op, so a restarted monitor cannot double-emit.
func (s *SQLiteStore) AppendSynthetic(ctx context.Context, jobID int64, kind EventKind, ts time.Time, key string) (int64, bool, error) {
	if !ValidKind(kind) {
		return 0, false, fmt.Errorf("store: invalid event kind %q", kind)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO jobevent (job_id, kind, ts, synth_key)
		 VALUES (?, ?, ?, ?)`,
		jobID, string(kind), sqlTime(ts), key)
	if err != nil {
		return 0, false, fmt.Errorf("store: append synthetic event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var id int64
		err := s.db.QueryRowContext(ctx,
			`SELECT id FROM jobevent WHERE job_id = ? AND synth_key = ?`,
			jobID, key).Scan(&id)
		if err != nil {
			return 0, false, fmt.Errorf("store: find synthetic event: %w", err)
		}
		return id, false, nil
	}
	id, err := res.LastInsertId()
	return id, true, err
}

func nullableInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

const eventColumns = `id, job_id, kind, ts, status_code, has_output, synth_key`

func scanEvent(sc scanner) (Event, error) {
	var (
		e     Event
		ts    string
		code  sql.NullInt64
		synth sql.NullString
	)
	if err := sc.Scan(&e.ID, &e.JobID, &e.Kind, &ts, &code, &e.HasOutput, &synth); err != nil {
		return Event{}, err
	}
	e.Timestamp = parseTime(ts)
	if code.Valid {
		c := int(code.Int64)
		e.StatusCode = &c
	}
	e.SynthKey = synth.String
	return e, nil
}

func collectEvents(rows *sql.Rows) ([]Event, error) {
	defer rows.Close()
	var events []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetEvents implements Store.
func (s *SQLiteStore) GetEvents(ctx context.Context, jobID, sinceID int64, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = -1 // no limit in sqlite
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM jobevent
		 WHERE job_id = ? AND id > ?
		 ORDER BY id LIMIT ?`, jobID, sinceID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: get events: %w", err)
	}
	return collectEvents(rows)
}

// GetEventsSince implements Store.
func (s *SQLiteStore) GetEventsSince(ctx context.Context, sinceID int64) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM jobevent WHERE id > ? ORDER BY id`, sinceID)
	if err != nil {
		return nil, fmt.Errorf("store: get events since %d: %w", sinceID, err)
	}
	return collectEvents(rows)
}

// GetLatestEvents implements Store.
func (s *SQLiteStore) GetLatestEvents(ctx context.Context, jobID int64, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM (
		     SELECT `+eventColumns+` FROM jobevent
		     WHERE job_id = ? ORDER BY id DESC LIMIT ?
		 ) ORDER BY id`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: latest events: %w", err)
	}
	return collectEvents(rows)
}

// GetRecentEvents implements Store.
func (s *SQLiteStore) GetRecentEvents(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 40
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM jobevent ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent events: %w", err)
	}
	return collectEvents(rows)
}

// GetOutput implements Store.
func (s *SQLiteStore) GetOutput(ctx context.Context, eventID int64) (string, string, error) {
	if s.out != nil {
		return s.out.ReadOutput(ctx, eventID)
	}
	var stdout, stderr string
	err := s.db.QueryRowContext(ctx,
		`SELECT stdout, stderr FROM rawoutput WHERE event_id = ?`, eventID).
		Scan(&stdout, &stderr)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", fmt.Errorf("store: output for event %d: %w", eventID, ErrNotFound)
	}
	if err != nil {
		return "", "", fmt.Errorf("store: get output: %w", err)
	}
	return stdout, stderr, nil
}

// GetNotifications implements Store.
func (s *SQLiteStore) GetNotifications(ctx context.Context) ([]Rule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, host, crabid, min_severity, transport, address,
		        skip_ok, include_output, cooldown
		 FROM jobnotify ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: get notifications: %w", err)
	}
	defer rows.Close()

	var rules []Rule
	for rows.Next() {
		var r Rule
		var cooldownSecs int64
		err := rows.Scan(&r.ID, &r.Host, &r.Crabid, &r.MinSeverity,
			&r.Transport, &r.Address, &r.SkipOK, &r.IncludeOutput, &cooldownSecs)
		if err != nil {
			return nil, fmt.Errorf("store: scan notification: %w", err)
		}
		r.Cooldown = time.Duration(cooldownSecs) * time.Second
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// SetNotifications implements Store: a full transactional replace. The
// returned slice carries the newly assigned rule ids.
func (s *SQLiteStore) SetNotifications(ctx context.Context, rules []Rule) ([]Rule, error) {
	out := make([]Rule, len(rules))
	copy(out, rules)

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM jobnotify`); err != nil {
			return fmt.Errorf("store: clear notifications: %w", err)
		}
		for i := range out {
			r := &out[i]
			res, err := tx.ExecContext(ctx,
				`INSERT INTO jobnotify
				     (host, crabid, min_severity, transport, address,
				      skip_ok, include_output, cooldown)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				r.Host, r.Crabid, r.MinSeverity, r.Transport, r.Address,
				boolInt(r.SkipOK), boolInt(r.IncludeOutput),
				int64(r.Cooldown.Seconds()))
			if err != nil {
				return fmt.Errorf("store: insert notification: %w", err)
			}
			r.ID, err = res.LastInsertId()
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RecordAlert implements Store. An existing row with the same id is
// replaced, which lets the notifier update a failed dispatch to success
// after a retry.
func (s *SQLiteStore) RecordAlert(ctx context.Context, a Alert) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobalert
		     (id, rule_id, job_id, event_id, state, dispatched_at, ok, result)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		     dispatched_at = excluded.dispatched_at,
		     ok = excluded.ok,
		     result = excluded.result`,
		a.ID, a.RuleID, a.JobID, a.EventID, a.State,
		sqlTime(a.DispatchedAt), boolInt(a.OK), a.Result)
	if err != nil {
		return fmt.Errorf("store: record alert: %w", err)
	}
	return nil
}

// LastAlert implements Store.
func (s *SQLiteStore) LastAlert(ctx context.Context, ruleID, jobID int64) (Alert, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, rule_id, job_id, event_id, state, dispatched_at, ok, result
		 FROM jobalert
		 WHERE rule_id = ? AND job_id = ?
		 ORDER BY dispatched_at DESC LIMIT 1`, ruleID, jobID)

	var a Alert
	var dispatched string
	err := row.Scan(&a.ID, &a.RuleID, &a.JobID, &a.EventID, &a.State,
		&dispatched, &a.OK, &a.Result)
	if errors.Is(err, sql.ErrNoRows) {
		return Alert{}, ErrNotFound
	}
	if err != nil {
		return Alert{}, fmt.Errorf("store: last alert: %w", err)
	}
	a.DispatchedAt = parseTime(dispatched)
	return a, nil
}

// RemoveOldEvents implements Store. Events referenced by an alert that has
// not been dispatched successfully are kept; alerts whose event is removed
// go with it so no alert is ever orphaned.
func (s *SQLiteStore) RemoveOldEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	var removed int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		const candidates = `
			SELECT id FROM jobevent
			WHERE ts < ?
			  AND NOT EXISTS (
			      SELECT 1 FROM jobalert
			      WHERE jobalert.event_id = jobevent.id AND jobalert.ok = 0)`

		for _, stmt := range []string{
			`DELETE FROM jobalert WHERE event_id IN (` + candidates + `)`,
			`DELETE FROM rawoutput WHERE event_id IN (` + candidates + `)`,
		} {
			if _, err := tx.ExecContext(ctx, stmt, sqlTime(cutoff)); err != nil {
				return fmt.Errorf("store: retention cleanup: %w", err)
			}
		}
		res, err := tx.ExecContext(ctx,
			`DELETE FROM jobevent WHERE id IN (`+candidates+`)`, sqlTime(cutoff))
		if err != nil {
			return fmt.Errorf("store: retention cleanup: %w", err)
		}
		removed, _ = res.RowsAffected()
		return nil
	})
	return removed, err
}

// SQLiteOutput is the SQLite implementation of OutputStore, used when the
// daemon routes payload blobs to a secondary database file.
type SQLiteOutput struct {
	db *sql.DB
}

// outputDDL is the standalone schema for a secondary output database. The
// event id is an opaque reference here; the jobevent table lives in the main
// store.
const outputDDL = `
CREATE TABLE IF NOT EXISTS rawoutput (
    event_id INTEGER PRIMARY KEY,
    stdout   TEXT NOT NULL DEFAULT '',
    stderr   TEXT NOT NULL DEFAULT ''
);
`

// NewSQLiteOutput opens (or creates) an output store database at path.
func NewSQLiteOutput(ctx context.Context, path string) (*SQLiteOutput, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open output %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	for _, stmt := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA synchronous = NORMAL`,
		outputDDL,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: output schema: %w", err)
		}
	}
	return &SQLiteOutput{db: db}, nil
}

// WriteOutput implements OutputStore.
func (o *SQLiteOutput) WriteOutput(ctx context.Context, eventID int64, stdout, stderr string) error {
	_, err := o.db.ExecContext(ctx,
		`INSERT INTO rawoutput (event_id, stdout, stderr) VALUES (?, ?, ?)
		 ON CONFLICT (event_id) DO UPDATE SET
		     stdout = excluded.stdout, stderr = excluded.stderr`,
		eventID, stdout, stderr)
	if err != nil {
		return fmt.Errorf("store: output write: %w", err)
	}
	return nil
}

// ReadOutput implements OutputStore.
func (o *SQLiteOutput) ReadOutput(ctx context.Context, eventID int64) (string, string, error) {
	var stdout, stderr string
	err := o.db.QueryRowContext(ctx,
		`SELECT stdout, stderr FROM rawoutput WHERE event_id = ?`, eventID).
		Scan(&stdout, &stderr)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", fmt.Errorf("store: output for event %d: %w", eventID, ErrNotFound)
	}
	if err != nil {
		return "", "", fmt.Errorf("store: output read: %w", err)
	}
	return stdout, stderr, nil
}

// Close implements OutputStore.
func (o *SQLiteOutput) Close() error { return o.db.Close() }
