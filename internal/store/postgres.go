package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

func init() {
	Register("postgres", func(ctx context.Context, dsn string, out OutputStore) (Store, error) {
		return NewPostgres(ctx, dsn, out)
	})
	RegisterOutput("postgres", func(ctx context.Context, dsn string) (OutputStore, error) {
		return NewPostgresOutput(ctx, dsn)
	})
}

// PostgresStore is the PostgreSQL-backed implementation of Store, for
// deployments that already run a database server. It is safe for concurrent
// use; pgxpool manages the connections.
type PostgresStore struct {
	pool *pgxpool.Pool
	out  OutputStore
}

const pgDDL = `
CREATE TABLE IF NOT EXISTS job (
    id         BIGSERIAL PRIMARY KEY,
    host       TEXT NOT NULL,
    crabid     TEXT NOT NULL DEFAULT '',
    command    TEXT NOT NULL,
    first_seen TIMESTAMPTZ NOT NULL,
    last_seen  TIMESTAMPTZ NOT NULL,
    retired    BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_job_key ON job (host, crabid, retired);

CREATE TABLE IF NOT EXISTS jobconfig (
    job_id      BIGINT PRIMARY KEY REFERENCES job (id),
    schedule    TEXT NOT NULL DEFAULT '',
    timezone    TEXT NOT NULL DEFAULT '',
    graceperiod BIGINT,
    timeout     BIGINT,
    inhibited   BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS jobevent (
    id          BIGSERIAL PRIMARY KEY,
    job_id      BIGINT NOT NULL REFERENCES job (id),
    kind        TEXT NOT NULL,
    ts          TIMESTAMPTZ NOT NULL,
    status_code INTEGER,
    has_output  BOOLEAN NOT NULL DEFAULT FALSE,
    synth_key   TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_jobevent_synth
    ON jobevent (job_id, synth_key) WHERE synth_key IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_jobevent_job ON jobevent (job_id, id);
CREATE INDEX IF NOT EXISTS idx_jobevent_ts  ON jobevent (ts);

CREATE TABLE IF NOT EXISTS rawoutput (
    event_id BIGINT PRIMARY KEY REFERENCES jobevent (id),
    stdout   TEXT NOT NULL DEFAULT '',
    stderr   TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS jobnotify (
    id             BIGSERIAL PRIMARY KEY,
    host           TEXT NOT NULL DEFAULT '',
    crabid         TEXT NOT NULL DEFAULT '',
    min_severity   TEXT NOT NULL,
    transport      TEXT NOT NULL,
    address        TEXT NOT NULL,
    skip_ok        BOOLEAN NOT NULL DEFAULT TRUE,
    include_output BOOLEAN NOT NULL DEFAULT FALSE,
    cooldown       BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS jobalert (
    id            TEXT PRIMARY KEY,
    rule_id       BIGINT NOT NULL,
    job_id        BIGINT NOT NULL REFERENCES job (id),
    event_id      BIGINT NOT NULL REFERENCES jobevent (id),
    state         TEXT NOT NULL,
    dispatched_at TIMESTAMPTZ NOT NULL,
    ok            BOOLEAN NOT NULL DEFAULT FALSE,
    result        TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_jobalert_rule_job
    ON jobalert (rule_id, job_id, dispatched_at);
`

// NewPostgres opens a pgxpool connection to connStr, pings the database, and
// applies the schema. out, when non-nil, receives stdout/stderr payloads
// instead of the local rawoutput table.
func NewPostgres(ctx context.Context, connStr string, out OutputStore) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("store: pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: pool.Ping: %w", err)
	}
	if _, err := pool.Exec(ctx, pgDDL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	return &PostgresStore{pool: pool, out: out}, nil
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	if s.out != nil {
		_ = s.out.Close()
	}
	s.pool.Close()
	return nil
}

const pgJobColumns = `
	job.id, job.host, job.crabid, job.command, job.first_seen, job.last_seen,
	job.retired,
	COALESCE(jobconfig.schedule, ''), COALESCE(jobconfig.timezone, ''),
	COALESCE(jobconfig.graceperiod, -1), COALESCE(jobconfig.timeout, -1),
	COALESCE(jobconfig.inhibited, FALSE)`

const pgJobFrom = ` FROM job LEFT JOIN jobconfig ON jobconfig.job_id = job.id `

func pgScanJob(sc scanner) (Job, error) {
	var (
		j                      Job
		graceSecs, timeoutSecs int64
	)
	err := sc.Scan(
		&j.ID, &j.Host, &j.Crabid, &j.Command, &j.FirstSeen, &j.LastSeen,
		&j.Retired,
		&j.Schedule, &j.Timezone, &graceSecs, &timeoutSecs, &j.Inhibited,
	)
	if err != nil {
		return Job{}, err
	}
	j.FirstSeen = j.FirstSeen.UTC()
	j.LastSeen = j.LastSeen.UTC()
	j.GracePeriod = secondsOrUnset(graceSecs)
	j.Timeout = secondsOrUnset(timeoutSecs)
	return j, nil
}

// EnsureJob implements Store. See the SQLite backend for the supersession
// rules; the steps run in one serializable-enough transaction here too.
func (s *PostgresStore) EnsureJob(ctx context.Context, host, crabid, command string) (Job, error) {
	now := time.Now().UTC()
	var id int64

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		find := func(query string, args ...any) (int64, string, error) {
			var foundID int64
			var foundCommand string
			err := tx.QueryRow(ctx, query, args...).Scan(&foundID, &foundCommand)
			if errors.Is(err, pgx.ErrNoRows) {
				return 0, "", nil
			}
			return foundID, foundCommand, err
		}

		insert := func(crabid string) error {
			return tx.QueryRow(ctx,
				`INSERT INTO job (host, crabid, command, first_seen, last_seen)
				 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
				host, crabid, command, now, now).Scan(&id)
		}

		touch := func(jobID int64) error {
			_, err := tx.Exec(ctx,
				`UPDATE job SET last_seen = $1 WHERE id = $2`, now, jobID)
			return err
		}

		if crabid != "" {
			foundID, foundCommand, err := find(
				`SELECT id, command FROM job
				 WHERE host = $1 AND crabid = $2 AND NOT retired
				 ORDER BY id LIMIT 1`, host, crabid)
			if err != nil {
				return fmt.Errorf("store: find job by crabid: %w", err)
			}
			if foundID != 0 {
				if foundCommand == command {
					id = foundID
					return touch(foundID)
				}
				if _, err := tx.Exec(ctx,
					`UPDATE job SET retired = TRUE WHERE id = $1`, foundID); err != nil {
					return fmt.Errorf("store: retire superseded job: %w", err)
				}
				if err := insert(crabid); err != nil {
					return err
				}
				if _, err := tx.Exec(ctx,
					`INSERT INTO jobconfig
					     (job_id, schedule, timezone, graceperiod, timeout, inhibited)
					 SELECT $1, schedule, timezone, graceperiod, timeout, inhibited
					 FROM jobconfig WHERE job_id = $2`, id, foundID); err != nil {
					return fmt.Errorf("store: carry over job config: %w", err)
				}
				return nil
			}

			foundID, _, err = find(
				`SELECT id, command FROM job
				 WHERE host = $1 AND crabid = '' AND command = $2 AND NOT retired
				 ORDER BY id LIMIT 1`, host, command)
			if err != nil {
				return fmt.Errorf("store: find job by command: %w", err)
			}
			if foundID != 0 {
				id = foundID
				_, err := tx.Exec(ctx,
					`UPDATE job SET crabid = $1, last_seen = $2 WHERE id = $3`,
					crabid, now, foundID)
				return err
			}
			return insert(crabid)
		}

		foundID, _, err := find(
			`SELECT id, command FROM job
			 WHERE host = $1 AND command = $2 AND NOT retired
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
func (s *PostgresStore) GetJob(ctx context.Context, id int64) (Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgJobColumns+pgJobFrom+`WHERE job.id = $1`, id)
	j, err := pgScanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Job{}, fmt.Errorf("store: job %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Job{}, fmt.Errorf("store: get job %d: %w", id, err)
	}
	return j, nil
}

// GetJobs implements Store.
func (s *PostgresStore) GetJobs(ctx context.Context, includeRetired bool) ([]Job, error) {
	query := `SELECT ` + pgJobColumns + pgJobFrom
	if !includeRetired {
		query += `WHERE NOT job.retired `
	}
	query += `ORDER BY job.host, job.crabid, job.id`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := pgScanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// SetSchedule implements Store.
func (s *PostgresStore) SetSchedule(ctx context.Context, id int64, spec, timezone string, grace, timeout time.Duration) error {
	if err := s.pgJobExists(ctx, id); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobconfig (job_id, schedule, timezone, graceperiod, timeout)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (job_id) DO UPDATE SET
		     schedule = EXCLUDED.schedule,
		     timezone = EXCLUDED.timezone,
		     graceperiod = EXCLUDED.graceperiod,
		     timeout = EXCLUDED.timeout`,
		id, spec, timezone, int64(grace.Seconds()), int64(timeout.Seconds()))
	if err != nil {
		return fmt.Errorf("store: set schedule for job %d: %w", id, err)
	}
	return nil
}

// RetireJob implements Store.
func (s *PostgresStore) RetireJob(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `UPDATE job SET retired = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: retire job %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: job %d: %w", id, ErrNotFound)
	}
	return nil
}

// SetInhibit implements Store.
func (s *PostgresStore) SetInhibit(ctx context.Context, id int64, inhibited bool) error {
	if err := s.pgJobExists(ctx, id); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobconfig (job_id, inhibited) VALUES ($1, $2)
		 ON CONFLICT (job_id) DO UPDATE SET inhibited = EXCLUDED.inhibited`,
		id, inhibited)
	if err != nil {
		return fmt.Errorf("store: set inhibit for job %d: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) pgJobExists(ctx context.Context, id int64) error {
	var one int
	err := s.pool.QueryRow(ctx, `SELECT 1 FROM job WHERE id = $1`, id).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("store: job %d: %w", id, ErrNotFound)
	}
	return err
}

// AppendEvent implements Store.
func (s *PostgresStore) AppendEvent(ctx context.Context, jobID int64, kind EventKind, ts time.Time, statusCode *int, stdout, stderr string) (int64, error) {
	if !ValidKind(kind) {
		return 0, fmt.Errorf("store: invalid event kind %q", kind)
	}
	hasOutput := stdout != "" || stderr != ""

	var id int64
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`INSERT INTO jobevent (job_id, kind, ts, status_code, has_output)
			 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
			jobID, string(kind), ts.UTC(), statusCode, hasOutput).Scan(&id)
		if err != nil {
			return fmt.Errorf("store: append event: %w", err)
		}
		if hasOutput && s.out == nil {
			if _, err := tx.Exec(ctx,
				`INSERT INTO rawoutput (event_id, stdout, stderr) VALUES ($1, $2, $3)`,
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

// AppendSynthetic implements Store.
func (s *PostgresStore) AppendSynthetic(ctx context.Context, jobID int64, kind EventKind, ts time.Time, key string) (int64, bool, error) {
	if !ValidKind(kind) {
		return 0, false, fmt.Errorf("store: invalid event kind %q", kind)
	}
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO jobevent (job_id, kind, ts, synth_key)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (job_id, synth_key) WHERE synth_key IS NOT NULL DO NOTHING
		 RETURNING id`,
		jobID, string(kind), ts.UTC(), key).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		err := s.pool.QueryRow(ctx,
			`SELECT id FROM jobevent WHERE job_id = $1 AND synth_key = $2`,
			jobID, key).Scan(&id)
		if err != nil {
			return 0, false, fmt.Errorf("store: find synthetic event: %w", err)
		}
		return id, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("store: append synthetic event: %w", err)
	}
	return id, true, nil
}

const pgEventColumns = `id, job_id, kind, ts, status_code, has_output, synth_key`

func pgScanEvent(sc scanner) (Event, error) {
	var (
		e     Event
		code  *int32
		synth *string
	)
	if err := sc.Scan(&e.ID, &e.JobID, &e.Kind, &e.Timestamp, &code, &e.HasOutput, &synth); err != nil {
		return Event{}, err
	}
	e.Timestamp = e.Timestamp.UTC()
	if code != nil {
		c := int(*code)
		e.StatusCode = &c
	}
	if synth != nil {
		e.SynthKey = *synth
	}
	return e, nil
}

func pgCollectEvents(rows pgx.Rows) ([]Event, error) {
	defer rows.Close()
	var events []Event
	for rows.Next() {
		e, err := pgScanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetEvents implements Store.
func (s *PostgresStore) GetEvents(ctx context.Context, jobID, sinceID int64, limit int) ([]Event, error) {
	query := `SELECT ` + pgEventColumns + ` FROM jobevent
		 WHERE job_id = $1 AND id > $2 ORDER BY id`
	args := []any{jobID, sinceID}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: get events: %w", err)
	}
	return pgCollectEvents(rows)
}

// GetEventsSince implements Store.
func (s *PostgresStore) GetEventsSince(ctx context.Context, sinceID int64) ([]Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgEventColumns+` FROM jobevent WHERE id > $1 ORDER BY id`, sinceID)
	if err != nil {
		return nil, fmt.Errorf("store: get events since %d: %w", sinceID, err)
	}
	return pgCollectEvents(rows)
}

// GetLatestEvents implements Store.
func (s *PostgresStore) GetLatestEvents(ctx context.Context, jobID int64, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgEventColumns+` FROM (
		     SELECT `+pgEventColumns+` FROM jobevent
		     WHERE job_id = $1 ORDER BY id DESC LIMIT $2
		 ) sub ORDER BY id`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: latest events: %w", err)
	}
	return pgCollectEvents(rows)
}

// GetRecentEvents implements Store.
func (s *PostgresStore) GetRecentEvents(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 40
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgEventColumns+` FROM jobevent ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent events: %w", err)
	}
	return pgCollectEvents(rows)
}

// GetOutput implements Store.
func (s *PostgresStore) GetOutput(ctx context.Context, eventID int64) (string, string, error) {
	if s.out != nil {
		return s.out.ReadOutput(ctx, eventID)
	}
	var stdout, stderr string
	err := s.pool.QueryRow(ctx,
		`SELECT stdout, stderr FROM rawoutput WHERE event_id = $1`, eventID).
		Scan(&stdout, &stderr)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", "", fmt.Errorf("store: output for event %d: %w", eventID, ErrNotFound)
	}
	if err != nil {
		return "", "", fmt.Errorf("store: get output: %w", err)
	}
	return stdout, stderr, nil
}

// GetNotifications implements Store.
func (s *PostgresStore) GetNotifications(ctx context.Context) ([]Rule, error) {
	rows, err := s.pool.Query(ctx,
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

// SetNotifications implements Store.
func (s *PostgresStore) SetNotifications(ctx context.Context, rules []Rule) ([]Rule, error) {
	out := make([]Rule, len(rules))
	copy(out, rules)

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM jobnotify`); err != nil {
			return fmt.Errorf("store: clear notifications: %w", err)
		}
		for i := range out {
			r := &out[i]
			err := tx.QueryRow(ctx,
				`INSERT INTO jobnotify
				     (host, crabid, min_severity, transport, address,
				      skip_ok, include_output, cooldown)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
				r.Host, r.Crabid, r.MinSeverity, r.Transport, r.Address,
				r.SkipOK, r.IncludeOutput, int64(r.Cooldown.Seconds())).Scan(&r.ID)
			if err != nil {
				return fmt.Errorf("store: insert notification: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RecordAlert implements Store.
func (s *PostgresStore) RecordAlert(ctx context.Context, a Alert) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobalert
		     (id, rule_id, job_id, event_id, state, dispatched_at, ok, result)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET
		     dispatched_at = EXCLUDED.dispatched_at,
		     ok = EXCLUDED.ok,
		     result = EXCLUDED.result`,
		a.ID, a.RuleID, a.JobID, a.EventID, a.State,
		a.DispatchedAt.UTC(), a.OK, a.Result)
	if err != nil {
		return fmt.Errorf("store: record alert: %w", err)
	}
	return nil
}

// LastAlert implements Store.
func (s *PostgresStore) LastAlert(ctx context.Context, ruleID, jobID int64) (Alert, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, rule_id, job_id, event_id, state, dispatched_at, ok, result
		 FROM jobalert
		 WHERE rule_id = $1 AND job_id = $2
		 ORDER BY dispatched_at DESC LIMIT 1`, ruleID, jobID)

	var a Alert
	err := row.Scan(&a.ID, &a.RuleID, &a.JobID, &a.EventID, &a.State,
		&a.DispatchedAt, &a.OK, &a.Result)
	if errors.Is(err, pgx.ErrNoRows) {
		return Alert{}, ErrNotFound
	}
	if err != nil {
		return Alert{}, fmt.Errorf("store: last alert: %w", err)
	}
	a.DispatchedAt = a.DispatchedAt.UTC()
	return a, nil
}

// RemoveOldEvents implements Store.
func (s *PostgresStore) RemoveOldEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	var removed int64
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		const candidates = `
			SELECT id FROM jobevent
			WHERE ts < $1
			  AND NOT EXISTS (
			      SELECT 1 FROM jobalert
			      WHERE jobalert.event_id = jobevent.id AND NOT jobalert.ok)`

		for _, stmt := range []string{
			`DELETE FROM jobalert WHERE event_id IN (` + candidates + `)`,
			`DELETE FROM rawoutput WHERE event_id IN (` + candidates + `)`,
		} {
			if _, err := tx.Exec(ctx, stmt, cutoff.UTC()); err != nil {
				return fmt.Errorf("store: retention cleanup: %w", err)
			}
		}
		tag, err := tx.Exec(ctx,
			`DELETE FROM jobevent WHERE id IN (`+candidates+`)`, cutoff.UTC())
		if err != nil {
			return fmt.Errorf("store: retention cleanup: %w", err)
		}
		removed = tag.RowsAffected()
		return nil
	})
	return removed, err
}

// PostgresOutput is the PostgreSQL implementation of OutputStore.
type PostgresOutput struct {
	pool *pgxpool.Pool
}

const pgOutputDDL = `
CREATE TABLE IF NOT EXISTS rawoutput (
    event_id BIGINT PRIMARY KEY,
    stdout   TEXT NOT NULL DEFAULT '',
    stderr   TEXT NOT NULL DEFAULT ''
);
`

// NewPostgresOutput opens an output store in a separate PostgreSQL database.
func NewPostgresOutput(ctx context.Context, connStr string) (*PostgresOutput, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("store: pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: pool.Ping: %w", err)
	}
	if _, err := pool.Exec(ctx, pgOutputDDL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: output schema: %w", err)
	}
	return &PostgresOutput{pool: pool}, nil
}

// WriteOutput implements OutputStore.
func (o *PostgresOutput) WriteOutput(ctx context.Context, eventID int64, stdout, stderr string) error {
	_, err := o.pool.Exec(ctx,
		`INSERT INTO rawoutput (event_id, stdout, stderr) VALUES ($1, $2, $3)
		 ON CONFLICT (event_id) DO UPDATE SET
		     stdout = EXCLUDED.stdout, stderr = EXCLUDED.stderr`,
		eventID, stdout, stderr)
	if err != nil {
		return fmt.Errorf("store: output write: %w", err)
	}
	return nil
}

// ReadOutput implements OutputStore.
func (o *PostgresOutput) ReadOutput(ctx context.Context, eventID int64) (string, string, error) {
	var stdout, stderr string
	err := o.pool.QueryRow(ctx,
		`SELECT stdout, stderr FROM rawoutput WHERE event_id = $1`, eventID).
		Scan(&stdout, &stderr)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", "", fmt.Errorf("store: output for event %d: %w", eventID, ErrNotFound)
	}
	if err != nil {
		return "", "", fmt.Errorf("store: output read: %w", err)
	}
	return stdout, stderr, nil
}

// Close implements OutputStore.
func (o *PostgresOutput) Close() error {
	o.pool.Close()
	return nil
}
