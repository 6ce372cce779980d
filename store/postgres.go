package store

import (
	"database/sql"

	"github.com/google/uuid"
	"github.com/lib/pq"
	log "github.com/sirupsen/logrus"
)

// Schema is the PostgreSQL schema the store expects. Migrate applies it.
const Schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	pipeline    TEXT NOT NULL,
	number      INTEGER NOT NULL,
	status      TEXT NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	branch      TEXT NOT NULL DEFAULT '',
	commit_sha  TEXT NOT NULL DEFAULT '',
	agent       TEXT NOT NULL DEFAULT '',
	step_cursor INTEGER NOT NULL DEFAULT 0,
	start_time  TIMESTAMPTZ,
	end_time    TIMESTAMPTZ,
	problems    TEXT[] NOT NULL DEFAULT '{}',
	error       TEXT NOT NULL DEFAULT '',
	UNIQUE (pipeline, number)
);

CREATE TABLE IF NOT EXISTS pipeline_counters (
	pipeline TEXT PRIMARY KEY,
	last     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS run_steps (
	run_id      TEXT NOT NULL REFERENCES runs (id) ON DELETE CASCADE,
	idx         INTEGER NOT NULL,
	name        TEXT NOT NULL,
	status      TEXT NOT NULL,
	exit_code   INTEGER NOT NULL DEFAULT 0,
	duration_ms BIGINT NOT NULL DEFAULT 0,
	output_ref  TEXT NOT NULL DEFAULT '',
	start_time  TIMESTAMPTZ,
	end_time    TIMESTAMPTZ,
	PRIMARY KEY (run_id, idx)
);

CREATE TABLE IF NOT EXISTS run_artifacts (
	run_id    TEXT NOT NULL REFERENCES runs (id) ON DELETE CASCADE,
	path      TEXT NOT NULL,
	size      BIGINT NOT NULL,
	checksum  TEXT NOT NULL,
	published BOOLEAN NOT NULL,
	PRIMARY KEY (run_id, path)
);
`

// Postgres is a PostgreSQL database that's also a RunStore.
type Postgres struct {
	db *sql.DB
}

// NewPostgres returns a RunStore backed by PostgreSQL. It connects to the
// database using connstr.
func NewPostgres(connstr string) (*Postgres, error) {
	logger := logger.WithField("store", "postgres")

	logger.Debug("connecting to database")

	db, err := sql.Open("postgres", connstr)
	if err != nil {
		logger.WithError(err).Debug("unable to connect to database")
		return nil, err
	}

	return &Postgres{
		db: db,
	}, nil
}

// Migrate creates the tables the store needs if they don't exist.
func (st *Postgres) Migrate() error {
	logger.Debug("applying schema")

	_, err := st.db.Exec(Schema)
	if err != nil {
		logger.WithError(err).Debug("unable to apply schema")
	}
	return err
}

// Close closes the underlying database handle.
func (st *Postgres) Close() error {
	return st.db.Close()
}

// CreateRun implements RunStore. The run number comes from the
// pipeline's row in pipeline_counters, which is locked until the run is
// committed.
func (st *Postgres) CreateRun(r *Run) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}

	logger := logger.WithFields(log.Fields{
		"run_id":   r.ID,
		"pipeline": r.Pipeline,
	})

	sqlnext := `
	INSERT INTO pipeline_counters (pipeline, last)
	SELECT $1, COALESCE(MAX(number), 0) + 1 FROM runs
	WHERE runs.pipeline = $1
	ON CONFLICT (pipeline) DO UPDATE SET last = pipeline_counters.last + 1
	RETURNING last
	`

	sqlinsert := `
	INSERT INTO runs (id, pipeline, number, status, reason, branch, commit_sha, start_time)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	logger.Debug("saving pipeline run")

	tx, err := st.db.Begin()
	if err != nil {
		logger.WithError(err).Debug("unable to start transaction")
		return err
	}
	defer tx.Rollback()

	// Using QueryRow because the upsert is returning "last".
	if err := tx.QueryRow(sqlnext, r.Pipeline).Scan(&r.Number); err != nil {
		logger.WithError(err).Debug("unable to assign run number")
		return err
	}

	_, err = tx.Exec(sqlinsert, r.ID, r.Pipeline, r.Number, r.Status, r.Reason,
		r.Branch, r.Commit, r.Start)
	if err != nil {
		logger.WithError(err).Debug("unable to insert pipeline run")
		return err
	}

	if err := saveSteps(tx, r); err != nil {
		logger.WithError(err).Debug("unable to insert run steps")
		return err
	}

	logger.WithField("number", r.Number).Debug("pipeline run saved")

	return tx.Commit()
}

// UpdateRun implements RunStore. Steps and artifacts are replaced with
// what's on r.
func (st *Postgres) UpdateRun(r *Run) error {
	logger := logger.WithFields(log.Fields{
		"run_id": r.ID,
		"status": r.Status,
		"cursor": r.Cursor,
	})

	sqlupdate := `
	UPDATE runs
	SET status = $2, agent = $3, step_cursor = $4, start_time = $5, end_time = $6,
		problems = $7, error = $8
	WHERE runs.id = $1
	`

	logger.Debug("updating run")

	tx, err := st.db.Begin()
	if err != nil {
		logger.WithError(err).Debug("unable to start transaction")
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec(sqlupdate, r.ID, r.Status, r.Agent, r.Cursor,
		r.Start, r.End, pq.Array(r.Problems), r.Error)
	if err != nil {
		logger.WithError(err).Debug("unable to update run")
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRunNotFound
	}

	if err := saveSteps(tx, r); err != nil {
		logger.WithError(err).Debug("unable to save run steps")
		return err
	}

	if _, err := tx.Exec(`DELETE FROM run_artifacts WHERE run_id = $1`, r.ID); err != nil {
		logger.WithError(err).Debug("unable to clear run artifacts")
		return err
	}
	for _, a := range r.Artifacts {
		_, err := tx.Exec(`
		INSERT INTO run_artifacts (run_id, path, size, checksum, published)
		VALUES ($1, $2, $3, $4, $5)
		`, r.ID, a.Path, a.Size, a.Checksum, a.Published)
		if err != nil {
			logger.WithError(err).Debug("unable to insert run artifact")
			return err
		}
	}

	logger.Debug("run updated")

	return tx.Commit()
}

func saveSteps(tx *sql.Tx, r *Run) error {
	sqlupsert := `
	INSERT INTO run_steps (run_id, idx, name, status, exit_code, duration_ms, output_ref, start_time, end_time)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (run_id, idx) DO UPDATE
	SET status = EXCLUDED.status, exit_code = EXCLUDED.exit_code,
		duration_ms = EXCLUDED.duration_ms, output_ref = EXCLUDED.output_ref,
		start_time = EXCLUDED.start_time, end_time = EXCLUDED.end_time
	`

	for _, s := range r.Steps {
		_, err := tx.Exec(sqlupsert, r.ID, s.Index, s.Name, s.Status, s.ExitCode,
			s.DurationMs, s.OutputRef, s.Start, s.End)
		if err != nil {
			return err
		}
	}

	return nil
}

// GetRun implements RunStore.
func (st *Postgres) GetRun(id string) (Run, error) {
	logger := logger.WithField("run_id", id)
	logger.Debug("getting run from postgres")

	sqlq := `
	SELECT id, pipeline, number, status, reason, branch, commit_sha, agent,
		step_cursor, start_time, end_time, problems, error
	FROM runs
	WHERE runs.id = $1
	`

	r, err := scanRun(st.db.QueryRow(sqlq, id))
	if err == sql.ErrNoRows {
		return Run{}, ErrRunNotFound
	}
	if err != nil {
		logger.WithError(err).Debug("unable to query run")
		return Run{}, err
	}

	if err := st.loadChildren(&r); err != nil {
		logger.WithError(err).Debug("unable to query run children")
		return Run{}, err
	}

	return r, nil
}

// GetRuns implements RunStore. Steps and artifacts aren't loaded.
func (st *Postgres) GetRuns(pipeline string) ([]Run, error) {
	logger := logger.WithField("pipeline", pipeline)
	logger.Debug("getting runs from postgres")

	sqlq := `
	SELECT id, pipeline, number, status, reason, branch, commit_sha, agent,
		step_cursor, start_time, end_time, problems, error
	FROM runs
	WHERE runs.pipeline = $1
	ORDER BY number DESC
	`

	rows, err := st.db.Query(sqlq, pipeline)
	if err != nil {
		logger.WithError(err).Debug("unable to query database")
		return nil, err
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			logger.WithError(err).Debug("unable to scan row")
			return runs, err
		}
		runs = append(runs, r)
	}

	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (Run, error) {
	var r Run
	var problems pq.StringArray
	var start, end sql.NullTime

	err := row.Scan(&r.ID, &r.Pipeline, &r.Number, &r.Status, &r.Reason,
		&r.Branch, &r.Commit, &r.Agent, &r.Cursor, &start, &end,
		&problems, &r.Error)
	if err != nil {
		return r, err
	}

	if start.Valid {
		r.Start = &start.Time
	}
	if end.Valid {
		r.End = &end.Time
	}
	if len(problems) > 0 {
		r.Problems = []string(problems)
	}

	return r, nil
}

func (st *Postgres) loadChildren(r *Run) error {
	rows, err := st.db.Query(`
	SELECT idx, name, status, exit_code, duration_ms, output_ref, start_time, end_time
	FROM run_steps
	WHERE run_id = $1
	ORDER BY idx
	`, r.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var s StepRecord
		var start, end sql.NullTime
		err := rows.Scan(&s.Index, &s.Name, &s.Status, &s.ExitCode,
			&s.DurationMs, &s.OutputRef, &start, &end)
		if err != nil {
			return err
		}
		if start.Valid {
			s.Start = &start.Time
		}
		if end.Valid {
			s.End = &end.Time
		}
		r.Steps = append(r.Steps, s)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	arows, err := st.db.Query(`
	SELECT path, size, checksum, published
	FROM run_artifacts
	WHERE run_id = $1
	ORDER BY path
	`, r.ID)
	if err != nil {
		return err
	}
	defer arows.Close()

	for arows.Next() {
		var a Artifact
		if err := arows.Scan(&a.Path, &a.Size, &a.Checksum, &a.Published); err != nil {
			return err
		}
		r.Artifacts = append(r.Artifacts, a)
	}

	return arows.Err()
}
