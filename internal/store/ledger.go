// Package store persists batch runs and per-report outcomes so interrupted
// batches can resume and the HTTP API can report progress.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

var ErrRunNotFound = errors.New("run not found")

const (
	RunRunning  = "running"
	RunFinished = "finished"
)

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id       TEXT PRIMARY KEY,
	credentials  TEXT NOT NULL DEFAULT '',
	input_dir    TEXT NOT NULL DEFAULT '',
	output_dir   TEXT NOT NULL DEFAULT '',
	start_index  INTEGER NOT NULL DEFAULT 0,
	end_index    INTEGER NOT NULL DEFAULT 0,
	status       TEXT NOT NULL DEFAULT 'running',
	summary      TEXT NOT NULL DEFAULT '',
	started_at   TEXT NOT NULL,
	finished_at  TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS reports (
	run_id       TEXT NOT NULL,
	report_index INTEGER NOT NULL,
	case_id      TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL,
	state        TEXT NOT NULL DEFAULT '',
	credential   TEXT NOT NULL DEFAULT '',
	symptoms     INTEGER NOT NULL DEFAULT 0,
	units        INTEGER NOT NULL DEFAULT 0,
	calls        INTEGER NOT NULL DEFAULT 0,
	error        TEXT NOT NULL DEFAULT '',
	duration_ms  INTEGER NOT NULL DEFAULT 0,
	finished_at  TEXT NOT NULL,
	PRIMARY KEY (run_id, report_index)
);

CREATE INDEX IF NOT EXISTS reports_by_index ON reports (report_index, status);
`

type Run struct {
	RunID       string    `db:"run_id" json:"run_id"`
	Credentials string    `db:"credentials" json:"credentials"`
	InputDir    string    `db:"input_dir" json:"input_dir"`
	OutputDir   string    `db:"output_dir" json:"output_dir"`
	StartIndex  int       `db:"start_index" json:"start_index"`
	EndIndex    int       `db:"end_index" json:"end_index"`
	Status      string    `db:"status" json:"status"`
	Summary     string    `db:"summary" json:"summary,omitempty"`
	StartedAt   time.Time `db:"-" json:"started_at"`
	FinishedAt  time.Time `db:"-" json:"finished_at,omitempty"`
}

type ReportOutcome struct {
	RunID       string    `db:"run_id" json:"run_id"`
	ReportIndex int       `db:"report_index" json:"report_index"`
	CaseID      string    `db:"case_id" json:"case_id"`
	Status      string    `db:"status" json:"status"`
	State       string    `db:"state" json:"state,omitempty"`
	Credential  string    `db:"credential" json:"credential,omitempty"`
	Symptoms    int       `db:"symptoms" json:"symptoms"`
	Units       int       `db:"units" json:"units"`
	Calls       int       `db:"calls" json:"calls"`
	Error       string    `db:"error" json:"error,omitempty"`
	DurationMS  int64     `db:"duration_ms" json:"duration_ms"`
	FinishedAt  time.Time `db:"-" json:"finished_at"`
}

// runRow and outcomeRow carry timestamps as RFC 3339 text.
type runRow struct {
	Run
	StartedAtText  string `db:"started_at"`
	FinishedAtText string `db:"finished_at"`
}

type outcomeRow struct {
	ReportOutcome
	FinishedAtText string `db:"finished_at"`
}

// Ledger is a SQLite-backed record of batch runs. Writes are serialized so
// concurrent workers can share one instance.
type Ledger struct {
	db    *sqlx.DB
	mu    sync.Mutex
	clock func() time.Time
}

func Open(dbPath string) (*Ledger, error) {
	db, err := sqlx.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(ledgerSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Ledger{db: db, clock: func() time.Time { return time.Now().UTC() }}, nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

func (l *Ledger) StartRun(ctx context.Context, r Run) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r.StartedAt.IsZero() {
		r.StartedAt = l.clock()
	}
	if r.Status == "" {
		r.Status = RunRunning
	}
	_, err := l.db.NamedExecContext(ctx, `INSERT INTO runs
		(run_id, credentials, input_dir, output_dir, start_index, end_index, status, summary, started_at, finished_at)
		VALUES (:run_id, :credentials, :input_dir, :output_dir, :start_index, :end_index, :status, :summary, :started_at, :finished_at)`,
		runRow{Run: r, StartedAtText: timeToString(r.StartedAt), FinishedAtText: timeToString(r.FinishedAt)})
	if err != nil {
		return fmt.Errorf("insert run %s: %w", r.RunID, err)
	}
	return nil
}

func (l *Ledger) FinishRun(ctx context.Context, runID, summary string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	res, err := l.db.ExecContext(ctx, `UPDATE runs SET status = ?, summary = ?, finished_at = ? WHERE run_id = ?`,
		RunFinished, summary, timeToString(l.clock()), runID)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRunNotFound
	}
	return nil
}

func (l *Ledger) GetRun(ctx context.Context, runID string) (Run, error) {
	var row runRow
	err := l.db.GetContext(ctx, &row, `SELECT * FROM runs WHERE run_id = ?`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrRunNotFound
	}
	if err != nil {
		return Run{}, fmt.Errorf("get run %s: %w", runID, err)
	}
	return row.decode(), nil
}

// ListRuns returns the most recent runs first.
func (l *Ledger) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []runRow
	if err := l.db.SelectContext(ctx, &rows, `SELECT * FROM runs ORDER BY started_at DESC LIMIT ?`, limit); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	out := make([]Run, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.decode())
	}
	return out, nil
}

// RecordReport upserts the outcome of one report within a run.
func (l *Ledger) RecordReport(ctx context.Context, o ReportOutcome) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if o.FinishedAt.IsZero() {
		o.FinishedAt = l.clock()
	}
	_, err := l.db.NamedExecContext(ctx, `INSERT OR REPLACE INTO reports
		(run_id, report_index, case_id, status, state, credential, symptoms, units, calls, error, duration_ms, finished_at)
		VALUES (:run_id, :report_index, :case_id, :status, :state, :credential, :symptoms, :units, :calls, :error, :duration_ms, :finished_at)`,
		outcomeRow{ReportOutcome: o, FinishedAtText: timeToString(o.FinishedAt)})
	if err != nil {
		return fmt.Errorf("record report %d: %w", o.ReportIndex, err)
	}
	return nil
}

func (l *Ledger) Reports(ctx context.Context, runID string) ([]ReportOutcome, error) {
	var rows []outcomeRow
	if err := l.db.SelectContext(ctx, &rows, `SELECT * FROM reports WHERE run_id = ? ORDER BY report_index`, runID); err != nil {
		return nil, fmt.Errorf("list reports for %s: %w", runID, err)
	}
	out := make([]ReportOutcome, 0, len(rows))
	for _, r := range rows {
		o := r.ReportOutcome
		o.FinishedAt = parseTime(r.FinishedAtText)
		out = append(out, o)
	}
	return out, nil
}

// CompletedIndexes returns report indexes that any run finished with one of
// the given statuses.
func (l *Ledger) CompletedIndexes(ctx context.Context, statuses ...string) (map[int]bool, error) {
	out := map[int]bool{}
	if len(statuses) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In(`SELECT DISTINCT report_index FROM reports WHERE status IN (?)`, statuses)
	if err != nil {
		return nil, err
	}
	var idx []int
	if err := l.db.SelectContext(ctx, &idx, l.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("completed indexes: %w", err)
	}
	for _, i := range idx {
		out[i] = true
	}
	return out, nil
}

func (r runRow) decode() Run {
	run := r.Run
	run.StartedAt = parseTime(r.StartedAtText)
	run.FinishedAt = parseTime(r.FinishedAtText)
	return run
}

func timeToString(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
