package cron

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// JobStore persists cron jobs. The scheduler loads every row on start;
// creates and deletes write through immediately.
type JobStore interface {
	Insert(ctx context.Context, job *Job) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*Job, error)
	UpdateLastRun(ctx context.Context, id string, lastRun time.Time) error
}

// SQLJobStore backs JobStore with the same database the history store
// uses (table cron_jobs).
type SQLJobStore struct {
	db     *sql.DB
	driver string
}

// NewSQLJobStore creates (and migrates) the cron_jobs table on db.
func NewSQLJobStore(db *sql.DB, driver string) (*SQLJobStore, error) {
	store := &SQLJobStore{db: db, driver: driver}
	if err := store.migrate(context.Background()); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *SQLJobStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS cron_jobs (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		schedule_type TEXT NOT NULL,
		schedule_value TEXT NOT NULL,
		task TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMP NOT NULL,
		last_run TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("cron: migrate: %w", err)
	}
	return nil
}

func (s *SQLJobStore) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLJobStore) Insert(ctx context.Context, job *Job) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO cron_jobs (id, name, schedule_type, schedule_value, task, is_active, created_at, last_run)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		job.ID, job.Name, job.Kind, job.Value, job.Task, job.Active, job.CreatedAt, nullTime(job.LastRun))
	if err != nil {
		return fmt.Errorf("cron: insert job: %w", err)
	}
	return nil
}

func (s *SQLJobStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM cron_jobs WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("cron: delete job: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("cron: job not found: %s", id)
	}
	return nil
}

func (s *SQLJobStore) List(ctx context.Context) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, schedule_type, schedule_value, task, is_active, created_at, last_run
		 FROM cron_jobs ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("cron: list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job := &Job{}
		var lastRun sql.NullTime
		if err := rows.Scan(&job.ID, &job.Name, &job.Kind, &job.Value, &job.Task,
			&job.Active, &job.CreatedAt, &lastRun); err != nil {
			return nil, fmt.Errorf("cron: scan job: %w", err)
		}
		if lastRun.Valid {
			job.LastRun = lastRun.Time
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *SQLJobStore) UpdateLastRun(ctx context.Context, id string, lastRun time.Time) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`UPDATE cron_jobs SET last_run = ? WHERE id = ?`), lastRun, id)
	if err != nil {
		return fmt.Errorf("cron: update last_run: %w", err)
	}
	return nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// MemoryJobStore is an in-memory JobStore for tests.
type MemoryJobStore struct {
	jobs map[string]*Job
}

// NewMemoryJobStore creates an empty in-memory store.
func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{jobs: make(map[string]*Job)}
}

func (m *MemoryJobStore) Insert(ctx context.Context, job *Job) error {
	clone := *job
	m.jobs[job.ID] = &clone
	return nil
}

func (m *MemoryJobStore) Delete(ctx context.Context, id string) error {
	if _, ok := m.jobs[id]; !ok {
		return fmt.Errorf("cron: job not found: %s", id)
	}
	delete(m.jobs, id)
	return nil
}

func (m *MemoryJobStore) List(ctx context.Context) ([]*Job, error) {
	out := make([]*Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		clone := *job
		out = append(out, &clone)
	}
	return out, nil
}

func (m *MemoryJobStore) UpdateLastRun(ctx context.Context, id string, lastRun time.Time) error {
	if job, ok := m.jobs[id]; ok {
		job.LastRun = lastRun
	}
	return nil
}
