package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/Henryk03/agentic-quotation-system-sub000/internal/database"
)

// Job statuses.
const (
	StatusPending      = "pending"
	StatusRunning      = "running"
	StatusWaitingLogin = "waiting_login"
	StatusCompleted    = "completed"
	StatusFailed       = "failed"
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrWaitTimeout = errors.New("timed out waiting for job completion")
)

// Job is one asynchronous search batch.
type Job struct {
	ID          string     `json:"id"`
	ClientID    string     `json:"client_id"`
	Products    []string   `json:"products"`
	Providers   []string   `json:"providers"`
	Status      string     `json:"status"`
	Report      string     `json:"report,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (j *Job) Terminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

// Runner executes one search batch. Satisfied by *scrape.Orchestrator.
type Runner interface {
	RunWithStatus(ctx context.Context, clientID string, products, providers []string) (report string, pendingLogins []string, err error)
}

// Manager persists jobs in Postgres and dispatches them to an in-process
// worker. A job blocked on a human login parks in waiting_login until the
// operator reports completion.
type Manager struct {
	db     database.Querier
	runner Runner
	queue  *queue
	logger *slog.Logger
}

func NewManager(db database.Querier, runner Runner, logger *slog.Logger) *Manager {
	return &Manager{
		db:     db,
		runner: runner,
		queue:  newQueue(),
		logger: logger.With("component", "job_manager"),
	}
}

func (m *Manager) EnsureSchema(ctx context.Context) error {
	_, err := m.db.Exec(ctx,
		`CREATE TABLE IF NOT EXISTS jobs (
			id           UUID PRIMARY KEY,
			client_id    TEXT NOT NULL,
			products     TEXT[] NOT NULL,
			providers    TEXT[] NOT NULL,
			status       TEXT NOT NULL,
			report       TEXT NOT NULL DEFAULT '',
			error        TEXT NOT NULL DEFAULT '',
			created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
			started_at   TIMESTAMPTZ,
			completed_at TIMESTAMPTZ
		)`)
	if err != nil {
		return fmt.Errorf("failed to ensure jobs schema: %w", err)
	}
	return nil
}

// Create persists a pending job and enqueues it for the worker.
func (m *Manager) Create(ctx context.Context, clientID string, products, providers []string) (*Job, error) {
	if len(products) == 0 {
		return nil, fmt.Errorf("product list is empty")
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("provider list is empty")
	}

	job := &Job{
		ID:        uuid.New().String(),
		ClientID:  clientID,
		Products:  products,
		Providers: providers,
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}

	_, err := m.db.Exec(ctx,
		`INSERT INTO jobs (id, client_id, products, providers, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		job.ID, job.ClientID, job.Products, job.Providers, job.Status, job.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	if err := m.queue.Push(&Task{JobID: job.ID, CreatedAt: time.Now()}); err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	m.logger.Info("job created", "job_id", job.ID, "client_id", clientID,
		"products", len(products), "providers", len(providers))

	return job, nil
}

func (m *Manager) Get(ctx context.Context, id string) (*Job, error) {
	var job Job

	err := m.db.QueryRow(ctx,
		`SELECT id, client_id, products, providers, status, report, error,
		        created_at, started_at, completed_at
		 FROM jobs WHERE id = $1`, id,
	).Scan(&job.ID, &job.ClientID, &job.Products, &job.Providers, &job.Status,
		&job.Report, &job.Error, &job.CreatedAt, &job.StartedAt, &job.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}

	return &job, nil
}

// Wait polls until the job reaches a terminal state or the timeout expires.
// This is the one wait whose timeout surfaces to the caller instead of
// degrading.
func (m *Manager) Wait(ctx context.Context, id string, timeout time.Duration) (*Job, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		job, err := m.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.Terminal() {
			return job, nil
		}

		if time.Now().After(deadline) {
			return job, ErrWaitTimeout
		}

		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ResumeWaiting re-enqueues every waiting_login job of the client that
// includes the provider. Called when the operator reports a completed
// manual login.
func (m *Manager) ResumeWaiting(ctx context.Context, clientID, providerID string) (int, error) {
	rows, err := m.db.Query(ctx,
		`UPDATE jobs SET status = $1
		 WHERE client_id = $2 AND status = $3 AND $4 = ANY(providers)
		 RETURNING id`,
		StatusPending, clientID, StatusWaitingLogin, providerID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to resume jobs: %w", err)
	}
	defer rows.Close()

	resumed := 0
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return resumed, fmt.Errorf("failed to scan job id: %w", err)
		}

		if err := m.queue.Push(&Task{JobID: id, CreatedAt: time.Now()}); err != nil {
			return resumed, fmt.Errorf("failed to re-enqueue job %s: %w", id, err)
		}
		resumed++
	}

	if err := rows.Err(); err != nil {
		return resumed, fmt.Errorf("failed to iterate resumed jobs: %w", err)
	}

	m.logger.Info("resumed waiting jobs", "client_id", clientID,
		"provider_id", providerID, "count", resumed)

	return resumed, nil
}

// Start runs the worker loop until the context is cancelled. Jobs execute
// one at a time; concurrency lives inside the orchestrator's provider
// fan-out, not across jobs fighting over browser processes.
func (m *Manager) Start(ctx context.Context) {
	go func() {
		for {
			task, err := m.queue.Pop(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) && !errors.Is(err, ErrQueueClosed) {
					m.logger.Error("queue pop failed", "error", err)
				}
				return
			}

			m.execute(ctx, task.JobID)
		}
	}()
}

func (m *Manager) Stop() {
	m.queue.Close()
}

func (m *Manager) execute(ctx context.Context, jobID string) {
	job, err := m.Get(ctx, jobID)
	if err != nil {
		m.logger.Error("failed to load queued job", "job_id", jobID, "error", err)
		return
	}

	now := time.Now()
	if _, err := m.db.Exec(ctx,
		`UPDATE jobs SET status = $1, started_at = $2 WHERE id = $3`,
		StatusRunning, now, jobID,
	); err != nil {
		m.logger.Error("failed to mark job running", "job_id", jobID, "error", err)
		return
	}

	report, pendingLogins, err := m.runner.RunWithStatus(ctx, job.ClientID, job.Products, job.Providers)

	switch {
	case err != nil:
		m.finish(ctx, jobID, StatusFailed, report, err.Error())
	case len(pendingLogins) > 0:
		// Park the job; the login-completion callback re-enqueues it and
		// the whole batch re-runs against the fresh session.
		m.logger.Info("job waiting for login", "job_id", jobID, "providers", pendingLogins)
		m.finish(ctx, jobID, StatusWaitingLogin, report, "")
	default:
		m.finish(ctx, jobID, StatusCompleted, report, "")
	}
}

func (m *Manager) finish(ctx context.Context, jobID, status, report, errMsg string) {
	var completedAt *time.Time
	if status == StatusCompleted || status == StatusFailed {
		now := time.Now()
		completedAt = &now
	}

	if _, err := m.db.Exec(ctx,
		`UPDATE jobs SET status = $1, report = $2, error = $3, completed_at = $4 WHERE id = $5`,
		status, report, errMsg, completedAt, jobID,
	); err != nil {
		m.logger.Error("failed to finalize job", "job_id", jobID, "error", err)
	}
}
