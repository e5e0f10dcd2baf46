// Package jobs tracks provider-side asynchronous operations to a terminal
// state. The manager owns the lifecycle: it starts jobs through a registered
// Provider, absorbs webhook callbacks, reconciles against the provider by
// polling, and answers waits. A job may outlive the client that started it;
// the provider keeps working and the terminal result lands here regardless.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kaname-ai/kaname/internal/fault"
	"github.com/kaname-ai/kaname/internal/model"
	"github.com/kaname-ai/kaname/internal/storage"
)

// Store is the persistence contract the manager needs. *storage.DB satisfies it.
type Store interface {
	UpsertJob(ctx context.Context, job model.Job) (model.Job, bool, error)
	GetJob(ctx context.Context, id uuid.UUID) (model.Job, error)
	GetJobByExternalID(ctx context.Context, provider, externalJobID string) (model.Job, error)
	ListJobs(ctx context.Context, f storage.JobFilter) ([]model.Job, int, error)
	ListActiveJobs(ctx context.Context) ([]model.Job, error)
	UpdateJobProgress(ctx context.Context, id uuid.UUID, pct int) error
	CompleteJob(ctx context.Context, id uuid.UUID, resultURL string, metadata map[string]any, costUSD float64, thumbnailURL *string) error
	FailJob(ctx context.Context, id uuid.UUID, message string, code *string) error
	CancelJob(ctx context.Context, id uuid.UUID) error
	MarkJobWebhookReceived(ctx context.Context, id uuid.UUID) error
}

// Manager coordinates async job state between providers, storage, and callers.
type Manager struct {
	store  Store
	logger *slog.Logger

	mu        sync.RWMutex
	providers map[string]Provider
}

// NewManager creates a Manager with no providers registered.
func NewManager(store Store, logger *slog.Logger) *Manager {
	return &Manager{
		store:     store,
		logger:    logger,
		providers: make(map[string]Provider),
	}
}

// RegisterProvider makes a provider available under name. Re-registering a
// name replaces the previous provider.
func (m *Manager) RegisterProvider(name string, p Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[name] = p
}

func (m *Manager) provider(name string) (Provider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.providers[name]
	if !ok {
		return nil, fault.Newf(fault.CodeInvalidInput, "unknown job provider %q", name)
	}
	return p, nil
}

// Start begins an asynchronous operation with the named provider and records
// it. runID, when non-nil, links the job to its originating run for audit.
func (m *Manager) Start(ctx context.Context, providerName string, runID *uuid.UUID, req StartRequest) (model.Job, error) {
	p, err := m.provider(providerName)
	if err != nil {
		return model.Job{}, err
	}

	resp, err := p.StartJob(ctx, req)
	if err != nil {
		return model.Job{}, fmt.Errorf("jobs: start %s job: %w", providerName, err)
	}

	job, created, err := m.store.UpsertJob(ctx, model.Job{
		Provider:      providerName,
		ExternalJobID: resp.ExternalJobID,
		RunID:         runID,
		Status:        model.JobStatusPending,
		CostUSD:       resp.EstimatedCost,
		Metadata:      req.Options,
	})
	if err != nil {
		return model.Job{}, err
	}
	if !created {
		m.logger.Info("jobs: provider returned an already-tracked job",
			"provider", providerName, "external_job_id", resp.ExternalJobID, "job_id", job.ID)
	}
	return job, nil
}

// Track records a job that was started outside this process, for example by
// a webhook arriving before the starting request committed. Idempotent on
// (provider, external_job_id).
func (m *Manager) Track(ctx context.Context, providerName, externalJobID string, runID *uuid.UUID) (model.Job, error) {
	job, _, err := m.store.UpsertJob(ctx, model.Job{
		Provider:      providerName,
		ExternalJobID: externalJobID,
		RunID:         runID,
		Status:        model.JobStatusPending,
	})
	return job, err
}

// Get retrieves a job by id.
func (m *Manager) Get(ctx context.Context, id uuid.UUID) (model.Job, error) {
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.Job{}, fault.New(fault.CodeJobNotFound, "job not found")
		}
		return model.Job{}, err
	}
	return job, nil
}

// List returns jobs matching the filter plus the total count.
func (m *Manager) List(ctx context.Context, f storage.JobFilter) ([]model.Job, int, error) {
	return m.store.ListJobs(ctx, f)
}

// UpdateProgress records provider-reported progress. Terminal jobs ignore it.
func (m *Manager) UpdateProgress(ctx context.Context, id uuid.UUID, pct int) error {
	return m.store.UpdateJobProgress(ctx, id, pct)
}

// Complete marks a job complete. Idempotent on terminal jobs.
func (m *Manager) Complete(ctx context.Context, id uuid.UUID, resultURL string, metadata map[string]any, costUSD float64, thumbnailURL *string) error {
	return m.store.CompleteJob(ctx, id, resultURL, metadata, costUSD, thumbnailURL)
}

// Fail marks a job failed. Idempotent on terminal jobs.
func (m *Manager) Fail(ctx context.Context, id uuid.UUID, message string, code *string) error {
	return m.store.FailJob(ctx, id, message, code)
}

// Cancel asks the provider to stop the job, then records the cancellation.
// A provider-side cancel failure is logged but does not block the local
// cancel: the reconcile sweep will surface the true terminal state if the
// provider finished anyway.
func (m *Manager) Cancel(ctx context.Context, id uuid.UUID) error {
	job, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}

	if p, perr := m.provider(job.Provider); perr == nil {
		if cerr := p.CancelJob(ctx, job.ExternalJobID); cerr != nil {
			m.logger.Warn("jobs: provider cancel failed",
				"job_id", id, "provider", job.Provider, "error", cerr)
		}
	}
	return m.store.CancelJob(ctx, id)
}

// WebhookEvent is the normalized payload of a provider callback.
type WebhookEvent struct {
	ExternalJobID string         `json:"external_job_id"`
	Status        Status         `json:"status"`
	Progress      int            `json:"progress"`
	ResultURL     string         `json:"result_url,omitempty"`
	ThumbnailURL  *string        `json:"thumbnail_url,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CostUSD       float64        `json:"cost_usd,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	ErrorCode     *string        `json:"error_code,omitempty"`
}

// HandleWebhook applies a provider callback. An event for a job this runtime
// never tracked is logged and dropped, returning nil, so the provider stops
// redelivering. Events for terminal jobs are idempotent no-ops.
func (m *Manager) HandleWebhook(ctx context.Context, providerName string, ev WebhookEvent) error {
	job, err := m.store.GetJobByExternalID(ctx, providerName, ev.ExternalJobID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			m.logger.Warn("jobs: dropping webhook for unknown job",
				"provider", providerName, "external_job_id", ev.ExternalJobID, "status", ev.Status)
			return nil
		}
		return err
	}

	if err := m.store.MarkJobWebhookReceived(ctx, job.ID); err != nil {
		m.logger.Warn("jobs: mark webhook received failed", "job_id", job.ID, "error", err)
	}

	return m.apply(ctx, job.ID, PollResult{
		Status:       ev.Status,
		Progress:     ev.Progress,
		ResultURL:    ev.ResultURL,
		ThumbnailURL: ev.ThumbnailURL,
		Metadata:     ev.Metadata,
		CostUSD:      ev.CostUSD,
		ErrorMessage: ev.ErrorMessage,
		ErrorCode:    ev.ErrorCode,
	})
}

// apply moves a job according to a provider-reported state. Storage enforces
// terminal idempotency; apply only routes.
func (m *Manager) apply(ctx context.Context, id uuid.UUID, res PollResult) error {
	switch res.Status {
	case StatusComplete:
		return m.store.CompleteJob(ctx, id, res.ResultURL, res.Metadata, res.CostUSD, res.ThumbnailURL)
	case StatusFailed:
		msg := res.ErrorMessage
		if msg == "" {
			msg = "provider reported failure"
		}
		return m.store.FailJob(ctx, id, msg, res.ErrorCode)
	case StatusCancelled:
		return m.store.CancelJob(ctx, id)
	case StatusProcessing:
		return m.store.UpdateJobProgress(ctx, id, res.Progress)
	case StatusPending:
		return nil
	default:
		return fault.Newf(fault.CodeInvalidInput, "unknown job status %q", res.Status)
	}
}

// Reconcile polls the provider for every active job and applies the answer.
// It is the safety net for lost webhooks; run it periodically.
func (m *Manager) Reconcile(ctx context.Context) error {
	active, err := m.store.ListActiveJobs(ctx)
	if err != nil {
		return err
	}
	for _, job := range active {
		p, perr := m.provider(job.Provider)
		if perr != nil {
			m.logger.Warn("jobs: active job has no registered provider",
				"job_id", job.ID, "provider", job.Provider)
			continue
		}
		res, perr := p.PollJob(ctx, job.ExternalJobID)
		if perr != nil {
			if time.Since(job.CreatedAt) > StaleThreshold {
				msg := fmt.Sprintf("job unresolvable after %s: %v", StaleThreshold, perr)
				if ferr := m.store.FailJob(ctx, job.ID, msg, nil); ferr != nil {
					m.logger.Warn("jobs: fail stale job", "job_id", job.ID, "error", ferr)
				}
				continue
			}
			m.logger.Warn("jobs: reconcile poll failed",
				"job_id", job.ID, "provider", job.Provider, "error", perr)
			continue
		}
		if aerr := m.apply(ctx, job.ID, res); aerr != nil {
			m.logger.Warn("jobs: reconcile apply failed", "job_id", job.ID, "error", aerr)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// StaleThreshold is how long a job may sit in pending before the reconcile
// sweep treats missing provider state as a failure.
const StaleThreshold = 24 * time.Hour
