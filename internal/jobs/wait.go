package jobs

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/kaname-ai/kaname/internal/fault"
	"github.com/kaname-ai/kaname/internal/model"
)

// DefaultPollInterval is how often Wait re-reads the job between
// notifications.
const DefaultPollInterval = 2 * time.Second

// Wait blocks until the job reaches a terminal state or ctx is done. Webhook
// and reconcile writes land in storage, so polling the row is sufficient:
// Wait never talks to the provider itself. Callers bound the wait with a
// context deadline; expiry surfaces as a Timeout fault while the job keeps
// running server-side.
func (m *Manager) Wait(ctx context.Context, id uuid.UUID, pollInterval time.Duration) (model.Job, error) {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}

	job, err := m.Get(ctx, id)
	if err != nil {
		return model.Job{}, err
	}
	if job.Status.Terminal() {
		return job, nil
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return job, fault.Newf(fault.CodeTimeout,
					"job %s still %s; it continues in the background", id, job.Status)
			}
			return job, fault.Classify(ctx.Err())
		case <-ticker.C:
			job, err = m.Get(ctx, id)
			if err != nil {
				return model.Job{}, err
			}
			if job.Status.Terminal() {
				return job, nil
			}
		}
	}
}
