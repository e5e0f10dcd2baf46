// Package testutil provides test doubles and database helpers shared by the
// package test suites.
package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kaname-ai/kaname/internal/model"
	"github.com/kaname-ai/kaname/internal/storage"
)

// MemStore is an in-memory stand-in for *storage.DB. It reproduces the
// storage layer's semantics that the services depend on: idempotent inserts,
// conditional transitions, and terminal-state no-ops.
type MemStore struct {
	mu sync.Mutex

	runs       map[uuid.UUID]*model.Run
	runsByKey  map[string]uuid.UUID
	steps      map[uuid.UUID]*model.Step
	stepsByKey map[string]uuid.UUID
	jobs       map[uuid.UUID]*model.Job
	agents     map[string]model.ExternalAgentConfig
	health     map[string]model.ExternalAgentState
	provenance []model.Provenance
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		runs:       make(map[uuid.UUID]*model.Run),
		runsByKey:  make(map[string]uuid.UUID),
		steps:      make(map[uuid.UUID]*model.Step),
		stepsByKey: make(map[string]uuid.UUID),
		jobs:       make(map[uuid.UUID]*model.Job),
		agents:     make(map[string]model.ExternalAgentConfig),
		health:     make(map[string]model.ExternalAgentState),
	}
}

func (s *MemStore) CreateRun(_ context.Context, run model.Run) (model.Run, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.runsByKey[run.IdempotencyKey]; ok {
		return *s.runs[id], false, nil
	}
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	now := time.Now().UTC()
	run.CreatedAt = now
	run.UpdatedAt = now
	s.runs[run.ID] = &run
	s.runsByKey[run.IdempotencyKey] = run.ID
	return run, true, nil
}

func (s *MemStore) GetRun(_ context.Context, id uuid.UUID) (model.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return model.Run{}, storage.ErrNotFound
	}
	return *r, nil
}

func (s *MemStore) GetRunByKey(_ context.Context, key string) (model.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.runsByKey[key]
	if !ok {
		return model.Run{}, storage.ErrNotFound
	}
	return *s.runs[id], nil
}

func (s *MemStore) ListRuns(_ context.Context, f storage.RunFilter) ([]model.Run, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Run
	for _, r := range s.runs {
		if f.AgentID != "" && r.AgentID != f.AgentID {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, len(out), nil
}

func (s *MemStore) TransitionRun(_ context.Context, id uuid.UUID, from []model.RunStatus, to model.RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return storage.ErrNotFound
	}
	allowed := false
	for _, f := range from {
		if r.Status == f {
			allowed = true
			break
		}
	}
	if !allowed {
		return storage.ErrTerminal
	}
	r.Status = to
	r.UpdatedAt = time.Now().UTC()
	if to.Terminal() && r.CompletedAt == nil {
		now := time.Now().UTC()
		r.CompletedAt = &now
	}
	return nil
}

func (s *MemStore) UpdateRunProgress(_ context.Context, id uuid.UUID, consumed model.Usage, currentModel string, warnings []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok || r.Status.Terminal() {
		return storage.ErrTerminal
	}
	r.Consumed = consumed
	r.CurrentModel = currentModel
	r.Warnings = warnings
	r.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemStore) SetRunResult(_ context.Context, id uuid.UUID, result *string, runErr *model.RunError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return storage.ErrNotFound
	}
	r.Result = result
	r.Error = runErr
	r.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemStore) DeleteRunsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, r := range s.runs {
		if r.Status.Terminal() && r.CompletedAt != nil && r.CompletedAt.Before(cutoff) {
			delete(s.runsByKey, r.IdempotencyKey)
			delete(s.runs, id)
			for sid, st := range s.steps {
				if st.RunID == id {
					delete(s.stepsByKey, st.IdempotencyKey)
					delete(s.steps, sid)
				}
			}
			n++
		}
	}
	return n, nil
}

func (s *MemStore) AppendStep(_ context.Context, step model.Step) (model.Step, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.stepsByKey[step.IdempotencyKey]; ok {
		return *s.steps[id], false, nil
	}
	if step.ID == uuid.Nil {
		step.ID = uuid.New()
	}
	step.StartedAt = time.Now().UTC()
	s.steps[step.ID] = &step
	s.stepsByKey[step.IdempotencyKey] = step.ID
	return step, true, nil
}

func (s *MemStore) GetStepByKey(_ context.Context, key string) (model.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.stepsByKey[key]
	if !ok {
		return model.Step{}, storage.ErrNotFound
	}
	return *s.steps[id], nil
}

func (s *MemStore) CompleteStep(_ context.Context, id uuid.UUID, res storage.StepResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.steps[id]
	if !ok {
		return storage.ErrNotFound
	}
	now := time.Now().UTC()
	st.Status = res.Status
	st.OutputHash = res.OutputHash
	st.Output = res.Output
	st.SideEffectCommitted = res.SideEffectCommitted
	st.InputTokens = res.InputTokens
	st.OutputTokens = res.OutputTokens
	st.ThinkingTokens = res.ThinkingTokens
	st.CostUSD = res.CostUSD
	st.DurationMs = res.DurationMs
	st.ErrorCode = res.ErrorCode
	st.ErrorMessage = res.ErrorMessage
	st.CompletedAt = &now
	return nil
}

func (s *MemStore) MarkSideEffectCommitted(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.steps[id]
	if !ok {
		return storage.ErrNotFound
	}
	st.SideEffectCommitted = true
	return nil
}

func (s *MemStore) ListSteps(_ context.Context, runID uuid.UUID) ([]model.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Step
	for _, st := range s.steps {
		if st.RunID == runID {
			out = append(out, *st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (s *MemStore) AppendProvenance(_ context.Context, p model.Provenance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.ID = int64(len(s.provenance) + 1)
	p.RecordedAt = time.Now().UTC()
	s.provenance = append(s.provenance, p)
	return nil
}

func (s *MemStore) ListProvenanceByRun(_ context.Context, runID string) ([]model.Provenance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Provenance
	for _, p := range s.provenance {
		if p.RunID == runID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *MemStore) UpsertJob(_ context.Context, job model.Job) (model.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.Provider == job.Provider && j.ExternalJobID == job.ExternalJobID {
			return *j, false, nil
		}
	}
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	s.jobs[job.ID] = &job
	return job, true, nil
}

func (s *MemStore) GetJob(_ context.Context, id uuid.UUID) (model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return model.Job{}, storage.ErrNotFound
	}
	return *j, nil
}

func (s *MemStore) GetJobByExternalID(_ context.Context, provider, externalJobID string) (model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.Provider == provider && j.ExternalJobID == externalJobID {
			return *j, nil
		}
	}
	return model.Job{}, storage.ErrNotFound
}

func (s *MemStore) ListJobs(_ context.Context, f storage.JobFilter) ([]model.Job, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Job
	for _, j := range s.jobs {
		if f.Provider != "" && j.Provider != f.Provider {
			continue
		}
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		out = append(out, *j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, len(out), nil
}

func (s *MemStore) ListActiveJobs(_ context.Context) ([]model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Job
	for _, j := range s.jobs {
		if !j.Status.Terminal() {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

func (s *MemStore) UpdateJobProgress(_ context.Context, id uuid.UUID, pct int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status.Terminal() {
		return nil
	}
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	j.Status = model.JobStatusProcessing
	j.Progress = pct
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemStore) CompleteJob(_ context.Context, id uuid.UUID, resultURL string, metadata map[string]any, costUSD float64, thumbnailURL *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status.Terminal() {
		return nil
	}
	now := time.Now().UTC()
	j.Status = model.JobStatusComplete
	j.Progress = 100
	j.ResultURL = &resultURL
	if thumbnailURL != nil {
		j.ThumbnailURL = thumbnailURL
	}
	if metadata != nil {
		j.Metadata = metadata
	}
	j.CostUSD += costUSD
	j.CompletedAt = &now
	j.UpdatedAt = now
	return nil
}

func (s *MemStore) FailJob(_ context.Context, id uuid.UUID, message string, code *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status.Terminal() {
		return nil
	}
	now := time.Now().UTC()
	j.Status = model.JobStatusFailed
	j.ErrorMessage = &message
	j.ErrorCode = code
	j.CompletedAt = &now
	j.UpdatedAt = now
	return nil
}

func (s *MemStore) CancelJob(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status.Terminal() {
		return nil
	}
	now := time.Now().UTC()
	j.Status = model.JobStatusCancelled
	j.CompletedAt = &now
	j.UpdatedAt = now
	return nil
}

func (s *MemStore) MarkJobWebhookReceived(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		j.WebhookReceived = true
		j.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (s *MemStore) CreateExternalAgent(_ context.Context, cfg model.ExternalAgentConfig) (model.ExternalAgentConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[cfg.ID]; ok {
		return model.ExternalAgentConfig{}, storage.ErrDuplicate
	}
	now := time.Now().UTC()
	cfg.CreatedAt = now
	cfg.UpdatedAt = now
	s.agents[cfg.ID] = cfg
	return cfg, nil
}

func (s *MemStore) GetExternalAgent(_ context.Context, id string) (model.ExternalAgentConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.agents[id]
	if !ok {
		return model.ExternalAgentConfig{}, storage.ErrNotFound
	}
	return cfg, nil
}

func (s *MemStore) ListExternalAgents(_ context.Context) ([]model.ExternalAgentConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.ExternalAgentConfig, 0, len(s.agents))
	for _, cfg := range s.agents {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemStore) UpdateExternalAgent(_ context.Context, cfg model.ExternalAgentConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[cfg.ID]; !ok {
		return storage.ErrNotFound
	}
	cfg.UpdatedAt = time.Now().UTC()
	s.agents[cfg.ID] = cfg
	return nil
}

func (s *MemStore) SetExternalAgentEnabled(_ context.Context, id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.agents[id]
	if !ok {
		return storage.ErrNotFound
	}
	cfg.Enabled = enabled
	cfg.UpdatedAt = time.Now().UTC()
	s.agents[id] = cfg
	return nil
}

func (s *MemStore) DeleteExternalAgent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.agents, id)
	delete(s.health, id)
	return nil
}

func (s *MemStore) SaveAgentHealth(_ context.Context, st model.ExternalAgentState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health[st.AgentID] = st
	return nil
}

func (s *MemStore) GetAgentHealth(_ context.Context, agentID string) (model.ExternalAgentState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.health[agentID]
	if !ok {
		return model.ExternalAgentState{}, storage.ErrNotFound
	}
	return st, nil
}
