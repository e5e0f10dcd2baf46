// Package ledger is the durable, idempotent bookkeeping layer for runs and
// steps. It enforces the run state machine, derives step idempotency keys,
// and applies the privacy-by-default contract: inputs and outputs are stored
// as content hashes unless payload retention is explicitly enabled.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kaname-ai/kaname/internal/fault"
	"github.com/kaname-ai/kaname/internal/model"
	"github.com/kaname-ai/kaname/internal/storage"
)

// Store is the persistence contract the ledger needs. *storage.DB satisfies it.
type Store interface {
	CreateRun(ctx context.Context, run model.Run) (model.Run, bool, error)
	GetRun(ctx context.Context, id uuid.UUID) (model.Run, error)
	GetRunByKey(ctx context.Context, key string) (model.Run, error)
	ListRuns(ctx context.Context, f storage.RunFilter) ([]model.Run, int, error)
	TransitionRun(ctx context.Context, id uuid.UUID, from []model.RunStatus, to model.RunStatus) error
	UpdateRunProgress(ctx context.Context, id uuid.UUID, consumed model.Usage, currentModel string, warnings []string) error
	SetRunResult(ctx context.Context, id uuid.UUID, result *string, runErr *model.RunError) error

	AppendStep(ctx context.Context, step model.Step) (model.Step, bool, error)
	CompleteStep(ctx context.Context, id uuid.UUID, res storage.StepResult) error
	MarkSideEffectCommitted(ctx context.Context, id uuid.UUID) error
	ListSteps(ctx context.Context, runID uuid.UUID) ([]model.Step, error)

	AppendProvenance(ctx context.Context, p model.Provenance) error
	ListProvenanceByRun(ctx context.Context, runID string) ([]model.Provenance, error)
}

// Ledger records every execution attempt and its constituent steps.
type Ledger struct {
	store  Store
	logger *slog.Logger

	// retainPayloads enables storing raw step inputs/outputs alongside the
	// hashes. Off by default.
	retainPayloads bool
}

// New creates a Ledger.
func New(store Store, logger *slog.Logger, retainPayloads bool) *Ledger {
	return &Ledger{store: store, logger: logger, retainPayloads: retainPayloads}
}

// StartRun returns the existing run unchanged if the idempotency key already
// exists (at-most-once semantics); otherwise it creates a new pending run.
// The second return reports whether a new run was created.
func (l *Ledger) StartRun(ctx context.Context, run model.Run) (model.Run, bool, error) {
	run.Status = model.RunStatusPending
	run.InputHash = HashContent(run.Input)
	if !l.retainPayloads {
		run.Input = ""
	}
	created, isNew, err := l.store.CreateRun(ctx, run)
	if err != nil {
		return model.Run{}, false, err
	}
	if !isNew {
		l.logger.Debug("ledger: run exists for idempotency key",
			"idempotency_key", run.IdempotencyKey, "run_id", created.ID, "status", created.Status)
	}
	return created, isNew, nil
}

// GetRun loads a run with its steps.
func (l *Ledger) GetRun(ctx context.Context, id uuid.UUID) (model.Run, []model.Step, error) {
	run, err := l.store.GetRun(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.Run{}, nil, fault.New(fault.CodeRunNotFound, "run not found")
		}
		return model.Run{}, nil, err
	}
	steps, err := l.store.ListSteps(ctx, id)
	if err != nil {
		return model.Run{}, nil, err
	}
	return run, steps, nil
}

// GetRunByKey loads a run by idempotency key.
func (l *Ledger) GetRunByKey(ctx context.Context, key string) (model.Run, error) {
	run, err := l.store.GetRunByKey(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.Run{}, fault.New(fault.CodeRunNotFound, "run not found")
		}
		return model.Run{}, err
	}
	return run, nil
}

// ListRuns returns runs matching the filter.
func (l *Ledger) ListRuns(ctx context.Context, f storage.RunFilter) ([]model.Run, int, error) {
	return l.store.ListRuns(ctx, f)
}

// Transition moves a run to newStatus, enforcing the state machine. A
// transition into a terminal state freezes the run.
func (l *Ledger) Transition(ctx context.Context, id uuid.UUID, from []model.RunStatus, to model.RunStatus) error {
	for _, f := range from {
		if !model.CanTransition(f, to) {
			return fault.Newf(fault.CodeInvalidInput, "illegal run transition %s -> %s", f, to)
		}
	}
	err := l.store.TransitionRun(ctx, id, from, to)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrTerminal):
		return fault.Newf(fault.CodeRunTerminal, "run is not in an allowed state for transition to %s", to)
	case errors.Is(err, storage.ErrNotFound):
		return fault.New(fault.CodeRunNotFound, "run not found")
	default:
		return err
	}
}

// StepStart describes a step about to execute.
type StepStart struct {
	Type   model.StepType
	Target string // model or tool name
	Input  any
}

// AppendStep opens step `index` of the run. The idempotency key is
// deterministic from the run key and index, so a duplicate append returns the
// prior step (replayed=true) instead of creating a second row.
// Appending to a terminal run fails NonRetryable.
func (l *Ledger) AppendStep(ctx context.Context, run *model.Run, index int, start StepStart) (model.Step, bool, error) {
	if run.Status.Terminal() {
		return model.Step{}, false, fault.New(fault.CodeRunTerminal, "cannot append step to a terminal run")
	}
	if !start.Type.Valid() {
		return model.Step{}, false, fault.Newf(fault.CodeInvalidInput, "unknown step type %q", start.Type)
	}

	step := model.Step{
		RunID:          run.ID,
		Index:          index,
		IdempotencyKey: model.StepKey(run.IdempotencyKey, index),
		Type:           start.Type,
		Target:         start.Target,
		Status:         model.StepStatusRunning,
		InputHash:      HashContent(start.Input),
	}
	if l.retainPayloads {
		raw := HashableString(start.Input)
		step.Input = &raw
	}

	created, isNew, err := l.store.AppendStep(ctx, step)
	if err != nil {
		return model.Step{}, false, err
	}
	return created, !isNew, nil
}

// StepOutcome carries a step's result for CompleteStep.
type StepOutcome struct {
	Status              model.StepStatus
	Output              any
	SideEffectCommitted bool
	Usage               model.Usage
	Fault               *fault.Error
}

// CompleteStep records a step's outcome, updates the run's consumption, and
// appends the provenance record.
func (l *Ledger) CompleteStep(ctx context.Context, run *model.Run, step model.Step, out StepOutcome) error {
	res := storage.StepResult{
		Status:              out.Status,
		OutputHash:          HashContent(out.Output),
		SideEffectCommitted: out.SideEffectCommitted,
		InputTokens:         out.Usage.InputTokens,
		OutputTokens:        out.Usage.OutputTokens,
		ThinkingTokens:      out.Usage.ThinkingTokens,
		CostUSD:             out.Usage.CostUSD,
		DurationMs:          out.Usage.DurationMs,
	}
	if l.retainPayloads && out.Output != nil {
		raw := HashableString(out.Output)
		res.Output = &raw
	}
	if out.Fault != nil {
		code, msg := out.Fault.Code, out.Fault.Message
		res.ErrorCode, res.ErrorMessage = &code, &msg
	}
	if err := l.store.CompleteStep(ctx, step.ID, res); err != nil {
		return err
	}

	run.Consumed.Add(out.Usage)
	if err := l.store.UpdateRunProgress(ctx, run.ID, run.Consumed, run.CurrentModel, run.Warnings); err != nil {
		if !errors.Is(err, storage.ErrTerminal) {
			return err
		}
		// The run went terminal underneath us (cancel); consumption for an
		// in-flight step that was allowed to finish is not recorded.
		l.logger.Debug("ledger: run terminal, progress not recorded", "run_id", run.ID)
	}

	traceID := ""
	if run.TraceID != nil {
		traceID = *run.TraceID
	}
	prov := model.Provenance{
		TraceID:    traceID,
		RunID:      run.ID.String(),
		StepIndex:  step.Index,
		Kind:       string(step.Type),
		Target:     step.Target,
		PromptHash: step.InputHash,
		ResultHash: res.OutputHash,
		CostUSD:    out.Usage.CostUSD,
		DurationMs: out.Usage.DurationMs,
	}
	if step.Type == model.StepTypeToolCall {
		prov.ArgsHash = step.InputHash
	}
	if err := l.store.AppendProvenance(ctx, prov); err != nil {
		// The step outcome is already committed; the trail is best effort
		// but a gap is worth surfacing loudly.
		l.logger.Error("ledger: provenance append failed", "run_id", run.ID, "step", step.Index, "error", err)
	}
	return nil
}

// MarkSideEffect records that a tool step's external effect has been
// produced. Must be called before the effect, not after; see Step.
func (l *Ledger) MarkSideEffect(ctx context.Context, stepID uuid.UUID) error {
	return l.store.MarkSideEffectCommitted(ctx, stepID)
}

// Finish transitions the run to its terminal status and records the result
// or terminal error.
func (l *Ledger) Finish(ctx context.Context, run *model.Run, to model.RunStatus, result *string, runErr *model.RunError) error {
	if err := l.store.SetRunResult(ctx, run.ID, result, runErr); err != nil {
		return err
	}
	from := []model.RunStatus{model.RunStatusPending, model.RunStatusRunning, model.RunStatusAwaitingApproval}
	if err := l.Transition(ctx, run.ID, from, to); err != nil {
		return err
	}
	run.Status = to
	run.Result = result
	run.Error = runErr
	now := time.Now().UTC()
	run.CompletedAt = &now
	return nil
}

// Provenance returns the audit trail for a run.
func (l *Ledger) Provenance(ctx context.Context, runID uuid.UUID) ([]model.Provenance, error) {
	return l.store.ListProvenanceByRun(ctx, runID.String())
}

// HashableString renders v the same way HashContent sees it, for payload
// retention.
func HashableString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "unhashable"
		}
		return string(b)
	}
}
