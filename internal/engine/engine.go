// Package engine orchestrates runs. It resolves the target agent (in-process
// or external), opens the run in the ledger, gates every step against the
// budget controller, routes external calls through the circuit-breaking
// proxy, and delivers incremental events to the caller's stream sink.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kaname-ai/kaname/internal/budget"
	"github.com/kaname-ai/kaname/internal/fault"
	"github.com/kaname-ai/kaname/internal/jobs"
	"github.com/kaname-ai/kaname/internal/ledger"
	"github.com/kaname-ai/kaname/internal/model"
	"github.com/kaname-ai/kaname/internal/proxy"
	"github.com/kaname-ai/kaname/internal/registry"
	"github.com/kaname-ai/kaname/internal/stream"
)

// Config wires an Engine. Ledger, Budget, and Logger are required; the rest
// may be nil when the deployment has no external agents, jobs, or models.
type Config struct {
	Ledger   *ledger.Ledger
	Budget   *budget.Controller
	Registry *registry.Registry
	Proxy    *proxy.Proxy
	Jobs     *jobs.Manager
	Model    ModelClient
	Logger   *slog.Logger

	// DefaultBudget applies beneath caller overrides.
	DefaultBudget model.Budget
	// DefaultEffort applies when the request names none. Empty means medium.
	DefaultEffort model.Effort
}

// Engine executes runs. Runs execute concurrently as independent tasks;
// concurrency is bounded only by per-agent caps and the callers' budgets.
type Engine struct {
	ledger   *ledger.Ledger
	budget   *budget.Controller
	registry *registry.Registry
	proxy    *proxy.Proxy
	jobs     *jobs.Manager
	model    ModelClient
	logger   *slog.Logger

	defaultBudget model.Budget
	defaultEffort model.Effort

	mu     sync.RWMutex
	agents map[string]Agent
	tools  map[string]Tool

	// active maps run id to the cancel func of its executing context, for
	// runs owned by this process.
	active sync.Map
}

// New creates an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Ledger == nil || cfg.Budget == nil || cfg.Logger == nil {
		return nil, errors.New("engine: ledger, budget, and logger are required")
	}
	effort := cfg.DefaultEffort
	if effort == "" {
		effort = model.EffortMedium
	}
	return &Engine{
		ledger:        cfg.Ledger,
		budget:        cfg.Budget,
		registry:      cfg.Registry,
		proxy:         cfg.Proxy,
		jobs:          cfg.Jobs,
		model:         cfg.Model,
		logger:        cfg.Logger,
		defaultBudget: cfg.DefaultBudget,
		defaultEffort: effort,
		agents:        make(map[string]Agent),
		tools:         make(map[string]Tool),
	}, nil
}

// RegisterAgent makes a local agent addressable. Later registrations with
// the same id replace earlier ones.
func (e *Engine) RegisterAgent(a Agent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.agents[a.ID()] = a
}

// RegisterTool makes a tool available to local agents.
func (e *Engine) RegisterTool(t Tool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tools[t.Name()] = t
}

func (e *Engine) localAgent(id string) (Agent, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	a, ok := e.agents[id]
	return a, ok
}

func (e *Engine) tool(name string) (Tool, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.tools[name]
	return t, ok
}

// Execute runs (or replays) the request. The second submission of an
// idempotency key never creates a second run: a terminal run is returned
// as-is, and a non-terminal one is resumed, with step-level idempotency
// making the resumption safe. Events go to sink; pass nil for no streaming.
func (e *Engine) Execute(ctx context.Context, req model.ExecuteRequest, sink stream.Sink) (model.Run, error) {
	if sink == nil {
		sink = stream.Discard{}
	}
	if err := req.Validate(); err != nil {
		return model.Run{}, fault.Wrap(err, fault.Newf(fault.CodeInvalidInput, "invalid request: %v", err))
	}

	effort := req.EffortLevel
	if effort == "" {
		effort = e.defaultEffort
	}
	b := e.defaultBudget
	if req.Budget != nil {
		b = b.Merge(*req.Budget)
	}
	initialModel, thinking, err := e.budget.ModelForEffort(effort, b)
	if err != nil {
		return model.Run{}, err
	}

	run, isNew, err := e.ledger.StartRun(ctx, model.Run{
		IdempotencyKey: req.IdempotencyKey,
		AgentID:        req.AgentID,
		Input:          req.Input,
		Budget:         b,
		CurrentModel:   initialModel,
		EffortLevel:    effort,
		TraceID:        req.TraceID,
		TenantID:       req.TenantID,
		UserID:         req.UserID,
		StartedAt:      time.Now().UTC(),
	})
	if err != nil {
		return model.Run{}, err
	}

	if !isNew {
		switch {
		case run.Status.Terminal():
			e.emitStart(sink, run)
			e.emitTerminal(sink, run)
			return run, terminalFault(run)
		case run.Status == model.RunStatusAwaitingApproval:
			e.emitStart(sink, run)
			_ = sink.Send(stream.Event{
				Type: stream.EventError, RunID: run.ID.String(),
				Code: fault.CodeApprovalRequired, Message: "run is awaiting approval",
			})
			return run, fault.New(fault.CodeApprovalRequired, "run is awaiting approval")
		case run.AgentID != req.AgentID:
			return run, fault.Newf(fault.CodeInvalidInput,
				"idempotency key already used for agent %q", run.AgentID)
		}
		// Pending or running without a live owner: resume. Step idempotency
		// keys make replayed work converge on the original's results.
	}

	return e.run(ctx, run, req.Input, thinking, sink)
}

// run drives one execution attempt to a terminal state (or approval pause).
func (e *Engine) run(ctx context.Context, run model.Run, input string, thinking int64, sink stream.Sink) (model.Run, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.active.Store(run.ID, cancel)
	defer e.active.Delete(run.ID)

	e.emitStart(sink, run)

	if run.Status == model.RunStatusPending {
		estIn := estimateTokens(input)
		if ferr := e.budget.PreFlight(&run, estIn, estIn/2+512, 0); ferr != nil {
			return e.finish(ctx, run, "", ferr, sink)
		}
		err := e.ledger.Transition(ctx, run.ID,
			[]model.RunStatus{model.RunStatusPending}, model.RunStatusRunning)
		if err != nil {
			// Lost the race to another executor or a cancel; report what the
			// run became.
			cur, _, gerr := e.ledger.GetRun(ctx, run.ID)
			if gerr != nil {
				return run, gerr
			}
			e.emitTerminal(sink, cur)
			return cur, terminalFault(cur)
		}
		run.Status = model.RunStatusRunning
	}

	if agent, ok := e.localAgent(run.AgentID); ok {
		return e.runLocal(ctx, run, input, thinking, agent, sink)
	}
	if e.registry != nil {
		if _, err := e.registry.Get(run.AgentID); err == nil {
			return e.runExternal(ctx, run, input, sink)
		}
	}
	return e.finish(ctx, run, "",
		fault.Newf(fault.CodeAgentNotFound, "agent %q is not registered", run.AgentID), sink)
}

func (e *Engine) runLocal(ctx context.Context, run model.Run, input string, thinking int64, agent Agent, sink stream.Sink) (model.Run, error) {
	tk := &Toolkit{
		engine:   e,
		run:      &run,
		input:    input,
		thinking: thinking,
		sink:     sink,
	}
	if err := tk.loadPriorSteps(ctx); err != nil {
		return run, err
	}

	result, err := agent.Run(ctx, tk)
	return e.finish(ctx, run, result, err, sink)
}

// finish resolves the run's terminal state from the agent's outcome, records
// it, and emits the single terminal event.
func (e *Engine) finish(ctx context.Context, run model.Run, result string, runErr error, sink stream.Sink) (model.Run, error) {
	if runErr == nil {
		res := &result
		if err := e.ledger.Finish(ctx, &run, model.RunStatusCompleted, res, nil); err != nil {
			return e.reloadAfterLostFinish(ctx, run, err, sink)
		}
		e.emitTerminal(sink, run)
		return run, nil
	}

	fe := fault.Classify(runErr)

	if fe.Code == fault.CodeApprovalRequired {
		// Not terminal: the run pauses in awaiting_approval and the stream
		// closes with a resumable error event.
		_ = sink.Send(stream.Event{
			Type: stream.EventError, RunID: run.ID.String(),
			Code: fe.Code, Message: fe.Message,
		})
		run.Status = model.RunStatusAwaitingApproval
		return run, fe
	}

	to := model.RunStatusFailed
	switch {
	case fe.Code == fault.CodeCancelled:
		to = model.RunStatusCancelled
	case (fe.Code == fault.CodeBudgetExceeded || fe.Code == fault.CodePreFlightRejected) && run.Consumed.Steps > 0:
		// Budget ran out mid-run: whatever completed stands as a partial
		// result.
		to = model.RunStatusPartial
	}

	rerr := &model.RunError{
		Code:      fe.Code,
		Message:   fe.Message,
		Retryable: fe.IsRetryable(),
	}
	if steps := run.Consumed.Steps; steps > 0 {
		idx := steps - 1
		rerr.StepIndex = &idx
	}
	if err := e.ledger.Finish(ctx, &run, to, nil, rerr); err != nil {
		return e.reloadAfterLostFinish(ctx, run, err, sink)
	}
	e.emitTerminal(sink, run)
	return run, fe
}

// reloadAfterLostFinish handles a finish that lost to a concurrent terminal
// transition (a cancel, or another executor finishing first).
func (e *Engine) reloadAfterLostFinish(ctx context.Context, run model.Run, finishErr error, sink stream.Sink) (model.Run, error) {
	fe := fault.Classify(finishErr)
	if fe.Code != fault.CodeRunTerminal {
		return run, finishErr
	}
	cur, _, err := e.ledger.GetRun(ctx, run.ID)
	if err != nil {
		return run, err
	}
	e.emitTerminal(sink, cur)
	return cur, terminalFault(cur)
}

// Cancel moves a run to cancelled and interrupts its executor if this
// process owns one. In-flight steps finish; no further budget is consumed.
func (e *Engine) Cancel(ctx context.Context, runID uuid.UUID) error {
	err := e.ledger.Transition(ctx, runID, []model.RunStatus{
		model.RunStatusPending, model.RunStatusRunning, model.RunStatusAwaitingApproval,
	}, model.RunStatusCancelled)
	if err != nil {
		return err
	}
	if cancel, ok := e.active.Load(runID); ok {
		cancel.(context.CancelFunc)()
	}
	return nil
}

// ResolveApproval resolves a run paused in awaiting_approval. Approval moves
// the run back to running; the caller then resubmits the original request
// (same idempotency key) to resume it. Decline terminates the run as failed.
func (e *Engine) ResolveApproval(ctx context.Context, runID uuid.UUID, approved bool) (model.Run, error) {
	run, steps, err := e.ledger.GetRun(ctx, runID)
	if err != nil {
		return model.Run{}, err
	}
	if run.Status != model.RunStatusAwaitingApproval {
		return run, fault.Newf(fault.CodeInvalidInput, "run is %s, not awaiting approval", run.Status)
	}

	var wait *model.Step
	for i := len(steps) - 1; i >= 0; i-- {
		if steps[i].Type == model.StepTypeApprovalWait && steps[i].Status == model.StepStatusRunning {
			wait = &steps[i]
			break
		}
	}
	if wait == nil {
		return run, fault.New(fault.CodeInternal, "no open approval step on run")
	}

	if !approved {
		declined := fault.New(fault.CodeApprovalDeclined, "approval declined")
		if err := e.ledger.CompleteStep(ctx, &run, *wait, ledger.StepOutcome{
			Status: model.StepStatusFailed,
			Usage:  model.Usage{Steps: 1},
			Fault:  declined,
		}); err != nil {
			return run, err
		}
		if err := e.ledger.Finish(ctx, &run, model.RunStatusFailed, nil, &model.RunError{
			Code: declined.Code, Message: declined.Message,
		}); err != nil {
			return run, err
		}
		return run, nil
	}

	if err := e.ledger.CompleteStep(ctx, &run, *wait, ledger.StepOutcome{
		Status: model.StepStatusCompleted,
		Output: "approved",
		Usage:  model.Usage{Steps: 1},
	}); err != nil {
		return run, err
	}
	if err := e.ledger.Transition(ctx, run.ID,
		[]model.RunStatus{model.RunStatusAwaitingApproval}, model.RunStatusRunning); err != nil {
		return run, err
	}
	run.Status = model.RunStatusRunning
	return run, nil
}

func (e *Engine) emitStart(sink stream.Sink, run model.Run) {
	_ = sink.Send(stream.Event{
		Type:    stream.EventStart,
		RunID:   run.ID.String(),
		AgentID: run.AgentID,
	})
}

// emitTerminal sends the single closing event for a terminal run.
func (e *Engine) emitTerminal(sink stream.Sink, run model.Run) {
	switch run.Status {
	case model.RunStatusCompleted, model.RunStatusPartial:
		usage := run.Consumed
		ev := stream.Event{
			Type:       stream.EventDone,
			RunID:      run.ID.String(),
			Result:     run.Result,
			Warnings:   run.Warnings,
			Usage:      &usage,
			DurationMs: run.Consumed.DurationMs,
		}
		if run.Status == model.RunStatusPartial && run.Error != nil {
			ev.Code = run.Error.Code
			ev.Message = run.Error.Message
		}
		_ = sink.Send(ev)
	case model.RunStatusFailed, model.RunStatusCancelled:
		ev := stream.Event{Type: stream.EventError, RunID: run.ID.String()}
		if run.Error != nil {
			ev.Code = run.Error.Code
			ev.Message = run.Error.Message
			ev.Retryable = run.Error.Retryable
		} else {
			ev.Code = fault.CodeCancelled
			ev.Message = "run cancelled"
		}
		_ = sink.Send(ev)
	}
}

// terminalFault maps a terminal run to the error Execute should surface, nil
// for a successful one.
func terminalFault(run model.Run) error {
	switch run.Status {
	case model.RunStatusCompleted, model.RunStatusPartial:
		return nil
	case model.RunStatusCancelled:
		return fault.New(fault.CodeCancelled, "run cancelled")
	default:
		if run.Error != nil {
			return fault.New(run.Error.Code, run.Error.Message)
		}
		return fault.New(fault.CodeInternal, "run failed")
	}
}

// estimateTokens is the rough chars/4 heuristic used only for pre-flight
// estimates, never for billing.
func estimateTokens(s string) int64 {
	return int64(len(s))/4 + 1
}
