package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/kaname-ai/kaname/internal/fault"
	"github.com/kaname-ai/kaname/internal/jobs"
	"github.com/kaname-ai/kaname/internal/ledger"
	"github.com/kaname-ai/kaname/internal/model"
	"github.com/kaname-ai/kaname/internal/stream"
)

// Toolkit is the interface an in-process agent works through. Every model
// call, tool call, and job goes through it so the runtime can meter the
// budget, record the step, and replay it safely on a retried run.
//
// A Toolkit belongs to one run and must not be used concurrently: within a
// run, steps execute and are recorded strictly in index order.
type Toolkit struct {
	engine   *Engine
	run      *model.Run
	input    string
	thinking int64
	sink     stream.Sink

	next       int
	prior      map[int]model.Step
	tokenIndex int
}

// Input returns the run's input payload.
func (tk *Toolkit) Input() string { return tk.input }

// RunID returns the run's id.
func (tk *Toolkit) RunID() uuid.UUID { return tk.run.ID }

// CurrentModel returns the model the budget controller has currently
// selected, reflecting any downgrades so far.
func (tk *Toolkit) CurrentModel() string { return tk.run.CurrentModel }

// loadPriorSteps indexes already-recorded steps so a resumed run replays
// them instead of re-appending.
func (tk *Toolkit) loadPriorSteps(ctx context.Context) error {
	_, steps, err := tk.engine.ledger.GetRun(ctx, tk.run.ID)
	if err != nil {
		return err
	}
	tk.prior = make(map[int]model.Step, len(steps))
	for _, s := range steps {
		tk.prior[s.Index] = s
	}
	return nil
}

// gate runs the per-step admission checks: cancellation first, then budget.
func (tk *Toolkit) gate(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fault.Classify(err)
	}
	if ferr := tk.engine.budget.CanContinue(tk.run); ferr != nil {
		return ferr
	}
	return nil
}

// Complete performs one model call with the run's current model, applying
// retry, downgrade, and budget accounting.
func (tk *Toolkit) Complete(ctx context.Context, prompt string) (string, error) {
	return tk.CompleteWith(ctx, ModelRequest{Prompt: prompt})
}

// CompleteWith is Complete with explicit request options. The model name is
// always overridden by the run's current model; callers cannot escape the
// downgrade floor by naming a model directly.
func (tk *Toolkit) CompleteWith(ctx context.Context, req ModelRequest) (string, error) {
	if tk.engine.model == nil {
		return "", fault.New(fault.CodeInternal, "no model client configured")
	}
	if err := tk.gate(ctx); err != nil {
		return "", err
	}

	idx := tk.next
	tk.next++
	step, replayed, err := tk.engine.ledger.AppendStep(ctx, tk.run, idx, ledger.StepStart{
		Type:   model.StepTypeLLMCall,
		Target: tk.run.CurrentModel,
		Input:  req.Prompt,
	})
	if err != nil {
		return "", err
	}
	if replayed && step.Status == model.StepStatusCompleted && step.Output != nil {
		return *step.Output, nil
	}
	// A replayed model step without a retained payload re-executes; model
	// calls have no side effects.

	start := time.Now()
	resp, callErr := tk.callModel(ctx, req)
	elapsed := time.Since(start).Milliseconds()

	if callErr != nil {
		fe := fault.Classify(callErr)
		_ = tk.engine.ledger.CompleteStep(ctx, tk.run, step, ledger.StepOutcome{
			Status: model.StepStatusFailed,
			Usage:  model.Usage{Steps: 1, DurationMs: elapsed},
			Fault:  fe,
		})
		return "", fe
	}

	cost, err := tk.engine.budget.EstimateCost(tk.run.CurrentModel,
		resp.InputTokens, resp.OutputTokens, resp.ThinkingTokens)
	if err != nil {
		cost = 0
	}
	usage := model.Usage{
		InputTokens:    resp.InputTokens,
		OutputTokens:   resp.OutputTokens,
		ThinkingTokens: resp.ThinkingTokens,
		CostUSD:        cost,
		DurationMs:     elapsed,
		Steps:          1,
	}
	if err := tk.engine.ledger.CompleteStep(ctx, tk.run, step, ledger.StepOutcome{
		Status: model.StepStatusCompleted,
		Output: resp.Text,
		Usage:  usage,
	}); err != nil {
		return "", err
	}

	// Probe for budget-pressure downgrade so the next call lands on a tier
	// the remaining budget can fund.
	if next, ok := tk.engine.budget.ShouldDowngrade(tk.run, nil); ok {
		tk.applyDowngrade(next, "remaining budget insufficient at current tier")
	}
	return resp.Text, nil
}

// callModel dials the model client with retry and degradable-downgrade
// handling. Retryable failures back off per the classifier; degradable ones
// walk the model down one tier and try again.
func (tk *Toolkit) callModel(ctx context.Context, req ModelRequest) (ModelResponse, error) {
	attempt := 1
	for {
		req.Model = tk.run.CurrentModel
		if req.MaxThinkingTokens == 0 {
			req.MaxThinkingTokens = tk.thinking
		}

		resp, err := tk.dialModel(ctx, req)
		if err == nil {
			return resp, nil
		}
		fe := fault.Classify(err)

		switch fe.Kind {
		case fault.Degradable:
			if next, ok := tk.engine.budget.ShouldDowngrade(tk.run, fe); ok {
				tk.applyDowngrade(next, fe.Message)
				continue
			}
			return ModelResponse{}, fe
		case fault.Retryable:
			if attempt > fe.MaxRetries {
				return ModelResponse{}, fe
			}
			if serr := fault.Sleep(ctx, fe.RetryAfter, attempt); serr != nil {
				return ModelResponse{}, fault.Classify(serr)
			}
			attempt++
		default:
			return ModelResponse{}, fe
		}
	}
}

func (tk *Toolkit) dialModel(ctx context.Context, req ModelRequest) (ModelResponse, error) {
	if sc, ok := tk.engine.model.(StreamingModelClient); ok {
		if _, discard := tk.sink.(stream.Discard); !discard {
			return sc.CompleteStream(ctx, req, func(text string) {
				_ = tk.sink.Send(stream.Event{
					Type:  stream.EventToken,
					RunID: tk.run.ID.String(),
					Index: tk.tokenIndex,
					Text:  text,
				})
				tk.tokenIndex++
			})
		}
	}
	return tk.engine.model.Complete(ctx, req)
}

// applyDowngrade records a model downgrade: counter, warning, progress event.
func (tk *Toolkit) applyDowngrade(next, reason string) {
	prev := tk.run.CurrentModel
	tk.run.CurrentModel = next
	tk.run.Consumed.Downgrades++
	warning := "model downgraded from " + prev + " to " + next + ": " + reason
	tk.run.Warnings = append(tk.run.Warnings, warning)
	tk.engine.logger.Info("engine: model downgraded",
		"run_id", tk.run.ID, "from", prev, "to", next, "reason", reason)
	_ = tk.sink.Send(stream.Event{
		Type:    stream.EventProgress,
		RunID:   tk.run.ID.String(),
		Message: warning,
	})
}

// Tool invokes a registered tool as a recorded step. A replayed step whose
// side effect was already committed is never re-invoked unless the tool
// declares itself idempotent.
func (tk *Toolkit) Tool(ctx context.Context, name string, args map[string]any) (any, error) {
	tool, ok := tk.engine.tool(name)
	if !ok {
		return nil, fault.Newf(fault.CodeInvalidInput, "tool %q is not registered", name)
	}
	if err := tk.gate(ctx); err != nil {
		return nil, err
	}

	idx := tk.next
	tk.next++
	step, replayed, err := tk.engine.ledger.AppendStep(ctx, tk.run, idx, ledger.StepStart{
		Type:   model.StepTypeToolCall,
		Target: name,
		Input:  args,
	})
	if err != nil {
		return nil, err
	}
	if replayed {
		if step.Status == model.StepStatusCompleted && step.Output != nil {
			var out any
			if jerr := json.Unmarshal([]byte(*step.Output), &out); jerr == nil {
				return out, nil
			}
			return *step.Output, nil
		}
		if step.SideEffectCommitted && !tool.Idempotent() {
			return nil, fault.Newf(fault.CodeInvalidInput,
				"tool %q already committed a side effect for step %d; not safe to repeat", name, idx)
		}
	}

	// The commit flag is raised before the effect can happen, so a crash
	// between flag and effect errs on the safe side.
	if !tool.Idempotent() {
		if err := tk.engine.ledger.MarkSideEffect(ctx, step.ID); err != nil {
			return nil, err
		}
		step.SideEffectCommitted = true
	}

	start := time.Now()
	out, callErr := tk.callTool(ctx, tool, args, step)
	elapsed := time.Since(start).Milliseconds()

	usage := model.Usage{Steps: 1, ToolCalls: 1, DurationMs: elapsed}
	if callErr != nil {
		fe := fault.Classify(callErr)
		_ = tk.engine.ledger.CompleteStep(ctx, tk.run, step, ledger.StepOutcome{
			Status:              model.StepStatusFailed,
			SideEffectCommitted: step.SideEffectCommitted,
			Usage:               usage,
			Fault:               fe,
		})
		return nil, fe
	}

	if err := tk.engine.ledger.CompleteStep(ctx, tk.run, step, ledger.StepOutcome{
		Status:              model.StepStatusCompleted,
		Output:              out,
		SideEffectCommitted: step.SideEffectCommitted,
		Usage:               usage,
	}); err != nil {
		return nil, err
	}
	return out, nil
}

// callTool dials a tool with retry. Once a side effect is committed only an
// idempotent tool may be retried.
func (tk *Toolkit) callTool(ctx context.Context, tool Tool, args map[string]any, step model.Step) (any, error) {
	attempt := 1
	for {
		out, err := tool.Invoke(ctx, args)
		if err == nil {
			return out, nil
		}
		fe := fault.Classify(err)
		if fe.Kind != fault.Retryable || attempt > fe.MaxRetries {
			return nil, fe
		}
		if step.SideEffectCommitted && !tool.Idempotent() {
			return nil, fe
		}
		if serr := fault.Sleep(ctx, fe.RetryAfter, attempt); serr != nil {
			return nil, fault.Classify(serr)
		}
		attempt++
	}
}

// StartJob starts a provider-side asynchronous job linked to this run,
// recorded as a committed tool step.
func (tk *Toolkit) StartJob(ctx context.Context, provider string, req jobs.StartRequest) (model.Job, error) {
	if tk.engine.jobs == nil {
		return model.Job{}, fault.New(fault.CodeInternal, "no job manager configured")
	}
	if err := tk.gate(ctx); err != nil {
		return model.Job{}, err
	}

	idx := tk.next
	tk.next++
	step, replayed, err := tk.engine.ledger.AppendStep(ctx, tk.run, idx, ledger.StepStart{
		Type:   model.StepTypeToolCall,
		Target: "job:" + provider,
		Input:  req,
	})
	if err != nil {
		return model.Job{}, err
	}
	if replayed {
		if step.Status == model.StepStatusCompleted && step.Output != nil {
			if jobID, perr := uuid.Parse(*step.Output); perr == nil {
				return tk.engine.jobs.Get(ctx, jobID)
			}
		}
		if step.SideEffectCommitted {
			return model.Job{}, fault.Newf(fault.CodeInvalidInput,
				"job step %d already started at provider %q; not safe to repeat", idx, provider)
		}
	}

	if err := tk.engine.ledger.MarkSideEffect(ctx, step.ID); err != nil {
		return model.Job{}, err
	}
	step.SideEffectCommitted = true

	start := time.Now()
	runID := tk.run.ID
	job, jerr := tk.engine.jobs.Start(ctx, provider, &runID, req)
	elapsed := time.Since(start).Milliseconds()

	usage := model.Usage{Steps: 1, ToolCalls: 1, DurationMs: elapsed}
	if jerr != nil {
		fe := fault.Classify(jerr)
		_ = tk.engine.ledger.CompleteStep(ctx, tk.run, step, ledger.StepOutcome{
			Status:              model.StepStatusFailed,
			SideEffectCommitted: true,
			Usage:               usage,
			Fault:               fe,
		})
		return model.Job{}, fe
	}
	if err := tk.engine.ledger.CompleteStep(ctx, tk.run, step, ledger.StepOutcome{
		Status:              model.StepStatusCompleted,
		Output:              job.ID.String(),
		SideEffectCommitted: true,
		Usage:               usage,
	}); err != nil {
		return model.Job{}, err
	}
	return job, nil
}

// AwaitJob blocks until the job is terminal, forwarding progress to the
// caller's stream. The wait is bounded by ctx; the job continues server-side
// if the wait expires.
func (tk *Toolkit) AwaitJob(ctx context.Context, jobID uuid.UUID, pollInterval time.Duration) (model.Job, error) {
	if tk.engine.jobs == nil {
		return model.Job{}, fault.New(fault.CodeInternal, "no job manager configured")
	}
	return tk.engine.jobs.Wait(ctx, jobID, pollInterval)
}

// Progress emits a progress event to the caller's stream.
func (tk *Toolkit) Progress(percent int, message string) {
	_ = tk.sink.Send(stream.Event{
		Type:      stream.EventProgress,
		RunID:     tk.run.ID.String(),
		Percent:   percent,
		Message:   message,
		StepIndex: tk.next,
	})
}

// Warn attaches a non-fatal warning to the run's eventual result.
func (tk *Toolkit) Warn(message string) {
	tk.run.Warnings = append(tk.run.Warnings, message)
}

// AwaitApproval pauses the run for an operator decision. It records an
// approval_wait step, parks the run in awaiting_approval, and unwinds the
// agent with an ApprovalRequired fault. After approval, resubmitting the run
// replays past steps and passes straight through the completed wait step.
func (tk *Toolkit) AwaitApproval(ctx context.Context, reason string) error {
	if err := ctx.Err(); err != nil {
		return fault.Classify(err)
	}

	idx := tk.next
	tk.next++
	step, replayed, err := tk.engine.ledger.AppendStep(ctx, tk.run, idx, ledger.StepStart{
		Type:   model.StepTypeApprovalWait,
		Target: "approval",
		Input:  reason,
	})
	if err != nil {
		return err
	}
	if replayed && step.Status == model.StepStatusCompleted {
		return nil // already approved
	}
	if replayed && step.Status == model.StepStatusFailed {
		return fault.New(fault.CodeApprovalDeclined, "approval declined")
	}

	if err := tk.engine.ledger.Transition(ctx, tk.run.ID,
		[]model.RunStatus{model.RunStatusRunning}, model.RunStatusAwaitingApproval); err != nil {
		return err
	}
	tk.run.Status = model.RunStatusAwaitingApproval
	return fault.Newf(fault.CodeApprovalRequired, "approval required: %s", reason)
}
