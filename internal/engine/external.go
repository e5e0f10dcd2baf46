package engine

import (
	"context"
	"time"

	"github.com/kaname-ai/kaname/internal/fault"
	"github.com/kaname-ai/kaname/internal/ledger"
	"github.com/kaname-ai/kaname/internal/model"
	"github.com/kaname-ai/kaname/internal/stream"
)

// runExternal executes a run whose agent lives out of process, as a single
// proxied step. The proxy owns admission, retry, and circuit reporting; the
// engine owns the ledger record and the terminal event.
func (e *Engine) runExternal(ctx context.Context, run model.Run, input string, sink stream.Sink) (model.Run, error) {
	if e.proxy == nil {
		return e.finish(ctx, run, "", fault.New(fault.CodeInternal, "no proxy configured"), sink)
	}
	if ferr := e.budget.CanContinue(&run); ferr != nil {
		return e.finish(ctx, run, "", ferr, sink)
	}

	step, replayed, err := e.ledger.AppendStep(ctx, &run, 0, ledger.StepStart{
		Type:   model.StepTypeLLMCall,
		Target: run.AgentID,
		Input:  input,
	})
	if err != nil {
		return run, err
	}
	if replayed && step.Status == model.StepStatusCompleted && step.Output != nil {
		return e.finish(ctx, run, *step.Output, nil, sink)
	}

	preq := model.ProxyRequest{
		RunID:   run.ID.String(),
		AgentID: run.AgentID,
		Input:   input,
		Model:   run.CurrentModel,
	}

	if _, discard := sink.(stream.Discard); !discard {
		return e.streamExternal(ctx, run, step, preq, sink)
	}

	start := time.Now()
	resp, callErr := e.proxy.Execute(ctx, run.AgentID, preq)
	elapsed := time.Since(start).Milliseconds()

	if callErr != nil {
		fe := fault.Classify(callErr)
		_ = e.ledger.CompleteStep(ctx, &run, step, ledger.StepOutcome{
			Status: model.StepStatusFailed,
			Usage:  model.Usage{Steps: 1, DurationMs: elapsed},
			Fault:  fe,
		})
		return e.finish(ctx, run, "", fe, sink)
	}

	usage := model.Usage{
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		CostUSD:      resp.CostUSD,
		DurationMs:   elapsed,
		Steps:        1,
	}
	if err := e.ledger.CompleteStep(ctx, &run, step, ledger.StepOutcome{
		Status: model.StepStatusCompleted,
		Output: resp.Output,
		Usage:  usage,
	}); err != nil {
		return run, err
	}
	return e.finish(ctx, run, resp.Output, nil, sink)
}

// terminalCapture wraps the caller's sink so the engine can observe whether
// the upstream already delivered the terminal event, and harvest the result
// it carried. It never alters or reorders events.
type terminalCapture struct {
	inner stream.Sink
	done  *stream.Event
	fail  *stream.Event
}

func (c *terminalCapture) Send(ev stream.Event) error {
	switch ev.Type {
	case stream.EventDone:
		copied := ev
		c.done = &copied
	case stream.EventError:
		copied := ev
		c.fail = &copied
	}
	return c.inner.Send(ev)
}

func (c *terminalCapture) Close() error { return c.inner.Close() }

func (c *terminalCapture) sawTerminal() bool { return c.done != nil || c.fail != nil }

// streamExternal streams the proxied call, forwarding upstream events
// straight to the caller. The upstream's own terminal event is honored; if
// the upstream closes the stream without one, the engine supplies it.
func (e *Engine) streamExternal(ctx context.Context, run model.Run, step model.Step, preq model.ProxyRequest, sink stream.Sink) (model.Run, error) {
	capture := &terminalCapture{inner: sink}

	start := time.Now()
	callErr := e.proxy.ExecuteStream(ctx, run.AgentID, preq, capture)
	elapsed := time.Since(start).Milliseconds()

	if callErr != nil {
		fe := fault.Classify(callErr)
		_ = e.ledger.CompleteStep(ctx, &run, step, ledger.StepOutcome{
			Status: model.StepStatusFailed,
			Usage:  model.Usage{Steps: 1, DurationMs: elapsed},
			Fault:  fe,
		})
		if capture.sawTerminal() {
			// The upstream already closed the stream; record the failure
			// without emitting a second terminal event.
			return e.finish(ctx, run, "", fe, stream.Discard{})
		}
		return e.finish(ctx, run, "", fe, sink)
	}

	var result string
	usage := model.Usage{Steps: 1, DurationMs: elapsed}
	if capture.done != nil {
		if capture.done.Result != nil {
			result = *capture.done.Result
		}
		if capture.done.Usage != nil {
			u := *capture.done.Usage
			u.Steps = 1
			u.DurationMs = elapsed
			usage = u
		}
	}

	if capture.fail != nil {
		fe := fault.New(capture.fail.Code, capture.fail.Message)
		_ = e.ledger.CompleteStep(ctx, &run, step, ledger.StepOutcome{
			Status: model.StepStatusFailed,
			Usage:  usage,
			Fault:  fe,
		})
		return e.finish(ctx, run, "", fe, stream.Discard{})
	}

	if err := e.ledger.CompleteStep(ctx, &run, step, ledger.StepOutcome{
		Status: model.StepStatusCompleted,
		Output: result,
		Usage:  usage,
	}); err != nil {
		return run, err
	}

	if !capture.sawTerminal() {
		// Caller disconnected before the upstream finished; the work that
		// completed stands, but the full result never arrived.
		run.Warnings = append(run.Warnings, "stream closed before upstream completion")
		rerr := &model.RunError{Code: fault.CodeNetworkError, Message: "stream closed before upstream completion"}
		if err := e.ledger.Finish(ctx, &run, model.RunStatusPartial, nil, rerr); err != nil {
			return e.reloadAfterLostFinish(ctx, run, err, stream.Discard{})
		}
		// Best effort: if the transport is somehow still open, close it
		// properly; a dead sink swallows this.
		e.emitTerminal(sink, run)
		return run, nil
	}
	return e.finish(ctx, run, result, nil, stream.Discard{})
}
