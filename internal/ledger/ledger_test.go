package ledger_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaname-ai/kaname/internal/fault"
	"github.com/kaname-ai/kaname/internal/ledger"
	"github.com/kaname-ai/kaname/internal/model"
	"github.com/kaname-ai/kaname/internal/testutil"
)

func newLedger(t *testing.T, retain bool) (*ledger.Ledger, *testutil.MemStore) {
	t.Helper()
	store := testutil.NewMemStore()
	return ledger.New(store, testutil.TestLogger(), retain), store
}

func startRun(t *testing.T, l *ledger.Ledger) model.Run {
	t.Helper()
	run, isNew, err := l.StartRun(context.Background(), model.Run{
		IdempotencyKey: uuid.NewString(),
		AgentID:        "summarizer",
		Input:          `{"text":"hello"}`,
		EffortLevel:    model.EffortMedium,
		CurrentModel:   "atlas-core",
	})
	require.NoError(t, err)
	require.True(t, isNew)
	return run
}

func TestStartRunHashesAndStripsInput(t *testing.T) {
	l, _ := newLedger(t, false)
	ctx := context.Background()

	run, isNew, err := l.StartRun(ctx, model.Run{
		IdempotencyKey: "key-1",
		AgentID:        "summarizer",
		Input:          "raw prompt",
	})
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Equal(t, model.RunStatusPending, run.Status)
	assert.Equal(t, ledger.HashContent("raw prompt"), run.InputHash)
	assert.Empty(t, run.Input, "payload retention is off")

	// Same idempotency key returns the original run untouched.
	replay, isNew, err := l.StartRun(ctx, model.Run{
		IdempotencyKey: "key-1",
		AgentID:        "summarizer",
		Input:          "a different prompt entirely",
	})
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, run.ID, replay.ID)
	assert.Equal(t, run.InputHash, replay.InputHash)
}

func TestStartRunRetainsPayloadWhenEnabled(t *testing.T) {
	l, _ := newLedger(t, true)

	run, _, err := l.StartRun(context.Background(), model.Run{
		IdempotencyKey: "key-retain",
		AgentID:        "summarizer",
		Input:          "raw prompt",
	})
	require.NoError(t, err)
	assert.Equal(t, "raw prompt", run.Input)
	assert.Equal(t, ledger.HashContent("raw prompt"), run.InputHash)
}

func TestGetRunMapsNotFound(t *testing.T) {
	l, _ := newLedger(t, false)

	_, _, err := l.GetRun(context.Background(), uuid.New())
	var fe *fault.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, fault.CodeRunNotFound, fe.Code)
}

func TestTransitionEnforcesStateMachine(t *testing.T) {
	l, _ := newLedger(t, false)
	ctx := context.Background()
	run := startRun(t, l)

	// Illegal transitions are rejected before touching the store.
	err := l.Transition(ctx, run.ID, []model.RunStatus{model.RunStatusPending}, model.RunStatusCompleted)
	var fe *fault.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, fault.CodeInvalidInput, fe.Code)

	require.NoError(t, l.Transition(ctx, run.ID, []model.RunStatus{model.RunStatusPending}, model.RunStatusRunning))
	require.NoError(t, l.Transition(ctx, run.ID, []model.RunStatus{model.RunStatusRunning}, model.RunStatusCompleted))

	// Terminal runs are frozen.
	err = l.Transition(ctx, run.ID, []model.RunStatus{model.RunStatusRunning}, model.RunStatusCancelled)
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, fault.CodeRunTerminal, fe.Code)

	err = l.Transition(ctx, uuid.New(), []model.RunStatus{model.RunStatusPending}, model.RunStatusRunning)
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, fault.CodeRunNotFound, fe.Code)
}

func TestAppendStepIdempotent(t *testing.T) {
	l, _ := newLedger(t, false)
	ctx := context.Background()
	run := startRun(t, l)

	step, replayed, err := l.AppendStep(ctx, &run, 0, ledger.StepStart{
		Type:   model.StepTypeLLMCall,
		Target: "atlas-core",
		Input:  "prompt",
	})
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, model.StepKey(run.IdempotencyKey, 0), step.IdempotencyKey)
	assert.Equal(t, model.StepStatusRunning, step.Status)
	assert.Equal(t, ledger.HashContent("prompt"), step.InputHash)
	assert.Nil(t, step.Input)

	// A retry of the same index gets the prior step back.
	again, replayed, err := l.AppendStep(ctx, &run, 0, ledger.StepStart{
		Type:   model.StepTypeLLMCall,
		Target: "atlas-core",
		Input:  "prompt",
	})
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, step.ID, again.ID)
}

func TestAppendStepRejectsBadInput(t *testing.T) {
	l, _ := newLedger(t, false)
	ctx := context.Background()
	run := startRun(t, l)

	var fe *fault.Error
	_, _, err := l.AppendStep(ctx, &run, 0, ledger.StepStart{Type: "teleport", Target: "x"})
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, fault.CodeInvalidInput, fe.Code)

	run.Status = model.RunStatusCancelled
	_, _, err = l.AppendStep(ctx, &run, 0, ledger.StepStart{Type: model.StepTypeLLMCall, Target: "atlas-core"})
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, fault.CodeRunTerminal, fe.Code)
}

func TestCompleteStepRecordsUsageAndProvenance(t *testing.T) {
	l, _ := newLedger(t, false)
	ctx := context.Background()
	run := startRun(t, l)
	require.NoError(t, l.Transition(ctx, run.ID, []model.RunStatus{model.RunStatusPending}, model.RunStatusRunning))
	run.Status = model.RunStatusRunning

	step, _, err := l.AppendStep(ctx, &run, 0, ledger.StepStart{
		Type:   model.StepTypeToolCall,
		Target: "fetch_page",
		Input:  map[string]any{"url": "https://example.com"},
	})
	require.NoError(t, err)

	usage := model.Usage{InputTokens: 100, OutputTokens: 50, CostUSD: 0.002, DurationMs: 840, ToolCalls: 1, Steps: 1}
	require.NoError(t, l.CompleteStep(ctx, &run, step, ledger.StepOutcome{
		Status: model.StepStatusCompleted,
		Output: `{"title":"Example"}`,
		Usage:  usage,
	}))

	// Consumption accumulated onto the run and persisted.
	assert.Equal(t, usage, run.Consumed)
	stored, _, err := l.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, usage, stored.Consumed)

	// Step outcome persisted with the output hash.
	_, steps, err := l.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, model.StepStatusCompleted, steps[0].Status)
	assert.Equal(t, ledger.HashContent(`{"title":"Example"}`), steps[0].OutputHash)
	assert.Equal(t, int64(100), steps[0].InputTokens)
	assert.NotNil(t, steps[0].CompletedAt)

	// One provenance record per step; tool calls also carry an args hash.
	trail, err := l.Provenance(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, "tool_call", trail[0].Kind)
	assert.Equal(t, "fetch_page", trail[0].Target)
	assert.Equal(t, step.InputHash, trail[0].ArgsHash)
	assert.Equal(t, ledger.HashContent(`{"title":"Example"}`), trail[0].ResultHash)
	assert.InDelta(t, 0.002, trail[0].CostUSD, 1e-9)
}

func TestCompleteStepRecordsFault(t *testing.T) {
	l, _ := newLedger(t, false)
	ctx := context.Background()
	run := startRun(t, l)
	require.NoError(t, l.Transition(ctx, run.ID, []model.RunStatus{model.RunStatusPending}, model.RunStatusRunning))
	run.Status = model.RunStatusRunning

	step, _, err := l.AppendStep(ctx, &run, 0, ledger.StepStart{Type: model.StepTypeLLMCall, Target: "atlas-core", Input: "p"})
	require.NoError(t, err)

	require.NoError(t, l.CompleteStep(ctx, &run, step, ledger.StepOutcome{
		Status: model.StepStatusFailed,
		Fault:  fault.New(fault.CodeTimeout, "upstream deadline"),
	}))

	_, steps, err := l.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	require.NotNil(t, steps[0].ErrorCode)
	assert.Equal(t, fault.CodeTimeout, *steps[0].ErrorCode)
	require.NotNil(t, steps[0].ErrorMessage)
	assert.Equal(t, "upstream deadline", *steps[0].ErrorMessage)
}

func TestCompleteStepOnCancelledRunKeepsStepOutcome(t *testing.T) {
	l, _ := newLedger(t, false)
	ctx := context.Background()
	run := startRun(t, l)
	require.NoError(t, l.Transition(ctx, run.ID, []model.RunStatus{model.RunStatusPending}, model.RunStatusRunning))
	run.Status = model.RunStatusRunning

	step, _, err := l.AppendStep(ctx, &run, 0, ledger.StepStart{Type: model.StepTypeLLMCall, Target: "atlas-core", Input: "p"})
	require.NoError(t, err)

	// Cancel behind the ledger's back, as the cancel endpoint would.
	require.NoError(t, l.Transition(ctx, run.ID, []model.RunStatus{model.RunStatusRunning}, model.RunStatusCancelled))

	usage := model.Usage{InputTokens: 10, CostUSD: 0.001}
	require.NoError(t, l.CompleteStep(ctx, &run, step, ledger.StepOutcome{
		Status: model.StepStatusCompleted,
		Output: "late result",
		Usage:  usage,
	}))

	// The step's outcome lands, but the frozen run's consumption does not.
	stored, steps, err := l.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, model.StepStatusCompleted, steps[0].Status)
	assert.Zero(t, stored.Consumed.InputTokens)
}

func TestMarkSideEffect(t *testing.T) {
	l, _ := newLedger(t, false)
	ctx := context.Background()
	run := startRun(t, l)

	step, _, err := l.AppendStep(ctx, &run, 0, ledger.StepStart{Type: model.StepTypeToolCall, Target: "send_email", Input: "x"})
	require.NoError(t, err)
	require.NoError(t, l.MarkSideEffect(ctx, step.ID))

	_, steps, err := l.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.True(t, steps[0].SideEffectCommitted)
}

func TestFinishRecordsResultAndFreezes(t *testing.T) {
	l, _ := newLedger(t, false)
	ctx := context.Background()
	run := startRun(t, l)
	require.NoError(t, l.Transition(ctx, run.ID, []model.RunStatus{model.RunStatusPending}, model.RunStatusRunning))
	run.Status = model.RunStatusRunning

	result := `{"summary":"done"}`
	require.NoError(t, l.Finish(ctx, &run, model.RunStatusCompleted, &result, nil))
	assert.Equal(t, model.RunStatusCompleted, run.Status)
	require.NotNil(t, run.CompletedAt)

	stored, _, err := l.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, stored.Status)
	require.NotNil(t, stored.Result)
	assert.Equal(t, result, *stored.Result)

	// A second terminal transition is rejected.
	var fe *fault.Error
	err = l.Finish(ctx, &run, model.RunStatusFailed, nil, &model.RunError{Code: "INTERNAL", Message: "boom"})
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, fault.CodeRunTerminal, fe.Code)
}

func TestFinishRecordsTerminalError(t *testing.T) {
	l, _ := newLedger(t, false)
	ctx := context.Background()
	run := startRun(t, l)
	require.NoError(t, l.Transition(ctx, run.ID, []model.RunStatus{model.RunStatusPending}, model.RunStatusRunning))
	run.Status = model.RunStatusRunning

	idx := 2
	runErr := &model.RunError{Code: fault.CodeBudgetExceeded, Message: "budget exceeded: cost", StepIndex: &idx}
	require.NoError(t, l.Finish(ctx, &run, model.RunStatusPartial, nil, runErr))

	stored, _, err := l.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusPartial, stored.Status)
	require.NotNil(t, stored.Error)
	assert.Equal(t, fault.CodeBudgetExceeded, stored.Error.Code)
	require.NotNil(t, stored.Error.StepIndex)
	assert.Equal(t, 2, *stored.Error.StepIndex)
}

func TestHashContentIsStableAcrossEncodings(t *testing.T) {
	assert.Equal(t, ledger.HashContent("abc"), ledger.HashContent([]byte("abc")))
	assert.NotEqual(t, ledger.HashContent("abc"), ledger.HashContent("abd"))
	assert.NotEmpty(t, ledger.HashContent(map[string]int{"a": 1}))
}
