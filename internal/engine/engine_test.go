package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaname-ai/kaname/internal/budget"
	"github.com/kaname-ai/kaname/internal/fault"
	"github.com/kaname-ai/kaname/internal/jobs"
	"github.com/kaname-ai/kaname/internal/ledger"
	"github.com/kaname-ai/kaname/internal/model"
	"github.com/kaname-ai/kaname/internal/proxy"
	"github.com/kaname-ai/kaname/internal/registry"
	"github.com/kaname-ai/kaname/internal/storage"
	"github.com/kaname-ai/kaname/internal/stream"
	"github.com/kaname-ai/kaname/internal/testutil"
)

type fakeModel struct {
	mu    sync.Mutex
	calls []ModelRequest
	// respond maps a call to its response; nil falls back to a default.
	respond func(req ModelRequest) (ModelResponse, error)
}

func (f *fakeModel) Complete(_ context.Context, req ModelRequest) (ModelResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	if f.respond != nil {
		return f.respond(req)
	}
	return ModelResponse{Text: "answer to " + req.Prompt, InputTokens: 100, OutputTokens: 50}, nil
}

func (f *fakeModel) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type countingTool struct {
	name       string
	idempotent bool
	mu         sync.Mutex
	calls      int
	fail       func(call int) error
}

func (t *countingTool) Name() string     { return t.name }
func (t *countingTool) Idempotent() bool { return t.idempotent }

func (t *countingTool) Invoke(_ context.Context, args map[string]any) (any, error) {
	t.mu.Lock()
	t.calls++
	call := t.calls
	t.mu.Unlock()
	if t.fail != nil {
		if err := t.fail(call); err != nil {
			return nil, err
		}
	}
	return map[string]any{"ok": true, "call": call}, nil
}

type collectSink struct {
	mu     sync.Mutex
	events []stream.Event
	closed bool
}

func (c *collectSink) Send(ev stream.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return stream.ErrClosed
	}
	c.events = append(c.events, ev)
	if ev.Type.Terminal() {
		c.closed = true
	}
	return nil
}

func (c *collectSink) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *collectSink) all() []stream.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]stream.Event(nil), c.events...)
}

type testRig struct {
	engine *Engine
	store  *testutil.MemStore
	model  *fakeModel
	reg    *registry.Registry
}

func newRig(t *testing.T, tweak func(*Config)) *testRig {
	t.Helper()
	store := testutil.NewMemStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctrl, err := budget.New(budget.Config{})
	require.NoError(t, err)
	led := ledger.New(store, logger, true)
	reg := registry.New(store, nil, logger)
	px := proxy.New(reg, nil, logger)
	jm := jobs.NewManager(store, logger)

	cfg := Config{
		Ledger:   led,
		Budget:   ctrl,
		Registry: reg,
		Proxy:    px,
		Jobs:     jm,
		Model:    &fakeModel{},
		Logger:   logger,
	}
	if tweak != nil {
		tweak(&cfg)
	}
	eng, err := New(cfg)
	require.NoError(t, err)
	return &testRig{engine: eng, store: store, model: cfg.Model.(*fakeModel), reg: reg}
}

func echoAgent(id string) Agent {
	return AgentFunc{AgentID: id, Fn: func(ctx context.Context, tk *Toolkit) (string, error) {
		return tk.Complete(ctx, tk.Input())
	}}
}

func execReq(agentID, key string) model.ExecuteRequest {
	return model.ExecuteRequest{AgentID: agentID, Input: "hello", IdempotencyKey: key}
}

func TestExecuteLocalAgentCompletes(t *testing.T) {
	rig := newRig(t, nil)
	rig.engine.RegisterAgent(echoAgent("echo"))

	run, err := rig.engine.Execute(context.Background(), execReq("echo", "k1"), nil)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, run.Status)
	require.NotNil(t, run.Result)
	assert.Equal(t, "answer to hello", *run.Result)
	assert.Equal(t, 1, run.Consumed.Steps)
	assert.Equal(t, int64(150), run.Consumed.TotalTokens())
	assert.Greater(t, run.Consumed.CostUSD, 0.0)
}

func TestExecuteIdempotentReplay(t *testing.T) {
	rig := newRig(t, nil)
	rig.engine.RegisterAgent(echoAgent("echo"))

	first, err := rig.engine.Execute(context.Background(), execReq("echo", "k1"), nil)
	require.NoError(t, err)
	second, err := rig.engine.Execute(context.Background(), execReq("echo", "k1"), nil)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, *first.Result, *second.Result)
	assert.Equal(t, 1, rig.model.callCount())
}

func TestExecuteUnknownAgentFails(t *testing.T) {
	rig := newRig(t, nil)

	run, err := rig.engine.Execute(context.Background(), execReq("ghost", "k1"), nil)
	var fe *fault.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, fault.CodeAgentNotFound, fe.Code)
	assert.Equal(t, model.RunStatusFailed, run.Status)
}

func TestExecuteBudgetExceededLeavesPartial(t *testing.T) {
	rig := newRig(t, nil)
	// Each call outputs 6000 tokens on atlas-core ($10/M output): $0.06.
	rig.model.respond = func(req ModelRequest) (ModelResponse, error) {
		return ModelResponse{Text: "chunk", InputTokens: 10, OutputTokens: 6000}, nil
	}
	rig.engine.RegisterAgent(AgentFunc{AgentID: "writer", Fn: func(ctx context.Context, tk *Toolkit) (string, error) {
		var out string
		for i := 0; i < 5; i++ {
			txt, err := tk.Complete(ctx, fmt.Sprintf("part %d", i))
			if err != nil {
				return out, err
			}
			out += txt
		}
		return out, nil
	}})

	req := execReq("writer", "k1")
	req.EffortLevel = model.EffortLow
	req.Budget = &model.Budget{MaxCostUSD: 0.10}

	run, err := rig.engine.Execute(context.Background(), req, nil)
	var fe *fault.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, fault.CodeBudgetExceeded, fe.Code)
	assert.Equal(t, "cost", fe.Details["resource"])
	assert.Equal(t, model.RunStatusPartial, run.Status)
	// Two calls fit under $0.10; the third is gated before executing.
	assert.Equal(t, 2, rig.model.callCount())
	assert.InDelta(t, 0.12, run.Consumed.CostUSD, 0.01)
}

func TestExecuteDowngradesOnDegradableFault(t *testing.T) {
	rig := newRig(t, nil)
	rig.model.respond = func(req ModelRequest) (ModelResponse, error) {
		if req.Model == "atlas-pro" {
			return ModelResponse{}, fault.Degraded(fault.CodeModelOverloaded, "premium tier overloaded", "atlas-pro", "atlas-core")
		}
		return ModelResponse{Text: "downgraded answer", InputTokens: 10, OutputTokens: 10}, nil
	}
	rig.engine.RegisterAgent(echoAgent("echo"))

	req := execReq("echo", "k1")
	req.EffortLevel = model.EffortHigh
	req.Budget = &model.Budget{AllowModelDowngrade: true}

	run, err := rig.engine.Execute(context.Background(), req, nil)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, run.Status)
	assert.Equal(t, "atlas-core", run.CurrentModel)
	assert.Equal(t, 1, run.Consumed.Downgrades)
	require.NotEmpty(t, run.Warnings)
	assert.Contains(t, run.Warnings[0], "downgraded")
}

func TestDowngradeNeverCrossesFloor(t *testing.T) {
	rig := newRig(t, nil)
	rig.model.respond = func(req ModelRequest) (ModelResponse, error) {
		return ModelResponse{}, fault.Degraded(fault.CodeModelOverloaded, "overloaded", req.Model, "")
	}
	rig.engine.RegisterAgent(echoAgent("echo"))

	req := execReq("echo", "k1")
	req.EffortLevel = model.EffortHigh
	req.Budget = &model.Budget{AllowModelDowngrade: true, MinimumModel: "atlas-pro"}

	run, err := rig.engine.Execute(context.Background(), req, nil)
	var fe *fault.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, fault.CodeModelOverloaded, fe.Code)
	assert.Equal(t, model.RunStatusFailed, run.Status)
	assert.Equal(t, "atlas-pro", run.CurrentModel)
	assert.Zero(t, run.Consumed.Downgrades)
}

func TestPreFlightRejection(t *testing.T) {
	rig := newRig(t, nil)
	rig.engine.RegisterAgent(echoAgent("echo"))

	req := execReq("echo", "k1")
	req.Budget = &model.Budget{MaxCostUSD: 0.0000001}

	run, err := rig.engine.Execute(context.Background(), req, nil)
	var fe *fault.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, fault.CodePreFlightRejected, fe.Code)
	assert.Equal(t, model.RunStatusFailed, run.Status)
	assert.Zero(t, rig.model.callCount())
}

func TestToolRetryRespectsSideEffectFlag(t *testing.T) {
	transient := func(call int) error {
		if call == 1 {
			return fault.Transient(fault.CodeNetworkError, "flaky", time.Millisecond, 3)
		}
		return nil
	}

	t.Run("idempotent tool is retried", func(t *testing.T) {
		rig := newRig(t, nil)
		tool := &countingTool{name: "fetch", idempotent: true, fail: transient}
		rig.engine.RegisterTool(tool)
		rig.engine.RegisterAgent(AgentFunc{AgentID: "a", Fn: func(ctx context.Context, tk *Toolkit) (string, error) {
			_, err := tk.Tool(ctx, "fetch", map[string]any{"url": "x"})
			return "done", err
		}})

		run, err := rig.engine.Execute(context.Background(), execReq("a", "k1"), nil)
		require.NoError(t, err)
		assert.Equal(t, model.RunStatusCompleted, run.Status)
		assert.Equal(t, 2, tool.calls)
	})

	t.Run("non-idempotent tool is not retried after commit", func(t *testing.T) {
		rig := newRig(t, nil)
		tool := &countingTool{name: "charge", idempotent: false, fail: transient}
		rig.engine.RegisterTool(tool)
		rig.engine.RegisterAgent(AgentFunc{AgentID: "a", Fn: func(ctx context.Context, tk *Toolkit) (string, error) {
			_, err := tk.Tool(ctx, "charge", map[string]any{"cents": 100})
			return "done", err
		}})

		run, err := rig.engine.Execute(context.Background(), execReq("a", "k1"), nil)
		var fe *fault.Error
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, fault.CodeNetworkError, fe.Code)
		assert.Equal(t, model.RunStatusFailed, run.Status)
		assert.Equal(t, 1, tool.calls)
	})
}

func TestCancelInterruptsRun(t *testing.T) {
	rig := newRig(t, nil)
	runIDCh := make(chan model.Run, 1)
	rig.engine.RegisterAgent(AgentFunc{AgentID: "slow", Fn: func(ctx context.Context, tk *Toolkit) (string, error) {
		runIDCh <- model.Run{ID: tk.RunID()}
		<-ctx.Done()
		return "", ctx.Err()
	}})

	type outcome struct {
		run model.Run
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		run, err := rig.engine.Execute(context.Background(), execReq("slow", "k1"), nil)
		done <- outcome{run, err}
	}()

	started := <-runIDCh
	require.NoError(t, rig.engine.Cancel(context.Background(), started.ID))

	select {
	case out := <-done:
		var fe *fault.Error
		require.ErrorAs(t, out.err, &fe)
		assert.Equal(t, fault.CodeCancelled, fe.Code)
		assert.Equal(t, model.RunStatusCancelled, out.run.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("execute did not return after cancel")
	}
}

func TestApprovalFlow(t *testing.T) {
	newApprovalRig := func(t *testing.T) *testRig {
		rig := newRig(t, nil)
		rig.engine.RegisterAgent(AgentFunc{AgentID: "deployer", Fn: func(ctx context.Context, tk *Toolkit) (string, error) {
			if err := tk.AwaitApproval(ctx, "production deploy"); err != nil {
				return "", err
			}
			return tk.Complete(ctx, "deploy it")
		}})
		return rig
	}

	t.Run("approve then resume", func(t *testing.T) {
		rig := newApprovalRig(t)

		run, err := rig.engine.Execute(context.Background(), execReq("deployer", "k1"), nil)
		var fe *fault.Error
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, fault.CodeApprovalRequired, fe.Code)
		assert.Equal(t, model.RunStatusAwaitingApproval, run.Status)
		assert.Zero(t, rig.model.callCount())

		_, err = rig.engine.ResolveApproval(context.Background(), run.ID, true)
		require.NoError(t, err)

		resumed, err := rig.engine.Execute(context.Background(), execReq("deployer", "k1"), nil)
		require.NoError(t, err)
		assert.Equal(t, model.RunStatusCompleted, resumed.Status)
		assert.Equal(t, run.ID, resumed.ID)
		assert.Equal(t, 1, rig.model.callCount())
	})

	t.Run("decline fails the run", func(t *testing.T) {
		rig := newApprovalRig(t)

		run, err := rig.engine.Execute(context.Background(), execReq("deployer", "k1"), nil)
		require.Error(t, err)

		declined, err := rig.engine.ResolveApproval(context.Background(), run.ID, false)
		require.NoError(t, err)
		assert.Equal(t, model.RunStatusFailed, declined.Status)
		require.NotNil(t, declined.Error)
		assert.Equal(t, fault.CodeApprovalDeclined, declined.Error.Code)
	})
}

func TestExecuteExternalAgent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"output":"external result","input_tokens":20,"output_tokens":30,"cost_usd":0.01}`))
	}))
	defer srv.Close()

	rig := newRig(t, nil)
	_, err := rig.reg.Register(context.Background(), model.ExternalAgentConfig{
		ID: "remote", Name: "Remote", Endpoint: srv.URL, Enabled: true,
	})
	require.NoError(t, err)

	run, err := rig.engine.Execute(context.Background(), execReq("remote", "k1"), nil)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, run.Status)
	require.NotNil(t, run.Result)
	assert.Equal(t, "external result", *run.Result)
	assert.Equal(t, 0.01, run.Consumed.CostUSD)
	assert.Equal(t, int64(50), run.Consumed.TotalTokens())
}

func TestStreamEventOrderAndSingleTerminal(t *testing.T) {
	rig := newRig(t, nil)
	rig.engine.RegisterAgent(AgentFunc{AgentID: "echo", Fn: func(ctx context.Context, tk *Toolkit) (string, error) {
		tk.Progress(50, "halfway")
		return tk.Complete(ctx, tk.Input())
	}})

	sink := &collectSink{}
	_, err := rig.engine.Execute(context.Background(), execReq("echo", "k1"), sink)
	require.NoError(t, err)

	events := sink.all()
	require.NotEmpty(t, events)
	assert.Equal(t, stream.EventStart, events[0].Type)
	assert.Equal(t, stream.EventDone, events[len(events)-1].Type)

	terminals := 0
	for _, ev := range events {
		if ev.Type.Terminal() {
			terminals++
		}
	}
	assert.Equal(t, 1, terminals)
}

func TestJobStepLinksRun(t *testing.T) {
	rig := newRig(t, nil)
	rig.engine.jobs.RegisterProvider("render", &stubProvider{})
	rig.engine.RegisterAgent(AgentFunc{AgentID: "producer", Fn: func(ctx context.Context, tk *Toolkit) (string, error) {
		job, err := tk.StartJob(ctx, "render", jobs.StartRequest{Kind: "video.generate", Input: tk.Input()})
		if err != nil {
			return "", err
		}
		return job.ID.String(), nil
	}})

	run, err := rig.engine.Execute(context.Background(), execReq("producer", "k1"), nil)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, run.Status)
	assert.Equal(t, 1, run.Consumed.ToolCalls)

	jobsList, _, err := rig.engine.jobs.List(context.Background(), storage.JobFilter{})
	require.NoError(t, err)
	require.Len(t, jobsList, 1)
	require.NotNil(t, jobsList[0].RunID)
	assert.Equal(t, run.ID, *jobsList[0].RunID)
}

type stubProvider struct{}

func (stubProvider) StartJob(context.Context, jobs.StartRequest) (jobs.StartResponse, error) {
	return jobs.StartResponse{ExternalJobID: "ext-42"}, nil
}

func (stubProvider) PollJob(context.Context, string) (jobs.PollResult, error) {
	return jobs.PollResult{Status: jobs.StatusProcessing}, nil
}

func (stubProvider) CancelJob(context.Context, string) error { return nil }
