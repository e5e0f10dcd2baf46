package storage_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaname-ai/kaname/internal/model"
	"github.com/kaname-ai/kaname/internal/storage"
	"github.com/kaname-ai/kaname/internal/testutil"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create test DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}
	code := m.Run()
	testDB.Close(context.Background())
	tc.Terminate()
	os.Exit(code)
}

// newRun builds a pending run with a unique idempotency key so tests do not
// interfere with each other.
func newRun(agentID string) model.Run {
	return model.Run{
		IdempotencyKey: uuid.NewString(),
		AgentID:        agentID,
		Status:         model.RunStatusPending,
		Input:          "summarize the release notes",
		InputHash:      "sha256:abc",
		Budget:         model.Budget{MaxCostUSD: 1.0},
		CurrentModel:   "atlas-core",
		EffortLevel:    model.EffortMedium,
	}
}

func TestCreateRunIdempotent(t *testing.T) {
	ctx := context.Background()

	run, created, err := testDB.CreateRun(ctx, newRun("writer"))
	require.NoError(t, err)
	require.True(t, created)
	require.NotEqual(t, uuid.Nil, run.ID)

	again := run
	again.ID = uuid.Nil
	again.Input = "this must be ignored"
	replay, created, err := testDB.CreateRun(ctx, again)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, run.ID, replay.ID)
	assert.Equal(t, "summarize the release notes", replay.Input)
}

func TestGetRunRoundTrip(t *testing.T) {
	ctx := context.Background()
	tenant := "acme"
	in := newRun("writer")
	in.TenantID = &tenant

	run, _, err := testDB.CreateRun(ctx, in)
	require.NoError(t, err)

	got, err := testDB.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.IdempotencyKey, got.IdempotencyKey)
	assert.Equal(t, model.RunStatusPending, got.Status)
	assert.Equal(t, 1.0, got.Budget.MaxCostUSD)
	require.NotNil(t, got.TenantID)
	assert.Equal(t, "acme", *got.TenantID)

	_, err = testDB.GetRun(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTransitionRunGuards(t *testing.T) {
	ctx := context.Background()
	run, _, err := testDB.CreateRun(ctx, newRun("writer"))
	require.NoError(t, err)

	require.NoError(t, testDB.TransitionRun(ctx, run.ID,
		[]model.RunStatus{model.RunStatusPending}, model.RunStatusRunning))
	require.NoError(t, testDB.TransitionRun(ctx, run.ID,
		[]model.RunStatus{model.RunStatusRunning}, model.RunStatusCompleted))

	got, err := testDB.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)

	// Terminal runs cannot move again.
	err = testDB.TransitionRun(ctx, run.ID,
		[]model.RunStatus{model.RunStatusRunning, model.RunStatusPending}, model.RunStatusCancelled)
	assert.ErrorIs(t, err, storage.ErrTerminal)

	err = testDB.TransitionRun(ctx, uuid.New(),
		[]model.RunStatus{model.RunStatusPending}, model.RunStatusRunning)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestUpdateRunProgressStopsAtTerminal(t *testing.T) {
	ctx := context.Background()
	run, _, err := testDB.CreateRun(ctx, newRun("writer"))
	require.NoError(t, err)

	usage := model.Usage{InputTokens: 100, OutputTokens: 200, CostUSD: 0.05, Steps: 1}
	require.NoError(t, testDB.UpdateRunProgress(ctx, run.ID, usage, "atlas-lite", []string{"model downgraded"}))

	got, err := testDB.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(200), got.Consumed.OutputTokens)
	assert.Equal(t, "atlas-lite", got.CurrentModel)
	assert.Equal(t, []string{"model downgraded"}, got.Warnings)

	require.NoError(t, testDB.TransitionRun(ctx, run.ID,
		[]model.RunStatus{model.RunStatusPending}, model.RunStatusCancelled))
	err = testDB.UpdateRunProgress(ctx, run.ID, usage, "atlas-lite", nil)
	assert.ErrorIs(t, err, storage.ErrTerminal)
}

func TestSetRunResultAndError(t *testing.T) {
	ctx := context.Background()
	run, _, err := testDB.CreateRun(ctx, newRun("writer"))
	require.NoError(t, err)

	result := "all done"
	runErr := &model.RunError{Code: "BUDGET_EXCEEDED", Message: "cost cap reached"}
	require.NoError(t, testDB.SetRunResult(ctx, run.ID, &result, runErr))

	got, err := testDB.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Result)
	assert.Equal(t, "all done", *got.Result)
	require.NotNil(t, got.Error)
	assert.Equal(t, "BUDGET_EXCEEDED", got.Error.Code)
}

func TestListRunsFilterAndCount(t *testing.T) {
	ctx := context.Background()
	agentID := "lister-" + uuid.NewString()

	for range 3 {
		_, _, err := testDB.CreateRun(ctx, newRun(agentID))
		require.NoError(t, err)
	}
	run, _, err := testDB.CreateRun(ctx, newRun(agentID))
	require.NoError(t, err)
	require.NoError(t, testDB.TransitionRun(ctx, run.ID,
		[]model.RunStatus{model.RunStatusPending}, model.RunStatusFailed))

	runs, total, err := testDB.ListRuns(ctx, storage.RunFilter{AgentID: agentID})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Len(t, runs, 4)

	runs, total, err = testDB.ListRuns(ctx, storage.RunFilter{AgentID: agentID, Status: model.RunStatusFailed})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].ID)

	runs, total, err = testDB.ListRuns(ctx, storage.RunFilter{AgentID: agentID, Limit: 2, Offset: 3})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Len(t, runs, 1)
}

func TestDeleteRunsBeforeKeepsActive(t *testing.T) {
	ctx := context.Background()
	agentID := "pruned-" + uuid.NewString()

	old, _, err := testDB.CreateRun(ctx, newRun(agentID))
	require.NoError(t, err)
	require.NoError(t, testDB.TransitionRun(ctx, old.ID,
		[]model.RunStatus{model.RunStatusPending}, model.RunStatusCompleted))

	active, _, err := testDB.CreateRun(ctx, newRun(agentID))
	require.NoError(t, err)

	deleted, err := testDB.DeleteRunsBefore(ctx, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, deleted, int64(1))

	_, err = testDB.GetRun(ctx, old.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = testDB.GetRun(ctx, active.ID)
	assert.NoError(t, err)
}

func TestAppendStepIdempotentAndComplete(t *testing.T) {
	ctx := context.Background()
	run, _, err := testDB.CreateRun(ctx, newRun("writer"))
	require.NoError(t, err)

	step := model.Step{
		RunID:          run.ID,
		Index:          0,
		IdempotencyKey: run.ID.String() + ":0",
		Type:           model.StepTypeLLMCall,
		Target:         "atlas-core",
		Status:         model.StepStatusRunning,
		InputHash:      "sha256:prompt",
	}
	created, fresh, err := testDB.AppendStep(ctx, step)
	require.NoError(t, err)
	require.True(t, fresh)

	replay, fresh, err := testDB.AppendStep(ctx, step)
	require.NoError(t, err)
	assert.False(t, fresh)
	assert.Equal(t, created.ID, replay.ID)

	output := "the answer"
	require.NoError(t, testDB.CompleteStep(ctx, created.ID, storage.StepResult{
		Status:       model.StepStatusCompleted,
		OutputHash:   "sha256:out",
		Output:       &output,
		InputTokens:  50,
		OutputTokens: 80,
		CostUSD:      0.002,
		DurationMs:   120,
	}))

	steps, err := testDB.ListSteps(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, model.StepStatusCompleted, steps[0].Status)
	assert.Equal(t, int64(80), steps[0].OutputTokens)
	require.NotNil(t, steps[0].CompletedAt)
}

func TestMarkSideEffectCommitted(t *testing.T) {
	ctx := context.Background()
	run, _, err := testDB.CreateRun(ctx, newRun("writer"))
	require.NoError(t, err)

	step, _, err := testDB.AppendStep(ctx, model.Step{
		RunID:          run.ID,
		Index:          0,
		IdempotencyKey: run.ID.String() + ":0",
		Type:           model.StepTypeToolCall,
		Target:         "send_email",
		Status:         model.StepStatusRunning,
		InputHash:      "sha256:args",
	})
	require.NoError(t, err)

	require.NoError(t, testDB.MarkSideEffectCommitted(ctx, step.ID))
	got, err := testDB.GetStepByKey(ctx, step.IdempotencyKey)
	require.NoError(t, err)
	assert.True(t, got.SideEffectCommitted)

	assert.ErrorIs(t, testDB.MarkSideEffectCommitted(ctx, uuid.New()), storage.ErrNotFound)
}

func TestStepsCascadeWithRun(t *testing.T) {
	ctx := context.Background()
	run, _, err := testDB.CreateRun(ctx, newRun("writer"))
	require.NoError(t, err)
	require.NoError(t, testDB.TransitionRun(ctx, run.ID,
		[]model.RunStatus{model.RunStatusPending}, model.RunStatusCompleted))

	step, _, err := testDB.AppendStep(ctx, model.Step{
		RunID:          run.ID,
		IdempotencyKey: run.ID.String() + ":0",
		Type:           model.StepTypeLLMCall,
		Target:         "atlas-core",
		Status:         model.StepStatusCompleted,
		InputHash:      "sha256:x",
	})
	require.NoError(t, err)

	_, err = testDB.DeleteRunsBefore(ctx, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)

	_, err = testDB.GetStepByKey(ctx, step.IdempotencyKey)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestExternalAgentCRUD(t *testing.T) {
	ctx := context.Background()
	id := "agent-" + uuid.NewString()

	cfg := model.ExternalAgentConfig{
		ID:               id,
		Name:             "Summarizer",
		Endpoint:         "http://summarizer:9090",
		TimeoutMs:        30_000,
		MaxConcurrency:   4,
		FailureThreshold: 3,
		Enabled:          true,
	}
	created, err := testDB.CreateExternalAgent(ctx, cfg)
	require.NoError(t, err)
	assert.False(t, created.CreatedAt.IsZero())

	_, err = testDB.CreateExternalAgent(ctx, cfg)
	assert.ErrorIs(t, err, storage.ErrDuplicate)

	got, err := testDB.GetExternalAgent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "http://summarizer:9090", got.Endpoint)

	got.Endpoint = "http://summarizer:9091"
	require.NoError(t, testDB.UpdateExternalAgent(ctx, got))
	got, err = testDB.GetExternalAgent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "http://summarizer:9091", got.Endpoint)

	require.NoError(t, testDB.SetExternalAgentEnabled(ctx, id, false))
	got, err = testDB.GetExternalAgent(ctx, id)
	require.NoError(t, err)
	assert.False(t, got.Enabled)

	require.NoError(t, testDB.DeleteExternalAgent(ctx, id))
	_, err = testDB.GetExternalAgent(ctx, id)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAgentHealthSurvivesUpsert(t *testing.T) {
	ctx := context.Background()
	id := "agent-" + uuid.NewString()
	_, err := testDB.CreateExternalAgent(ctx, model.ExternalAgentConfig{
		ID: id, Name: "Probe", Endpoint: "http://probe:1", Enabled: true,
	})
	require.NoError(t, err)

	now := time.Now().UTC()
	st := model.ExternalAgentState{
		AgentID:          id,
		HealthStatus:     model.HealthUnhealthy,
		LastHealthCheck:  &now,
		ConsecutiveFails: 3,
		CircuitBroken:    true,
		TotalRequests:    10,
		TotalErrors:      4,
		AvgResponseMs:    88.5,
	}
	require.NoError(t, testDB.SaveAgentHealth(ctx, st))

	st.CircuitBroken = false
	st.ConsecutiveFails = 0
	st.HealthStatus = model.HealthHealthy
	require.NoError(t, testDB.SaveAgentHealth(ctx, st))

	got, err := testDB.GetAgentHealth(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.HealthHealthy, got.HealthStatus)
	assert.False(t, got.CircuitBroken)
	assert.Equal(t, int64(10), got.TotalRequests)
}

func TestJobLifecycle(t *testing.T) {
	ctx := context.Background()
	extID := "job-" + uuid.NewString()

	job, created, err := testDB.UpsertJob(ctx, model.Job{
		Provider:      "render",
		ExternalJobID: extID,
		Status:        model.JobStatusPending,
	})
	require.NoError(t, err)
	require.True(t, created)

	// Same (provider, external id) resolves to the existing row.
	replay, created, err := testDB.UpsertJob(ctx, model.Job{
		Provider:      "render",
		ExternalJobID: extID,
		Status:        model.JobStatusPending,
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, job.ID, replay.ID)

	require.NoError(t, testDB.UpdateJobProgress(ctx, job.ID, 40))
	got, err := testDB.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusProcessing, got.Status)
	assert.Equal(t, 40, got.Progress)

	require.NoError(t, testDB.CompleteJob(ctx, job.ID, "https://cdn/out.mp4", nil, 0.25, nil))
	got, err = testDB.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusComplete, got.Status)
	require.NotNil(t, got.ResultURL)
	assert.Equal(t, "https://cdn/out.mp4", *got.ResultURL)
	assert.Equal(t, 0.25, got.CostUSD)

	// Terminal jobs ignore further mutation.
	require.NoError(t, testDB.UpdateJobProgress(ctx, job.ID, 90))
	require.NoError(t, testDB.CancelJob(ctx, job.ID))
	got, err = testDB.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusComplete, got.Status)
	assert.Equal(t, 100, got.Progress)
}

func TestListActiveJobsExcludesTerminal(t *testing.T) {
	ctx := context.Background()
	provider := "prov-" + uuid.NewString()

	pending, _, err := testDB.UpsertJob(ctx, model.Job{
		Provider: provider, ExternalJobID: "a", Status: model.JobStatusPending,
	})
	require.NoError(t, err)
	failed, _, err := testDB.UpsertJob(ctx, model.Job{
		Provider: provider, ExternalJobID: "b", Status: model.JobStatusPending,
	})
	require.NoError(t, err)
	require.NoError(t, testDB.FailJob(ctx, failed.ID, "render crashed", nil))

	active, err := testDB.ListActiveJobs(ctx)
	require.NoError(t, err)

	ids := make(map[uuid.UUID]bool, len(active))
	for _, j := range active {
		ids[j.ID] = true
	}
	assert.True(t, ids[pending.ID])
	assert.False(t, ids[failed.ID])
}

func TestProvenanceAppendOnly(t *testing.T) {
	ctx := context.Background()
	runID := uuid.NewString()

	for i := range 3 {
		require.NoError(t, testDB.AppendProvenance(ctx, model.Provenance{
			TraceID:    "trace-1",
			RunID:      runID,
			StepIndex:  i,
			Kind:       "llm_call",
			Target:     "atlas-core",
			PromptHash: fmt.Sprintf("sha256:p%d", i),
			ResultHash: fmt.Sprintf("sha256:r%d", i),
			CostUSD:    0.001,
			DurationMs: 10,
		}))
	}

	trail, err := testDB.ListProvenanceByRun(ctx, runID)
	require.NoError(t, err)
	require.Len(t, trail, 3)
	for i, p := range trail {
		assert.Equal(t, i, p.StepIndex)
		assert.False(t, p.RecordedAt.IsZero())
	}
}

func TestNotifyRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, testDB.Listen(ctx, storage.ChannelJobs))
	require.NoError(t, testDB.Notify(ctx, storage.ChannelJobs, `{"status":"complete"}`))

	channel, payload, err := testDB.WaitForNotification(ctx)
	require.NoError(t, err)
	assert.Equal(t, storage.ChannelJobs, channel)
	assert.Equal(t, `{"status":"complete"}`, payload)
}
