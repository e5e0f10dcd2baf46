package janitor

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReconciler struct{ calls int }

func (f *fakeReconciler) Reconcile(context.Context) error {
	f.calls++
	return nil
}

type fakePruner struct{ calls int }

func (f *fakePruner) DeleteRunsBefore(context.Context, time.Time) (int64, error) {
	f.calls++
	return 3, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewWiresBothSweeps(t *testing.T) {
	j, err := New(Config{Retention: 24 * time.Hour}, &fakeReconciler{}, &fakePruner{}, testLogger())
	require.NoError(t, err)
	assert.Len(t, j.cron.Entries(), 2)
}

func TestZeroRetentionDisablesPrune(t *testing.T) {
	j, err := New(Config{}, &fakeReconciler{}, &fakePruner{}, testLogger())
	require.NoError(t, err)
	assert.Len(t, j.cron.Entries(), 1)
}

func TestInvalidScheduleRejected(t *testing.T) {
	_, err := New(Config{ReconcileSpec: "not a cron spec"}, &fakeReconciler{}, nil, testLogger())
	require.Error(t, err)
}

func TestStartStop(t *testing.T) {
	j, err := New(Config{Retention: time.Hour}, &fakeReconciler{}, &fakePruner{}, testLogger())
	require.NoError(t, err)
	j.Start()
	j.Stop()
}
