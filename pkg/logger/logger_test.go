package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"perpgate/pkg/errors"
)

type captured struct {
	err  error
	tags map[string]string
}

type recordingTracker struct {
	events []captured
}

func (r *recordingTracker) CaptureError(_ context.Context, err error, tags map[string]string) error {
	r.events = append(r.events, captured{err: err, tags: tags})
	return nil
}

func (r *recordingTracker) CaptureMessage(context.Context, string, errors.Level, map[string]string) error {
	return nil
}

func (r *recordingTracker) Flush(context.Context) error { return nil }

func newTestLogger(tracker errors.Tracker) *Logger {
	return &Logger{SugaredLogger: zap.NewNop().Sugar(), errorTracker: tracker}
}

func TestErrorwForwardsWrappedError(t *testing.T) {
	tracker := &recordingTracker{}
	log := newTestLogger(tracker).With("component", "trading_service", "symbol", "BTCUSDT")

	log.Errorw("Protective leg failed", "error", errors.ErrOrderRejected)

	require.Len(t, tracker.events, 1)
	assert.ErrorIs(t, tracker.events[0].err, errors.ErrOrderRejected)
	assert.Contains(t, tracker.events[0].err.Error(), "Protective leg failed")
	assert.Equal(t, map[string]string{"component": "trading_service"}, tracker.events[0].tags)
}

func TestErrorWithoutComponentUsesDefaultTag(t *testing.T) {
	tracker := &recordingTracker{}
	newTestLogger(tracker).Errorf("boom %d", 1)

	require.Len(t, tracker.events, 1)
	assert.EqualError(t, tracker.events[0].err, "boom 1")
	assert.Equal(t, "logger", tracker.events[0].tags["component"])
}

func TestErrorWithContextMergesTags(t *testing.T) {
	tracker := &recordingTracker{}
	log := newTestLogger(tracker).With("component", "cli")

	log.ErrorWithContext(context.Background(), errors.ErrUnavailable, map[string]string{"account": "main"})

	require.Len(t, tracker.events, 1)
	assert.Equal(t, map[string]string{"component": "cli", "account": "main"}, tracker.events[0].tags)
}

func TestWithoutTrackerDoesNotPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		Nop().With("component", "x").Errorw("nothing to track", "error", errors.ErrInternal)
	})
}

func TestInitFallsBackToInfoLevel(t *testing.T) {
	require.NoError(t, Init("not-a-level", "production"))
	assert.True(t, Get().Desugar().Core().Enabled(zap.InfoLevel))
	assert.False(t, Get().Desugar().Core().Enabled(zap.DebugLevel))
}
