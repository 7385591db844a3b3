package sentry

import (
	"context"
	"testing"

	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpgate/pkg/errors"
)

func TestConvertLevel(t *testing.T) {
	assert.Equal(t, sentry.LevelWarning, convertLevel(errors.LevelWarning))
	assert.Equal(t, sentry.LevelFatal, convertLevel(errors.LevelFatal))
	assert.Equal(t, sentry.LevelInfo, convertLevel("verbose"))
}

func TestTrackerWithoutDSN(t *testing.T) {
	// an empty DSN initializes a client that sends nothing
	tracker, err := New("", "test")
	require.NoError(t, err)

	ctx := WithAccount(context.Background(), "main")
	assert.NoError(t, tracker.CaptureError(ctx, errors.ErrOrderRejected, map[string]string{"component": "trading_service"}))
	assert.NoError(t, tracker.CaptureMessage(ctx, "position degraded", errors.LevelWarning, nil))
	assert.NoError(t, tracker.Flush(ctx))
}
