package noop

import (
	"context"
	"sync/atomic"

	"perpgate/pkg/errors"
)

// Tracker drops every event and only counts them
type Tracker struct {
	dropped atomic.Int64
}

// New creates a tracker for runs with error tracking disabled
func New() *Tracker {
	return &Tracker{}
}

func (t *Tracker) CaptureError(context.Context, error, map[string]string) error {
	t.dropped.Add(1)
	return nil
}

func (t *Tracker) CaptureMessage(context.Context, string, errors.Level, map[string]string) error {
	t.dropped.Add(1)
	return nil
}

func (t *Tracker) Flush(context.Context) error {
	return nil
}

// Dropped returns how many events were discarded
func (t *Tracker) Dropped() int64 {
	return t.dropped.Load()
}
