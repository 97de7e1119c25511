package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakeSettler struct {
	calls atomic.Int32
	limit int
	n     int
	err   error
}

func (f *fakeSettler) SettleMatured(ctx context.Context, limit int) (int, error) {
	f.calls.Add(1)
	f.limit = limit
	return f.n, f.err
}

func TestNewRejectsBadSchedule(t *testing.T) {
	_, err := New(&fakeSettler{}, "every now and then", 10, zap.NewNop())
	assert.Error(t, err)
}

func TestRunOnce(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	settler := &fakeSettler{n: 3}

	s, err := New(settler, "@every 1h", 25, zap.New(core))
	require.NoError(t, err)

	s.RunOnce()
	assert.Equal(t, int32(1), settler.calls.Load())
	assert.Equal(t, 25, settler.limit)
	assert.Equal(t, 1, logs.FilterMessage("settled matured rentals").Len())

	settler.err = errors.New("db down")
	s.RunOnce()
	assert.Equal(t, 1, logs.FilterMessage("settle run failed").Len())
}

func TestStartStop(t *testing.T) {
	s, err := New(&fakeSettler{}, "@every 1h", 1, zap.NewNop())
	require.NoError(t, err)
	s.Start()
	s.Stop()
}
