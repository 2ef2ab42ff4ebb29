package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_RunsTasks(t *testing.T) {
	p := New(Config{Workers: 2, QueueSize: 10})
	defer p.Close()

	var n atomic.Int32
	for i := 0; i < 5; i++ {
		require.NoError(t, p.TrySubmit(context.Background(), "inc", func(context.Context) error {
			n.Add(1)
			return nil
		}))
	}
	require.Eventually(t, func() bool { return n.Load() == 5 }, time.Second, 5*time.Millisecond)
}

func TestPool_RecoversPanics(t *testing.T) {
	var handled atomic.Value
	p := New(Config{Workers: 1, QueueSize: 1, PanicHandler: func(name string, _ any) {
		handled.Store(name)
	}})
	defer p.Close()

	err := p.SubmitWait(context.Background(), "boom", func(context.Context) error { panic("bad") })
	require.Error(t, err)
	assert.Equal(t, "boom", handled.Load())

	// the worker survives
	assert.NoError(t, p.SubmitWait(context.Background(), "ok", func(context.Context) error { return nil }))
	assert.Equal(t, int64(1), p.Stats().Panicked)
}

func TestPool_FullQueueRejects(t *testing.T) {
	block := make(chan struct{})
	p := New(Config{Workers: 1, QueueSize: 1})
	defer p.Close()
	defer close(block)

	started := make(chan struct{})
	require.NoError(t, p.TrySubmit(context.Background(), "hold", func(context.Context) error {
		close(started)
		<-block
		return nil
	}))
	<-started
	require.NoError(t, p.TrySubmit(context.Background(), "queued", func(context.Context) error { return nil }))

	err := p.TrySubmit(context.Background(), "overflow", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolFull)
	assert.Equal(t, int64(1), p.Stats().Rejected)
}

func TestPool_ErrorHandlerAndClose(t *testing.T) {
	var got atomic.Value
	p := New(Config{Workers: 1, QueueSize: 4, ErrorHandler: func(_ string, err error) { got.Store(err) }})

	want := errors.New("handler failed")
	assert.ErrorIs(t, p.SubmitWait(context.Background(), "fail", func(context.Context) error { return want }), want)
	assert.Equal(t, want, got.Load())

	p.Close()
	p.Close()
	assert.ErrorIs(t, p.TrySubmit(context.Background(), "late", func(context.Context) error { return nil }), ErrPoolClosed)
}
