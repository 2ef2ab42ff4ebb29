package transition

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BaSui01/agentmemory/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_SubscribeDropsWhenFull(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	events, cancel := m.Subscribe(1)

	for i := 0; i < 3; i++ {
		m.EmitEvent(ctx, Event{Type: EventCleanup})
	}
	first := <-events
	assert.Equal(t, EventCleanup, first.Type)
	assert.NotEmpty(t, first.ID)
	assert.False(t, first.At.IsZero())
	assert.Equal(t, int64(2), m.DroppedEvents())

	cancel()
	cancel()
	_, open := <-events
	assert.False(t, open)
}

func TestManager_HandlersRunAsyncPerType(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	var promotions, panics atomic.Int32
	release := make(chan struct{})
	unsubscribe := m.RegisterHandler(EventPromotion, func(_ context.Context, e Event) error {
		<-release
		if e.To == types.MemoryEpisodic {
			promotions.Add(1)
		}
		return nil
	})
	m.RegisterHandler(EventPromotion, func(context.Context, Event) error {
		panics.Add(1)
		panic("handler bug")
	})

	done := make(chan struct{})
	go func() {
		m.EmitEvent(ctx, Event{Type: EventPromotion, UnitID: "u1", To: types.MemoryEpisodic})
		m.EmitEvent(ctx, Event{Type: EventCleanup})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("slow handler blocked the emitter")
	}
	close(release)

	require.Eventually(t, func() bool { return promotions.Load() == 1 && panics.Load() == 1 },
		time.Second, 5*time.Millisecond)

	unsubscribe()
	m.EmitEvent(ctx, Event{Type: EventPromotion, To: types.MemoryEpisodic})
	require.Eventually(t, func() bool { return panics.Load() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), promotions.Load())
}

func TestManager_CloseEndsSubscriptions(t *testing.T) {
	m := NewManager(Config{}, nil)
	events, _ := m.Subscribe(0)
	m.Close()
	_, open := <-events
	assert.False(t, open)

	late, _ := m.Subscribe(1)
	_, open = <-late
	assert.False(t, open)
	m.EmitEvent(context.Background(), Event{Type: EventCleanup})
}
