package debugevents

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func emitN(b *Bus, n int, sessionID string) {
	for i := 0; i < n; i++ {
		b.Emit(context.Background(), Event{
			Type:      TypeAPI,
			Action:    fmt.Sprintf("action_%d", i),
			SessionID: sessionID,
			Timestamp: time.Unix(int64(1700000000+i), 0),
		})
	}
}

func TestBufferNeverExceedsCapacity(t *testing.T) {
	b := New(WithCapacity(10))
	emitN(b, 25, "s1")

	assert.Equal(t, 10, b.Len())

	// Oldest evicted first: only the last 10 remain.
	events := b.Events(Filter{Limit: 10})
	require.Len(t, events, 10)
	assert.Equal(t, "action_24", events[0].Action, "default feed is most-recent-first")
	assert.Equal(t, "action_15", events[9].Action)
}

func TestEmitFillsDefaults(t *testing.T) {
	b := New()
	b.Emit(context.Background(), Event{Type: TypeAuth, Action: "login_initiated"})

	events := b.Events(Filter{})
	require.Len(t, events, 1)
	assert.NotZero(t, events[0].ID)
	assert.False(t, events[0].Timestamp.IsZero())
}

func TestFilteredRetrieval(t *testing.T) {
	b := New()
	b.Emit(context.Background(), Event{Type: TypeAuth, Action: "a", SessionID: "s1"})
	b.Emit(context.Background(), Event{Type: TypePolicy, Action: "b", SessionID: "s1", CorrelationID: "c1"})
	b.Emit(context.Background(), Event{Type: TypePolicy, Action: "c", SessionID: "s2", CorrelationID: "c1"})

	assert.Len(t, b.Events(Filter{Type: TypePolicy}), 2)
	assert.Len(t, b.Events(Filter{SessionID: "s1"}), 2)
	assert.Len(t, b.Events(Filter{CorrelationID: "c1"}), 2)
	assert.Len(t, b.Events(Filter{Type: TypePolicy, SessionID: "s2"}), 1)
	assert.Empty(t, b.Events(Filter{Type: TypeToken}))
}

func TestTimelineIsChronological(t *testing.T) {
	b := New()
	emitN(b, 5, "s1")
	emitN(b, 3, "s2")

	timeline := b.Timeline("s1")
	require.Len(t, timeline, 5)
	for i := 1; i < len(timeline); i++ {
		assert.False(t, timeline[i].Timestamp.Before(timeline[i-1].Timestamp))
	}
	assert.Equal(t, "action_0", timeline[0].Action)
}

func TestSubscribeReceivesBroadcast(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe()
	defer cancel()

	b.Emit(context.Background(), Event{Type: TypeToken, Action: "token_exchange_request"})

	select {
	case e := <-ch:
		assert.Equal(t, "token_exchange_request", e.Action)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive event")
	}
}

func TestStalledSubscriberIsRemoved(t *testing.T) {
	b := New()
	_, cancel := b.Subscribe()
	defer cancel()

	require.Equal(t, 1, b.SubscriberCount())

	// Never drain; fill the channel past its depth so the bus drops us.
	for i := 0; i < subscriberBuffer+5; i++ {
		b.Emit(context.Background(), Event{Type: TypeAPI, Action: "spam"})
	}

	assert.Equal(t, 0, b.SubscriberCount())
}

func TestCancelIsIdempotent(t *testing.T) {
	b := New()
	_, cancel := b.Subscribe()
	cancel()
	cancel()
	assert.Equal(t, 0, b.SubscriberCount())
}

func TestConcurrentEmitAndSubscribe(t *testing.T) {
	b := New(WithCapacity(100))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			emitN(b, 200, "s")
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				ch, cancel := b.Subscribe()
				select {
				case <-ch:
				case <-time.After(time.Millisecond):
				}
				cancel()
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, b.Len(), 100)
}

func TestClearEmptiesBuffer(t *testing.T) {
	b := New()
	emitN(b, 5, "s1")
	b.Clear()
	assert.Equal(t, 0, b.Len())
}
