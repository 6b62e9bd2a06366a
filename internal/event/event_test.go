package event_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skeld/internal/event"
)

type hostPick struct {
	Candidate int32
}

func TestChainStopsAtCancel(t *testing.T) {
	var chain event.Chain[hostPick]
	var calls []string

	chain.On(func(ctx context.Context, e *hostPick) event.Outcome {
		calls = append(calls, "first")
		e.Candidate = 7
		return event.Continue
	})
	chain.On(func(ctx context.Context, e *hostPick) event.Outcome {
		calls = append(calls, "second")
		return event.Cancel
	})
	chain.On(func(ctx context.Context, e *hostPick) event.Outcome {
		calls = append(calls, "third")
		return event.Continue
	})

	e := &hostPick{Candidate: 1}
	assert.Equal(t, event.Cancel, chain.Emit(context.Background(), e))
	assert.Equal(t, []string{"first", "second"}, calls)
	assert.Equal(t, int32(7), e.Candidate)
	assert.Equal(t, 3, chain.Len())
}

func TestEmptyChainContinues(t *testing.T) {
	var chain event.Chain[hostPick]
	assert.Equal(t, event.Continue, chain.Emit(context.Background(), &hostPick{}))
}

func TestFeed(t *testing.T) {
	feed := event.NewFeed()
	ch, unsubscribe := feed.Subscribe(1)
	require.Equal(t, 1, feed.Subscribers())

	feed.Publish(event.Notice{Kind: event.RoomCreated, Room: "ABCDEF", At: time.Unix(1, 0)})
	feed.Publish(event.Notice{Kind: event.RoomDestroyed, Room: "ABCDEF"})

	n := <-ch
	assert.Equal(t, event.RoomCreated, n.Kind)
	select {
	case extra := <-ch:
		t.Fatalf("full subscriber should have dropped %v", extra)
	default:
	}

	unsubscribe()
	unsubscribe()
	_, open := <-ch
	assert.False(t, open)
	assert.Zero(t, feed.Subscribers())
}
