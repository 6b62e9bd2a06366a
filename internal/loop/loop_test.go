package loop_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skeld/internal/loop"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoopRunsTasksInOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := loop.New(16, testLogger())
	go l.Run(ctx)

	var got []int
	for i := 0; i < 5; i++ {
		i := i
		require.True(t, l.Post(func() { got = append(got, i) }))
	}
	require.NoError(t, l.Call(ctx, func() {}))
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestLoopSurvivesPanics(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := loop.New(16, testLogger())
	go l.Run(ctx)

	l.Post(func() { panic("boom") })
	ran := false
	require.NoError(t, l.Call(ctx, func() { ran = true }))
	assert.True(t, ran)
}

func TestLoopStopped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	l := loop.New(1, testLogger())
	go l.Run(ctx)
	cancel()
	<-l.Done()

	assert.False(t, l.Post(func() {}))
	assert.ErrorIs(t, l.Call(context.Background(), func() {}), loop.ErrStopped)
}

func TestLoopAfter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := loop.New(16, testLogger())
	go l.Run(ctx)

	fired := make(chan struct{})
	l.After(10*time.Millisecond, func() { close(fired) })
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}

	stopped := l.After(10*time.Millisecond, func() { t.Error("stopped timer fired") })
	assert.True(t, stopped.Stop())
	assert.False(t, stopped.Stop())
	time.Sleep(30 * time.Millisecond)
}

func TestManualAdvance(t *testing.T) {
	m := loop.NewManual(time.Unix(0, 0))

	var order []string
	m.After(2*time.Second, func() { order = append(order, "b") })
	m.After(time.Second, func() {
		order = append(order, "a")
		m.After(500*time.Millisecond, func() { order = append(order, "a2") })
	})
	cancelled := m.After(time.Second, func() { order = append(order, "x") })
	assert.True(t, cancelled.Stop())

	m.Advance(1500 * time.Millisecond)
	assert.Equal(t, []string{"a", "a2"}, order)
	assert.Equal(t, 1, m.Pending())

	m.Advance(time.Second)
	assert.Equal(t, []string{"a", "a2", "b"}, order)
	assert.Equal(t, time.Unix(2, 500_000_000), m.Now())
}

func TestEvery(t *testing.T) {
	m := loop.NewManual(time.Unix(0, 0))
	count := 0
	timer := loop.Every(m, time.Second, func() { count++ })

	m.Advance(3 * time.Second)
	assert.Equal(t, 3, count)

	assert.True(t, timer.Stop())
	m.Advance(3 * time.Second)
	assert.Equal(t, 3, count)
	assert.Zero(t, m.Pending())
}
