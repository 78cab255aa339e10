package loop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/statecore/internal/testutil"
)

func TestTaskQueueFIFO(t *testing.T) {
	q := newTaskQueue()
	var got []int
	for i := 1; i <= 3; i++ {
		i := i
		require.True(t, q.push(func() { got = append(got, i) }))
	}
	for {
		fn, ok := q.pop()
		if !ok {
			break
		}
		fn()
	}
	assert.Equal(t, []int{1, 2, 3}, got)
}

func TestTaskQueueClosedRejectsPush(t *testing.T) {
	q := newTaskQueue()
	q.close()
	q.close()
	assert.False(t, q.push(func() {}))
}

func TestRunPendingDrainsNestedPosts(t *testing.T) {
	l := New()
	var order []string
	l.Post(func() {
		order = append(order, "a")
		l.Post(func() { order = append(order, "c") })
	})
	l.Post(func() { order = append(order, "b") })

	assert.Equal(t, 3, l.RunPending())
	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.Equal(t, 0, l.Len())
}

func TestPanickingTaskDoesNotStopLoop(t *testing.T) {
	l := New()
	ran := false
	l.Post(func() { panic("boom") })
	l.Post(func() { ran = true })

	l.RunPending()
	assert.True(t, ran)
}

func TestRunProcessesConcurrentPosts(t *testing.T) {
	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	const producers, per = 4, 50
	var count int // only touched on the loop goroutine
	var wg sync.WaitGroup
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < per; j++ {
				l.Post(func() { count++ })
			}
		}()
	}
	wg.Wait()

	result := make(chan int, 1)
	l.Post(func() { result <- count })
	select {
	case n := <-result:
		assert.Equal(t, producers*per, n)
	case <-time.After(5 * time.Second):
		require.Fail(t, "loop did not drain")
	}

	l.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		require.Fail(t, "loop did not stop")
	}
}

func TestRunReturnsOnCancel(t *testing.T) {
	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		require.Fail(t, "loop did not stop")
	}
	assert.False(t, l.Post(func() {}))
}

func TestAfterFuncPostsOntoLoop(t *testing.T) {
	fc := testutil.NewFakeClock()
	l := New(WithClock(fc))
	fired := false
	l.AfterFunc(20*time.Millisecond, func() { fired = true })

	fc.Advance(10 * time.Millisecond)
	l.RunPending()
	assert.False(t, fired)

	fc.Advance(10 * time.Millisecond)
	assert.False(t, fired, "timer must only post, not run inline")
	l.RunPending()
	assert.True(t, fired)
}
