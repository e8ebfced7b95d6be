package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffDoublesAndCaps(t *testing.T) {
	base := 15 * time.Second
	require.Equal(t, 15*time.Second, Backoff(base, time.Hour, 1))
	require.Equal(t, 30*time.Second, Backoff(base, time.Hour, 2))
	require.Equal(t, 60*time.Second, Backoff(base, time.Hour, 3))
	require.Equal(t, time.Hour, Backoff(base, time.Hour, 10))

	// Degenerate inputs fall back to sane values.
	require.Equal(t, time.Second, Backoff(0, 0, 0))
}

func TestRetryDelayRoundTrip(t *testing.T) {
	cause := errors.New("node unreachable")
	err := Retry(cause, 5*time.Second)

	delay, ok := RetryDelay(err)
	require.True(t, ok)
	require.Equal(t, 5*time.Second, delay)
	require.ErrorIs(t, err, cause)

	_, ok = RetryDelay(cause)
	require.False(t, ok)
	require.NoError(t, Retry(nil, time.Second))
}

func TestMemoryBusDeliversToSingleConsumer(t *testing.T) {
	bus := NewMemoryBus(16, nil)
	defer bus.Close()

	var mu sync.Mutex
	seen := map[string]int{}
	done := make(chan struct{}, 3)
	require.NoError(t, bus.Subscribe(TransactionDetect, 2, func(_ context.Context, msg Message) error {
		mu.Lock()
		seen[msg.Key]++
		mu.Unlock()
		done <- struct{}{}
		return nil
	}))

	for _, key := range []string{"a", "b", "c"} {
		require.NoError(t, bus.Publish(context.Background(), TransactionDetect, NewMessage(key, nil)))
	}
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("delivery timed out")
		}
	}
	mu.Lock()
	defer mu.Unlock()
	for _, key := range []string{"a", "b", "c"} {
		require.Equal(t, 1, seen[key], "message %s delivered once", key)
	}
}

func TestMemoryBusRedeliversOnRetry(t *testing.T) {
	bus := NewMemoryBus(16, nil)
	defer bus.Close()

	attempts := make(chan int, 4)
	require.NoError(t, bus.Subscribe(PayoutExecute, 1, func(_ context.Context, msg Message) error {
		attempts <- msg.Attempt
		if msg.Attempt < 2 {
			return Retry(errors.New("not yet"), 10*time.Millisecond)
		}
		return nil
	}))

	require.NoError(t, bus.Publish(context.Background(), PayoutExecute, NewMessage("p1", nil)))

	var got []int
	for i := 0; i < 3; i++ {
		select {
		case n := <-attempts:
			got = append(got, n)
		case <-time.After(2 * time.Second):
			t.Fatalf("expected 3 attempts, saw %v", got)
		}
	}
	require.Equal(t, []int{0, 1, 2}, got)
}

func TestMemoryBusTerminalFailureHitsHook(t *testing.T) {
	failed := make(chan Message, 1)
	bus := NewMemoryBus(16, func(q string, msg Message, err error) {
		require.Equal(t, RefundProcess, q)
		require.EqualError(t, err, "bad payload")
		failed <- msg
	})
	defer bus.Close()

	require.NoError(t, bus.Subscribe(RefundProcess, 1, func(context.Context, Message) error {
		return errors.New("bad payload")
	}))
	require.NoError(t, bus.Publish(context.Background(), RefundProcess, NewMessage("r1", nil)))

	select {
	case msg := <-failed:
		require.Equal(t, "r1", msg.Key)
	case <-time.After(2 * time.Second):
		t.Fatal("failure hook not invoked")
	}
}
