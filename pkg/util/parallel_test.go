package util

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestParallelRunsAll(t *testing.T) {
	var (
		sum      atomic.Int64
		inFlight atomic.Int32
		peak     atomic.Int32
	)
	inputs := []int{1, 2, 3, 4, 5, 6, 7, 8}

	err := Parallel(context.Background(), inputs, 3, func(_ context.Context, n int) error {
		cur := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		sum.Add(int64(n))
		return nil
	})
	if err != nil {
		t.Fatalf("Parallel: %v", err)
	}
	if sum.Load() != 36 {
		t.Fatalf("sum = %d, want 36", sum.Load())
	}
	if peak.Load() > 3 {
		t.Fatalf("%d calls in flight, limit 3", peak.Load())
	}
}

func TestParallelFirstErrorCancels(t *testing.T) {
	boom := errors.New("boom")
	err := Parallel(context.Background(), []int{0, 1, 2}, 3, func(ctx context.Context, n int) error {
		if n == 0 {
			return boom
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Second):
			return errors.New("not cancelled")
		}
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Parallel = %v, want boom", err)
	}
}

func TestParallelHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls atomic.Int32
	err := Parallel(ctx, []int{1, 2, 3}, 1, func(context.Context, int) error {
		calls.Add(1)
		return nil
	})
	if !errors.Is(err, context.Canceled) || calls.Load() != 0 {
		t.Fatalf("err = %v, calls = %d", err, calls.Load())
	}
}
