package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestQueue_DropOldestEvictsAndCounts(t *testing.T) {
	var dropped []int
	q := New[int](2, OverflowDropOldest, func(v int) { dropped = append(dropped, v) })

	for i := 1; i <= 5; i++ {
		if err := q.Push(context.Background(), i); err != nil {
			t.Fatalf("Push(%d): %v", i, err)
		}
	}

	if len(dropped) != 3 {
		t.Fatalf("dropped %v, want 3 elements", dropped)
	}
	for i, want := range []int{1, 2, 3} {
		if dropped[i] != want {
			t.Errorf("dropped[%d] = %d, want %d", i, dropped[i], want)
		}
	}

	for _, want := range []int{4, 5} {
		got, ok := q.TryPop()
		if !ok || got != want {
			t.Errorf("TryPop = %d,%v, want %d", got, ok, want)
		}
	}
	if _, ok := q.TryPop(); ok {
		t.Error("queue should be empty")
	}
}

func TestQueue_BlockWaitsForSpace(t *testing.T) {
	q := New[int](1, OverflowBlock, nil)
	if err := q.Push(context.Background(), 1); err != nil {
		t.Fatalf("Push: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Push(ctx, 2); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Push on full queue = %v, want deadline exceeded", err)
	}

	done := make(chan error, 1)
	go func() { done <- q.Push(context.Background(), 3) }()

	if v := <-q.C(); v != 1 {
		t.Fatalf("got %d, want 1", v)
	}
	if err := <-done; err != nil {
		t.Fatalf("blocked Push: %v", err)
	}
	if v := <-q.C(); v != 3 {
		t.Fatalf("got %d, want 3", v)
	}
}

func TestQueue_CloseRejectsPushes(t *testing.T) {
	q := New[int](1, OverflowBlock, nil)
	_ = q.Push(context.Background(), 1)

	done := make(chan error, 1)
	go func() { done <- q.Push(context.Background(), 2) }()

	time.Sleep(10 * time.Millisecond)
	q.Close()
	q.Close()

	if err := <-done; !errors.Is(err, ErrClosed) {
		t.Fatalf("blocked Push after Close = %v, want ErrClosed", err)
	}
	if _, ok := q.TryPop(); !ok {
		t.Error("queued element should survive Close")
	}

	dq := New[int](1, OverflowDropOldest, nil)
	dq.Close()
	if err := dq.Push(context.Background(), 1); !errors.Is(err, ErrClosed) {
		t.Errorf("drop-oldest Push after Close = %v, want ErrClosed", err)
	}
}

func TestQueue_AcceptedPushesVisibleAfterClose(t *testing.T) {
	for round := 0; round < 50; round++ {
		q := New[int](64, OverflowBlock, nil)

		var accepted atomic.Int64
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := 0; i < 32; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				if q.PushWait(context.Background(), i) == nil {
					accepted.Add(1)
				}
			}()
		}

		close(start)
		q.Close()

		drained := 0
		for {
			if _, ok := q.TryPop(); !ok {
				break
			}
			drained++
		}
		wg.Wait()

		if int64(drained) != accepted.Load() {
			t.Fatalf("round %d: drained %d, accepted %d", round, drained, accepted.Load())
		}
	}
}

func TestParseOverflow(t *testing.T) {
	for in, want := range map[string]Overflow{"": OverflowBlock, "block": OverflowBlock, "drop_oldest": OverflowDropOldest, "DROP-OLDEST": OverflowDropOldest} {
		got, err := ParseOverflow(in)
		if err != nil || got != want {
			t.Errorf("ParseOverflow(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseOverflow("spill"); err == nil {
		t.Error("expected error for unknown policy")
	}
}
