package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func waitAll(t *testing.T, futures ...*Future) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, f := range futures {
		select {
		case <-f.Done():
		case <-ctx.Done():
			t.Fatal("timed out waiting for tasks")
		}
	}
}

func TestSerializerRunsSameKeyInOrderWithoutOverlap(t *testing.T) {
	s := NewSerializer(nil)
	ctx := context.Background()

	var (
		mu      sync.Mutex
		order   []int
		running atomic.Int32
		overlap atomic.Bool
	)
	futures := make([]*Future, 0, 20)
	for i := 0; i < 20; i++ {
		i := i
		futures = append(futures, s.Enqueue(ctx, "job-1", func(context.Context) error {
			if running.Add(1) > 1 {
				overlap.Store(true)
			}
			time.Sleep(time.Millisecond)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			running.Add(-1)
			return nil
		}))
	}
	waitAll(t, futures...)

	if overlap.Load() {
		t.Fatal("tasks for the same key overlapped")
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("tasks ran out of order: %v", order)
		}
	}
}

func TestSerializerDistinctKeysRunConcurrently(t *testing.T) {
	s := NewSerializer(nil)
	ctx := context.Background()

	release := make(chan struct{})
	blocked := s.Enqueue(ctx, "job-a", func(context.Context) error {
		<-release
		return nil
	})
	other := s.Enqueue(ctx, "job-b", func(context.Context) error { return nil })

	select {
	case <-other.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("task for job-b was blocked by job-a")
	}
	close(release)
	waitAll(t, blocked)
}

func TestSerializerFailureDoesNotBlockNextTask(t *testing.T) {
	s := NewSerializer(nil)
	ctx := context.Background()

	boom := errors.New("boom")
	first := s.Enqueue(ctx, "job-1", func(context.Context) error { return boom })
	second := s.Enqueue(ctx, "job-1", func(context.Context) error { panic("kaboom") })
	var ran atomic.Bool
	third := s.Enqueue(ctx, "job-1", func(context.Context) error {
		ran.Store(true)
		return nil
	})
	waitAll(t, first, second, third)

	if !errors.Is(first.Err(), boom) {
		t.Fatalf("unexpected first error: %v", first.Err())
	}
	if second.Err() == nil {
		t.Fatal("panic should be reported as an error")
	}
	if !ran.Load() || third.Err() != nil {
		t.Fatalf("third task should run after failures, err=%v", third.Err())
	}
}

func TestSerializerReleasesSettledKeys(t *testing.T) {
	s := NewSerializer(nil)
	ctx := context.Background()

	for round := 0; round < 3; round++ {
		var futures []*Future
		for _, key := range []string{"a", "b", "c"} {
			for i := 0; i < 5; i++ {
				futures = append(futures, s.Enqueue(ctx, key, func(context.Context) error { return nil }))
			}
		}
		waitAll(t, futures...)
		if n := s.Pending(); n != 0 {
			t.Fatalf("round %d: serializer retained %d keys", round, n)
		}
	}
}

func TestSerializerKeepsEntryWhileSuccessorQueued(t *testing.T) {
	s := NewSerializer(nil)
	ctx := context.Background()

	release := make(chan struct{})
	first := s.Enqueue(ctx, "job-1", func(context.Context) error { return nil })
	second := s.Enqueue(ctx, "job-1", func(context.Context) error {
		<-release
		return nil
	})
	waitAll(t, first)
	if n := s.Pending(); n != 1 {
		t.Fatalf("expected the successor to keep the entry, got %d", n)
	}
	close(release)
	waitAll(t, second)
	if n := s.Pending(); n != 0 {
		t.Fatalf("expected no entries after settle, got %d", n)
	}
}

func TestFutureWaitHonorsContext(t *testing.T) {
	s := NewSerializer(nil)
	release := make(chan struct{})
	f := s.Enqueue(context.Background(), "job-1", func(context.Context) error {
		<-release
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := f.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	close(release)
	if err := f.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}
