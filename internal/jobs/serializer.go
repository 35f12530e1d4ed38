package jobs

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/alexpierre9/choir-voice-player/internal/logger"
)

// Future は Serializer に投入したタスクの完了を表します。
type Future struct {
	done chan struct{}
	err  error
}

func settledFuture() *Future {
	f := &Future{done: make(chan struct{})}
	close(f.done)
	return f
}

// Done はタスクが終了（成功・失敗・panic）したときに閉じられます。
func (f *Future) Done() <-chan struct{} { return f.done }

// Err はタスクの結果です。Done が閉じられる前は nil を返します。
func (f *Future) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// Wait はタスクの終了を待ち、その結果を返します。
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Serializer はキーごとにタスクを投入順で1つずつ実行します。
// 異なるキーのタスクは並行に実行されます。
type Serializer struct {
	mu    sync.Mutex
	tails map[string]*Future
	log   *logger.Logger
}

// NewSerializer は Serializer を作成します。
func NewSerializer(log *logger.Logger) *Serializer {
	if log == nil {
		log = logger.NewNop()
	}
	return &Serializer{
		tails: make(map[string]*Future),
		log:   log.With("component", "Serializer"),
	}
}

// Enqueue は key の末尾に task を繋ぎます。
// task は直前のタスクが終わってから（失敗や panic でも）実行されます。
// ctx はタスクにそのまま渡され、待機の打ち切りには使いません。
func (s *Serializer) Enqueue(ctx context.Context, key string, task func(context.Context) error) *Future {
	next := &Future{done: make(chan struct{})}

	s.mu.Lock()
	prev, ok := s.tails[key]
	if !ok {
		prev = settledFuture()
	}
	s.tails[key] = next
	s.mu.Unlock()

	go func() {
		<-prev.done
		next.err = s.run(ctx, key, task)

		s.mu.Lock()
		if s.tails[key] == next {
			delete(s.tails, key)
		}
		s.mu.Unlock()
		close(next.done)
	}()
	return next
}

func (s *Serializer) run(ctx context.Context, key string, task func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
			s.log.Error("task panicked", "key", key, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	if err := task(ctx); err != nil {
		s.log.Warn("task failed", "key", key, "error", err)
		return err
	}
	return nil
}

// Pending は未完了のタスクを持つキーの数を返します。
func (s *Serializer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tails)
}
