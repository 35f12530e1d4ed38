package jobs

import (
	"context"
	"errors"
	"sync"

	"github.com/alexpierre9/choir-voice-player/internal/logger"
)

// Dispatcher はランの実行を予約します。
type Dispatcher interface {
	Dispatch(ctx context.Context, req RunRequest) error
}

// Runner はランを実行します。*Pipeline が実装します。
type Runner interface {
	Run(ctx context.Context, req RunRequest) (Outcome, error)
}

// runTask は req を Serializer に投入するタスクです。
func runTask(runner Runner, req RunRequest) func(context.Context) error {
	return func(ctx context.Context) error {
		_, err := runner.Run(ctx, req)
		return err
	}
}

// InlineDispatcher はこのプロセス内でランを実行します。
// 投入したランはすべて追跡し、Shutdown で終了を待ちます。
type InlineDispatcher struct {
	serializer *Serializer
	runner     Runner
	log        *logger.Logger

	baseCtx context.Context
	cancel  context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// ErrDispatcherClosed は Shutdown 後に投入された場合のエラーです。
var ErrDispatcherClosed = errors.New("dispatcher is shut down")

// NewInlineDispatcher は InlineDispatcher を作成します。
func NewInlineDispatcher(serializer *Serializer, runner Runner, log *logger.Logger) *InlineDispatcher {
	if log == nil {
		log = logger.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &InlineDispatcher{
		serializer: serializer,
		runner:     runner,
		log:        log.With("component", "InlineDispatcher"),
		baseCtx:    ctx,
		cancel:     cancel,
	}
}

// Dispatch はランを Serializer に投入してすぐに戻ります。
// ランはリクエストのコンテキストではなくディスパッチャのコンテキストで実行されます。
func (d *InlineDispatcher) Dispatch(ctx context.Context, req RunRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDispatcherClosed
	}

	d.wg.Add(1)
	future := d.serializer.Enqueue(d.baseCtx, req.JobID, runTask(d.runner, req))
	go func() {
		defer d.wg.Done()
		<-future.Done()
		if err := future.Err(); err != nil {
			d.log.Error("run ended with error", "job_id", req.JobID, "mode", req.Mode, "error", err)
		}
	}()
	return nil
}

// Shutdown は新規の投入を止め、実行中のランの終了を待ちます。
// ctx が先に終了した場合は実行中のランを中断します（ジョブはスイーパーが回収します）。
func (d *InlineDispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}
