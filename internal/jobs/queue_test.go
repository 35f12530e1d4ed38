package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"

	"github.com/alexpierre9/choir-voice-player/internal/logger"
)

// funcRunner は関数でランを実行する Runner です。
type funcRunner func(ctx context.Context, req RunRequest) (Outcome, error)

func (f funcRunner) Run(ctx context.Context, req RunRequest) (Outcome, error) { return f(ctx, req) }

func newWorkerOnlyQueue(runner Runner) *Queue {
	return &Queue{
		serializer: NewSerializer(nil),
		runner:     runner,
		log:        logger.NewNop(),
	}
}

func runTaskPayload(t *testing.T, req RunRequest) *asynq.Task {
	t.Helper()
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return asynq.NewTask(taskTypeScoreRun, body)
}

func TestHandleRunRejectsBadPayloadWithoutRetry(t *testing.T) {
	q := newWorkerOnlyQueue(funcRunner(func(context.Context, RunRequest) (Outcome, error) {
		t.Error("runner must not be called")
		return "", nil
	}))

	cases := map[string]*asynq.Task{
		"malformed json": asynq.NewTask(taskTypeScoreRun, []byte("{not json")),
		"missing job id": runTaskPayload(t, RunRequest{Mode: RunFull}),
	}
	for name, task := range cases {
		t.Run(name, func(t *testing.T) {
			err := q.handleRun(context.Background(), task)
			if !errors.Is(err, asynq.SkipRetry) {
				t.Fatalf("expected SkipRetry, got %v", err)
			}
		})
	}
}

func TestHandleRunDefaultsModeAndReturnsRunnerError(t *testing.T) {
	var got RunRequest
	q := newWorkerOnlyQueue(funcRunner(func(ctx context.Context, req RunRequest) (Outcome, error) {
		got = req
		return "", errors.New("redis down")
	}))

	err := q.handleRun(context.Background(), runTaskPayload(t, RunRequest{JobID: "job-1", Fingerprint: "fp"}))
	if err == nil || errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("infrastructure errors should be retried, got %v", err)
	}
	if got.JobID != "job-1" || got.Fingerprint != "fp" || got.Mode != RunFull {
		t.Fatalf("unexpected run request: %+v", got)
	}
}

func TestHandleRunWaitsForEarlierRunOfSameJob(t *testing.T) {
	release := make(chan struct{})
	var (
		mu    sync.Mutex
		order []RunMode
	)
	q := newWorkerOnlyQueue(funcRunner(func(ctx context.Context, req RunRequest) (Outcome, error) {
		if req.Mode == RunFull {
			<-release
		}
		mu.Lock()
		order = append(order, req.Mode)
		mu.Unlock()
		return OutcomeReady, nil
	}))

	first := make(chan error, 1)
	go func() {
		first <- q.handleRun(context.Background(), runTaskPayload(t, RunRequest{JobID: "job-1", Mode: RunFull}))
	}()
	// 最初のランが Serializer に入るまで待つ
	deadline := time.Now().Add(2 * time.Second)
	for q.serializer.Pending() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first run was not enqueued")
		}
		time.Sleep(time.Millisecond)
	}

	second := make(chan error, 1)
	go func() {
		second <- q.handleRun(context.Background(), runTaskPayload(t, RunRequest{JobID: "job-1", Mode: RunRegenerate}))
	}()

	select {
	case err := <-second:
		t.Fatalf("second run finished before the first was released: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	for _, ch := range []chan error{first, second} {
		select {
		case err := <-ch:
			if err != nil {
				t.Fatalf("handleRun: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("handleRun did not return")
		}
	}
	if len(order) != 2 || order[0] != RunFull || order[1] != RunRegenerate {
		t.Fatalf("runs executed out of order: %v", order)
	}
}

func TestHandleRunStopsWaitingWhenTaskContextEnds(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	q := newWorkerOnlyQueue(funcRunner(func(ctx context.Context, req RunRequest) (Outcome, error) {
		<-release
		return OutcomeReady, nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.handleRun(ctx, runTaskPayload(t, RunRequest{JobID: "job-1", Mode: RunFull}))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
