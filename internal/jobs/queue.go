package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/alexpierre9/choir-voice-player/internal/logger"
)

const (
	taskTypeScoreRun = "score:run"
	queueName        = "scores"
)

// QueueConfig は Queue の設定です。
type QueueConfig struct {
	RedisURL    string
	Concurrency int
	// TaskTimeout はタスク1件の上限です。ステージのタイムアウトの合計より長くしてください。
	TaskTimeout time.Duration
}

// Queue は Asynq を使ってランを永続的に予約する Dispatcher です。
// ワーカー側でも Serializer を通すため、同じジョブのランが同時に実行されることはありません。
type Queue struct {
	client     *asynq.Client
	server     *asynq.Server
	mux        *asynq.ServeMux
	serializer *Serializer
	runner     Runner
	timeout    time.Duration
	log        *logger.Logger
}

// NewQueue は Queue を初期化します。
func NewQueue(cfg QueueConfig, serializer *Serializer, runner Runner, log *logger.Logger) (*Queue, error) {
	if serializer == nil {
		return nil, errors.New("serializer is nil")
	}
	if runner == nil {
		return nil, errors.New("runner is nil")
	}
	if log == nil {
		log = logger.NewNop()
	}
	opt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	q := &Queue{
		client:     asynq.NewClient(opt),
		mux:        asynq.NewServeMux(),
		serializer: serializer,
		runner:     runner,
		timeout:    cfg.TaskTimeout,
		log:        log.With("component", "Queue"),
	}
	q.server = asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				queueName: 1,
			},
			Logger:   asynqLogger{log: q.log},
			LogLevel: asynq.WarnLevel,
		},
	)
	q.mux.HandleFunc(taskTypeScoreRun, q.handleRun)
	return q, nil
}

// StartWorkers は Asynq サーバーをバックグラウンドで起動します。
func (q *Queue) StartWorkers() error {
	return q.server.Start(q.mux)
}

// Shutdown はサーバーとクライアントを閉じます。
func (q *Queue) Shutdown(ctx context.Context) error {
	q.server.Shutdown()
	return q.client.Close()
}

// Dispatch はランをキューに投入します。
func (q *Queue) Dispatch(ctx context.Context, req RunRequest) error {
	if req.JobID == "" {
		return fmt.Errorf("req.JobID is required")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	opts := []asynq.Option{asynq.Queue(queueName), asynq.MaxRetry(1)}
	if q.timeout > 0 {
		opts = append(opts, asynq.Timeout(q.timeout))
	}
	info, err := q.client.EnqueueContext(ctx, asynq.NewTask(taskTypeScoreRun, body), opts...)
	if err != nil {
		return fmt.Errorf("enqueue run: %w", err)
	}
	q.log.Debug("run enqueued", "job_id", req.JobID, "task_id", info.ID, "mode", req.Mode)
	return nil
}

// handleRun はランを実行します。依存サービスの失敗はジョブに記録済みなので、
// ここでエラーを返すのは基盤の障害だけです（Asynq の再試行対象になります）。
func (q *Queue) handleRun(ctx context.Context, task *asynq.Task) error {
	var req RunRequest
	if err := json.Unmarshal(task.Payload(), &req); err != nil {
		return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if req.JobID == "" {
		return fmt.Errorf("missing jobId in payload: %w", asynq.SkipRetry)
	}
	if req.Mode == "" {
		req.Mode = RunFull
	}

	future := q.serializer.Enqueue(ctx, req.JobID, runTask(q.runner, req))
	return future.Wait(ctx)
}

// asynqLogger は Asynq のログを共通ロガーに流します。
type asynqLogger struct {
	log *logger.Logger
}

func (l asynqLogger) Debug(args ...any) { l.log.Debug(fmt.Sprint(args...)) }
func (l asynqLogger) Info(args ...any)  { l.log.Info(fmt.Sprint(args...)) }
func (l asynqLogger) Warn(args ...any)  { l.log.Warn(fmt.Sprint(args...)) }
func (l asynqLogger) Error(args ...any) { l.log.Error(fmt.Sprint(args...)) }
func (l asynqLogger) Fatal(args ...any) { l.log.Fatal(fmt.Sprint(args...)) }
