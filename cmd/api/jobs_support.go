package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/alexpierre9/choir-voice-player/internal/config"
	"github.com/alexpierre9/choir-voice-player/internal/jobs"
	"github.com/alexpierre9/choir-voice-player/internal/logger"
	"github.com/alexpierre9/choir-voice-player/internal/processing"
	"github.com/alexpierre9/choir-voice-player/internal/storage"
)

// jobStack はジョブ処理に関わるコンポーネント一式です。
type jobStack struct {
	manager    *jobs.Manager
	sweeper    *jobs.Sweeper
	processing *processing.Client

	inline *jobs.InlineDispatcher
	queue  *jobs.Queue

	closers []func()
}

func setupJobs(ctx context.Context, cfg *config.Config, log *logger.Logger) (stack *jobStack, err error) {
	stack = &jobStack{}
	defer func() {
		if err != nil {
			stack.close()
		}
	}()

	repo, err := stack.openRepository(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	blobs, err := stack.openBlobStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	stack.processing, err = processing.New(cfg.ProcessingServiceURL, log,
		processing.WithTimeouts(cfg.HealthTimeout, cfg.RecognizeTimeout, cfg.GenerateTimeout))
	if err != nil {
		return nil, fmt.Errorf("processing client: %w", err)
	}

	pipeline, err := jobs.NewPipeline(repo, blobs, stack.processing, log)
	if err != nil {
		return nil, err
	}
	serializer := jobs.NewSerializer(log)

	var dispatcher jobs.Dispatcher
	switch cfg.DispatchMode {
	case config.DispatchAsynq:
		stack.queue, err = jobs.NewQueue(jobs.QueueConfig{
			RedisURL:    cfg.QueueRedisURL,
			Concurrency: cfg.WorkerConcurrency,
			TaskTimeout: cfg.StageBudget() + time.Minute,
		}, serializer, pipeline, log)
		if err != nil {
			return nil, err
		}
		dispatcher = stack.queue
	default:
		stack.inline = jobs.NewInlineDispatcher(serializer, pipeline, log)
		dispatcher = stack.inline
	}

	stack.manager, err = jobs.NewManager(repo, blobs, dispatcher, log)
	if err != nil {
		return nil, err
	}
	stack.sweeper = jobs.NewSweeper(repo, cfg.SweepInterval, cfg.SweepThreshold, log)

	log.Info("job stack ready",
		"job_store", cfg.JobStore,
		"blob_store", cfg.BlobStore,
		"dispatch", cfg.DispatchMode,
		"processing_url", cfg.ProcessingServiceURL,
	)
	return stack, nil
}

func (s *jobStack) openRepository(ctx context.Context, cfg *config.Config, log *logger.Logger) (jobs.Repository, error) {
	switch cfg.JobStore {
	case config.JobStorePostgres:
		db, closeDB, err := jobs.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, closeDB)
		return jobs.NewSQLStore(db)
	case config.JobStoreMemory:
		log.Warn("using in-memory job store; jobs are lost on restart")
		return jobs.NewMemoryStore(), nil
	default:
		opt, err := redis.ParseURL(cfg.QueueRedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse QUEUE_REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		s.closers = append(s.closers, func() { _ = rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		return jobs.NewStore(rdb, time.Duration(cfg.JobRetentionHours)*time.Hour), nil
	}
}

func (s *jobStack) openBlobStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	if cfg.BlobStore == config.BlobStoreGCS {
		store, err := storage.NewGCSStore(ctx, cfg.GCSBucket, "scores")
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, func() { _ = store.Close() })
		return store, nil
	}
	return storage.NewLocalStore(cfg.BlobDir)
}

// start はバックグラウンドのワーカーを起動します。
func (s *jobStack) start() error {
	if s.queue != nil {
		return s.queue.StartWorkers()
	}
	return nil
}

// shutdown は実行中のランの完了を待ってから接続を閉じます。
func (s *jobStack) shutdown(ctx context.Context) error {
	var errs []error
	if s.inline != nil {
		errs = append(errs, s.inline.Shutdown(ctx))
	}
	if s.queue != nil {
		errs = append(errs, s.queue.Shutdown(ctx))
	}
	s.close()
	return errors.Join(errs...)
}

func (s *jobStack) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}
