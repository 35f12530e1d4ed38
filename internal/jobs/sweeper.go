package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/alexpierre9/choir-voice-player/internal/logger"
)

const sweptMessage = "処理が時間内に終わりませんでした。再試行してください"

// Sweeper は processing や submitted のまま放置されたジョブを定期的に failed にします。
// プロセスが途中で落ちた、または予約したランが失われたジョブを回収するためのものです。
type Sweeper struct {
	repo      Repository
	interval  time.Duration
	threshold time.Duration
	log       *logger.Logger
	now       func() time.Time
}

// NewSweeper は Sweeper を作成します。threshold はすべてのステージのタイムアウトの合計より長くしてください。
func NewSweeper(repo Repository, interval, threshold time.Duration, log *logger.Logger) *Sweeper {
	if log == nil {
		log = logger.NewNop()
	}
	return &Sweeper{
		repo:      repo,
		interval:  interval,
		threshold: threshold,
		log:       log.With("component", "Sweeper"),
		now:       time.Now,
	}
}

// Run は起動直後に1回スイープし、その後 interval ごとに繰り返します。ctx が終了すると戻ります。
func (s *Sweeper) Run(ctx context.Context) error {
	s.log.Info("sweeper started", "interval", s.interval.String(), "threshold", s.threshold.String())
	s.tick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("sweeper stopped")
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
		s.log.Warn("sweep failed", "error", err)
	}
}

// sweptStatuses はスイープ対象の状態です。
// submitted のジョブもランが失われていれば（プロセスの再起動など）二度と進まないため対象にします。
var sweptStatuses = []Status{StatusProcessing, StatusSubmitted}

// SweepOnce は閾値より古い processing / submitted のジョブを failed にし、その件数を返します。
// 更新は読み取った UpdatedAt を条件にするため、並行して進んだジョブは変更しません。
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.threshold)
	swept := 0
	var firstErr error
	for _, status := range sweptStatuses {
		n, err := s.sweepStatus(ctx, status, cutoff)
		swept += n
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return swept, firstErr
}

func (s *Sweeper) sweepStatus(ctx context.Context, status Status, cutoff time.Time) (int, error) {
	ids, err := s.repo.FindStale(ctx, status, cutoff)
	if err != nil {
		return 0, err
	}

	swept := 0
	var firstErr error
	for _, id := range ids {
		job, err := s.repo.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if job.Status != status || !job.UpdatedAt.Before(cutoff) {
			continue
		}

		expected := job.UpdatedAt
		_, err = s.repo.Update(ctx, id, failedPatch(ReasonTimeoutSwept, sweptMessage), &expected)
		switch {
		case errors.Is(err, ErrConditionFailed), errors.Is(err, ErrNotFound):
			s.log.Debug("job changed during sweep, left untouched", "job_id", id)
		case err != nil:
			if firstErr == nil {
				firstErr = err
			}
		default:
			swept++
			s.log.Warn("stale job failed by sweep", "job_id", id, "status", status, "last_update", job.UpdatedAt.Format(time.RFC3339))
		}
	}
	if swept > 0 {
		s.log.Info("sweep finished", "status", status, "swept", swept, "candidates", len(ids))
	}
	return swept, firstErr
}
