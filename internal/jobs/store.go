package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix         = "job:"
	statusIndexKeyPrefix = "jobs:status:"
	maxTxAttempts        = 16
)

// Store はジョブ状態を Redis に保存します。
// ジョブ本体は job:<id> にJSONで、状態ごとの索引は jobs:status:<status> の
// ソート済みセット（スコアは UpdatedAt のマイクロ秒）で保持します。
type Store struct {
	rdb *redis.Client
	ttl time.Duration
	now func() time.Time
}

// NewStore は Store を作成します。ttl が 0 の場合は期限なしです。
func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{
		rdb: rdb,
		ttl: ttl,
		now: time.Now,
	}
}

// Create はジョブを新規に保存します。
func (s *Store) Create(ctx context.Context, job *Job) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	now := Timestamp(s.now())
	job.CreatedAt = now
	job.UpdatedAt = now

	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	key := jobKey(job.ID)
	return s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrAlreadyExists
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, s.ttl)
			pipe.ZAdd(ctx, statusIndexKey(job.Status), redis.Z{Score: indexScore(job.UpdatedAt), Member: job.ID})
			return nil
		})
		return err
	}, key)
}

// Get はジョブ情報を取得します。
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	if id == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	data, err := s.rdb.Get(ctx, jobKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

// Update は WATCH / MULTI で楽観的に更新します。競合した場合は読み直して再試行します。
func (s *Store) Update(ctx context.Context, id string, patch Patch, expectedUpdatedAt *time.Time) (*Job, error) {
	key := jobKey(id)
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		var updated *Job
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					return ErrNotFound
				}
				return err
			}
			var job Job
			if err := json.Unmarshal(data, &job); err != nil {
				return fmt.Errorf("decode job %s: %w", id, err)
			}
			if !sameInstant(expectedUpdatedAt, job.UpdatedAt) {
				return ErrConditionFailed
			}

			prevStatus := job.Status
			now := s.now()
			if !Timestamp(now).After(job.UpdatedAt) {
				now = job.UpdatedAt.Add(time.Microsecond)
			}
			patch.Apply(&job, now)
			payload, err := json.Marshal(&job)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, payload, s.ttl)
				if prevStatus != job.Status {
					pipe.ZRem(ctx, statusIndexKey(prevStatus), id)
				}
				pipe.ZAdd(ctx, statusIndexKey(job.Status), redis.Z{Score: indexScore(job.UpdatedAt), Member: id})
				return nil
			})
			if err == nil {
				updated = &job
			}
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("update job %s: too many concurrent modifications", id)
}

// FindStale は状態索引から古いジョブを探します。
// 索引は期限切れで消えたジョブを指していることがあるため、本体を読み直して確認します。
func (s *Store) FindStale(ctx context.Context, status Status, olderThan time.Time) ([]string, error) {
	indexKey := statusIndexKey(status)
	candidates, err := s.rdb.ZRangeByScore(ctx, indexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(Timestamp(olderThan).UnixMicro(), 10),
	}).Result()
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(candidates))
	for _, id := range candidates {
		job, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			_ = s.rdb.ZRem(ctx, indexKey, id).Err()
			continue
		}
		if err != nil {
			return nil, err
		}
		if job.Status != status || !job.UpdatedAt.Before(olderThan) {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}

func statusIndexKey(status Status) string {
	return statusIndexKeyPrefix + string(status)
}

func indexScore(t time.Time) float64 {
	return float64(Timestamp(t).UnixMicro())
}
