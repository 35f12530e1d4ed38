package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore はプロセス内メモリにジョブを保持する Repository です。開発・テスト用です。
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job
	now  func() time.Time
}

// NewMemoryStore は MemoryStore を作成します。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*Job),
		now:  time.Now,
	}
}

// SetClock は UpdatedAt に使う時計を差し替えます。
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) Create(ctx context.Context, job *Job) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return ErrAlreadyExists
	}
	now := Timestamp(s.now())
	job.CreatedAt = now
	job.UpdatedAt = now
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return job.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, patch Patch, expectedUpdatedAt *time.Time) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !sameInstant(expectedUpdatedAt, job.UpdatedAt) {
		return nil, ErrConditionFailed
	}
	next := job.Clone()
	now := s.now()
	// 同一時刻の連続更新でも UpdatedAt が必ず進むようにする
	if !Timestamp(now).After(job.UpdatedAt) {
		now = job.UpdatedAt.Add(time.Microsecond)
	}
	patch.Apply(next, now)
	s.jobs[id] = next
	return next.Clone(), nil
}

func (s *MemoryStore) FindStale(ctx context.Context, status Status, olderThan time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, job := range s.jobs {
		if job.Status == status && job.UpdatedAt.Before(olderThan) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}
