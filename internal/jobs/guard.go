package jobs

import (
	"context"
	"errors"
)

// Guard は実行中のランの結果がまだ必要かを判定します。
// ランは開始時の Fingerprint を持ち、ジョブの現在の Fingerprint と一致しなければ古いランです。
type Guard struct {
	repo Repository
}

// NewGuard は Guard を作成します。
func NewGuard(repo Repository) *Guard {
	return &Guard{repo: repo}
}

// StillWanted はジョブの現在の Fingerprint が fp と一致するかを返します。
// ジョブが削除されている場合は false です。
func (g *Guard) StillWanted(ctx context.Context, jobID string, fp Fingerprint) (bool, error) {
	_, ok, err := g.Confirm(ctx, jobID, fp)
	return ok, err
}

// Confirm は StillWanted と同じ判定を行い、判定に使ったスナップショットも返します。
// 呼び出し側は snapshot.UpdatedAt を expectedUpdatedAt に使うことで、判定から書き込みまでの間に
// 別の更新が入った場合の書き込みを防げます。
func (g *Guard) Confirm(ctx context.Context, jobID string, fp Fingerprint) (*Job, bool, error) {
	job, err := g.repo.Get(ctx, jobID)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return job, job.Fingerprint == fp, nil
}
