package jobs

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound はジョブが存在しない場合のエラーです。
	ErrNotFound = errors.New("job not found")
	// ErrConditionFailed は expectedUpdatedAt が現在の値と一致しなかった場合のエラーです。
	ErrConditionFailed = errors.New("job update condition failed")
	// ErrAlreadyExists は同じIDのジョブが既に存在する場合のエラーです。
	ErrAlreadyExists = errors.New("job already exists")
)

// Repository はジョブの永続化層です。
type Repository interface {
	// Create は新しいジョブを保存します。CreatedAt / UpdatedAt は実装が設定します。
	Create(ctx context.Context, job *Job) error
	// Get はジョブを取得します。存在しない場合は ErrNotFound を返します。
	Get(ctx context.Context, id string) (*Job, error)
	// Update は patch を適用して更新後のジョブを返します。
	// expectedUpdatedAt が指定され現在の UpdatedAt と異なる場合は ErrConditionFailed を返し、何も変更しません。
	Update(ctx context.Context, id string, patch Patch, expectedUpdatedAt *time.Time) (*Job, error)
	// FindStale は status のうち UpdatedAt が olderThan より前のジョブIDを返します。
	FindStale(ctx context.Context, status Status, olderThan time.Time) ([]string, error)
}

func sameInstant(expected *time.Time, current time.Time) bool {
	if expected == nil {
		return true
	}
	return Timestamp(*expected).Equal(Timestamp(current))
}
