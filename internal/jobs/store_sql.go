package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormLogger "gorm.io/gorm/logger"
)

// jobRow は score_jobs テーブルの1行です。
// ジョブ本体は payload に保存し、検索に使う列だけを個別に持ちます。
type jobRow struct {
	ID            string         `gorm:"primaryKey;size:64"`
	OwnerKey      string         `gorm:"size:128;index"`
	Status        string         `gorm:"size:16;not null;index:idx_score_jobs_status_updated,priority:1"`
	UpdatedMicros int64          `gorm:"not null;index:idx_score_jobs_status_updated,priority:2"`
	Payload       datatypes.JSON `gorm:"not null"`
	CreatedAt     time.Time      `gorm:"autoCreateTime:false"`
	UpdatedAt     time.Time      `gorm:"autoUpdateTime:false"`
}

func (jobRow) TableName() string { return "score_jobs" }

// SQLStore は gorm 経由でリレーショナルDBにジョブを保存する Repository です。
type SQLStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewSQLStore は SQLStore を作成し、テーブルを用意します。
func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if db == nil {
		return nil, errors.New("db is nil")
	}
	if err := db.AutoMigrate(&jobRow{}); err != nil {
		return nil, fmt.Errorf("migrate score_jobs: %w", err)
	}
	return &SQLStore{db: db, now: time.Now}, nil
}

// OpenPostgres は pgx のコネクションプールを作り、gorm から使えるようにします。
// 返り値の close でプールごと閉じます。
func OpenPostgres(ctx context.Context, dsn string) (*gorm.DB, func(), error) {
	pc, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("parse database url: %w", err)
	}
	pc.ConnConfig.RuntimeParams["application_name"] = "choir-voice-player"

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(dialCtx, pc)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(dialCtx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping postgres: %w", err)
	}

	sqlDB := stdlib.OpenDBFromPool(pool)
	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		_ = sqlDB.Close()
		pool.Close()
		return nil, nil, fmt.Errorf("open gorm: %w", err)
	}
	closeFn := func() {
		_ = sqlDB.Close()
		pool.Close()
	}
	return db, closeFn, nil
}

func (s *SQLStore) Create(ctx context.Context, job *Job) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	now := Timestamp(s.now())
	job.CreatedAt = now
	job.UpdatedAt = now

	row, err := toRow(job)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&jobRow{}).Where("id = ?", job.ID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrAlreadyExists
		}
		return tx.Create(row).Error
	})
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Job, error) {
	var row jobRow
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromRow(&row)
}

// Update は行ロックを取ってから条件を確認して更新します。
func (s *SQLStore) Update(ctx context.Context, id string, patch Patch, expectedUpdatedAt *time.Time) (*Job, error) {
	var updated *Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row jobRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		job, err := fromRow(&row)
		if err != nil {
			return err
		}
		if !sameInstant(expectedUpdatedAt, job.UpdatedAt) {
			return ErrConditionFailed
		}

		now := s.now()
		if !Timestamp(now).After(job.UpdatedAt) {
			now = job.UpdatedAt.Add(time.Microsecond)
		}
		patch.Apply(job, now)
		next, err := toRow(job)
		if err != nil {
			return err
		}
		res := tx.Model(&jobRow{}).
			Where("id = ? AND updated_micros = ?", id, row.UpdatedMicros).
			Updates(map[string]any{
				"status":         next.Status,
				"updated_micros": next.UpdatedMicros,
				"payload":        next.Payload,
				"updated_at":     next.UpdatedAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrConditionFailed
		}
		updated = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *SQLStore) FindStale(ctx context.Context, status Status, olderThan time.Time) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).
		Model(&jobRow{}).
		Where("status = ? AND updated_micros < ?", string(status), Timestamp(olderThan).UnixMicro()).
		Order("updated_micros ASC").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func toRow(job *Job) (*jobRow, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	return &jobRow{
		ID:            job.ID,
		OwnerKey:      job.OwnerKey,
		Status:        string(job.Status),
		UpdatedMicros: Timestamp(job.UpdatedAt).UnixMicro(),
		Payload:       datatypes.JSON(payload),
		CreatedAt:     job.CreatedAt,
		UpdatedAt:     job.UpdatedAt,
	}, nil
}

func fromRow(row *jobRow) (*Job, error) {
	var job Job
	if err := json.Unmarshal(row.Payload, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", row.ID, err)
	}
	return &job, nil
}
