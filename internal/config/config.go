// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ジョブストアの種類
const (
	JobStoreRedis    = "redis"
	JobStorePostgres = "postgres"
	JobStoreMemory   = "memory"
)

// ジョブ実行のディスパッチ方式
const (
	DispatchInline = "inline"
	DispatchAsynq  = "asynq"
)

// Blob ストアの種類
const (
	BlobStoreLocal = "local"
	BlobStoreGCS   = "gcs"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// アプリケーション設定
	AppUsername     string // ログイン用ユーザー名
	AppPasswordHash string // bcryptでハッシュ化されたパスワード
	SessionSecret   string // セッション署名用の秘密鍵

	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)
	LogMode string // ロガーのモード (dev, prod)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// アップロード制限
	MaxFileSize int64 // 単一ファイルの最大サイズ（バイト）
	MaxPages    int   // PDFの最大ページ数

	// ジョブストア設定
	JobStore          string // redis / postgres / memory
	QueueRedisURL     string // ジョブストアおよびAsynq用Redis接続URL
	DatabaseURL       string // postgres 利用時のDSN
	JobRetentionHours int    // Redis上のジョブ保持期間（0は無期限）

	// ディスパッチ設定
	DispatchMode      string // inline / asynq
	WorkerConcurrency int    // Asynqワーカーの並列数

	// Blobストア設定
	BlobStore string // local / gcs
	BlobDir   string // local 利用時のルートディレクトリ
	GCSBucket string // gcs 利用時のバケット名

	// 処理サービス設定
	ProcessingServiceURL string
	HealthTimeout        time.Duration // ヘルスチェックのタイムアウト
	RecognizeTimeout     time.Duration // 楽譜認識（OMR/MusicXML解析）のタイムアウト
	GenerateTimeout      time.Duration // MIDI生成のタイムアウト

	// スイーパー設定
	SweepInterval  time.Duration
	SweepThreshold time.Duration

	// トレーシング
	OtelEnabled  bool
	OtelEndpoint string
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	loadEnvFile()

	config := &Config{
		AppUsername:     getEnv("APP_USERNAME", ""),
		AppPasswordHash: getEnv("APP_PASSWORD_HASH", ""),
		SessionSecret:   getEnv("SESSION_SECRET", ""),

		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),
		LogMode: getEnv("LOG_MODE", "dev"),

		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		MaxFileSize: getEnvAsInt64("MAX_FILE_SIZE", 20*1024*1024), // 20MB
		MaxPages:    getEnvAsInt("MAX_PAGES", 30),

		JobStore:          strings.ToLower(getEnv("JOB_STORE", JobStoreRedis)),
		QueueRedisURL:     getEnv("QUEUE_REDIS_URL", "redis://127.0.0.1:6379/0"),
		DatabaseURL:       getEnv("DATABASE_URL", ""),
		JobRetentionHours: getEnvAsInt("JOB_RETENTION_HOURS", 0),

		DispatchMode:      strings.ToLower(getEnv("DISPATCH_MODE", DispatchInline)),
		WorkerConcurrency: getEnvAsInt("WORKER_CONCURRENCY", 4),

		BlobStore: strings.ToLower(getEnv("BLOB_STORE", BlobStoreLocal)),
		BlobDir:   getEnv("BLOB_DIR", filepath.Join(os.TempDir(), "choir-voice-player")),
		GCSBucket: getEnv("GCS_BUCKET", ""),

		ProcessingServiceURL: getEnv("PROCESSING_SERVICE_URL", "http://127.0.0.1:8001"),
		HealthTimeout:        getEnvAsDuration("PROCESSING_HEALTH_TIMEOUT", 2*time.Second),
		RecognizeTimeout:     getEnvAsDuration("PROCESSING_RECOGNIZE_TIMEOUT", 60*time.Second),
		GenerateTimeout:      getEnvAsDuration("PROCESSING_GENERATE_TIMEOUT", 60*time.Second),

		SweepInterval:  getEnvAsDuration("SWEEP_INTERVAL", 2*time.Minute),
		SweepThreshold: getEnvAsDuration("SWEEP_THRESHOLD", 10*time.Minute),

		OtelEnabled:  getEnvAsBool("OTEL_ENABLED", false),
		OtelEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// StageBudget は1回のパイプライン実行が処理サービスに費やしうる時間の上限です。
func (c *Config) StageBudget() time.Duration {
	return c.HealthTimeout + c.RecognizeTimeout + c.GenerateTimeout
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	switch c.JobStore {
	case JobStoreRedis, JobStoreMemory:
	case JobStorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when JOB_STORE=postgres")
		}
	default:
		return fmt.Errorf("unsupported JOB_STORE: %s", c.JobStore)
	}

	switch c.DispatchMode {
	case DispatchInline:
	case DispatchAsynq:
		if c.QueueRedisURL == "" {
			return fmt.Errorf("QUEUE_REDIS_URL is required when DISPATCH_MODE=asynq")
		}
	default:
		return fmt.Errorf("unsupported DISPATCH_MODE: %s", c.DispatchMode)
	}

	switch c.BlobStore {
	case BlobStoreLocal:
		if c.BlobDir == "" {
			return fmt.Errorf("BLOB_DIR is required when BLOB_STORE=local")
		}
	case BlobStoreGCS:
		if c.GCSBucket == "" {
			return fmt.Errorf("GCS_BUCKET is required when BLOB_STORE=gcs")
		}
	default:
		return fmt.Errorf("unsupported BLOB_STORE: %s", c.BlobStore)
	}

	if c.ProcessingServiceURL == "" {
		return fmt.Errorf("PROCESSING_SERVICE_URL is required")
	}
	if c.HealthTimeout <= 0 || c.RecognizeTimeout <= 0 || c.GenerateTimeout <= 0 {
		return fmt.Errorf("processing timeouts must be positive")
	}
	if c.HealthTimeout >= c.RecognizeTimeout {
		return fmt.Errorf("PROCESSING_HEALTH_TIMEOUT must be shorter than PROCESSING_RECOGNIZE_TIMEOUT")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}
	// 正常に遅いだけの実行を回収しないよう、閾値は全ステージの予算を上回る必要がある
	if c.SweepThreshold <= c.StageBudget() {
		return fmt.Errorf("SWEEP_THRESHOLD (%s) must exceed the sum of processing timeouts (%s)", c.SweepThreshold, c.StageBudget())
	}

	// ローカル開発では認証設定は任意
	if c.GinMode == "release" {
		if c.AppUsername == "" {
			return fmt.Errorf("APP_USERNAME is required in release mode")
		}
		if c.AppPasswordHash == "" {
			return fmt.Errorf("APP_PASSWORD_HASH is required in release mode")
		}
		if c.SessionSecret == "" {
			return fmt.Errorf("SESSION_SECRET is required in release mode")
		}
		if c.JobStore == JobStoreMemory {
			return fmt.Errorf("JOB_STORE=memory is not allowed in release mode")
		}
	}

	return nil
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration は "90s" / "2m" 形式の環境変数を取得します。
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "":
		return defaultValue
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return defaultValue
	}
}
