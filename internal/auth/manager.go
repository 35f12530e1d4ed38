// Package auth は単一ユーザー向けのセッション認証と CSRF 検証を提供します。
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/alexpierre9/choir-voice-player/internal/config"
	"github.com/alexpierre9/choir-voice-player/internal/logger"
)

const (
	SessionCookieName = "cvp_session"

	sessionKeyUser       = "auth_user"
	sessionKeyIssuedAt   = "issued_at"
	sessionKeyLastActive = "last_activity"
	sessionKeyCSRF       = "csrf_token"

	// CSRFHeader はログイン時に払い出し、状態変更リクエストで要求するヘッダーです。
	CSRFHeader = "X-CSRF-Token"

	// ContextUserKey は RequireLogin がログイン済みユーザー名を格納するキーです。
	ContextUserKey = "auth.user"
)

var (
	maxSessionLifetime = 12 * time.Hour
	idleTimeout        = 30 * time.Minute
	loginWindow        = 15 * time.Minute
	lockDuration       = 10 * time.Minute
	maxLoginAttempts   = 5
)

// SessionMaxAgeSeconds はクッキーの MaxAge に利用する秒数を返します。
func SessionMaxAgeSeconds() int {
	return int(maxSessionLifetime.Seconds())
}

type attemptState struct {
	count        int
	firstAttempt time.Time
	lockedUntil  time.Time
}

// Manager はログイン試行の状態と認証設定を保持します。
type Manager struct {
	cfg *config.Config
	log *logger.Logger
	now func() time.Time

	mu       sync.Mutex
	attempts map[string]*attemptState
}

// NewManager は認証マネージャーを作成します。
func NewManager(cfg *config.Config, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.NewNop()
	}
	return &Manager{
		cfg:      cfg,
		log:      log.With("component", "auth"),
		now:      time.Now,
		attempts: make(map[string]*attemptState),
	}
}

func (m *Manager) ensureCredentials() error {
	switch {
	case m.cfg.AppUsername == "":
		return errors.New("APP_USERNAME が設定されていません")
	case m.cfg.AppPasswordHash == "":
		return errors.New("APP_PASSWORD_HASH が設定されていません")
	case m.cfg.SessionSecret == "":
		return errors.New("SESSION_SECRET が設定されていません")
	}
	return nil
}

func (m *Manager) authenticate(username, password string) bool {
	if username != m.cfg.AppUsername {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(m.cfg.AppPasswordHash), []byte(password)) == nil
}

// lockedFor は ip がロック中であれば残り時間を返します。
func (m *Manager) lockedFor(ip string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.attempts[ip]
	if !ok {
		return 0
	}
	remaining := state.lockedUntil.Sub(m.now())
	if remaining <= 0 {
		return 0
	}
	return remaining
}

// recordFailure は失敗を記録し、ロックまでに残っている試行回数を返します。
func (m *Manager) recordFailure(ip string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	state, ok := m.attempts[ip]
	if !ok || now.Sub(state.firstAttempt) > loginWindow {
		state = &attemptState{firstAttempt: now}
		m.attempts[ip] = state
	}

	state.count++
	if state.count >= maxLoginAttempts {
		state.count = maxLoginAttempts
		state.lockedUntil = now.Add(lockDuration)
		m.log.Warn("login locked", "ip", ip, "until", state.lockedUntil)
	}
	return maxLoginAttempts - state.count
}

func (m *Manager) resetAttempts(ip string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.attempts, ip)
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// readUnix はセッションに保存された Unix 秒を読み出します。
// securecookie の gob 経由で int64 以外の型になることがあります。
func readUnix(v interface{}) time.Time {
	switch t := v.(type) {
	case int64:
		return time.Unix(t, 0)
	case int:
		return time.Unix(int64(t), 0)
	case float64:
		return time.Unix(int64(t), 0)
	default:
		return time.Time{}
	}
}
