package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
)

// RequireLogin はセッションを検証するミドルウェアを返します。
// 有効期限と無操作タイムアウトを超えたセッションは破棄します。
func (m *Manager) RequireLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		user, ok := session.Get(sessionKeyUser).(string)
		if !ok || user == "" {
			abortJSON(c, http.StatusUnauthorized, "UNAUTHORIZED", "ログインが必要です")
			return
		}

		now := m.now()
		issuedAt := readUnix(session.Get(sessionKeyIssuedAt))
		lastActive := readUnix(session.Get(sessionKeyLastActive))

		var code, message string
		switch {
		case issuedAt.IsZero() || now.Sub(issuedAt) > maxSessionLifetime:
			code, message = "SESSION_EXPIRED", "セッションの有効期限が切れました"
		case lastActive.IsZero() || now.Sub(lastActive) > idleTimeout:
			code, message = "SESSION_IDLE_TIMEOUT", "しばらく操作がなかったため再ログインしてください"
		}
		if code != "" {
			session.Clear()
			_ = session.Save()
			abortJSON(c, http.StatusUnauthorized, code, message)
			return
		}

		session.Set(sessionKeyLastActive, now.Unix())
		if err := session.Save(); err != nil {
			m.log.Warn("session touch failed", "error", err)
		}
		c.Set(ContextUserKey, user)
		c.Next()
	}
}

// VerifyCSRF は状態を変更するリクエストの X-CSRF-Token ヘッダーを検証します。
func (m *Manager) VerifyCSRF() gin.HandlerFunc {
	return func(c *gin.Context) {
		if isSafeMethod(c.Request.Method) {
			c.Next()
			return
		}

		expected, ok := sessions.Default(c).Get(sessionKeyCSRF).(string)
		if !ok || expected == "" {
			abortJSON(c, http.StatusForbidden, "CSRF_MISSING", "CSRF トークンが設定されていません")
			return
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(c.GetHeader(CSRFHeader))) != 1 {
			abortJSON(c, http.StatusForbidden, "CSRF_INVALID", "CSRF トークンが一致しません")
			return
		}
		c.Next()
	}
}

// OwnerKey はジョブの所有者として扱うキーを返します。
// RequireLogin を通過していないリクエストでは空文字です。
func OwnerKey(c *gin.Context) string {
	return c.GetString(ContextUserKey)
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	default:
		return false
	}
}
