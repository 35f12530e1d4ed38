package auth

import (
	"net/http"
	"strconv"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
)

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func abortJSON(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{"code": code, "message": message})
}

// Login は POST /api/auth/login のハンドラーです。
// 成功するとセッションを発行し、CSRF トークンをヘッダーで返します。
func (m *Manager) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortJSON(c, http.StatusBadRequest, "INVALID_INPUT", "username と password を JSON で送ってください")
		return
	}

	if err := m.ensureCredentials(); err != nil {
		m.log.Error("auth misconfigured", "error", err)
		abortJSON(c, http.StatusInternalServerError, "SERVER_MISCONFIGURATION", err.Error())
		return
	}

	ip := c.ClientIP()
	if retryAfter := m.lockedFor(ip); retryAfter > 0 {
		c.Header("Retry-After", strconv.FormatInt(int64(retryAfter.Seconds())+1, 10))
		abortJSON(c, http.StatusTooManyRequests, "TOO_MANY_ATTEMPTS", "一定時間後に再度お試しください")
		return
	}

	if !m.authenticate(req.Username, req.Password) {
		remaining := m.recordFailure(ip)
		m.log.Info("login failed", "ip", ip, "remaining", remaining)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"code":              "INVALID_CREDENTIALS",
			"message":           "ユーザー名またはパスワードが正しくありません",
			"remainingAttempts": remaining,
		})
		return
	}
	m.resetAttempts(ip)

	token, err := generateToken()
	if err != nil {
		m.log.Error("csrf token generation failed", "error", err)
		abortJSON(c, http.StatusInternalServerError, "TOKEN_GENERATION_FAILED", "CSRF トークンの生成に失敗しました")
		return
	}

	session := sessions.Default(c)
	now := m.now().Unix()
	session.Clear()
	session.Set(sessionKeyUser, m.cfg.AppUsername)
	session.Set(sessionKeyIssuedAt, now)
	session.Set(sessionKeyLastActive, now)
	session.Set(sessionKeyCSRF, token)
	if err := session.Save(); err != nil {
		m.log.Error("session save failed", "error", err)
		abortJSON(c, http.StatusInternalServerError, "SESSION_SAVE_FAILED", "セッションの保存に失敗しました")
		return
	}

	m.log.Info("login succeeded", "ip", ip)
	c.Header(CSRFHeader, token)
	c.Status(http.StatusNoContent)
}

// Logout は POST /api/auth/logout のハンドラーです。
func (m *Manager) Logout(c *gin.Context) {
	session := sessions.Default(c)
	session.Clear()
	session.Options(sessions.Options{Path: "/", MaxAge: -1})
	if err := session.Save(); err != nil {
		abortJSON(c, http.StatusInternalServerError, "SESSION_SAVE_FAILED", "セッションの削除に失敗しました")
		return
	}
	c.Status(http.StatusNoContent)
}

// Session は GET /api/auth/session のハンドラーです。
// 画面の再読み込み後に CSRF トークンを取り直すために使います。
func (m *Manager) Session(c *gin.Context) {
	token, _ := sessions.Default(c).Get(sessionKeyCSRF).(string)
	if token != "" {
		c.Header(CSRFHeader, token)
	}
	c.JSON(http.StatusOK, gin.H{"username": OwnerKey(c)})
}
