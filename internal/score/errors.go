// Package score は楽譜アップロードとジョブ操作の HTTP インターフェースを提供します。
package score

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/alexpierre9/choir-voice-player/internal/jobs"
	"github.com/alexpierre9/choir-voice-player/internal/logger"
)

// Error は利用者に返すエラーコードとメッセージを持つエラーです。
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

func (e *Error) status() int {
	switch e.Code {
	case "LIMIT_EXCEEDED":
		return http.StatusRequestEntityTooLarge
	case "UNSUPPORTED_FILE":
		return http.StatusUnsupportedMediaType
	case "NOT_FOUND":
		return http.StatusNotFound
	default:
		return http.StatusBadRequest
	}
}

func respondWithError(c *gin.Context, log *logger.Logger, err error) {
	var apiErr *Error
	switch {
	case errors.As(err, &apiErr):
		c.JSON(apiErr.status(), gin.H{"code": apiErr.Code, "message": apiErr.Message})
	case errors.Is(err, jobs.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "message": "楽譜が見つかりません。"})
	case errors.Is(err, jobs.ErrInvalidInput):
		msg := strings.TrimPrefix(err.Error(), jobs.ErrInvalidInput.Error()+": ")
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_INPUT", "message": msg})
	case errors.Is(err, jobs.ErrInvalidState):
		c.JSON(http.StatusConflict, gin.H{"code": "INVALID_STATE", "message": "現在の状態ではこの操作を実行できません。"})
	case errors.Is(err, jobs.ErrArtifactNotFound):
		c.JSON(http.StatusNotFound, gin.H{"code": "ARTIFACT_NOT_FOUND", "message": "指定された声部のMIDIはありません。"})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{"code": "REQUEST_CANCELED", "message": "リクエストがキャンセルされました。"})
	default:
		log.Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "message": "サーバー内部でエラーが発生しました。"})
	}
}
