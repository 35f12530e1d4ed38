package processing

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
)

// Kind は処理サービス呼び出しの失敗分類です。
type Kind string

const (
	// KindUnreachable はサービスに接続できない（停止中）ことを表します。自動リトライしません。
	KindUnreachable Kind = "unreachable"
	// KindTimeout は時間内に応答がなかった（過負荷）ことを表します。後で再試行できます。
	KindTimeout Kind = "timeout"
	// KindRejected はサービスが入力を拒否したことを表します。入力を変えない限り再試行できません。
	KindRejected Kind = "rejected"
	// KindInvalidResponse は応答が想定の形式でなかったことを表します。
	KindInvalidResponse Kind = "invalid_response"
	// KindCanceled は呼び出し元がキャンセルしたことを表します。
	KindCanceled Kind = "canceled"
)

// Error は処理サービス呼び出しの失敗です。
type Error struct {
	Kind   Kind
	Op     string // health / recognize / generate
	Status int    // HTTPステータス（KindRejected の場合）
	Detail string // サービスが返したエラーメッセージ
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Detail != "" && e.Status != 0:
		return fmt.Sprintf("processing %s %s (%d): %s", e.Op, e.Kind, e.Status, e.Detail)
	case e.Detail != "":
		return fmt.Sprintf("processing %s %s: %s", e.Op, e.Kind, e.Detail)
	case e.Err != nil:
		return fmt.Sprintf("processing %s %s: %v", e.Op, e.Kind, e.Err)
	default:
		return fmt.Sprintf("processing %s %s", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf は err に含まれる *Error の分類を返します。該当しない場合は空文字です。
func KindOf(err error) Kind {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return ""
}

// classify はトランスポート層のエラーを分類します。
// parent は呼び出し元のコンテキストで、呼び出し元によるキャンセルとタイムアウトを区別するために使います。
func classify(parent context.Context, op string, err error) *Error {
	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}

	kind := KindUnreachable
	var netErr net.Error
	var dnsErr *net.DNSError
	switch {
	case errors.Is(err, context.Canceled) && parent.Err() != nil:
		kind = KindCanceled
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	case errors.As(err, &dnsErr):
		kind = KindUnreachable
	case errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EHOSTUNREACH),
		errors.Is(err, syscall.ENETUNREACH):
		kind = KindUnreachable
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = KindTimeout
	}
	return &Error{Kind: kind, Op: op, Err: err}
}
