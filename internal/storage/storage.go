// Package storage はストレージ抽象化レイヤーを提供します。
//
// 楽譜の原本・認識結果・生成したMIDIなどのバイト列をキー単位で保存します。
// キーは先頭の区切り文字を取り除いて正規化し、ルート外を指すものは拒否します。
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"strings"
)

var (
	// ErrNotFound はキーに対応するオブジェクトが存在しない場合に返されます。
	ErrNotFound = errors.New("blob not found")
	// ErrInvalidKey はキーが空、またはルート外を指す場合に返されます。
	ErrInvalidKey = errors.New("invalid blob key")
)

// Store はバイト列の保存先です。
type Store interface {
	// Put は data を key に保存し、正規化後のキーを返します。
	Put(ctx context.Context, key string, data []byte) (string, error)
	// Get は key に保存されたバイト列を返します。
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete は key を削除します。存在しない場合も成功扱いです。
	Delete(ctx context.Context, key string) error
}

// CleanKey はキーを "/" 区切りの相対パスに正規化します。
// ".." によってルートより上に出るキーは ErrInvalidKey になります。
func CleanKey(key string) (string, error) {
	raw := strings.ReplaceAll(strings.TrimSpace(key), "\\", "/")
	if raw == "" || strings.ContainsRune(raw, 0) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, seg := range strings.Split(raw, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	cleaned := strings.TrimLeft(path.Clean("/"+raw), "/")
	if cleaned == "" || cleaned == "." {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return cleaned, nil
}

// ContentKey は内容のハッシュを含むキーを組み立てます。
// 例: ContentKey("jobs/123/generate", "soprano", ".mid", data) => jobs/123/generate/soprano-1a2b3c4d5e6f.mid
func ContentKey(prefix, name, ext string, data []byte) string {
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])[:12]
	return path.Join(prefix, fmt.Sprintf("%s-%s%s", name, digest, ext))
}
