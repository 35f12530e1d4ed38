package storage

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLocalStorePutGetDelete(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}

	key, err := store.Put(ctx, "jobs/j-1/source/score.pdf", []byte("%PDF-1.4"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if key != "jobs/j-1/source/score.pdf" {
		t.Fatalf("unexpected key: %s", key)
	}

	data, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(data, []byte("%PDF-1.4")) {
		t.Fatalf("unexpected data: %q", data)
	}

	if err := store.Delete(ctx, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	// 二度目の削除も成功する
	if err := store.Delete(ctx, key); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
}

func TestLocalStoreLeadingSeparatorStaysInsideRoot(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store, err := NewLocalStore(root)
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}

	key, err := store.Put(ctx, "//etc/passwd", []byte("x"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if key != "etc/passwd" {
		t.Fatalf("unexpected key: %s", key)
	}
	if _, err := os.Stat(filepath.Join(root, "etc", "passwd")); err != nil {
		t.Fatalf("blob should live under root: %v", err)
	}
}

func TestLocalStoreRejectsTraversal(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}

	keys := []string{
		"../outside",
		"/../outside",
		"jobs/../../outside",
		`jobs\..\..\outside`,
		"",
		"/",
		".",
	}
	for _, key := range keys {
		if _, err := store.Put(ctx, key, []byte("x")); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("Put(%q): expected ErrInvalidKey, got %v", key, err)
		}
		if _, err := store.Get(ctx, key); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("Get(%q): expected ErrInvalidKey, got %v", key, err)
		}
		if err := store.Delete(ctx, key); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("Delete(%q): expected ErrInvalidKey, got %v", key, err)
		}
	}
}

func TestContentKey(t *testing.T) {
	a := ContentKey("jobs/j-1/generate", "soprano", ".mid", []byte("a"))
	b := ContentKey("jobs/j-1/generate", "soprano", ".mid", []byte("b"))
	if a == b {
		t.Fatal("different content must produce different keys")
	}
	if !strings.HasPrefix(a, "jobs/j-1/generate/soprano-") || !strings.HasSuffix(a, ".mid") {
		t.Fatalf("unexpected key layout: %s", a)
	}
	if a != ContentKey("jobs/j-1/generate", "soprano", ".mid", []byte("a")) {
		t.Fatal("content key must be deterministic")
	}
}
