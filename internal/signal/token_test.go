package signal

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"partner_voice/native/internal/domain"
	"partner_voice/native/internal/storage"

	"github.com/golang-jwt/jwt/v5"
)

func TestStoreTokenSource(t *testing.T) {
	src := NewStoreTokenSource(storage.NewMemory())
	if got := src.Token(); got != "" {
		t.Fatalf("expected empty token, got %q", got)
	}

	if err := src.SetToken("  tok-a\n"); err != nil {
		t.Fatal(err)
	}
	if got := src.Token(); got != "tok-a" {
		t.Errorf("expected trimmed token, got %q", got)
	}

	if err := src.Clear(); err != nil {
		t.Fatal(err)
	}
	if got := src.Token(); got != "" {
		t.Errorf("expected cleared token, got %q", got)
	}
}

func TestFileTokenSource_Watch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	src := &FileTokenSource{Path: path}
	if got := src.Token(); got != "" {
		t.Fatalf("expected empty token for missing file, got %q", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan struct{}, 8)
	if err := src.Watch(ctx, func() { changed <- struct{}{} }); err != nil {
		t.Fatal(err)
	}

	// Unrelated files in the same directory are ignored.
	if err := os.WriteFile(filepath.Join(filepath.Dir(path), "other"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("tok-b\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatal("expected change notification")
	}
	if got := src.Token(); got != "tok-b" {
		t.Errorf("expected tok-b, got %q", got)
	}
}

func TestParseIdentity(t *testing.T) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"userId": "u-1",
		"name":   "Ada",
		"email":  "ada@example.com",
	}).SignedString([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}

	p, err := ParseIdentity(token)
	if err != nil {
		t.Fatal(err)
	}
	if p.ID != "u-1" || p.Name != "Ada" || p.Email != "ada@example.com" {
		t.Errorf("unexpected participant %+v", p)
	}

	if _, err := ParseIdentity(""); !errors.Is(err, domain.ErrNoToken) {
		t.Errorf("expected ErrNoToken, got %v", err)
	}
	if _, err := ParseIdentity("not-a-jwt"); err == nil {
		t.Error("expected parse error")
	}
}
