package signal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"partner_voice/native/internal/domain"

	"github.com/fsnotify/fsnotify"
	"github.com/golang-jwt/jwt/v5"
)

// TokenKey is the local storage key of the bearer token.
const TokenKey = "authToken"

// StoreTokenSource reads the bearer token from local storage.
type StoreTokenSource struct {
	Store domain.Storage
	Key   string
}

// NewStoreTokenSource reads TokenKey from store.
func NewStoreTokenSource(store domain.Storage) *StoreTokenSource {
	return &StoreTokenSource{Store: store, Key: TokenKey}
}

func (s *StoreTokenSource) Token() string {
	v, ok, err := s.Store.Get(s.Key)
	if err != nil {
		log.Warnf("read token: %v", err)
		return ""
	}
	if !ok {
		return ""
	}
	return strings.TrimSpace(v)
}

// SetToken stores a new token (login).
func (s *StoreTokenSource) SetToken(token string) error {
	return s.Store.Set(s.Key, strings.TrimSpace(token))
}

// Clear removes the token (logout).
func (s *StoreTokenSource) Clear() error {
	return s.Store.Remove(s.Key)
}

// FileTokenSource reads the bearer token from a file written by another process.
type FileTokenSource struct {
	Path string
}

func (f *FileTokenSource) Token() string {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warnf("read token file: %v", err)
		}
		return ""
	}
	return strings.TrimSpace(string(data))
}

// Watch calls onChange whenever the token file is created, written, renamed
// or removed, until ctx is done. The parent directory is watched so the file
// may come and go.
func (f *FileTokenSource) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}

	dir := filepath.Dir(f.Path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		watcher.Close()
		return fmt.Errorf("create token dir: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	name := filepath.Base(f.Path)
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != name {
					continue
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
					log.Debugf("token file %s: %s", event.Op, event.Name)
					onChange()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warnf("token watcher: %v", err)
			}
		}
	}()
	return nil
}

// ParseIdentity extracts the local participant from the token claims. The
// signature is not verified; the server does that on connect.
func ParseIdentity(token string) (domain.Participant, error) {
	if token == "" {
		return domain.Participant{}, domain.ErrNoToken
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return domain.Participant{}, fmt.Errorf("parse token: %w", err)
	}

	var p domain.Participant
	if sub, err := claims.GetSubject(); err == nil {
		p.ID = sub
	}
	for _, key := range []string{"id", "userId", "_id"} {
		if p.ID != "" {
			break
		}
		if v, ok := claims[key].(string); ok {
			p.ID = v
		}
	}
	if v, ok := claims["name"].(string); ok {
		p.Name = v
	}
	if v, ok := claims["email"].(string); ok {
		p.Email = v
	}
	return p, nil
}
