package broker

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileTokenStore persists the broker session as a single JSON file,
// written atomically via a temp-file-plus-rename so a crash mid-write
// never leaves a truncated token file behind.
type FileTokenStore struct {
	path string
	mu   sync.Mutex
}

// NewFileTokenStore returns a TokenStore backed by path.
func NewFileTokenStore(path string) *FileTokenStore {
	return &FileTokenStore{path: path}
}

type tokenRecord struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func (f *FileTokenStore) SaveToken(accessToken, refreshToken string, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	body, err := json.MarshalIndent(tokenRecord{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    expiresAt,
	}, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, ".token-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, f.path)
}

func (f *FileTokenStore) LoadToken() (accessToken, refreshToken string, expiresAt time.Time, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	body, readErr := os.ReadFile(f.path)
	if readErr != nil {
		return "", "", time.Time{}, readErr
	}
	var rec tokenRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return "", "", time.Time{}, err
	}
	return rec.AccessToken, rec.RefreshToken, rec.ExpiresAt, nil
}

// InMemoryTokenStore is a non-persistent TokenStore, used by the paper
// broker where there is no real session to survive a restart.
type InMemoryTokenStore struct {
	mu  sync.Mutex
	rec tokenRecord
}

// NewInMemoryTokenStore returns a TokenStore that holds its token only
// for the process lifetime.
func NewInMemoryTokenStore() *InMemoryTokenStore {
	return &InMemoryTokenStore{rec: tokenRecord{
		AccessToken:  "paper-access-token",
		RefreshToken: "paper-refresh-token",
		ExpiresAt:    time.Now().Add(24 * time.Hour),
	}}
}

func (m *InMemoryTokenStore) SaveToken(accessToken, refreshToken string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec = tokenRecord{AccessToken: accessToken, RefreshToken: refreshToken, ExpiresAt: expiresAt}
	return nil
}

func (m *InMemoryTokenStore) LoadToken() (accessToken, refreshToken string, expiresAt time.Time, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rec.AccessToken, m.rec.RefreshToken, m.rec.ExpiresAt, nil
}
