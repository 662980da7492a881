// Package tokencache persists the verification bypass token and the upstream
// session id shared by every worker's gate bootstrap.
package tokencache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Entry is the on-disk document.
type Entry struct {
	AWSWAFToken string    `json:"aws_waf_token,omitempty"`
	PHPSESSID   string    `json:"PHPSESSID,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitzero"`
}

// Cache reads and atomically rewrites the token file.
type Cache struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

// New returns a Cache backed by path. The file is created on first write.
func New(path string) *Cache {
	return &Cache{path: path, now: func() time.Time { return time.Now().UTC() }}
}

// Path returns the backing file path.
func (c *Cache) Path() string {
	return c.path
}

// Load returns the cached entry. A missing or empty file yields a zero Entry.
func (c *Cache) Load() (Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.load()
}

// SaveToken replaces the bypass token and keeps the session id.
func (c *Cache) SaveToken(token string) error {
	return c.update(func(e *Entry) { e.AWSWAFToken = token })
}

// SaveSessionID replaces the session id and keeps the bypass token.
func (c *Cache) SaveSessionID(id string) error {
	return c.update(func(e *Entry) { e.PHPSESSID = id })
}

// Clear empties the cache file.
func (c *Cache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.write([]byte("{}\n"))
}

func (c *Cache) update(mutate func(*Entry)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, err := c.load()
	if err != nil {
		return err
	}
	mutate(&entry)
	entry.UpdatedAt = c.now()
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal token cache: %w", err)
	}
	return c.write(append(data, '\n'))
}

func (c *Cache) load() (Entry, error) {
	var entry Entry
	data, err := os.ReadFile(c.path)
	if errors.Is(err, fs.ErrNotExist) {
		return entry, nil
	}
	if err != nil {
		return entry, fmt.Errorf("read token cache: %w", err)
	}
	if len(data) == 0 {
		return entry, nil
	}
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, fmt.Errorf("decode token cache %s: %w", c.path, err)
	}
	return entry, nil
}

func (c *Cache) write(data []byte) error {
	return WriteFileAtomic(c.path, data)
}

// WriteFileAtomic writes data to a temp file in the target directory and
// renames it over path.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
