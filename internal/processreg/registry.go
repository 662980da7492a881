// Package processreg tracks one crawl process per provider in a JSON PID file
// and starts or stops those processes on behalf of the Control API.
package processreg

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/fitment-scraper/internal/tokencache"
)

// Entry is one provider's row in the registry file.
type Entry struct {
	PID       int       `json:"pid"`
	Cmd       string    `json:"cmd"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Registry reads and atomically rewrites the PID file.
type Registry struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

// NewRegistry returns a Registry backed by path. The file is created on first write.
func NewRegistry(path string) *Registry {
	return &Registry{path: path, now: func() time.Time { return time.Now().UTC() }}
}

// Path returns the backing file path.
func (r *Registry) Path() string {
	return r.path
}

// Normalize trims and lowercases a provider name.
func Normalize(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}

// Load returns every entry. A missing or empty file yields an empty map.
func (r *Registry) Load() (map[string]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load()
}

// Get returns the entry for provider.
func (r *Registry) Get(provider string) (Entry, bool, error) {
	entries, err := r.Load()
	if err != nil {
		return Entry{}, false, err
	}
	e, ok := entries[Normalize(provider)]
	return e, ok, nil
}

// Put records pid and cmd for provider.
func (r *Registry) Put(provider string, pid int, cmd string) error {
	return r.update(func(entries map[string]Entry) {
		entries[Normalize(provider)] = Entry{PID: pid, Cmd: cmd, UpdatedAt: r.now()}
	})
}

// Remove deletes the entry for provider if present.
func (r *Registry) Remove(provider string) error {
	return r.update(func(entries map[string]Entry) {
		delete(entries, Normalize(provider))
	})
}

// Clear drops every entry.
func (r *Registry) Clear() error {
	return r.update(func(entries map[string]Entry) {
		for k := range entries {
			delete(entries, k)
		}
	})
}

// Providers lists registered providers in sorted order.
func (r *Registry) Providers() ([]string, error) {
	entries, err := r.Load()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (r *Registry) update(fn func(map[string]Entry)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries, err := r.load()
	if err != nil {
		return err
	}
	fn(entries)
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode process registry: %w", err)
	}
	return tokencache.WriteFileAtomic(r.path, data)
}

func (r *Registry) load() (map[string]Entry, error) {
	entries := make(map[string]Entry)
	data, err := os.ReadFile(r.path)
	if errors.Is(err, fs.ErrNotExist) {
		return entries, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read process registry: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return entries, nil
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode process registry %s: %w", r.path, err)
	}
	return entries, nil
}
