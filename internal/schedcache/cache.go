// Package schedcache persists the best known schedule per (configuration,
// target) pair so a tuned operator can be rebuilt without searching again.
package schedcache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/samcharles93/kerneltune/internal/kernel"
	"github.com/samcharles93/kerneltune/internal/matmul"
)

const fileVersion = 1

var ErrVersion = errors.New("schedcache: unsupported file version")

// Entry is one cached schedule.
type Entry struct {
	Config   string          `json:"config"`
	Arch     string          `json:"arch"`
	Schedule kernel.Schedule `json:"schedule"`
	// LatencyNS is the measured mean latency when the entry was written.
	LatencyNS int64     `json:"latency_ns,omitempty"`
	Session   string    `json:"session,omitempty"`
	Updated   time.Time `json:"updated"`
}

func (e Entry) Latency() time.Duration { return time.Duration(e.LatencyNS) }

type key struct {
	config string
	arch   string
}

type file struct {
	Version int     `json:"version"`
	Entries []Entry `json:"entries"`
}

// Cache is an in-memory view of a cache file. It is safe for concurrent
// use; Save writes it back.
type Cache struct {
	mu      sync.Mutex
	path    string
	entries map[key]Entry
}

// Open loads path. A missing file yields an empty cache that Save creates.
func Open(path string) (*Cache, error) {
	c := &Cache{path: path, entries: make(map[key]Entry)}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read schedule cache: %w", err)
	}
	var f file
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode schedule cache %s: %w", path, err)
	}
	if f.Version != fileVersion {
		return nil, fmt.Errorf("%w %d in %s", ErrVersion, f.Version, path)
	}
	for _, e := range f.Entries {
		c.entries[key{e.Config, e.Arch}] = e
	}
	return c, nil
}

func (c *Cache) Path() string { return c.path }

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Get returns the schedule cached for cfg on the named target.
func (c *Cache) Get(cfg matmul.Config, arch string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key{cfg.Key(), arch}]
	return e, ok
}

// Put records sched for cfg on the named target, replacing any previous
// entry.
func (c *Cache) Put(cfg matmul.Config, arch string, sched kernel.Schedule, latency time.Duration, session string) Entry {
	e := Entry{
		Config:    cfg.Key(),
		Arch:      arch,
		Schedule:  sched,
		LatencyNS: int64(latency),
		Session:   session,
		Updated:   time.Now().UTC(),
	}
	c.mu.Lock()
	c.entries[key{e.Config, e.Arch}] = e
	c.mu.Unlock()
	return e
}

func (c *Cache) Delete(cfg matmul.Config, arch string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := key{cfg.Key(), arch}
	if _, ok := c.entries[k]; !ok {
		return false
	}
	delete(c.entries, k)
	return true
}

// Entries returns every entry ordered by arch, then config key.
func (c *Cache) Entries() []Entry {
	c.mu.Lock()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	c.mu.Unlock()
	slices.SortFunc(out, func(a, b Entry) int {
		if n := strings.Compare(a.Arch, b.Arch); n != 0 {
			return n
		}
		return strings.Compare(a.Config, b.Config)
	})
	return out
}

// Save writes the cache through a temporary file and a rename so a crash
// never leaves a truncated cache behind.
func (c *Cache) Save() error {
	raw, err := json.MarshalIndent(file{Version: fileVersion, Entries: c.Entries()}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode schedule cache: %w", err)
	}
	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".schedcache-*")
	if err != nil {
		return fmt.Errorf("create temp cache: %w", err)
	}
	cleanup := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if _, err := tmp.Write(append(raw, '\n')); err != nil {
		return cleanup(fmt.Errorf("write schedule cache: %w", err))
	}
	if err := tmp.Close(); err != nil {
		return cleanup(fmt.Errorf("close schedule cache: %w", err))
	}
	if err := os.Rename(tmp.Name(), c.path); err != nil {
		return cleanup(fmt.Errorf("install schedule cache: %w", err))
	}
	return nil
}
