package mcpserver

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/tobert/tracelanes/internal/filereader"
)

// sourceRegistry tracks the directories being watched for trace files.
// Sources are stopped outside the lock; FileSource.Stop waits for its
// goroutines and must not block other registry calls.
type sourceRegistry struct {
	mu      sync.RWMutex
	sources map[string]*filereader.FileSource
}

func newSourceRegistry() *sourceRegistry {
	return &sourceRegistry{sources: make(map[string]*filereader.FileSource)}
}

// add starts fs and records it under dir. The lock is held across Start so
// two callers cannot both watch the same directory.
func (r *sourceRegistry) add(ctx context.Context, dir string, open func() (*filereader.FileSource, error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sources[dir]; ok {
		return fmt.Errorf("directory %s is already being watched", dir)
	}
	fs, err := open()
	if err != nil {
		return fmt.Errorf("failed to create file source: %w", err)
	}
	if err := fs.Start(ctx); err != nil {
		return fmt.Errorf("failed to start file source: %w", err)
	}
	r.sources[dir] = fs
	return nil
}

func (r *sourceRegistry) remove(dir string) error {
	r.mu.Lock()
	fs, ok := r.sources[dir]
	delete(r.sources, dir)
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("directory %s is not being watched", dir)
	}
	fs.Stop()
	return nil
}

// dirs returns the watched directories in sorted order.
func (r *sourceRegistry) dirs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.sources))
}

// stats returns per-directory statistics sorted by directory.
func (r *sourceRegistry) stats() []filereader.Stats {
	r.mu.RLock()
	out := make([]filereader.Stats, 0, len(r.sources))
	for _, fs := range r.sources {
		out = append(out, fs.Stats())
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b filereader.Stats) int { return cmp.Compare(a.Directory, b.Directory) })
	return out
}

func (r *sourceRegistry) stopAll() {
	r.mu.Lock()
	sources := slices.Collect(maps.Values(r.sources))
	clear(r.sources)
	r.mu.Unlock()

	for _, fs := range sources {
		fs.Stop()
	}
}
