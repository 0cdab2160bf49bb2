package cli

import (
	"context"
	"fmt"

	"github.com/tobert/tracelanes/internal/filereader"
	"github.com/tobert/tracelanes/internal/storage"
	"github.com/tobert/tracelanes/internal/trace"
)

// loadStore reads trace files into a fresh in-memory store.
func loadStore(ctx context.Context, paths ...string) (*storage.TraceStore, error) {
	store := storage.NewTraceStore(storage.Options{})
	for _, p := range paths {
		if err := filereader.LoadFile(ctx, p, store); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return store, nil
}

// loadTrace reads one trace from path. A JSONL file may hold many traces;
// traceID picks one, and empty picks the most recently seen.
func loadTrace(ctx context.Context, path, traceID string) (*trace.Trace, error) {
	store, err := loadStore(ctx, path)
	if err != nil {
		return nil, err
	}

	if traceID == "" {
		recent := store.Recent(ctx, 1)
		if len(recent) == 0 {
			return nil, fmt.Errorf("%s holds no traces", path)
		}
		traceID = recent[0].ID
	}

	tr, _, err := store.Trace(ctx, traceID)
	if err != nil {
		return nil, fmt.Errorf("trace %s: %w", traceID, err)
	}
	return tr, nil
}
