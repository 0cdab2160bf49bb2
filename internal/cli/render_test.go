package cli

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tobert/tracelanes/internal/storage"
	"github.com/tobert/tracelanes/internal/timeline"
	"github.com/tobert/tracelanes/internal/trace"
	"github.com/tobert/tracelanes/internal/trace/tracetest"
)

func TestRenderRoot(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, renderTrace(&out, tracetest.Checkout("checkout"), renderOptions{Width: 100}))

	s := out.String()
	assert.Contains(t, s, "users.Get")
	assert.Contains(t, s, "Request root")
	assert.Contains(t, s, "Trace checkout", "root requests include the request tree")
	assert.Contains(t, s, "looking up user")
}

func TestRenderChild(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, renderTrace(&out, tracetest.Checkout("checkout"), renderOptions{RequestID: "charge", Width: 80}))
	assert.Contains(t, out.String(), "Request charge")
	assert.NotContains(t, out.String(), "Trace checkout")

	err := renderTrace(&out, tracetest.Checkout("checkout"), renderOptions{RequestID: "nope"})
	assert.ErrorIs(t, err, storage.ErrRequestNotFound)
}

func TestRenderBar(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, renderTrace(&out, tracetest.Checkout("checkout"), renderOptions{Width: 100, Bar: "g2:0"}))
	assert.Contains(t, out.String(), "SELECT 2")

	for _, bar := range []string{"g9:0", "g1:5", "first"} {
		assert.Error(t, renderTrace(&out, tracetest.Checkout("checkout"), renderOptions{Bar: bar}), bar)
	}
}

func TestRenderBrokenTrace(t *testing.T) {
	tr := tracetest.Checkout("broken")
	tr.Root.Events = append(tr.Root.Events,
		&trace.DBQuery{Timing: trace.Timing{GoID: 99, StartTime: 1, EndTime: tracetest.Ptr(2)}})

	var out bytes.Buffer
	err := renderTrace(&out, tr, renderOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trace broken is broken")
	var missing *timeline.MissingLaneError
	assert.True(t, errors.As(err, &missing))
}

func TestLoadTrace(t *testing.T) {
	ctx := context.Background()
	path := writeSnapshot(t, tracetest.Checkout("checkout"))

	tr, err := loadTrace(ctx, path, "")
	require.NoError(t, err)
	assert.Equal(t, "checkout", tr.ID)

	_, err = loadTrace(ctx, path, "other")
	assert.ErrorIs(t, err, storage.ErrTraceNotFound)

	empty := filepath.Join(t.TempDir(), "traces.jsonl")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	_, err = loadTrace(ctx, empty, "")
	assert.Error(t, err)
}

func TestOriginAllowed(t *testing.T) {
	allowed := DefaultConfig().AllowedOrigins
	assert.True(t, originAllowed("http://localhost:5173", allowed))
	assert.True(t, originAllowed("http://127.0.0.1:4390", allowed))
	assert.False(t, originAllowed("https://evil.example", allowed))
	assert.False(t, originAllowed("http://localhost.evil.example:80", allowed))
}
