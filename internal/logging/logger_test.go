// Package logging tests for structured JSON logging.
package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetGlobal() {
	mu.Lock()
	global = nil
	mu.Unlock()
	once = sync.Once{}
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &m), "line %q", line)
		out = append(out, m)
	}
	return out
}

// TestInit_idempotent verifies Init ignores later calls.
func TestInit_idempotent(t *testing.T) {
	resetGlobal()
	defer resetGlobal()

	var buf1, buf2 bytes.Buffer
	Init(&buf1, LevelInfo)
	first := Get()
	Init(&buf2, LevelDebug)

	assert.Same(t, first, Get())
	Info("hello", nil)
	assert.NotZero(t, buf1.Len())
	assert.Zero(t, buf2.Len())
}

// TestSetOutput verifies an initialized global logger can be redirected.
func TestSetOutput(t *testing.T) {
	resetGlobal()
	defer resetGlobal()

	var early, late bytes.Buffer
	Init(&early, LevelInfo)
	Get().SetOutput(&late)
	Warn("redirected")

	assert.Zero(t, early.Len())
	lines := decodeLines(t, &late)
	require.Len(t, lines, 1)
	assert.Equal(t, "redirected", lines[0]["message"])
}

// TestLogger_fields verifies message, level and context are emitted as JSON.
func TestLogger_fields(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelDebug)

	l.Info("item enqueued", map[string]interface{}{"item_id": "abc", "type": "ticket"})

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "item enqueued", lines[0]["message"])
	assert.Equal(t, "info", lines[0]["level"])
	assert.Equal(t, "abc", lines[0]["item_id"])
	assert.Contains(t, lines[0], "timestamp")
}

// TestLogger_minLevel verifies messages below the minimum level are dropped.
func TestLogger_minLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelWarn)

	l.Debug("debug")
	l.Info("info")
	l.Warn("warn")
	l.Error("error", errors.New("boom"))

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "warn", lines[0]["message"])
	assert.Equal(t, "boom", lines[1]["error"])
}

// TestLogger_ErrorWithCode verifies the error code is attached without
// mutating the caller's context map.
func TestLogger_ErrorWithCode(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelInfo)

	ctx := map[string]interface{}{"item_id": "x"}
	l.ErrorWithCode("integrity check failed", "INTEGRITY_ERROR", errors.New("tag mismatch"), ctx)

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "INTEGRITY_ERROR", lines[0]["error_code"])
	assert.Equal(t, "x", lines[0]["item_id"])
	assert.NotContains(t, ctx, "error_code")
}

// TestLogger_mergeContexts verifies multiple context maps are merged.
func TestLogger_mergeContexts(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelInfo)

	l.Info("merged", map[string]interface{}{"a": 1}, map[string]interface{}{"b": 2})

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.EqualValues(t, 1, lines[0]["a"])
	assert.EqualValues(t, 2, lines[0]["b"])
}

// TestParseLevel verifies level parsing with fallback.
func TestParseLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   LevelDebug,
		"WARN":    LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
		"":        LevelInfo,
		"verbose": LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), "ParseLevel(%q)", in)
	}
}

// TestLogger_SetLevel verifies the level can be lowered after construction.
func TestLogger_SetLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelError)
	l.Info("dropped")
	l.SetLevel(LevelDebug)
	l.Debug("kept")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "kept", lines[0]["message"])
}
