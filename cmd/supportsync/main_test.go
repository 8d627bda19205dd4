package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/supportsync/internal/crypto"
	"github.com/kimhsiao/supportsync/internal/db"
	"github.com/kimhsiao/supportsync/internal/logging"
	"github.com/kimhsiao/supportsync/internal/models"
	"github.com/kimhsiao/supportsync/internal/stats"
	syncpkg "github.com/kimhsiao/supportsync/internal/sync"
	"github.com/kimhsiao/supportsync/internal/sync/scheduler"
	"github.com/kimhsiao/supportsync/internal/telemetry"
)

// writeConfig writes a YAML config with a fresh storage directory and a
// jira webhook pointing at hookURL.
func writeConfig(t *testing.T, hookURL string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "supportsync.yaml")
	content := fmt.Sprintf(`encryptionKey: cli-test-secret-material
storageLocation: %s
logLevel: error
destinations:
  jira:
    transport: webhook
    url: %s
`, filepath.Join(dir, "data"), hookURL)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

// run executes the CLI with args and returns stdout.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return runWithEnv(t, filepath.Join(t.TempDir(), "none.env"), args...)
}

// runWithEnv executes the CLI with envFile as its .env file.
func runWithEnv(t *testing.T, envFile string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(append([]string{"--env-file", envFile}, args...))
	err := root.Execute()
	return out.String(), err
}

// captureFile replaces *target with a pipe and returns a function that
// restores it and yields everything written in between.
func captureFile(t *testing.T, target **os.File) func() string {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	orig := *target
	*target = w

	var buf bytes.Buffer
	done := make(chan struct{})
	go func() {
		io.Copy(&buf, r)
		close(done)
	}()
	return func() string {
		*target = orig
		w.Close()
		<-done
		r.Close()
		return buf.String()
	}
}

// TestCLI_logsStayOffStdout verifies that with a real .env file present the
// process stdout carries nothing but command output and logs go to stderr.
func TestCLI_logsStayOffStdout(t *testing.T) {
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	hookURL := hook.URL
	hook.Close()
	cfg := writeConfig(t, hookURL)

	envFile := filepath.Join(t.TempDir(), "x.env")
	require.NoError(t, os.WriteFile(envFile, []byte("SUPPORTSYNC_ADAPTER_TIMEOUT_MS=2000\n"), 0600))
	t.Cleanup(func() { os.Unsetenv("SUPPORTSYNC_ADAPTER_TIMEOUT_MS") })

	stdout := captureFile(t, &os.Stdout)
	stderr := captureFile(t, &os.Stderr)
	var procOut, procErr string
	restored := false
	restore := func() {
		if restored {
			return
		}
		restored = true
		procOut, procErr = stdout(), stderr()
		logging.Get().SetOutput(os.Stderr)
		logging.Get().SetLevel(logging.LevelError)
	}
	t.Cleanup(restore)

	_, err := runWithEnv(t, envFile, "--config", cfg, "--log-level", "debug",
		"enqueue", "ticket", "--title", "VPN", "--description", "down", "--destination", "jira")
	require.NoError(t, err)
	out, err := runWithEnv(t, envFile, "--config", cfg, "--log-level", "debug", "sync")
	require.NoError(t, err)
	restore()

	assert.Empty(t, procOut)
	var outcome syncpkg.SyncOutcome
	require.NoError(t, json.Unmarshal([]byte(out), &outcome), "stdout: %s", out)
	assert.Equal(t, 1, outcome.Attempted)
	assert.Equal(t, 1, outcome.Retrying)

	assert.Contains(t, procErr, "Loaded environment files")
	assert.Contains(t, procErr, "Delivery failed, will retry")
}

func TestRootCmd_subcommands(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"serve", "sync", "stats", "list", "enqueue", "migrate"} {
		assert.Contains(t, names, want)
	}
	assert.NotEmpty(t, Version)
}

func TestCLI_enqueueSyncStats(t *testing.T) {
	var hits atomic.Int32
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer hook.Close()
	cfg := writeConfig(t, hook.URL)

	out, err := run(t, "--config", cfg, "enqueue", "ticket",
		"--title", "Laptop will not boot", "--description", "black screen after update",
		"--destination", "jira", "--priority", "high", "--tag", "hardware")
	require.NoError(t, err)
	id := strings.TrimSpace(out)
	assert.True(t, models.ValidID(id), "enqueue printed %q", out)

	out, err = run(t, "--config", cfg, "list")
	require.NoError(t, err)
	assert.Contains(t, out, id)
	assert.Contains(t, out, "high")

	out, err = run(t, "--config", cfg, "sync")
	require.NoError(t, err)
	var outcome syncpkg.SyncOutcome
	require.NoError(t, json.Unmarshal([]byte(out), &outcome))
	assert.Equal(t, 1, outcome.Synced)
	assert.Equal(t, int32(1), hits.Load())

	out, err = run(t, "--config", cfg, "stats", "--history", "5")
	require.NoError(t, err)
	var report statsReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, 1, report.Queue.ByStatus[models.StatusCompleted])
	require.Len(t, report.History, 1)
	assert.Equal(t, 1, report.History[0].Synced)
}

func TestCLI_enqueueFeedbackAndLog(t *testing.T) {
	cfg := writeConfig(t, "http://127.0.0.1:1/hook")

	_, err := run(t, "--config", cfg, "enqueue", "feedback", "--rating", "5", "--comment", "quick fix")
	require.NoError(t, err)

	logFile := filepath.Join(t.TempDir(), "agent.log")
	require.NoError(t, os.WriteFile(logFile, []byte("line 1\nline 2\n"), 0600))
	_, err = run(t, "--config", cfg, "enqueue", "log", "--source", "agent", "--file", logFile)
	require.NoError(t, err)

	out, err := run(t, "--config", cfg, "stats", "--history", "0")
	require.NoError(t, err)
	var report statsReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, 2, report.Queue.Total)
	assert.Equal(t, 1, report.Queue.ByType[models.ItemTypeLog])
	assert.Positive(t, report.Queue.LogBytes)
}

func TestCLI_invalidInput(t *testing.T) {
	cfg := writeConfig(t, "http://127.0.0.1:1/hook")

	_, err := run(t, "--config", cfg, "enqueue", "ticket", "--title", "x", "--description", "y", "--destination", "myspace")
	assert.ErrorContains(t, err, "INVALID_INPUT")

	_, err = run(t, "--config", cfg, "list", "--status", "lost")
	assert.ErrorContains(t, err, "INVALID_INPUT")

	_, err = run(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "stats")
	assert.ErrorContains(t, err, "CONFIG_INVALID")
}

func TestCLI_migrate(t *testing.T) {
	cfg := writeConfig(t, "http://127.0.0.1:1/hook")

	out, err := run(t, "--config", cfg, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "VERSION")
	assert.Contains(t, out, "initial_schema")
}

type fakeTrigger struct {
	online    bool
	triggered int
}

func (f *fakeTrigger) GetStatus() scheduler.SchedulerStatus {
	return scheduler.SchedulerStatus{IsRunning: true, IsOnline: f.online, SyncStatus: syncpkg.SyncStatusIdle}
}

func (f *fakeTrigger) TriggerSync(ctx context.Context) bool {
	if !f.online {
		return false
	}
	f.triggered++
	return true
}

func (f *fakeTrigger) SetOnlineStatus(online bool) { f.online = online }

func newTestMux(t *testing.T, trigger *fakeTrigger) *http.ServeMux {
	t.Helper()
	database, err := db.OpenMigrated(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	c, err := crypto.NewCipher([]byte("cli-test-secret-material"))
	require.NoError(t, err)
	agg := stats.NewAggregator(db.NewRepository(database.DB, c))
	return newMux(telemetry.NewRegistry(agg), trigger, agg)
}

func TestHealthz(t *testing.T) {
	mux := newTestMux(t, &fakeTrigger{online: true})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.True(t, body.Scheduler.IsOnline)
	require.NotNil(t, body.Queue)
	assert.Zero(t, body.Queue.Total)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestSyncAndOnlineEndpoints(t *testing.T) {
	trigger := &fakeTrigger{online: true}
	mux := newTestMux(t, trigger)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sync", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, trigger.triggered)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/online?state=off", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, trigger.online)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sync", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/online?state=maybe", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	mux := newTestMux(t, &fakeTrigger{})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "supportsync_queue_items")
}
