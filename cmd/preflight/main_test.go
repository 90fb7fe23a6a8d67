package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pario-ai/preflight/pkg/budget"
	"github.com/pario-ai/preflight/pkg/claim"
	"github.com/pario-ai/preflight/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// env builds a lookup function over a fixed map, isolating tests from the
// process environment.
type env map[string]string

func (e env) lookup(key string) (string, bool) {
	v, ok := e[key]
	return v, ok
}

func runCLI(t *testing.T, e env, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr, e.lookup)
	return code, stdout.String(), stderr.String()
}

// workspace lays out a test corpus with five @live tests and returns an
// environment pointing every path into a temp dir.
func workspace(t *testing.T) (env, string) {
	t.Helper()
	dir := t.TempDir()
	tests := filepath.Join(dir, "tests")
	require.NoError(t, os.MkdirAll(filepath.Join(tests, "chat"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(tests, "chat", "assistant.spec.ts"),
		[]byte("test('a @live', f)\ntest('b @live', f)\ntest('c', f)\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(tests, "summary.test.ts"),
		[]byte("test('d @live', f)\nit('e @live', f)\nit('f @live', f)\n"), 0o644))

	return env{
		"PREFLIGHT_RUN_ID":     "run-42",
		"PREFLIGHT_SEED_DIR":   filepath.Join(dir, "locks"),
		"AI_AUTOMATION_BUDGET": "8",
		"AI_TESTS_DIR":         tests,
		"AI_BUDGET_STATE_PATH": filepath.Join(dir, "state", "ai-budget-state.json"),
	}, dir
}

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "preflight.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestRootCommands(t *testing.T) {
	root := newRootCmd(&app{})
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"budget", "estimate", "seed", "lock", "history"} {
		assert.Contains(t, names, want)
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, exitOK},
		{"budget exceeded", budget.ErrBudgetExceeded, exitRejected},
		{"wrapped budget exceeded", fmt.Errorf("consume: %w", budget.ErrBudgetExceeded), exitRejected},
		{"usage", usageError{errors.New("bad flag")}, exitRejected},
		{"unknown command", errors.New(`unknown command "nope" for "preflight"`), exitRejected},
		{"infrastructure", errors.New("permission denied"), exitFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

func TestBudgetWorkedExample(t *testing.T) {
	e, _ := workspace(t)

	code, out, _ := runCLI(t, e, "budget", "check")
	require.Equal(t, exitOK, code, out)
	assert.Contains(t, out, "planned            5")
	assert.Contains(t, out, "remaining after    3")
	assert.Contains(t, out, "OK")

	// Simulate an earlier consumer of six requests.
	code, out, _ = runCLI(t, e, "budget", "consume", "--planned", "6")
	require.Equal(t, exitOK, code, out)
	assert.Contains(t, out, "CONSUMED")

	code, out, stderr := runCLI(t, e, "budget", "check")
	assert.Equal(t, exitRejected, code)
	assert.Contains(t, out, "EXCEEDED (6 + 5 > 8)")
	assert.Contains(t, stderr, "budget exceeded")
}

func TestBudgetConsumeJSON(t *testing.T) {
	e, dir := workspace(t)

	code, out, _ := runCLI(t, e, "budget", "consume", "--json")
	require.Equal(t, exitOK, code, out)

	var d models.BudgetDecision
	require.NoError(t, json.Unmarshal([]byte(out), &d))
	assert.Equal(t, 5, d.PlannedRequests)
	assert.Equal(t, 0, d.UsedToday)
	assert.Equal(t, 8, d.Budget)
	assert.Equal(t, 3, d.RemainingAfter)
	assert.False(t, d.WouldExceed)

	data, err := os.ReadFile(filepath.Join(dir, "state", "ai-budget-state.json"))
	require.NoError(t, err)
	var state models.BudgetState
	require.NoError(t, json.Unmarshal(data, &state))
	assert.Equal(t, 5, state.Used)
	assert.Equal(t, time.Now().UTC().Format(models.DateLayout), state.Date)
}

func TestBudgetConsumeExceededLeavesState(t *testing.T) {
	e, dir := workspace(t)

	code, _, _ := runCLI(t, e, "budget", "consume", "--planned", "9")
	assert.Equal(t, exitRejected, code)
	_, err := os.Stat(filepath.Join(dir, "state", "ai-budget-state.json"))
	assert.True(t, os.IsNotExist(err), "nothing may be persisted when the budget is exceeded")
}

func TestBudgetPlannedFromEnv(t *testing.T) {
	e, _ := workspace(t)
	e["AI_PLANNED_REQUESTS"] = "2"

	code, out, _ := runCLI(t, e, "budget", "check")
	require.Equal(t, exitOK, code, out)
	assert.Contains(t, out, "planned            2")
}

func TestBudgetDisabled(t *testing.T) {
	e, dir := workspace(t)
	e["AI_BUDGET_DISABLED"] = "true"

	code, out, _ := runCLI(t, e, "budget", "consume", "--planned", "500")
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "disabled")
	_, err := os.Stat(filepath.Join(dir, "state", "ai-budget-state.json"))
	assert.True(t, os.IsNotExist(err))
}

func TestBudgetReport(t *testing.T) {
	e, _ := workspace(t)

	code, _, _ := runCLI(t, e, "budget", "consume", "--planned", "5")
	require.Equal(t, exitOK, code)

	code, out, _ := runCLI(t, e, "budget", "report")
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "used today         5")
	assert.Contains(t, out, "remaining          3")
}

func TestBudgetUsageErrors(t *testing.T) {
	e, _ := workspace(t)

	tests := []struct {
		name string
		args []string
	}{
		{"missing mode", []string{"budget"}},
		{"unknown mode", []string{"budget", "spend"}},
		{"too many args", []string{"budget", "check", "consume"}},
		{"bad flag", []string{"budget", "check", "--planned", "lots"}},
		{"unknown command", []string{"nope"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, _ := runCLI(t, e, tt.args...)
			assert.Equal(t, exitRejected, code)
		})
	}
}

func TestBudgetInvalidEnvIsFailure(t *testing.T) {
	e, _ := workspace(t)
	e["AI_DAILY_LIMIT"] = "fifty"

	code, _, stderr := runCLI(t, e, "budget", "check")
	assert.Equal(t, exitFailure, code)
	assert.Contains(t, stderr, "AI_DAILY_LIMIT")
}

func TestBudgetLedgerAndHistory(t *testing.T) {
	e, dir := workspace(t)
	cfgPath := writeConfig(t, dir, fmt.Sprintf(`
ledger:
  enabled: true
  db_path: %s
budget:
  serialize_consume: true
`, filepath.Join(dir, "ledger.db")))

	for range 2 {
		code, out, _ := runCLI(t, e, "--config", cfgPath, "budget", "consume", "--planned", "3")
		require.Equal(t, exitOK, code, out)
	}

	code, out, _ := runCLI(t, e, "--config", cfgPath, "history")
	require.Equal(t, exitOK, code, out)
	assert.Contains(t, out, "PLANNED")
	assert.Contains(t, out, "run-42")

	code, out, _ = runCLI(t, e, "--config", cfgPath, "history", "--daily")
	require.Equal(t, exitOK, code, out)
	today := time.Now().UTC().Format(models.DateLayout)
	assert.Regexp(t, today+`\s+2\s+6\s+8`, out)

	code, _, _ = runCLI(t, e, "--config", cfgPath, "history", "--since", "yesterday")
	assert.Equal(t, exitRejected, code)
}

func TestHistoryDisabled(t *testing.T) {
	e, _ := workspace(t)
	code, out, _ := runCLI(t, e, "history")
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "Consumption ledger is disabled.")
}

func TestEstimateCommand(t *testing.T) {
	e, _ := workspace(t)

	code, out, _ := runCLI(t, e, "estimate", "-v")
	require.Equal(t, exitOK, code, out)
	assert.Contains(t, out, "Planned AI requests: 5 (5 tests marked @live x 1 per case, 2 files scanned)")
	assert.Contains(t, out, "chat/assistant.spec.ts")

	e["AI_REQUESTS_PER_CASE"] = "3"
	code, out, _ = runCLI(t, e, "estimate", "--json")
	require.Equal(t, exitOK, code, out)
	assert.Contains(t, out, `"planned": 15`)
}

func TestSeedRunsOncePerRun(t *testing.T) {
	e, _ := workspace(t)

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "run-42", r.Header.Get("X-Run"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	for range 3 {
		code, out, stderr := runCLI(t, e, "seed", "--url", srv.URL, "--header", "X-Run=run-42")
		require.Equal(t, exitOK, code, stderr)
		assert.Contains(t, out, "Seed ready for run run-42.")
	}
	assert.Equal(t, int32(1), hits.Load())

	code, out, _ := runCLI(t, e, "lock", "status")
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "Seeded: true")
	assert.Contains(t, out, "Lock:   free")

	code, _, _ = runCLI(t, e, "lock", "clear", "--done")
	require.Equal(t, exitOK, code)

	code, _, _ = runCLI(t, e, "seed", "--url", srv.URL, "--header", "X-Run=run-42")
	require.Equal(t, exitOK, code)
	assert.Equal(t, int32(2), hits.Load())
}

func TestSeedFailureIsInfrastructureError(t *testing.T) {
	e, _ := workspace(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "db down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	code, _, stderr := runCLI(t, e, "seed", "--url", srv.URL)
	assert.Equal(t, exitFailure, code)
	assert.Contains(t, stderr, "db down")

	code, out, _ := runCLI(t, e, "lock", "status")
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "Seeded: false")
	assert.Contains(t, out, "Lock:   free")
}

func TestSeedCommand(t *testing.T) {
	e, _ := workspace(t)

	code, out, stderr := runCLI(t, e, "seed", "--run-id", "cmd-run", "--", "sh", "-c", "echo seeded")
	require.Equal(t, exitOK, code, stderr)
	assert.Contains(t, out, "seeded")
	assert.Contains(t, out, "Seed ready for run cmd-run.")
}

func TestSeedUsage(t *testing.T) {
	e, _ := workspace(t)

	code, _, _ := runCLI(t, e, "seed")
	assert.Equal(t, exitRejected, code)

	code, _, _ = runCLI(t, e, "seed", "--url", "http://127.0.0.1:1", "--", "true")
	assert.Equal(t, exitRejected, code)
}

func TestLockStatusOrphaned(t *testing.T) {
	e, _ := workspace(t)

	store := claim.NewFileStore(e["PREFLIGHT_SEED_DIR"], "preflight-seed")
	require.NoError(t, os.MkdirAll(store.Dir(), 0o755))
	body, err := json.Marshal(models.ClaimInfo{
		Key:        "run-42",
		HolderID:   "dead-worker",
		Host:       "ci-7",
		PID:        4242,
		AcquiredAt: time.Now().Add(-10 * time.Minute),
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(store.LockPath("run-42"), body, 0o644))

	code, out, _ := runCLI(t, e, "lock", "status", "run-42")
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "Seeded: false")
	assert.Contains(t, out, "held at "+store.LockPath("run-42"))
	assert.Contains(t, out, "dead-worker (host ci-7, pid 4242)")
	assert.Contains(t, out, "holder has likely died")

	code, _, _ = runCLI(t, e, "lock", "clear", "run-42")
	require.Equal(t, exitOK, code)
	_, err = os.Stat(store.LockPath("run-42"))
	assert.True(t, os.IsNotExist(err))
}

func TestUnknownSeedBackend(t *testing.T) {
	e, dir := workspace(t)
	cfgPath := writeConfig(t, dir, "seed:\n  backend: etcd\n")

	code, _, stderr := runCLI(t, e, "--config", cfgPath, "lock", "status")
	assert.Equal(t, exitFailure, code)
	assert.Contains(t, stderr, "unknown seed backend")
}

func TestSQLiteSeedBackend(t *testing.T) {
	e, dir := workspace(t)
	cfgPath := writeConfig(t, dir, fmt.Sprintf("seed:\n  backend: sqlite\n  db_path: %s\n", filepath.Join(dir, "claims.db")))

	code, out, stderr := runCLI(t, e, "--config", cfgPath, "seed", "--", "true")
	require.Equal(t, exitOK, code, stderr)
	assert.Contains(t, out, "Seed ready for run run-42.")

	code, out, _ = runCLI(t, e, "--config", cfgPath, "lock", "status")
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "Seeded: true")
}
