package preflight

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckStatus_String(t *testing.T) {
	tests := []struct {
		status CheckStatus
		want   string
	}{
		{StatusPass, "PASS"},
		{StatusWarn, "WARN"},
		{StatusFail, "FAIL"},
		{CheckStatus(9), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.status.String())
		})
	}
}

func TestCheckResult_JSONUsesStatusName(t *testing.T) {
	data, err := json.Marshal(CheckResult{Name: "disk_space", Status: StatusWarn})

	require.NoError(t, err)
	assert.Contains(t, string(data), `"status":"warn"`)
}

func TestCheckResult_IsCritical(t *testing.T) {
	tests := []struct {
		name   string
		result CheckResult
		want   bool
	}{
		{"required pass", CheckResult{Status: StatusPass, Required: true}, false},
		{"required fail", CheckResult{Status: StatusFail, Required: true}, true},
		{"optional fail", CheckResult{Status: StatusFail}, false},
		{"required warn", CheckResult{Status: StatusWarn, Required: true}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.result.IsCritical())
		})
	}
}

func TestChecker_RunRequired_HealthyBank(t *testing.T) {
	// Given: a bank with one file and a data dir that does not exist yet
	bank := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(bank, "a.txt"), []byte("x"), 0o644))
	data := filepath.Join(bank, ".evidx")

	// When: running the required checks
	c := New(WithOutput(&bytes.Buffer{}))
	results := c.RunRequired(Target{BankRoot: bank, DataDir: data})

	// Then: all pass and the data dir was created without leftovers
	require.Len(t, results, 3)
	for _, r := range results {
		assert.Equal(t, StatusPass, r.Status, r.Name)
		assert.True(t, r.Required, r.Name)
	}
	assert.False(t, c.HasCriticalFailures(results))
	entries, err := os.ReadDir(data)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestChecker_CheckBankReadable_Missing(t *testing.T) {
	r := New().CheckBankReadable(filepath.Join(t.TempDir(), "missing"))

	assert.Equal(t, StatusFail, r.Status)
	assert.True(t, r.IsCritical())
}

func TestChecker_CheckWritePermissions_ReadOnly(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}

	// Given: a read-only parent
	parent := t.TempDir()
	require.NoError(t, os.Chmod(parent, 0o555))
	t.Cleanup(func() { _ = os.Chmod(parent, 0o755) })

	// When: checking a data dir below it
	r := New().CheckWritePermissions(filepath.Join(parent, ".evidx"))

	// Then: the check fails
	assert.Equal(t, StatusFail, r.Status)
}

func TestChecker_CheckDiskSpace_MissingDirUsesParent(t *testing.T) {
	r := New().CheckDiskSpace(filepath.Join(t.TempDir(), "not", "yet"))

	assert.NotEqual(t, "", r.Message)
	assert.Contains(t, r.Message, "free")
}

func TestChecker_CheckEmbedder(t *testing.T) {
	tests := []struct {
		name      string
		model     string
		available bool
		want      CheckStatus
		message   string
	}{
		{"disabled", "", false, StatusPass, "disabled"},
		{"ready", "static-hash-v1", true, StatusPass, "static-hash-v1 ready"},
		{"unreachable", "nomic-embed-text", false, StatusWarn, "not reachable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(WithEmbedderProbe(func(context.Context) (string, bool) {
				return tt.model, tt.available
			}))

			r := c.CheckEmbedder(context.Background())

			assert.Equal(t, tt.want, r.Status)
			assert.Contains(t, r.Message, tt.message)
			assert.False(t, r.Required)
		})
	}
}

func TestChecker_RunAll_IncludesEmbedderWhenProbed(t *testing.T) {
	bank := t.TempDir()
	target := Target{BankRoot: bank, DataDir: filepath.Join(bank, ".evidx")}

	without := New().RunAll(context.Background(), target)
	with := New(WithEmbedderProbe(func(context.Context) (string, bool) { return "", false })).
		RunAll(context.Background(), target)

	assert.Len(t, without, 4)
	assert.Len(t, with, 5)
	assert.Equal(t, "embedder", with[4].Name)
}

func TestChecker_PrintResults(t *testing.T) {
	// Given: one critical failure and one warning
	buf := &bytes.Buffer{}
	c := New(WithOutput(buf), WithVerbose(true))
	results := []CheckResult{
		{Name: "disk_space", Status: StatusFail, Message: "12 MB free", Required: true},
		{Name: "embedder", Status: StatusWarn, Message: "unreachable", Details: "start ollama"},
		{Name: "bank_readable", Status: StatusPass, Message: "3 top-level entries"},
	}

	// When: printing
	c.PrintResults(results)

	// Then: every line and both summaries appear
	out := buf.String()
	assert.Contains(t, out, "evidx system check")
	assert.Contains(t, out, "[FAIL] disk_space: 12 MB free")
	assert.Contains(t, out, "       start ollama")
	assert.Contains(t, out, "Status: FAILED")
	assert.Contains(t, out, "1 error(s):")
	assert.Contains(t, out, "1 warning(s):")
}

func TestChecker_SummaryStatus(t *testing.T) {
	c := New()

	tests := []struct {
		name    string
		results []CheckResult
		want    string
	}{
		{"all pass", []CheckResult{{Status: StatusPass, Required: true}}, "ready"},
		{"warning", []CheckResult{{Status: StatusPass}, {Status: StatusWarn}}, "ready_with_warnings"},
		{"optional fail", []CheckResult{{Status: StatusFail}}, "ready_with_warnings"},
		{"critical", []CheckResult{{Status: StatusFail, Required: true}, {Status: StatusWarn}}, "failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.SummaryStatus(tt.results))
		})
	}
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 bytes", formatBytes(512))
	assert.Equal(t, "1.5 KB", formatBytes(1536))
	assert.Equal(t, "100.0 MB", formatBytes(MinDiskSpaceBytes))
	assert.Equal(t, "2.0 GB", formatBytes(2<<30))
}
