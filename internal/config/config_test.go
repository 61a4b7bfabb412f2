package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points the user config lookup at an empty temp dir.
func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
}

func TestNewConfig_ReturnsDefaults(t *testing.T) {
	cfg := NewConfig()

	require.NotNil(t, cfg)
	assert.Equal(t, 1200, cfg.Chunking.Size)
	assert.Equal(t, 150, cfg.Chunking.Overlap)
	assert.Equal(t, 60, cfg.Search.RRFConstant)
	assert.Equal(t, 5, cfg.Search.CandidateMultiplier)
	assert.True(t, cfg.Embeddings.Enabled)
	assert.Equal(t, "static", cfg.Embeddings.Provider)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_ResolvesDataDirInsideBank(t *testing.T) {
	isolate(t)
	dir := t.TempDir()

	// When: loading with no config files
	cfg, err := Load(dir)

	// Then: data dir defaults to <bank>/.evidx
	require.NoError(t, err)
	abs, _ := filepath.Abs(dir)
	assert.Equal(t, abs, cfg.Bank.Root)
	assert.Equal(t, filepath.Join(abs, DefaultDataDirName), cfg.Bank.DataDir)
}

func TestLoad_ProjectFileOverridesDefaults(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	yaml := `
chunking:
  size: 800
  overlap: 100
embeddings:
  enabled: false
search:
  rrf_constant: 30
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ProjectConfigName), []byte(yaml), 0o644))

	cfg, err := Load(dir)

	require.NoError(t, err)
	assert.Equal(t, 800, cfg.Chunking.Size)
	assert.Equal(t, 100, cfg.Chunking.Overlap)
	assert.Equal(t, 30, cfg.Search.RRFConstant)
	assert.False(t, cfg.Embeddings.Enabled)
	assert.Equal(t, "static", cfg.Embeddings.Provider)
}

func TestLoad_UserConfigBelowProjectConfig(t *testing.T) {
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)
	userPath := filepath.Join(xdg, "evidx", "config.yaml")
	require.NoError(t, os.MkdirAll(filepath.Dir(userPath), 0o755))
	require.NoError(t, os.WriteFile(userPath, []byte("chunking:\n  size: 900\nsearch:\n  default_k: 7\n"), 0o644))

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ProjectConfigName), []byte("chunking:\n  size: 700\n"), 0o644))

	cfg, err := Load(dir)

	require.NoError(t, err)
	assert.Equal(t, 700, cfg.Chunking.Size, "project wins over user")
	assert.Equal(t, 7, cfg.Search.DefaultK, "user wins over defaults")
}

func TestLoad_EnvOverridesFiles(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ProjectConfigName), []byte("chunking:\n  size: 700\n"), 0o644))
	t.Setenv("EVIDX_CHUNK_SIZE", "500")
	t.Setenv("EVIDX_EMBEDDINGS_ENABLED", "false")

	cfg, err := Load(dir)

	require.NoError(t, err)
	assert.Equal(t, 500, cfg.Chunking.Size)
	assert.False(t, cfg.Embeddings.Enabled)
}

func TestLoad_DotEnvDoesNotOverrideRealEnv(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("EVIDX_DEFAULT_K=3\nEVIDX_RRF_CONSTANT=10\n"), 0o644))
	t.Setenv("EVIDX_RRF_CONSTANT", "90")
	t.Setenv("EVIDX_DEFAULT_K", "")
	require.NoError(t, os.Unsetenv("EVIDX_DEFAULT_K"))

	cfg, err := Load(dir)

	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Search.DefaultK, ".env fills unset variables")
	assert.Equal(t, 90, cfg.Search.RRFConstant, "real env wins over .env")
}

func TestLoad_InvalidEnvInteger(t *testing.T) {
	isolate(t)
	t.Setenv("EVIDX_CHUNK_SIZE", "big")

	_, err := Load(t.TempDir())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "EVIDX_CHUNK_SIZE")
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero chunk size", func(c *Config) { c.Chunking.Size = 0 }, "chunking.size"},
		{"overlap >= size", func(c *Config) { c.Chunking.Overlap = c.Chunking.Size }, "chunking.overlap"},
		{"bad provider", func(c *Config) { c.Embeddings.Provider = "mlx" }, "embeddings.provider"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad debounce", func(c *Config) { c.Performance.WatchDebounce = "soon" }, "watch_debounce"},
		{"data dir is bank", func(c *Config) { c.Bank.Root = "/bank"; c.Bank.DataDir = "/bank/" }, "data_dir"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			tt.mutate(cfg)

			err := cfg.Validate()

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate_ProviderIgnoredWhenDisabled(t *testing.T) {
	cfg := NewConfig()
	cfg.Embeddings.Enabled = false
	cfg.Embeddings.Provider = "anything"

	assert.NoError(t, cfg.Validate())
}

func TestDebounce(t *testing.T) {
	cfg := NewConfig()
	assert.Equal(t, 500*time.Millisecond, cfg.Debounce())

	cfg.Performance.WatchDebounce = "2s"
	assert.Equal(t, 2*time.Second, cfg.Debounce())
}

func TestWriteYAML_RoundTripsThroughLoad(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	cfg := NewConfig()
	cfg.Chunking.Size = 640

	require.NoError(t, cfg.WriteYAML(filepath.Join(dir, ProjectConfigName)))
	loaded, err := Load(dir)

	require.NoError(t, err)
	assert.Equal(t, 640, loaded.Chunking.Size)
}

func TestBackupFile_KeepsNewest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	// Given: no file yet
	got, err := BackupFile(path)
	require.NoError(t, err)
	assert.Empty(t, got)

	// When: backing up more than MaxBackups times
	require.NoError(t, os.WriteFile(path, []byte("version: 1\n"), 0o644))
	for i := 0; i < MaxBackups+2; i++ {
		_, err := BackupFile(path)
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}

	// Then: only MaxBackups remain
	backups, err := ListBackups(path)
	require.NoError(t, err)
	assert.Len(t, backups, MaxBackups)
}
