package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ProjectConfigName is the per-bank configuration file.
const ProjectConfigName = ".evidx.yaml"

// DefaultDataDirName is the data directory created inside the bank when
// bank.data_dir is not set.
const DefaultDataDirName = ".evidx"

// Config represents the complete evidx configuration.
type Config struct {
	Version     int               `yaml:"version" json:"version"`
	Bank        BankConfig        `yaml:"bank" json:"bank"`
	Chunking    ChunkingConfig    `yaml:"chunking" json:"chunking"`
	Search      SearchConfig      `yaml:"search" json:"search"`
	Embeddings  EmbeddingsConfig  `yaml:"embeddings" json:"embeddings"`
	Performance PerformanceConfig `yaml:"performance" json:"performance"`
	Logging     LoggingConfig     `yaml:"logging" json:"logging"`

	embeddingsSet bool
}

// BankConfig locates the document bank and the index data directory.
type BankConfig struct {
	// Root is the bank directory. Relative paths resolve against the load dir.
	Root string `yaml:"root" json:"root"`
	// DataDir holds snapshots and the writer lock. Empty means <root>/.evidx.
	DataDir string `yaml:"data_dir" json:"data_dir"`
	// Include restricts scanning to matching globs (empty = everything supported).
	Include []string `yaml:"include" json:"include"`
	// Exclude skips matching globs.
	Exclude []string `yaml:"exclude" json:"exclude"`
}

// ChunkingConfig tunes the sliding window, in runes.
type ChunkingConfig struct {
	Size    int `yaml:"size" json:"size"`
	Overlap int `yaml:"overlap" json:"overlap"`
}

// SearchConfig configures fusion.
type SearchConfig struct {
	// RRFConstant is the fusion smoothing constant (k). Default: 60.
	RRFConstant int `yaml:"rrf_constant" json:"rrf_constant"`
	// CandidateMultiplier is how many candidates each list fetches per result.
	CandidateMultiplier int `yaml:"candidate_multiplier" json:"candidate_multiplier"`
	DefaultK            int `yaml:"default_k" json:"default_k"`
}

// EmbeddingsConfig configures the optional semantic index.
type EmbeddingsConfig struct {
	Enabled    bool          `yaml:"enabled" json:"enabled"`
	Provider   string        `yaml:"provider" json:"provider"` // static | ollama
	Model      string        `yaml:"model" json:"model"`
	OllamaHost string        `yaml:"ollama_host" json:"ollama_host"`
	BatchSize  int           `yaml:"batch_size" json:"batch_size"`
	CacheSize  int           `yaml:"cache_size" json:"cache_size"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout"`
}

// PerformanceConfig configures worker pools and limits.
type PerformanceConfig struct {
	ExtractWorkers int    `yaml:"extract_workers" json:"extract_workers"`
	EmbedWorkers   int    `yaml:"embed_workers" json:"embed_workers"`
	MaxFileSize    int64  `yaml:"max_file_size" json:"max_file_size"`
	WatchDebounce  string `yaml:"watch_debounce" json:"watch_debounce"`
}

// LoggingConfig mirrors logging.Config in YAML form.
type LoggingConfig struct {
	Level     string `yaml:"level" json:"level"`
	File      string `yaml:"file" json:"file"`
	MaxSizeMB int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxFiles  int    `yaml:"max_files" json:"max_files"`
}

// NewConfig creates a new Config with defaults.
func NewConfig() *Config {
	workers := runtime.NumCPU()
	if workers > 8 {
		workers = 8
	}
	return &Config{
		Version: 1,
		Bank: BankConfig{
			Root:    ".",
			Include: []string{},
			Exclude: []string{},
		},
		Chunking: ChunkingConfig{
			Size:    1200,
			Overlap: 150,
		},
		Search: SearchConfig{
			RRFConstant:         60,
			CandidateMultiplier: 5,
			DefaultK:            10,
		},
		Embeddings: EmbeddingsConfig{
			Enabled:   true,
			Provider:  "static",
			Model:     "",
			BatchSize: 32,
			CacheSize: 1000,
			Timeout:   30 * time.Second,
		},
		Performance: PerformanceConfig{
			ExtractWorkers: workers,
			EmbedWorkers:   2,
			MaxFileSize:    100 << 20,
			WatchDebounce:  "500ms",
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSizeMB: 10,
			MaxFiles:  5,
		},
	}
}

// GetUserConfigPath returns the path to the user/global configuration file:
//   - $XDG_CONFIG_HOME/evidx/config.yaml (if XDG_CONFIG_HOME is set)
//   - ~/.config/evidx/config.yaml (default)
func GetUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "evidx", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", "evidx", "config.yaml")
	}
	return filepath.Join(home, ".config", "evidx", "config.yaml")
}

// GetUserConfigDir returns the directory containing the user configuration.
func GetUserConfigDir() string {
	return filepath.Dir(GetUserConfigPath())
}

// UserConfigExists returns true if the user configuration file exists.
func UserConfigExists() bool {
	return fileExists(GetUserConfigPath())
}

// loadUserConfig returns nil, nil when no user config exists.
func loadUserConfig() (*Config, error) {
	configPath := GetUserConfigPath()
	if !fileExists(configPath) {
		return nil, nil
	}

	cfg, err := readYAML(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load user config from %s: %w", configPath, err)
	}
	return cfg, nil
}

// Load loads configuration for the bank in dir. Precedence, lowest first:
//  1. Hardcoded defaults
//  2. User config (~/.config/evidx/config.yaml)
//  3. Project config (.evidx.yaml in dir)
//  4. .env in dir (never overrides variables already set)
//  5. Environment variables (EVIDX_*)
//
// Bank.Root and Bank.DataDir are resolved to absolute paths.
func Load(dir string) (*Config, error) {
	cfg := NewConfig()

	if userCfg, err := loadUserConfig(); err != nil {
		return nil, err
	} else if userCfg != nil {
		cfg.mergeWith(userCfg)
	}

	if err := cfg.loadFromFile(dir); err != nil {
		return nil, err
	}

	envPath := filepath.Join(dir, ".env")
	if fileExists(envPath) {
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", envPath, err)
		}
	}
	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}

	if err := cfg.resolvePaths(dir); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFromFile(dir string) error {
	for _, name := range []string{ProjectConfigName, ".evidx.yml"} {
		path := filepath.Join(dir, name)
		if !fileExists(path) {
			continue
		}
		parsed, err := readYAML(path)
		if err != nil {
			return err
		}
		c.mergeWith(parsed)
		return nil
	}
	return nil
}

// enabledProbe detects whether embeddings.enabled was written at all, since a
// plain bool cannot tell false from absent.
type enabledProbe struct {
	Embeddings struct {
		Enabled *bool `yaml:"enabled"`
	} `yaml:"embeddings"`
}

// readYAML parses path into a sparse Config.
func readYAML(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	var parsed Config
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	var probe enabledProbe
	_ = yaml.Unmarshal(data, &probe)
	parsed.embeddingsSet = probe.Embeddings.Enabled != nil
	return &parsed, nil
}

// mergeWith merges non-zero values from other into c.
func (c *Config) mergeWith(other *Config) {
	if other.Version != 0 {
		c.Version = other.Version
	}

	if other.Bank.Root != "" {
		c.Bank.Root = other.Bank.Root
	}
	if other.Bank.DataDir != "" {
		c.Bank.DataDir = other.Bank.DataDir
	}
	if len(other.Bank.Include) > 0 {
		c.Bank.Include = other.Bank.Include
	}
	if len(other.Bank.Exclude) > 0 {
		c.Bank.Exclude = append(c.Bank.Exclude, other.Bank.Exclude...)
	}

	if other.Chunking.Size != 0 {
		c.Chunking.Size = other.Chunking.Size
	}
	if other.Chunking.Overlap != 0 {
		c.Chunking.Overlap = other.Chunking.Overlap
	}

	if other.Search.RRFConstant != 0 {
		c.Search.RRFConstant = other.Search.RRFConstant
	}
	if other.Search.CandidateMultiplier != 0 {
		c.Search.CandidateMultiplier = other.Search.CandidateMultiplier
	}
	if other.Search.DefaultK != 0 {
		c.Search.DefaultK = other.Search.DefaultK
	}

	if other.embeddingsSet {
		c.Embeddings.Enabled = other.Embeddings.Enabled
	}
	if other.Embeddings.Provider != "" {
		c.Embeddings.Provider = other.Embeddings.Provider
	}
	if other.Embeddings.Model != "" {
		c.Embeddings.Model = other.Embeddings.Model
	}
	if other.Embeddings.OllamaHost != "" {
		c.Embeddings.OllamaHost = other.Embeddings.OllamaHost
	}
	if other.Embeddings.BatchSize != 0 {
		c.Embeddings.BatchSize = other.Embeddings.BatchSize
	}
	if other.Embeddings.CacheSize != 0 {
		c.Embeddings.CacheSize = other.Embeddings.CacheSize
	}
	if other.Embeddings.Timeout != 0 {
		c.Embeddings.Timeout = other.Embeddings.Timeout
	}

	if other.Performance.ExtractWorkers != 0 {
		c.Performance.ExtractWorkers = other.Performance.ExtractWorkers
	}
	if other.Performance.EmbedWorkers != 0 {
		c.Performance.EmbedWorkers = other.Performance.EmbedWorkers
	}
	if other.Performance.MaxFileSize != 0 {
		c.Performance.MaxFileSize = other.Performance.MaxFileSize
	}
	if other.Performance.WatchDebounce != "" {
		c.Performance.WatchDebounce = other.Performance.WatchDebounce
	}

	if other.Logging.Level != "" {
		c.Logging.Level = other.Logging.Level
	}
	if other.Logging.File != "" {
		c.Logging.File = other.Logging.File
	}
	if other.Logging.MaxSizeMB != 0 {
		c.Logging.MaxSizeMB = other.Logging.MaxSizeMB
	}
	if other.Logging.MaxFiles != 0 {
		c.Logging.MaxFiles = other.Logging.MaxFiles
	}
}

// applyEnvOverrides applies EVIDX_* environment variable overrides.
func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv("EVIDX_BANK_ROOT"); v != "" {
		c.Bank.Root = v
	}
	if v := os.Getenv("EVIDX_DATA_DIR"); v != "" {
		c.Bank.DataDir = v
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"EVIDX_CHUNK_SIZE", &c.Chunking.Size},
		{"EVIDX_CHUNK_OVERLAP", &c.Chunking.Overlap},
		{"EVIDX_RRF_CONSTANT", &c.Search.RRFConstant},
		{"EVIDX_DEFAULT_K", &c.Search.DefaultK},
		{"EVIDX_EMBED_BATCH_SIZE", &c.Embeddings.BatchSize},
		{"EVIDX_EXTRACT_WORKERS", &c.Performance.ExtractWorkers},
		{"EVIDX_EMBED_WORKERS", &c.Performance.EmbedWorkers},
	}
	for _, e := range ints {
		v := os.Getenv(e.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %q is not an integer", e.name, v)
		}
		*e.dst = n
	}

	if v := os.Getenv("EVIDX_EMBEDDINGS_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("EVIDX_EMBEDDINGS_ENABLED: %q is not a boolean", v)
		}
		c.Embeddings.Enabled = b
	}
	if v := os.Getenv("EVIDX_EMBEDDINGS_PROVIDER"); v != "" {
		c.Embeddings.Provider = v
	}
	if v := os.Getenv("EVIDX_EMBEDDINGS_MODEL"); v != "" {
		c.Embeddings.Model = v
	}
	if v := os.Getenv("EVIDX_OLLAMA_HOST"); v != "" {
		c.Embeddings.OllamaHost = v
	}
	if v := os.Getenv("EVIDX_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	return nil
}

// resolvePaths makes Bank.Root and Bank.DataDir absolute.
func (c *Config) resolvePaths(dir string) error {
	root := c.Bank.Root
	if !filepath.IsAbs(root) {
		root = filepath.Join(dir, root)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("failed to resolve bank root: %w", err)
	}
	c.Bank.Root = filepath.Clean(abs)

	data := c.Bank.DataDir
	switch {
	case data == "":
		data = filepath.Join(c.Bank.Root, DefaultDataDirName)
	case !filepath.IsAbs(data):
		data = filepath.Join(c.Bank.Root, data)
	}
	c.Bank.DataDir = filepath.Clean(data)
	return nil
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if c.Chunking.Size <= 0 {
		return fmt.Errorf("chunking.size must be positive, got %d", c.Chunking.Size)
	}
	if c.Chunking.Overlap < 0 || c.Chunking.Overlap >= c.Chunking.Size {
		return fmt.Errorf("chunking.overlap must be in [0, size), got %d", c.Chunking.Overlap)
	}
	if c.Search.RRFConstant <= 0 {
		return fmt.Errorf("search.rrf_constant must be positive, got %d", c.Search.RRFConstant)
	}
	if c.Search.CandidateMultiplier <= 0 {
		return fmt.Errorf("search.candidate_multiplier must be positive, got %d", c.Search.CandidateMultiplier)
	}
	if c.Search.DefaultK <= 0 {
		return fmt.Errorf("search.default_k must be positive, got %d", c.Search.DefaultK)
	}

	validProviders := map[string]bool{"static": true, "ollama": true}
	if c.Embeddings.Enabled && !validProviders[strings.ToLower(c.Embeddings.Provider)] {
		return fmt.Errorf("embeddings.provider must be 'static' or 'ollama', got %s", c.Embeddings.Provider)
	}
	if c.Embeddings.BatchSize <= 0 {
		return fmt.Errorf("embeddings.batch_size must be positive, got %d", c.Embeddings.BatchSize)
	}

	if c.Performance.ExtractWorkers <= 0 || c.Performance.EmbedWorkers <= 0 {
		return fmt.Errorf("performance workers must be positive")
	}
	if c.Performance.WatchDebounce != "" {
		if _, err := time.ParseDuration(c.Performance.WatchDebounce); err != nil {
			return fmt.Errorf("performance.watch_debounce: %w", err)
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("logging.level must be 'debug', 'info', 'warn', or 'error', got %s", c.Logging.Level)
	}

	if c.Bank.DataDir != "" && filepath.Clean(c.Bank.DataDir) == filepath.Clean(c.Bank.Root) {
		return fmt.Errorf("bank.data_dir must not be the bank root")
	}
	return nil
}

// Debounce returns the parsed watch debounce, defaulting to 500ms.
func (c *Config) Debounce() time.Duration {
	d, err := time.ParseDuration(c.Performance.WatchDebounce)
	if err != nil || d <= 0 {
		return 500 * time.Millisecond
	}
	return d
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
