package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ProjectType represents the type of project detected.
type ProjectType string

const (
	ProjectTypeGo      ProjectType = "go"
	ProjectTypeNode    ProjectType = "node"
	ProjectTypePython  ProjectType = "python"
	ProjectTypeUnknown ProjectType = "unknown"
)

// Config is the complete engine configuration, mirroring the layered
// defaults -> user config -> project config -> env var precedence.
type Config struct {
	Version     int               `yaml:"version" json:"version"`
	Paths       PathsConfig       `yaml:"paths" json:"paths"`
	Search      SearchConfig      `yaml:"search" json:"search"`
	Cascade     CascadeConfig     `yaml:"cascade" json:"cascade"`
	Embeddings  EmbeddingsConfig  `yaml:"embeddings" json:"embeddings"`
	Performance PerformanceConfig `yaml:"performance" json:"performance"`
}

// PathsConfig configures which paths to include and exclude during a build.
type PathsConfig struct {
	// IndexRoot is the directory under which mapped index directories are
	// created (the path_mapper's configured index_root). Empty means the
	// default ~/.codexlens/indexes.
	IndexRoot string   `yaml:"index_root" json:"index_root"`
	Include   []string `yaml:"include" json:"include"`
	Exclude   []string `yaml:"exclude" json:"exclude"`
}

// SearchConfig configures the hybrid search engine's signal weights.
//
// Weights and the RRF constant are configurable via:
//  1. User config (~/.config/codexlens/config.yaml) - personal defaults
//  2. Project config (.codexlens.yaml) - per-repo tuning
//  3. Env vars (CODEXLENS_EXACT_WEIGHT, ...) - highest precedence
type SearchConfig struct {
	// ExactWeight is the weight for the exact FTS5 signal. Default 0.4.
	ExactWeight float64 `yaml:"exact_weight" json:"exact_weight"`
	// FuzzyWeight is the weight for the trigram FTS5 signal. Default 0.3.
	FuzzyWeight float64 `yaml:"fuzzy_weight" json:"fuzzy_weight"`
	// VectorWeight is the weight for the dense-vector signal. Default 0.3.
	VectorWeight float64 `yaml:"vector_weight" json:"vector_weight"`
	// SparseWeight is the weight for the SPLADE signal; optional, default 0.
	SparseWeight float64 `yaml:"sparse_weight" json:"sparse_weight"`

	// RRFConstant is the fusion smoothing parameter k. Default 60, the
	// value used by Azure AI Search and OpenSearch.
	RRFConstant int `yaml:"rrf_constant" json:"rrf_constant"`

	// PureVector disables fusion and returns only the dense/sparse path.
	PureVector bool `yaml:"pure_vector" json:"pure_vector"`

	MaxResults int `yaml:"max_results" json:"max_results"`
}

// CascadeConfig configures the two-stage cascade retrieval defaults.
type CascadeConfig struct {
	// CoarseK is the stage-1 candidate count. Default 100.
	CoarseK int `yaml:"coarse_k" json:"coarse_k"`
	// K is the stage-2 final result count. Default 10.
	K int `yaml:"k" json:"k"`
	// Mode selects "binary" (default) or "hybrid" cascade.
	Mode string `yaml:"mode" json:"mode"`
}

// EmbeddingsConfig configures the default embed/encode collaborators.
type EmbeddingsConfig struct {
	Dimensions int `yaml:"dimensions" json:"dimensions"`
	BatchSize  int `yaml:"batch_size" json:"batch_size"`
}

// PerformanceConfig configures worker pool and storage tuning.
type PerformanceConfig struct {
	// SearchWorkers bounds chain-search fan-out concurrency. Default 8.
	SearchWorkers int `yaml:"search_workers" json:"search_workers"`
	// BuildWorkers bounds index-tree-builder concurrency. Default
	// min(cpus, 16).
	BuildWorkers  int `yaml:"build_workers" json:"build_workers"`
	SQLiteCacheMB int `yaml:"sqlite_cache_mb" json:"sqlite_cache_mb"`
}

// defaultExcludePatterns are always excluded from a build.
var defaultExcludePatterns = []string{
	"**/node_modules/**",
	"**/.git/**",
	"**/vendor/**",
	"**/__pycache__/**",
	"**/.venv/**",
	"**/venv/**",
	"**/.codexlens/**",
	"**/dist/**",
	"**/build/**",
	"**/*.min.js",
	"**/*.min.css",
	"**/package-lock.json",
	"**/yarn.lock",
	"**/pnpm-lock.yaml",
	"**/go.sum",
}

// NewConfig creates a new Config with sensible defaults, matching the
// values specified for the hybrid engine and the cascade defaults.
func NewConfig() *Config {
	return &Config{
		Version: 1,
		Paths: PathsConfig{
			IndexRoot: "",
			Include:   []string{},
			Exclude:   defaultExcludePatterns,
		},
		Search: SearchConfig{
			ExactWeight:  0.4,
			FuzzyWeight:  0.3,
			VectorWeight: 0.3,
			SparseWeight: 0,
			RRFConstant:  60,
			PureVector:   false,
			MaxResults:   20,
		},
		Cascade: CascadeConfig{
			CoarseK: 100,
			K:       10,
			Mode:    "binary",
		},
		Embeddings: EmbeddingsConfig{
			Dimensions: 0, // auto-detect from embedder
			BatchSize:  32,
		},
		Performance: PerformanceConfig{
			SearchWorkers: 8,
			BuildWorkers:  clampBuildWorkers(runtime.NumCPU()),
			SQLiteCacheMB: 64,
		},
	}
}

func clampBuildWorkers(cpus int) int {
	if cpus > 16 {
		return 16
	}
	if cpus < 1 {
		return 1
	}
	return cpus
}

// GetUserConfigPath returns the path to the user/global configuration file.
// It follows the XDG Base Directory specification:
//   - $XDG_CONFIG_HOME/codexlens/config.yaml (if XDG_CONFIG_HOME is set)
//   - ~/.config/codexlens/config.yaml (default)
func GetUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "codexlens", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", "codexlens", "config.yaml")
	}
	return filepath.Join(home, ".config", "codexlens", "config.yaml")
}

// GetUserConfigDir returns the directory containing the user configuration.
func GetUserConfigDir() string {
	return filepath.Dir(GetUserConfigPath())
}

// UserConfigExists returns true if the user configuration file exists.
func UserConfigExists() bool {
	return fileExists(GetUserConfigPath())
}

// loadUserConfig loads the user/global configuration file if it exists.
// Returns a nil config and nil error if the file doesn't exist.
func loadUserConfig() (*Config, error) {
	configPath := GetUserConfigPath()
	if !fileExists(configPath) {
		return nil, nil
	}

	cfg := NewConfig()
	if err := cfg.loadYAML(configPath); err != nil {
		return nil, fmt.Errorf("failed to load user config from %s: %w", configPath, err)
	}
	return cfg, nil
}

// Load loads configuration from the specified directory, applying
// layered precedence:
//  1. Hardcoded defaults
//  2. User/global config (~/.config/codexlens/config.yaml)
//  3. Project config (.codexlens.yaml in project root)
//  4. Environment variables (CODEXLENS_*)
func Load(dir string) (*Config, error) {
	cfg := NewConfig()

	if userCfg, err := loadUserConfig(); err != nil {
		return nil, fmt.Errorf("failed to load user config: %w", err)
	} else if userCfg != nil {
		cfg.mergeWith(userCfg)
	}

	if err := cfg.loadFromFile(dir); err != nil {
		return nil, err
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// loadFromFile attempts to load configuration from .codexlens.yaml or
// .codexlens.yml.
func (c *Config) loadFromFile(dir string) error {
	yamlPath := filepath.Join(dir, ".codexlens.yaml")
	if _, err := os.Stat(yamlPath); err == nil {
		return c.loadYAML(yamlPath)
	}

	ymlPath := filepath.Join(dir, ".codexlens.yml")
	if _, err := os.Stat(ymlPath); err == nil {
		return c.loadYAML(ymlPath)
	}

	return nil
}

// loadYAML loads and merges configuration from a YAML file.
func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var parsed Config
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	c.mergeWith(&parsed)
	return nil
}

// mergeWith merges non-zero values from other into c.
func (c *Config) mergeWith(other *Config) {
	if other.Version != 0 {
		c.Version = other.Version
	}

	if other.Paths.IndexRoot != "" {
		c.Paths.IndexRoot = other.Paths.IndexRoot
	}
	if len(other.Paths.Include) > 0 {
		c.Paths.Include = other.Paths.Include
	}
	if len(other.Paths.Exclude) > 0 {
		c.Paths.Exclude = append(c.Paths.Exclude, other.Paths.Exclude...)
	}

	if other.Search.ExactWeight != 0 {
		c.Search.ExactWeight = other.Search.ExactWeight
	}
	if other.Search.FuzzyWeight != 0 {
		c.Search.FuzzyWeight = other.Search.FuzzyWeight
	}
	if other.Search.VectorWeight != 0 {
		c.Search.VectorWeight = other.Search.VectorWeight
	}
	if other.Search.SparseWeight != 0 {
		c.Search.SparseWeight = other.Search.SparseWeight
	}
	if other.Search.RRFConstant != 0 {
		c.Search.RRFConstant = other.Search.RRFConstant
	}
	if other.Search.PureVector {
		c.Search.PureVector = other.Search.PureVector
	}
	if other.Search.MaxResults != 0 {
		c.Search.MaxResults = other.Search.MaxResults
	}

	if other.Cascade.CoarseK != 0 {
		c.Cascade.CoarseK = other.Cascade.CoarseK
	}
	if other.Cascade.K != 0 {
		c.Cascade.K = other.Cascade.K
	}
	if other.Cascade.Mode != "" {
		c.Cascade.Mode = other.Cascade.Mode
	}

	if other.Embeddings.Dimensions != 0 {
		c.Embeddings.Dimensions = other.Embeddings.Dimensions
	}
	if other.Embeddings.BatchSize != 0 {
		c.Embeddings.BatchSize = other.Embeddings.BatchSize
	}

	if other.Performance.SearchWorkers != 0 {
		c.Performance.SearchWorkers = other.Performance.SearchWorkers
	}
	if other.Performance.BuildWorkers != 0 {
		c.Performance.BuildWorkers = other.Performance.BuildWorkers
	}
	if other.Performance.SQLiteCacheMB != 0 {
		c.Performance.SQLiteCacheMB = other.Performance.SQLiteCacheMB
	}
}

// applyEnvOverrides applies CODEXLENS_* environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CODEXLENS_EXACT_WEIGHT"); v != "" {
		if w, err := parseFloat64(v); err == nil && w >= 0 && w <= 1 {
			c.Search.ExactWeight = w
		}
	}
	if v := os.Getenv("CODEXLENS_FUZZY_WEIGHT"); v != "" {
		if w, err := parseFloat64(v); err == nil && w >= 0 && w <= 1 {
			c.Search.FuzzyWeight = w
		}
	}
	if v := os.Getenv("CODEXLENS_VECTOR_WEIGHT"); v != "" {
		if w, err := parseFloat64(v); err == nil && w >= 0 && w <= 1 {
			c.Search.VectorWeight = w
		}
	}
	if v := os.Getenv("CODEXLENS_SPARSE_WEIGHT"); v != "" {
		if w, err := parseFloat64(v); err == nil && w >= 0 && w <= 1 {
			c.Search.SparseWeight = w
		}
	}
	if v := os.Getenv("CODEXLENS_RRF_CONSTANT"); v != "" {
		if k, err := strconv.Atoi(v); err == nil && k > 0 {
			c.Search.RRFConstant = k
		}
	}
	if v := os.Getenv("CODEXLENS_INDEX_ROOT"); v != "" {
		c.Paths.IndexRoot = v
	}
	if v := os.Getenv("CODEXLENS_CASCADE_COARSE_K"); v != "" {
		if k, err := strconv.Atoi(v); err == nil && k > 0 {
			c.Cascade.CoarseK = k
		}
	}
	if v := os.Getenv("CODEXLENS_CASCADE_K"); v != "" {
		if k, err := strconv.Atoi(v); err == nil && k > 0 {
			c.Cascade.K = k
		}
	}
	if v := os.Getenv("CODEXLENS_SEARCH_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Performance.SearchWorkers = n
		}
	}
	if v := os.Getenv("CODEXLENS_BUILD_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Performance.BuildWorkers = n
		}
	}
}

// parseFloat64 parses a string to float64, used for config parsing.
func parseFloat64(s string) (float64, error) {
	var f float64
	_, err := fmt.Sscanf(strings.TrimSpace(s), "%f", &f)
	return f, err
}

// DetectProjectType detects the project type based on marker files.
// Priority: go.mod > package.json > pyproject.toml/requirements.txt
func DetectProjectType(dir string) ProjectType {
	if fileExists(filepath.Join(dir, "go.mod")) {
		return ProjectTypeGo
	}
	if fileExists(filepath.Join(dir, "package.json")) {
		return ProjectTypeNode
	}
	if fileExists(filepath.Join(dir, "pyproject.toml")) ||
		fileExists(filepath.Join(dir, "requirements.txt")) {
		return ProjectTypePython
	}
	return ProjectTypeUnknown
}

// FindProjectRoot finds the project root directory by walking up from
// startDir looking for a .git directory or a .codexlens.yaml/.yml file.
func FindProjectRoot(startDir string) (string, error) {
	absDir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}

	currentDir := absDir
	for {
		if dirExists(filepath.Join(currentDir, ".git")) {
			return currentDir, nil
		}
		if fileExists(filepath.Join(currentDir, ".codexlens.yaml")) ||
			fileExists(filepath.Join(currentDir, ".codexlens.yml")) {
			return currentDir, nil
		}

		parentDir := filepath.Dir(currentDir)
		if parentDir == currentDir {
			return absDir, nil
		}
		currentDir = parentDir
	}
}

// isNextJS checks if the project is a Next.js project.
func isNextJS(dir string) bool {
	pkgPath := filepath.Join(dir, "package.json")
	if !fileExists(pkgPath) {
		return false
	}

	data, err := os.ReadFile(pkgPath)
	if err != nil {
		return false
	}

	var pkg struct {
		Dependencies    map[string]string `json:"dependencies"`
		DevDependencies map[string]string `json:"devDependencies"`
	}
	if err := json.Unmarshal(data, &pkg); err != nil {
		return false
	}

	_, hasNext := pkg.Dependencies["next"]
	_, hasNextDev := pkg.DevDependencies["next"]
	return hasNext || hasNextDev
}

// DiscoverSourceDirs discovers common source directories in the project.
func DiscoverSourceDirs(dir string) []string {
	commonSourceDirs := []string{"src", "lib", "pkg", "internal", "cmd"}
	frameworkDirs := []string{"app", "pages"}

	var found []string
	for _, d := range commonSourceDirs {
		if dirExists(filepath.Join(dir, d)) {
			found = append(found, d)
		}
	}

	if isNextJS(dir) {
		for _, d := range frameworkDirs {
			if dirExists(filepath.Join(dir, d)) {
				found = append(found, d)
			}
		}
	}

	return found
}

// fileExists checks if a file exists and is not a directory.
func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// dirExists checks if a directory exists.
func dirExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.IsDir()
}

// String returns a string representation of ProjectType.
func (p ProjectType) String() string {
	return string(p)
}

// IsKnown returns true if the project type is known (not unknown).
func (p ProjectType) IsKnown() bool {
	return p != ProjectTypeUnknown
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	for _, w := range []struct {
		name string
		val  float64
	}{
		{"exact_weight", c.Search.ExactWeight},
		{"fuzzy_weight", c.Search.FuzzyWeight},
		{"vector_weight", c.Search.VectorWeight},
		{"sparse_weight", c.Search.SparseWeight},
	} {
		if w.val < 0 || w.val > 1 {
			return fmt.Errorf("%s must be between 0 and 1, got %f", w.name, w.val)
		}
	}

	sum := c.Search.ExactWeight + c.Search.FuzzyWeight + c.Search.VectorWeight + c.Search.SparseWeight
	if math.Abs(sum-1.0) > 0.01 {
		return fmt.Errorf("exact_weight + fuzzy_weight + vector_weight + sparse_weight must equal 1.0, got %.2f", sum)
	}

	if c.Search.MaxResults < 0 {
		return fmt.Errorf("max_results must be non-negative, got %d", c.Search.MaxResults)
	}
	if c.Cascade.CoarseK <= 0 {
		return fmt.Errorf("cascade.coarse_k must be positive, got %d", c.Cascade.CoarseK)
	}
	if c.Cascade.K <= 0 {
		return fmt.Errorf("cascade.k must be positive, got %d", c.Cascade.K)
	}

	validModes := map[string]bool{"binary": true, "hybrid": true}
	if !validModes[strings.ToLower(c.Cascade.Mode)] {
		return fmt.Errorf("cascade.mode must be 'binary' or 'hybrid', got %s", c.Cascade.Mode)
	}

	if c.Performance.SearchWorkers <= 0 {
		return fmt.Errorf("performance.search_workers must be positive, got %d", c.Performance.SearchWorkers)
	}
	if c.Performance.BuildWorkers <= 0 {
		return fmt.Errorf("performance.build_workers must be positive, got %d", c.Performance.BuildWorkers)
	}

	return nil
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// LoadUserConfig loads the user configuration file.
// Returns a nil config and nil error if the file doesn't exist.
func LoadUserConfig() (*Config, error) {
	return loadUserConfig()
}
