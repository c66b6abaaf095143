package dircachefingerprint

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-ini/ini"
)

// Config represents the dcfp configuration
type Config struct {
	configPath string
	ini        *ini.File
}

// HashConfig represents hash algorithm configuration
type HashConfig struct {
	Algorithms string // Ordered, comma-separated; the first is primary
}

// DupesConfig represents duplicate grouping configuration
type DupesConfig struct {
	Mode    string // all or primary
	MinSize int64  // Files smaller than this are left out of grouping
}

// OutputConfig represents output format configuration
type OutputConfig struct {
	Format string // Default output format: human, json, fdupes
}

// VerboseConfig represents verbosity configuration
type VerboseConfig struct {
	Level int    // Default verbose level (0=quiet, 1=basic, 2=detailed, 3=trace)
	Debug string // Default debug flags (comma-separated)
}

// SymlinkConfig represents symlink handling configuration
type SymlinkConfig struct {
	Mode string // Directory symlinks: all, contained, none
}

// PerformanceConfig represents performance-related configuration
type PerformanceConfig struct {
	HashWorkers int    // Number of concurrent hash workers
	HashBuffer  string // Chunk size for interruptible hashing (default: "2M")
}

// CacheConfig selects the cache backend
type CacheConfig struct {
	Backend string // index, duckdb, none
}

// ArchiveConfig controls archive expansion
type ArchiveConfig struct {
	Expand bool
}

// AllConfig represents all configuration options
type AllConfig struct {
	Hash        *HashConfig
	Dupes       *DupesConfig
	Output      *OutputConfig
	Verbose     *VerboseConfig
	Symlink     *SymlinkConfig
	Performance *PerformanceConfig
	Cache       *CacheConfig
	Archive     *ArchiveConfig
}

// configDefaults lists every section/key written to a fresh config file
var configDefaults = []struct {
	section, key, value string
}{
	{"filehash", "algorithms", DefaultAlgorithms},
	{"dupes", "mode", GroupModeAll},
	{"dupes", "min_size", "0"},
	{"output", "format", "human"},
	{"verbose", "level", "0"},
	{"verbose", "debug", ""},
	{"symlink", "mode", "none"},
	{"performance", "hash_workers", "0"},
	{"performance", "hash_buffer", DefaultHashBuffer},
	{"cache", "backend", CacheBackendIndex},
	{"archive", "expand", "true"},
}

// overrideKeys maps ApplyOverrides keys to their section/key
var overrideKeys = map[string][2]string{
	"algorithms":   {"filehash", "algorithms"},
	"mode":         {"dupes", "mode"},
	"min_size":     {"dupes", "min_size"},
	"format":       {"output", "format"},
	"level":        {"verbose", "level"},
	"debug":        {"verbose", "debug"},
	"symlinks":     {"symlink", "mode"},
	"hash_workers": {"performance", "hash_workers"},
	"hash_buffer":  {"performance", "hash_buffer"},
	"backend":      {"cache", "backend"},
	"expand":       {"archive", "expand"},
}

// LoadConfig loads configuration from the .dcfp/config file, creating it
// with defaults when missing
func LoadConfig(repoDir string) (*Config, error) {
	configPath := filepath.Join(repoDir, ConfigFileName)

	cfg := &Config{
		configPath: configPath,
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg.ini = ini.Empty()
		if err := cfg.setDefaults(); err != nil {
			return nil, fmt.Errorf("failed to set default config: %w", err)
		}
		if err := os.MkdirAll(repoDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", repoDir, err)
		}
		if err := cfg.Save(); err != nil {
			return nil, fmt.Errorf("failed to save default config: %w", err)
		}
	} else {
		iniFile, err := ini.Load(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
		cfg.ini = iniFile
	}

	return cfg, nil
}

// NewMemoryConfig returns a default configuration that is never saved
func NewMemoryConfig() *Config {
	cfg := &Config{ini: ini.Empty()}
	// setDefaults cannot fail on an empty file
	_ = cfg.setDefaults()
	return cfg
}

func (c *Config) setDefaults() error {
	for _, d := range configDefaults {
		section, err := c.ini.NewSection(d.section)
		if err != nil {
			return fmt.Errorf("failed to create %s section: %w", d.section, err)
		}
		if _, err := section.NewKey(d.key, d.value); err != nil {
			return fmt.Errorf("failed to set default %s.%s: %w", d.section, d.key, err)
		}
	}
	return nil
}

// GetHashConfig returns the hash configuration
func (c *Config) GetHashConfig() *HashConfig {
	hashConfig := &HashConfig{
		Algorithms: DefaultAlgorithms,
	}

	if c.ini.HasSection("filehash") {
		section := c.ini.Section("filehash")
		if algs := section.Key("algorithms").String(); algs != "" {
			hashConfig.Algorithms = algs
		}
	}

	return hashConfig
}

// GetDupesConfig returns the grouping configuration
func (c *Config) GetDupesConfig() *DupesConfig {
	dupesConfig := &DupesConfig{
		Mode: GroupModeAll,
	}

	if c.ini.HasSection("dupes") {
		section := c.ini.Section("dupes")
		if mode := section.Key("mode").String(); mode != "" {
			dupesConfig.Mode = mode
		}
		if minSize, err := parseMinSize(section.Key("min_size").String()); err == nil {
			dupesConfig.MinSize = minSize
		}
	}

	return dupesConfig
}

// GetOutputConfig returns the output configuration
func (c *Config) GetOutputConfig() *OutputConfig {
	outputConfig := &OutputConfig{
		Format: "human",
	}

	if c.ini.HasSection("output") {
		section := c.ini.Section("output")
		if format := section.Key("format").String(); format != "" {
			outputConfig.Format = format
		}
	}

	return outputConfig
}

// GetVerboseConfig returns the verbose configuration
func (c *Config) GetVerboseConfig() *VerboseConfig {
	verboseConfig := &VerboseConfig{}

	if c.ini.HasSection("verbose") {
		section := c.ini.Section("verbose")
		if section.HasKey("level") {
			if level, err := section.Key("level").Int(); err == nil {
				verboseConfig.Level = level
			}
		}
		verboseConfig.Debug = section.Key("debug").String()
	}

	return verboseConfig
}

// GetSymlinkConfig returns the symlink configuration
func (c *Config) GetSymlinkConfig() *SymlinkConfig {
	symlinkConfig := &SymlinkConfig{
		Mode: "none",
	}

	if c.ini.HasSection("symlink") {
		section := c.ini.Section("symlink")
		if mode := section.Key("mode").String(); mode != "" {
			symlinkConfig.Mode = mode
		}
	}

	return symlinkConfig
}

// GetPerformanceConfig returns the performance configuration. A worker count
// of zero or less resolves to DefaultWorkerCount.
func (c *Config) GetPerformanceConfig() *PerformanceConfig {
	performanceConfig := &PerformanceConfig{
		HashWorkers: DefaultWorkerCount(),
		HashBuffer:  DefaultHashBuffer,
	}

	if c.ini.HasSection("performance") {
		section := c.ini.Section("performance")
		if workers, err := section.Key("hash_workers").Int(); err == nil && workers > 0 {
			performanceConfig.HashWorkers = workers
		}
		if bufferSize := section.Key("hash_buffer").String(); bufferSize != "" {
			performanceConfig.HashBuffer = bufferSize
		}
	}

	return performanceConfig
}

// GetCacheConfig returns the cache backend configuration
func (c *Config) GetCacheConfig() *CacheConfig {
	cacheConfig := &CacheConfig{
		Backend: CacheBackendIndex,
	}

	if c.ini.HasSection("cache") {
		if backend := c.ini.Section("cache").Key("backend").String(); backend != "" {
			cacheConfig.Backend = backend
		}
	}

	return cacheConfig
}

// GetArchiveConfig returns the archive configuration
func (c *Config) GetArchiveConfig() *ArchiveConfig {
	archiveConfig := &ArchiveConfig{
		Expand: true,
	}

	if c.ini.HasSection("archive") {
		section := c.ini.Section("archive")
		if section.HasKey("expand") {
			if expand, err := section.Key("expand").Bool(); err == nil {
				archiveConfig.Expand = expand
			}
		}
	}

	return archiveConfig
}

// GetAllConfig returns all configuration options
func (c *Config) GetAllConfig() *AllConfig {
	return &AllConfig{
		Hash:        c.GetHashConfig(),
		Dupes:       c.GetDupesConfig(),
		Output:      c.GetOutputConfig(),
		Verbose:     c.GetVerboseConfig(),
		Symlink:     c.GetSymlinkConfig(),
		Performance: c.GetPerformanceConfig(),
		Cache:       c.GetCacheConfig(),
		Archive:     c.GetArchiveConfig(),
	}
}

// Set validates and stores a single override-style key, then saves
func (c *Config) Set(key, value string) error {
	if err := c.ApplyOverrides([]string{key + ":" + value}); err != nil {
		return err
	}
	return c.Save()
}

// Save saves the configuration to disk
func (c *Config) Save() error {
	if c.configPath == "" {
		return nil
	}
	return c.ini.SaveTo(c.configPath)
}

// ApplyOverrides applies command-line overrides to the configuration.
// Accepts strings like "algorithms:sha256,xxh3", "format:json", "level:2".
func (c *Config) ApplyOverrides(overrides []string) error {
	for _, override := range overrides {
		parts := strings.SplitN(override, ":", 2)
		if len(parts) != 2 {
			return fmt.Errorf("invalid override format '%s', expected 'key:value'", override)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		target, ok := overrideKeys[key]
		if !ok {
			return fmt.Errorf("unsupported override key '%s' (supported: %s)", key, strings.Join(OverrideKeyNames(), ", "))
		}
		if err := validateOverride(key, value); err != nil {
			return err
		}
		c.ini.Section(target[0]).Key(target[1]).SetValue(value)
	}

	return nil
}

// Value returns the current value behind an override-style key
func (c *Config) Value(key string) (string, error) {
	target, ok := overrideKeys[key]
	if !ok {
		return "", fmt.Errorf("unknown configuration key '%s'", key)
	}
	return c.ini.Section(target[0]).Key(target[1]).String(), nil
}

// OverrideKeyNames lists the keys ApplyOverrides accepts, in config file order
func OverrideKeyNames() []string {
	names := make([]string, 0, len(overrideKeys))
	for _, d := range configDefaults {
		for name, target := range overrideKeys {
			if target[0] == d.section && target[1] == d.key {
				names = append(names, name)
			}
		}
	}
	return names
}

func validateOverride(key, value string) error {
	switch key {
	case "algorithms":
		return ValidateAlgorithms(value)
	case "mode":
		return ValidateGroupMode(value)
	case "min_size":
		_, err := parseMinSize(value)
		return err
	case "format":
		return ValidateOutputFormat(value)
	case "level":
		level, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid verbose level: %s", value)
		}
		return ValidateVerboseLevel(level)
	case "symlinks":
		return ValidateSymlinkMode(value)
	case "hash_workers":
		workers, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid hash worker count: %s", value)
		}
		if workers == 0 {
			return nil
		}
		return ValidateHashWorkers(workers)
	case "hash_buffer":
		_, err := ParseHumanSize(value)
		return err
	case "backend":
		return ValidateCacheBackend(value)
	case "expand":
		if _, err := strconv.ParseBool(value); err != nil {
			return fmt.Errorf("invalid archive expand value: %s", value)
		}
	}
	return nil
}

// parseMinSize accepts "0" as well as human sizes
func parseMinSize(value string) (int64, error) {
	if value == "" || value == "0" {
		return 0, nil
	}
	size, err := ParseHumanSize(value)
	if err != nil {
		return 0, fmt.Errorf("invalid min_size: %w", err)
	}
	return int64(size), nil
}

// ValidateAlgorithms validates a comma-separated algorithm list
func ValidateAlgorithms(list string) error {
	_, err := ParseAlgorithmList(list)
	return err
}

// ValidateGroupMode validates a duplicate grouping mode
func ValidateGroupMode(mode string) error {
	_, err := ParseGroupingMode(mode)
	return err
}

// ValidateOutputFormat validates that an output format is supported
func ValidateOutputFormat(format string) error {
	switch strings.ToLower(format) {
	case "human", "json", "fdupes":
		return nil
	default:
		return fmt.Errorf("unsupported output format: %s (supported: human, json, fdupes)", format)
	}
}

// ValidateVerboseLevel validates that a verbose level is valid
func ValidateVerboseLevel(level int) error {
	if level < 0 || level > 3 {
		return fmt.Errorf("invalid verbose level: %d (supported: 0-3)", level)
	}
	return nil
}

// ValidateSymlinkMode validates that a symlink mode is supported
func ValidateSymlinkMode(mode string) error {
	switch strings.ToLower(mode) {
	case "all", "contained", "none":
		return nil
	default:
		return fmt.Errorf("unsupported symlink mode: %s (supported: all, contained, none)", mode)
	}
}

// ValidateHashWorkers validates that the hash worker count is reasonable
func ValidateHashWorkers(workers int) error {
	if workers < 1 {
		return fmt.Errorf("hash workers must be at least 1, got: %d", workers)
	}
	if workers > 64 {
		return fmt.Errorf("hash workers should not exceed 64, got: %d", workers)
	}
	return nil
}

// ValidateCacheBackend validates a cache backend name
func ValidateCacheBackend(backend string) error {
	switch strings.ToLower(backend) {
	case CacheBackendIndex, CacheBackendDuckDB, CacheBackendNone:
		return nil
	default:
		return fmt.Errorf("unsupported cache backend: %s (supported: index, duckdb, none)", backend)
	}
}
