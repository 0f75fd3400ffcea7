package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/brettbedarf/kernfs/fspath"
	"github.com/brettbedarf/kernfs/internal/util"
	"gopkg.in/yaml.v3"
)

// CLI style log verbosity, 1 (error) through 5 (trace).
const (
	ErrorVerbose = iota + 1
	WarnVerbose
	InfoVerbose
	DebugVerbose
	TraceVerbose
)

// Store kinds accepted in Config.Store.
const (
	StoreMemory = "memory"
	StoreBolt   = "bolt"
)

// Limits Validate enforces.
const (
	// MaxNInode keeps every inode number inside the 16 bit inum of a
	// directory entry.
	MaxNInode = 1 << 16
	// MinMaxFileSize fits the "." and ".." entries of a new directory.
	MinMaxFileSize = 2 * (2 + fspath.DirSiz)
)

// Default configuration constants. See [Config] for field descriptions.
const (
	DefaultLogLvl = util.InfoLevel

	// Sized after the classic teaching kernel: 200 inodes per device,
	// 100 open files system wide, 16 per process, 10 device majors.
	DefaultNInode = 200
	DefaultNFile  = 100
	DefaultNOFile = 16
	DefaultNDev   = 10

	// DefaultLogSize is the number of inode records one commit may carry
	DefaultLogSize = 30

	// DefaultMaxOpBlocks is the number of records a single transaction may write
	DefaultMaxOpBlocks = 10

	// DefaultMaxFileSize is 12 direct plus 256 indirect 1KiB blocks
	DefaultMaxFileSize = (12 + 256) * 1024

	DefaultPipeSize = 512

	DefaultBackend   = "ufs"
	DefaultStore     = StoreMemory
	DefaultStorePath = "kernfs.db"
)

// Config contains runtime configuration values for the kernel file system.
type Config struct {
	LogLvl      util.LogLevel // Internal log level (Default info)
	NInode      int           // Inode numbers per device, including the unused inode 0 (Default 200)
	NFile       int           // Open file objects system wide (Default 100)
	NOFile      int           // Descriptor slots per process (Default 16)
	NDev        int           // Device switch majors (Default 10)
	LogSize     int           // Records a single commit may carry (Default 30)
	MaxOpBlocks int           // Records a single transaction may write (Default 10)
	MaxFileSize int           // Maximum inode content size in bytes (Default 268KiB)
	PipeSize    int           // Pipe ring buffer size in bytes (Default 512)
	Backend     string        // Registered backend name (Default "ufs")
	Store       string        // "memory" or "bolt" (Default "memory")
	StorePath   string        // bbolt file used when Store is "bolt" (Default "kernfs.db")
}

// ConfigOverride uses pointer fields to distinguish between unset and zero values
// when loading partial configuration. See [Config] for field descriptions.
// LogLvl is a CLI verbosity between 1 and 5.
type ConfigOverride struct {
	LogLvl      *int    `yaml:"log_lvl,omitempty" json:"log_lvl,omitempty"`
	NInode      *int    `yaml:"ninode,omitempty" json:"ninode,omitempty"`
	NFile       *int    `yaml:"nfile,omitempty" json:"nfile,omitempty"`
	NOFile      *int    `yaml:"nofile,omitempty" json:"nofile,omitempty"`
	NDev        *int    `yaml:"ndev,omitempty" json:"ndev,omitempty"`
	LogSize     *int    `yaml:"log_size,omitempty" json:"log_size,omitempty"`
	MaxOpBlocks *int    `yaml:"max_op_blocks,omitempty" json:"max_op_blocks,omitempty"`
	MaxFileSize *int    `yaml:"max_file_size,omitempty" json:"max_file_size,omitempty"`
	PipeSize    *int    `yaml:"pipe_size,omitempty" json:"pipe_size,omitempty"`
	Backend     *string `yaml:"backend,omitempty" json:"backend,omitempty"`
	Store       *string `yaml:"store,omitempty" json:"store,omitempty"`
	StorePath   *string `yaml:"store_path,omitempty" json:"store_path,omitempty"`
}

// NewDefaultConfig creates a new Config with all default values.
func NewDefaultConfig() *Config {
	return &Config{
		LogLvl:      DefaultLogLvl,
		NInode:      DefaultNInode,
		NFile:       DefaultNFile,
		NOFile:      DefaultNOFile,
		NDev:        DefaultNDev,
		LogSize:     DefaultLogSize,
		MaxOpBlocks: DefaultMaxOpBlocks,
		MaxFileSize: DefaultMaxFileSize,
		PipeSize:    DefaultPipeSize,
		Backend:     DefaultBackend,
		Store:       DefaultStore,
		StorePath:   DefaultStorePath,
	}
}

// NewConfig creates a Config from defaults with override applied. A nil
// override yields the defaults.
func NewConfig(override *ConfigOverride) *Config {
	cfg := NewDefaultConfig()
	if override != nil {
		cfg.Merge(override)
	}
	return cfg
}

// Merge applies non-nil values from override onto this Config.
// This allows partial configuration updates while preserving existing values.
func (c *Config) Merge(override *ConfigOverride) {
	if override.LogLvl != nil {
		c.LogLvl = VerboseToLogLevel(*override.LogLvl)
	}
	if override.NInode != nil {
		c.NInode = *override.NInode
	}
	if override.NFile != nil {
		c.NFile = *override.NFile
	}
	if override.NOFile != nil {
		c.NOFile = *override.NOFile
	}
	if override.NDev != nil {
		c.NDev = *override.NDev
	}
	if override.LogSize != nil {
		c.LogSize = *override.LogSize
	}
	if override.MaxOpBlocks != nil {
		c.MaxOpBlocks = *override.MaxOpBlocks
	}
	if override.MaxFileSize != nil {
		c.MaxFileSize = *override.MaxFileSize
	}
	if override.PipeSize != nil {
		c.PipeSize = *override.PipeSize
	}
	if override.Backend != nil {
		c.Backend = *override.Backend
	}
	if override.Store != nil {
		c.Store = *override.Store
	}
	if override.StorePath != nil {
		c.StorePath = *override.StorePath
	}
}

// Validate rejects configurations the log or tables cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.NInode < 2 || c.NInode > MaxNInode:
		return fmt.Errorf("ninode must be between 2 and %d, got %d", MaxNInode, c.NInode)
	case c.NFile < 1 || c.NOFile < 1:
		return fmt.Errorf("nfile and nofile must be positive")
	case c.NDev < 1:
		return fmt.Errorf("ndev must be positive, got %d", c.NDev)
	case c.PipeSize < 1:
		return fmt.Errorf("pipe_size must be positive, got %d", c.PipeSize)
	case c.MaxFileSize < MinMaxFileSize:
		return fmt.Errorf("max_file_size must be at least %d, got %d", MinMaxFileSize, c.MaxFileSize)
	case c.MaxOpBlocks < 1 || c.LogSize < c.MaxOpBlocks:
		return fmt.Errorf("log_size %d must hold at least max_op_blocks %d", c.LogSize, c.MaxOpBlocks)
	case c.Store != StoreMemory && c.Store != StoreBolt:
		return fmt.Errorf("unknown store %q", c.Store)
	}
	return nil
}

// VerboseToLogLevel maps CLI verbosity to the internal log level,
// clamping out of range values to the nearest end.
func VerboseToLogLevel(verbose int) util.LogLevel {
	verbose = max(ErrorVerbose, min(TraceVerbose, verbose))
	lvls := [5]util.LogLevel{util.ErrorLevel, util.WarnLevel, util.InfoLevel, util.DebugLevel, util.TraceLevel}
	return lvls[verbose-1]
}

// LoadConfigOverrideFile loads configuration overrides from a file without merging.
// Supports both YAML (.yaml, .yml) and JSON (.json) formats.
func LoadConfigOverrideFile(path string) (*ConfigOverride, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var override ConfigOverride

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &override); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config file: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &override); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown config file extension: %s", path)
	}

	return &override, nil
}

// NewConfigFromFile creates a new Config by merging file overrides with defaults.
func NewConfigFromFile(path string) (*Config, error) {
	override, err := LoadConfigOverrideFile(path)
	if err != nil {
		return nil, err
	}
	return NewConfig(override), nil
}
