// Package config provides configuration for chansplit runs.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	cerrors "github.com/chansplit/chansplit/internal/errors"
	"github.com/chansplit/chansplit/pkg/types"
)

// EnvPrefix prefixes every environment variable read by LoadFromEnv.
const EnvPrefix = "CHANSPLIT_"

// UnmappedPolicy selects what happens to records whose channel has no
// partition.
type UnmappedPolicy string

const (
	// UnmappedFail aborts the run on the first unmapped record.
	UnmappedFail UnmappedPolicy = "fail"
	// UnmappedSkip counts unmapped records and continues.
	UnmappedSkip UnmappedPolicy = "skip"
)

// Storage types.
const (
	StorageNone  = "none"
	StorageLocal = "local"
	StorageS3    = "s3"
)

// Config holds the configuration of one demultiplexing run.
type Config struct {
	// Input is the path of the input dataset
	Input string `json:"input" yaml:"input"`

	// Mapping is the path of the detector mapping CSV
	Mapping string `json:"mapping" yaml:"mapping"`

	// OutputDir receives the output container; empty means the input's directory
	OutputDir string `json:"output_dir" yaml:"output_dir"`

	// WorkDir holds spill files; empty means a private temporary directory
	WorkDir string `json:"work_dir" yaml:"work_dir"`

	// Range is the closed-open channel id range to demultiplex
	Range types.ChannelRange `json:"range" yaml:"range"`

	Writer  WriterConfig  `json:"writer" yaml:"writer"`
	Stream  StreamConfig  `json:"stream" yaml:"stream"`
	Router  RouterConfig  `json:"router" yaml:"router"`
	Log     LogConfig     `json:"log" yaml:"log"`
	Storage StorageConfig `json:"storage" yaml:"storage"`
}

// WriterConfig bounds partition staging and output transactions.
type WriterConfig struct {
	// MaxVirtualSize is the per-partition staging ceiling in bytes
	MaxVirtualSize ByteSize `json:"max_virtual_size" yaml:"max_virtual_size"`

	// AutoSave is the number of records staged or committed at a time
	AutoSave int `json:"autosave" yaml:"autosave"`
}

// StreamConfig holds input reading configuration.
type StreamConfig struct {
	// Table is the input table name
	Table string `json:"table" yaml:"table"`

	// Prefetch is the read-ahead hint in bytes
	Prefetch ByteSize `json:"prefetch" yaml:"prefetch"`
}

// RouterConfig holds routing configuration.
type RouterConfig struct {
	// OnUnmapped is the unmapped channel policy: fail, skip
	OnUnmapped UnmappedPolicy `json:"on_unmapped" yaml:"on_unmapped"`
}

// LogConfig holds logger configuration.
type LogConfig struct {
	// Level is one of debug, info, warn, error
	Level string `json:"level" yaml:"level"`

	// Format is console or json
	Format string `json:"format" yaml:"format"`

	// Progress enables the progress bar on stderr
	Progress bool `json:"progress" yaml:"progress"`
}

// StorageConfig holds publication configuration.
type StorageConfig struct {
	// Type is the storage type: none, local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path"`

	// Prefix is prepended to the object key
	Prefix string `json:"prefix" yaml:"prefix"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// DefaultConfig returns the configuration of a standard LPD run.
func DefaultConfig() *Config {
	return &Config{
		Mapping: "Mapping2Detector.csv",
		Range:   types.ChannelRange{Lo: 256, Hi: 512},
		Writer: WriterConfig{
			MaxVirtualSize: 2000000000,
			AutoSave:       2000000000,
		},
		Stream: StreamConfig{
			Table:    types.DataTableName,
			Prefetch: 2000000000,
		},
		Router: RouterConfig{
			OnUnmapped: UnmappedFail,
		},
		Log: LogConfig{
			Level:    "info",
			Format:   "console",
			Progress: true,
		},
		Storage: StorageConfig{
			Type: StorageNone,
		},
	}
}

// Resolve fills paths derived from other settings.
func (c *Config) Resolve() {
	if c.OutputDir == "" && c.Input != "" {
		c.OutputDir = filepath.Dir(c.Input)
	}
	if c.Stream.Table == "" {
		c.Stream.Table = types.DataTableName
	}
	if c.Storage.Type == "" {
		c.Storage.Type = StorageNone
	}
}

// OutputPath returns the output container path for the resolved config.
func (c *Config) OutputPath(name string) string {
	return filepath.Join(c.OutputDir, name)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Input == "" {
		return cerrors.NewConfigError("input is required")
	}
	if c.Mapping == "" {
		return cerrors.NewConfigError("mapping is required")
	}
	if c.Range.Lo < 0 || c.Range.Hi < c.Range.Lo {
		return cerrors.NewConfigError(fmt.Sprintf("invalid channel range [%d,%d)", c.Range.Lo, c.Range.Hi))
	}
	if c.Writer.MaxVirtualSize < 0 {
		return cerrors.NewConfigError("writer.max_virtual_size must not be negative")
	}
	if c.Writer.AutoSave < 0 {
		return cerrors.NewConfigError("writer.autosave must not be negative")
	}
	if c.Stream.Prefetch < 0 {
		return cerrors.NewConfigError("stream.prefetch must not be negative")
	}

	switch c.Router.OnUnmapped {
	case UnmappedFail, UnmappedSkip:
	default:
		return cerrors.NewConfigError(fmt.Sprintf("invalid router.on_unmapped: %s (must be fail or skip)", c.Router.OnUnmapped))
	}

	switch c.Log.Format {
	case "console", "json":
	default:
		return cerrors.NewConfigError(fmt.Sprintf("invalid log.format: %s (must be console or json)", c.Log.Format))
	}

	switch c.Storage.Type {
	case StorageNone:
	case StorageLocal:
		if c.Storage.Path == "" {
			return cerrors.NewConfigError("storage.path is required when storage type is local")
		}
	case StorageS3:
		if c.Storage.S3.Bucket == "" {
			return cerrors.NewConfigError("s3.bucket is required when storage type is s3")
		}
	default:
		return cerrors.NewConfigError(fmt.Sprintf("invalid storage type: %s (must be none, local, or s3)", c.Storage.Type))
	}

	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file on top of the
// defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.ErrCategoryConfig, cerrors.CodeInvalidConfig, "failed to read config file", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, cerrors.Wrap(cerrors.ErrCategoryConfig, cerrors.CodeInvalidConfig, "failed to parse YAML config", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, cerrors.Wrap(cerrors.ErrCategoryConfig, cerrors.CodeInvalidConfig, "failed to parse JSON config", err)
		}
	default:
		return nil, cerrors.NewConfigError(fmt.Sprintf("unsupported config file format: %s", ext))
	}

	return cfg, nil
}

// LoadFromEnv overrides cfg from CHANSPLIT_ environment variables.
func LoadFromEnv(cfg *Config) error {
	str := func(name string, dst *string) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) error {
		v := os.Getenv(EnvPrefix + name)
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return cerrors.NewConfigError(fmt.Sprintf("%s%s: %q is not an integer", EnvPrefix, name, v))
		}
		*dst = n
		return nil
	}
	size := func(name string, dst *ByteSize) error {
		v := os.Getenv(EnvPrefix + name)
		if v == "" {
			return nil
		}
		return dst.Set(v)
	}

	str("INPUT", &cfg.Input)
	str("MAPPING", &cfg.Mapping)
	str("OUTPUT_DIR", &cfg.OutputDir)
	str("WORK_DIR", &cfg.WorkDir)
	str("STREAM_TABLE", &cfg.Stream.Table)
	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FORMAT", &cfg.Log.Format)
	str("STORAGE_TYPE", &cfg.Storage.Type)
	str("STORAGE_PATH", &cfg.Storage.Path)
	str("STORAGE_PREFIX", &cfg.Storage.Prefix)
	str("S3_BUCKET", &cfg.Storage.S3.Bucket)
	str("S3_REGION", &cfg.Storage.S3.Region)
	str("S3_ENDPOINT", &cfg.Storage.S3.Endpoint)

	if v := os.Getenv(EnvPrefix + "ON_UNMAPPED"); v != "" {
		cfg.Router.OnUnmapped = UnmappedPolicy(v)
	}

	for _, err := range []error{
		num("RANGE_LO", &cfg.Range.Lo),
		num("RANGE_HI", &cfg.Range.Hi),
		num("AUTOSAVE", &cfg.Writer.AutoSave),
		size("MAX_VIRTUAL_SIZE", &cfg.Writer.MaxVirtualSize),
		size("PREFETCH", &cfg.Stream.Prefetch),
	} {
		if err != nil {
			return err
		}
	}
	return nil
}

// EnsureDirectories creates the output and work directories.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.OutputDir, c.WorkDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return cerrors.Wrap(cerrors.ErrCategoryConfig, cerrors.CodeInvalidConfig,
				fmt.Sprintf("failed to create directory %s", dir), err)
		}
	}
	return nil
}

// ByteSize is a byte count that also accepts human-readable sizes such as
// "64MB" or "2 GiB" in config files, flags and the environment.
type ByteSize int64

// Set parses s as a plain integer or a human-readable size.
func (b *ByteSize) Set(s string) error {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		*b = ByteSize(n)
		return nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return cerrors.NewConfigError(fmt.Sprintf("invalid size %q", s))
	}
	*b = ByteSize(n)
	return nil
}

// String renders b in SI units.
func (b ByteSize) String() string {
	if b < 0 {
		return strconv.FormatInt(int64(b), 10)
	}
	return humanize.Bytes(uint64(b))
}

// Type names the flag value type.
func (b *ByteSize) Type() string {
	return "size"
}

// UnmarshalYAML accepts integers and size strings.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	return b.Set(value.Value)
}

// UnmarshalJSON accepts numbers and size strings.
func (b *ByteSize) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return b.Set(s)
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return cerrors.NewConfigError(fmt.Sprintf("invalid size %s", string(data)))
	}
	*b = ByteSize(n)
	return nil
}
