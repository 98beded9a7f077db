package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the main configuration for tapecat.
type Config struct {
	DirectorID string           `toml:"director_id"`
	BaseDir    string           `toml:"base_dir"`
	LogDir     string           `toml:"log_dir"`
	Log        LogConfig        `toml:"log"`
	Database   DatabaseConfig   `toml:"database"`
	Batch      BatchConfig      `toml:"batch"`
	Retention  RetentionConfig  `toml:"retention"`
	Mover      MoverConfig      `toml:"mover"`
	Vaults     []VaultConfig    `toml:"vaults"`
	Encryption EncryptionConfig `toml:"encryption"`
}

// LogConfig controls the rotated catalog log.
type LogConfig struct {
	MaxSizeMB  int `toml:"max_size_mb"`  // rotate past this size; defaults to 50
	MaxBackups int `toml:"max_backups"`  // rotated files kept; defaults to 5
	MaxAgeDays int `toml:"max_age_days"` // rotated files kept this long; 0 keeps forever
}

// DatabaseConfig configures the catalog database.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite"
	DataDir string `toml:"data_dir,omitempty"` // directory holding catalog.db
	// ConnectRetries bounds startup reconnect attempts; defaults to 3.
	ConnectRetries int `toml:"connect_retries"`
}

// Path returns the catalog database file path.
func (c DatabaseConfig) Path() string {
	return filepath.Join(c.DataDir, "catalog.db")
}

// BatchConfig tunes the batch attribute insert pipeline.
type BatchConfig struct {
	Enabled bool `toml:"enabled"`
	// FlushThreshold bounds staged rows before a mid-job flush;
	// defaults to 500000.
	FlushThreshold int `toml:"flush_threshold"`
	// MaxChanges bounds statements per open batch transaction;
	// defaults to 10000.
	MaxChanges int `toml:"max_changes"`
}

// RetentionConfig holds director-wide retention defaults, applied when
// a client or pool record carries none.
type RetentionConfig struct {
	JobRetention    Duration `toml:"job_retention"`
	FileRetention   Duration `toml:"file_retention"`
	VolumeRetention Duration `toml:"volume_retention"`
	AutoPrune       bool     `toml:"auto_prune"`
}

// MoverConfig bounds migration and copy runs.
type MoverConfig struct {
	// MaxConcurrent caps simultaneously running control jobs;
	// defaults to 1.
	MaxConcurrent int    `toml:"max_concurrent"`
	StorageName   string `toml:"storage_name"`
}

// VaultConfig configures a catalog archive backend.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type VaultConfig struct {
	Type string `toml:"type"` // "memory", "s3", or "filesystem"
	Name string `toml:"name"`

	// S3-specific fields (only used when Type == "s3"). When the key
	// pair is empty the default AWS credential chain applies.
	S3Bucket    string `toml:"s3_bucket,omitempty"`
	S3Prefix    string `toml:"s3_prefix,omitempty"`
	S3Region    string `toml:"s3_region,omitempty"`
	S3AccessKey string `toml:"s3_access_key,omitempty"`
	S3SecretKey string `toml:"s3_secret_key,omitempty"`

	// FileSystem-specific fields (only used when Type == "filesystem")
	FSVaultRoot string `toml:"fs_vault_root,omitempty"`
}

// EncryptionConfig holds paths to the age key pair protecting catalog
// archives.
type EncryptionConfig struct {
	Type           string `toml:"type"` // "age" (default) or "test"
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// Duration wraps time.Duration with TOML text encoding, so retention
// periods read as "720h" instead of raw nanosecond counts.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// NewConfig creates a Config with the provided values and default
// paths. Retention defaults mirror the classic catalog defaults: six
// months for jobs and files, one year for volumes.
func NewConfig(directorID, baseDir string) *Config {
	return &Config{
		DirectorID: directorID,
		BaseDir:    baseDir,
		LogDir:     filepath.Join(baseDir, "log"),
		Log: LogConfig{
			MaxSizeMB:  50,
			MaxBackups: 5,
		},
		Database: DatabaseConfig{
			Type:           "sqlite",
			DataDir:        filepath.Join(baseDir, "db"),
			ConnectRetries: 3,
		},
		Batch: BatchConfig{
			Enabled:        true,
			FlushThreshold: 500000,
			MaxChanges:     10000,
		},
		Retention: RetentionConfig{
			JobRetention:    Duration{180 * 24 * time.Hour},
			FileRetention:   Duration{180 * 24 * time.Hour},
			VolumeRetention: Duration{365 * 24 * time.Hour},
			AutoPrune:       true,
		},
		Mover: MoverConfig{
			MaxConcurrent: 1,
		},
		Encryption: EncryptionConfig{
			PublicKeyPath:  filepath.Join(baseDir, "keys", "tapecat.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "tapecat.key"),
		},
	}
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// writeToFile writes a Config to the specified file path.
func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
