package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"relaysync/pkg/utils"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix prefixes every environment override, e.g. RELAYSYNC_DATA_DIR.
const EnvPrefix = "RELAYSYNC"

var validate = validator.New()

// Duration is a time.Duration written as "30s" in JSON and the environment.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	return d.Decode(s)
}

// Decode implements envconfig.Decoder.
func (d *Duration) Decode(value string) error {
	v, err := time.ParseDuration(value)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

type Config struct {
	DataDir   string         `json:"data_dir" envconfig:"DATA_DIR" validate:"required"`
	VaultRoot string         `json:"vault_root" envconfig:"VAULT_ROOT" validate:"required"`
	Relay     RelayConfig    `json:"relay" envconfig:"RELAY"`
	Sync      SyncConfig     `json:"sync" envconfig:"SYNC"`
	Pool      PoolConfig     `json:"pool" envconfig:"POOL"`
	Listen    ListenConfig   `json:"listen" envconfig:"LISTEN"`
	Log       LogConfig      `json:"log" envconfig:"LOG"`
	Folders   []FolderConfig `json:"folders" ignored:"true" validate:"dive"`
}

type RelayConfig struct {
	APIURL       string   `json:"api_url" envconfig:"API_URL" validate:"omitempty,url"`
	APIKey       string   `json:"api_key,omitempty" envconfig:"API_KEY"`
	TokenTimeout Duration `json:"token_timeout" envconfig:"TOKEN_TIMEOUT"`
	MaxRetries   int      `json:"max_retries" envconfig:"MAX_RETRIES" validate:"min=0"`
}

type SyncConfig struct {
	SyncConcurrency     int            `json:"sync_concurrency" envconfig:"SYNC_CONCURRENCY" validate:"min=1"`
	DownloadConcurrency int            `json:"download_concurrency" envconfig:"DOWNLOAD_CONCURRENCY" validate:"min=1"`
	ReconcileWorkers    int            `json:"reconcile_workers" envconfig:"RECONCILE_WORKERS" validate:"min=1"`
	TickInterval        Duration       `json:"tick_interval" envconfig:"TICK_INTERVAL"`
	MaxRetries          int            `json:"max_retries" envconfig:"MAX_RETRIES" validate:"min=0"`
	RetryDelay          Duration       `json:"retry_delay" envconfig:"RETRY_DELAY"`
	MaxFileSize         utils.DataSize `json:"max_file_size" envconfig:"MAX_FILE_SIZE"`
	ReadyCheckInterval  Duration       `json:"ready_check_interval" envconfig:"READY_CHECK_INTERVAL"`
	TransferLease       Duration       `json:"transfer_lease" envconfig:"TRANSFER_LEASE"`
}

type PoolConfig struct {
	MaxPersistent int      `json:"max_persistent" envconfig:"MAX_PERSISTENT" validate:"min=1"`
	MaxTemporary  int      `json:"max_temporary" envconfig:"MAX_TEMPORARY" validate:"min=0"`
	SweepInterval Duration `json:"sweep_interval" envconfig:"SWEEP_INTERVAL"`
}

type ListenConfig struct {
	// Status serves /status and /metrics over HTTP. Empty disables it.
	Status string `json:"status" envconfig:"STATUS" validate:"omitempty,hostname_port"`
	// Health serves the gRPC health service. Empty disables it.
	Health string `json:"health" envconfig:"HEALTH" validate:"omitempty,hostname_port"`
}

type LogConfig struct {
	Level      string `json:"level" envconfig:"LEVEL" validate:"omitempty,oneof=debug info warn error"`
	File       string `json:"file,omitempty" envconfig:"FILE"`
	MaxSizeMB  int    `json:"max_size_mb" envconfig:"MAX_SIZE_MB" validate:"min=0"`
	MaxBackups int    `json:"max_backups" envconfig:"MAX_BACKUPS" validate:"min=0"`
}

// FolderConfig is one shared folder. Path is relative to vault_root unless
// absolute.
type FolderConfig struct {
	GUID          string `json:"guid" validate:"required"`
	Path          string `json:"path" validate:"required"`
	Relay         string `json:"relay,omitempty"`
	ShouldConnect bool   `json:"should_connect"`
	// Authoritative folders were created on this device and do not wait for
	// server state before reconciling.
	Authoritative bool `json:"authoritative,omitempty"`
}

// Default returns a local-only configuration.
func Default() *Config {
	return &Config{
		DataDir:   "./data",
		VaultRoot: "./vault",
		Relay: RelayConfig{
			TokenTimeout: Duration(10 * time.Second),
			MaxRetries:   3,
		},
		Sync: SyncConfig{
			SyncConcurrency:     3,
			DownloadConcurrency: 3,
			ReconcileWorkers:    8,
			TickInterval:        Duration(time.Second),
			MaxRetries:          5,
			RetryDelay:          Duration(500 * time.Millisecond),
			MaxFileSize:         utils.DataSize(100 * utils.MegaByte),
			ReadyCheckInterval:  Duration(5 * time.Second),
			TransferLease:       Duration(5 * time.Minute),
		},
		Pool: PoolConfig{
			MaxPersistent: 20,
			MaxTemporary:  5,
			SweepInterval: Duration(5 * time.Second),
		},
		Listen: ListenConfig{
			Status: "127.0.0.1:8090",
			Health: "127.0.0.1:8091",
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 3,
		},
	}
}

// LoadConfig reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from RELAYSYNC_* variables.
func (c *Config) ApplyEnv() error {
	if err := envconfig.Process(EnvPrefix, c); err != nil {
		return fmt.Errorf("failed to apply environment: %w", err)
	}
	return nil
}

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	seen := make(map[string]struct{}, len(c.Folders))
	var errs []error
	for _, f := range c.Folders {
		if _, dup := seen[f.GUID]; dup {
			errs = append(errs, fmt.Errorf("folder %s is listed twice", f.GUID))
		}
		seen[f.GUID] = struct{}{}
		if f.Relay != "" && c.Relay.APIURL == "" {
			errs = append(errs, fmt.Errorf("folder %s uses relay %s but relay.api_url is empty", f.GUID, f.Relay))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// FolderRoot resolves the directory of a folder.
func (c *Config) FolderRoot(f FolderConfig) string {
	if filepath.IsAbs(f.Path) {
		return f.Path
	}
	return filepath.Join(c.VaultRoot, f.Path)
}

// Save writes the config as indented JSON.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}
