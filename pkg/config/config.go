package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// EnvPrefix is the prefix of environment variables overriding config keys.
	// Nested keys are joined with underscores: SUMO_UPLOAD_UPLOAD_THREADS.
	EnvPrefix = "SUMO_UPLOAD"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultMode keeps local files after upload.
	DefaultMode = ModeCopy

	// DefaultThreads is the default number of concurrent file uploads.
	DefaultThreads = 4

	// DefaultMetadataPath is the case-relative path of the case metadata.
	DefaultMetadataPath = "share/metadata/fmu_case.yml"

	// DefaultManifestName is the file name of the fmu-dataio export manifest.
	DefaultManifestName = ".dataio_export_manifest.json"

	// DefaultUploadsLogName records which manifest entries were uploaded.
	DefaultUploadsLogName = ".sumo_uploads.json"

	// DefaultParametersPath is the realization-relative parameters file.
	DefaultParametersPath = "parameters.txt"

	// DefaultTimeout bounds every single network call.
	DefaultTimeout = 60 * time.Second

	// DefaultRefreshSkew refreshes tokens this long before they expire.
	DefaultRefreshSkew = 2 * time.Minute

	// DefaultBackend uploads blobs to the URL returned at registration.
	DefaultBackend = BackendPresigned

	// DefaultAPIListen is the listen address of the ledger status API.
	DefaultAPIListen = ":8090"

	// DefaultLedgerPath is the sqlite ledger file, relative to the case path.
	DefaultLedgerPath = ".sumo_ledger.db"
)

// Upload modes.
const (
	ModeCopy = "copy"
	ModeMove = "move"
)

// Blob store backends.
const (
	BackendPresigned = "presigned"
	BackendS3        = "s3"
	BackendMinIO     = "minio"
)

// DefaultEnvironments maps Sumo environment names to API base URLs.
var DefaultEnvironments = map[string]string{
	"prod":      "https://main-sumo-prod.radix.equinor.com/api/v1",
	"preview":   "https://main-sumo-preview.radix.equinor.com/api/v1",
	"dev":       "https://main-sumo-dev.radix.equinor.com/api/v1",
	"test":      "https://main-sumo-test.radix.equinor.com/api/v1",
	"localhost": "http://localhost:8084/api/v1",
}

// Config is the root configuration for sumo-upload.
type Config struct {
	Global   GlobalConfig   `yaml:"global" mapstructure:"global"`
	Sumo     SumoConfig     `yaml:"sumo" mapstructure:"sumo"`
	Upload   UploadConfig   `yaml:"upload" mapstructure:"upload"`
	Retry    RetryConfig    `yaml:"retry" mapstructure:"retry"`
	Transfer TransferConfig `yaml:"transfer" mapstructure:"transfer"`
	Ledger   LedgerConfig   `yaml:"ledger" mapstructure:"ledger"`
	API      APIConfig      `yaml:"api" mapstructure:"api"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// SumoConfig describes how to reach and authenticate against Sumo.
type SumoConfig struct {
	Environments map[string]string `yaml:"environments" mapstructure:"environments"`
	// TokenFile is re-read on every refresh.
	TokenFile string `yaml:"token_file,omitempty" mapstructure:"token_file"`
	// TokenEnv names an environment variable holding the access token.
	TokenEnv          string        `yaml:"token_env,omitempty" mapstructure:"token_env"`
	Timeout           time.Duration `yaml:"timeout" mapstructure:"timeout"`
	RefreshSkew       time.Duration `yaml:"refresh_skew" mapstructure:"refresh_skew"`
	RequestsPerSecond float64       `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Burst             int           `yaml:"burst" mapstructure:"burst"`
}

// UploadConfig contains orchestration settings.
type UploadConfig struct {
	Mode             string           `yaml:"mode" mapstructure:"mode"`
	Threads          int              `yaml:"threads" mapstructure:"threads"`
	MetadataPath     string           `yaml:"metadata_path" mapstructure:"metadata_path"`
	ManifestName     string           `yaml:"manifest_name" mapstructure:"manifest_name"`
	UploadsLogName   string           `yaml:"uploads_log_name" mapstructure:"uploads_log_name"`
	RegisterEnsemble bool             `yaml:"register_ensemble" mapstructure:"register_ensemble"`
	TolerateFailures bool             `yaml:"tolerate_failures" mapstructure:"tolerate_failures"`
	Parameters       ParametersConfig `yaml:"parameters" mapstructure:"parameters"`
}

// ParametersConfig controls the upload of the realization parameters file.
type ParametersConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Path    string `yaml:"path" mapstructure:"path"`
}

// RetryConfig configures backoff for every remote call.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay" mapstructure:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay" mapstructure:"max_delay"`
}

// Load reads the configuration file at path. An empty path yields the
// defaults. Environment variables prefixed with EnvPrefix override both.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// setDefaults registers every key so environment overrides apply even when
// the file leaves a key out.
func setDefaults(v *viper.Viper) {
	v.SetDefault("global.log_level", DefaultLogLevel)

	v.SetDefault("sumo.environments", map[string]string{})
	v.SetDefault("sumo.token_file", "")
	v.SetDefault("sumo.token_env", "SUMO_TOKEN")
	v.SetDefault("sumo.timeout", DefaultTimeout)
	v.SetDefault("sumo.refresh_skew", DefaultRefreshSkew)
	v.SetDefault("sumo.requests_per_second", 0)
	v.SetDefault("sumo.burst", 0)

	v.SetDefault("upload.mode", DefaultMode)
	v.SetDefault("upload.threads", DefaultThreads)
	v.SetDefault("upload.metadata_path", DefaultMetadataPath)
	v.SetDefault("upload.manifest_name", DefaultManifestName)
	v.SetDefault("upload.uploads_log_name", DefaultUploadsLogName)
	v.SetDefault("upload.register_ensemble", true)
	v.SetDefault("upload.tolerate_failures", false)
	v.SetDefault("upload.parameters.enabled", true)
	v.SetDefault("upload.parameters.path", DefaultParametersPath)

	v.SetDefault("retry.max_attempts", 4)
	v.SetDefault("retry.base_delay", 500*time.Millisecond)
	v.SetDefault("retry.max_delay", 10*time.Second)

	v.SetDefault("transfer.backend", DefaultBackend)
	v.SetDefault("transfer.s3.bucket", "")
	v.SetDefault("transfer.s3.prefix", "")
	v.SetDefault("transfer.s3.region", "")
	v.SetDefault("transfer.s3.endpoint_url", "")
	v.SetDefault("transfer.s3.access_key_id", "")
	v.SetDefault("transfer.s3.secret_access_key", "")
	v.SetDefault("transfer.s3.force_path_style", false)
	v.SetDefault("transfer.s3.storage_class", "")
	v.SetDefault("transfer.minio.endpoint", "")
	v.SetDefault("transfer.minio.bucket", "")
	v.SetDefault("transfer.minio.prefix", "")
	v.SetDefault("transfer.minio.access_key_id", "")
	v.SetDefault("transfer.minio.secret_access_key", "")
	v.SetDefault("transfer.minio.use_ssl", true)
	v.SetDefault("transfer.derive.zstd_formats", []string{})
	v.SetDefault("transfer.derive.zstd_level", 3)

	v.SetDefault("api.listen", DefaultAPIListen)
	v.SetDefault("api.cors_origins", []string{})
	v.SetDefault("api.rate_limit.enabled", false)
	v.SetDefault("api.rate_limit.requests_per_minute", 60)

	v.SetDefault("ledger.enabled", false)
	v.SetDefault("ledger.driver", DriverSQLite)
	v.SetDefault("ledger.sqlite.path", DefaultLedgerPath)
	v.SetDefault("ledger.postgres.host", "localhost")
	v.SetDefault("ledger.postgres.port", 5432)
	v.SetDefault("ledger.postgres.user", "")
	v.SetDefault("ledger.postgres.password", "")
	v.SetDefault("ledger.postgres.database", "")
	v.SetDefault("ledger.postgres.sslmode", "disable")
}

// applyDefaults fills values viper cannot default, such as map merges.
func (c *Config) applyDefaults() {
	envs := make(map[string]string, len(DefaultEnvironments)+len(c.Sumo.Environments))
	for name, url := range DefaultEnvironments {
		envs[name] = url
	}

	for name, url := range c.Sumo.Environments {
		envs[strings.ToLower(name)] = url
	}

	c.Sumo.Environments = envs

	if c.Upload.ManifestName == "" {
		c.Upload.ManifestName = DefaultManifestName
	}

	if c.Upload.UploadsLogName == "" {
		c.Upload.UploadsLogName = DefaultUploadsLogName
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Upload.Mode {
	case ModeCopy, ModeMove:
	default:
		return fmt.Errorf("upload.mode: unknown mode %q (expected %q or %q)",
			c.Upload.Mode, ModeCopy, ModeMove)
	}

	if c.Upload.Threads < 1 {
		return fmt.Errorf("upload.threads must be at least 1, got %d", c.Upload.Threads)
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}

	if c.Retry.BaseDelay <= 0 {
		return fmt.Errorf("retry.base_delay must be positive")
	}

	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry.max_delay must not be below retry.base_delay")
	}

	if c.Sumo.Timeout <= 0 {
		return fmt.Errorf("sumo.timeout must be positive")
	}

	if err := c.Transfer.validate(); err != nil {
		return fmt.Errorf("transfer: %w", err)
	}

	if err := c.Ledger.validate(); err != nil {
		return fmt.Errorf("ledger: %w", err)
	}

	if c.API.RateLimit.Enabled && c.API.RateLimit.RequestsPerMinute < 1 {
		return fmt.Errorf("api.rate_limit.requests_per_minute must be at least 1")
	}

	return nil
}

// BaseURL returns the API base URL of the named environment.
func (c *Config) BaseURL(env string) (string, error) {
	url, ok := c.Sumo.Environments[strings.ToLower(env)]
	if !ok || url == "" {
		return "", fmt.Errorf("unknown sumo environment %q (known: %s)",
			env, strings.Join(c.EnvironmentNames(), ", "))
	}

	return strings.TrimRight(url, "/"), nil
}

// EnvironmentNames returns the configured environment names, sorted.
func (c *Config) EnvironmentNames() []string {
	names := make([]string, 0, len(c.Sumo.Environments))
	for name := range c.Sumo.Environments {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}
