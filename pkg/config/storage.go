package config

import "fmt"

// Ledger database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// TransferConfig selects and configures the blob store.
type TransferConfig struct {
	Backend string       `yaml:"backend" mapstructure:"backend"`
	S3      S3Config     `yaml:"s3,omitempty" mapstructure:"s3"`
	MinIO   MinIOConfig  `yaml:"minio,omitempty" mapstructure:"minio"`
	Derive  DeriveConfig `yaml:"derive,omitempty" mapstructure:"derive"`
}

// S3Config contains S3-compatible blob store settings. Objects are written
// to {prefix}/{object id}.
type S3Config struct {
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
	StorageClass    string `yaml:"storage_class,omitempty" mapstructure:"storage_class"`
}

// MinIOConfig contains MinIO blob store settings.
type MinIOConfig struct {
	Endpoint        string `yaml:"endpoint" mapstructure:"endpoint"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
	AccessKeyID     string `yaml:"access_key_id" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key" mapstructure:"secret_access_key"`
	UseSSL          bool   `yaml:"use_ssl" mapstructure:"use_ssl"`
}

// DeriveConfig lists the data formats that get a derived payload.
type DeriveConfig struct {
	ZstdFormats []string `yaml:"zstd_formats,omitempty" mapstructure:"zstd_formats"`
	ZstdLevel   int      `yaml:"zstd_level,omitempty" mapstructure:"zstd_level"`
}

// LedgerConfig configures the local record of completed uploads.
type LedgerConfig struct {
	Enabled  bool                 `yaml:"enabled" mapstructure:"enabled"`
	Driver   string               `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteDatabaseConfig `yaml:"sqlite" mapstructure:"sqlite"`
	Postgres PostgresConfig       `yaml:"postgres" mapstructure:"postgres"`
}

// SQLiteDatabaseConfig contains SQLite settings. A relative path is
// resolved against the case path.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"sslmode" mapstructure:"sslmode"`
}

// APIConfig configures the read-only ledger status API.
type APIConfig struct {
	Listen      string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// RateLimitConfig limits requests per client IP.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

func (t *TransferConfig) validate() error {
	switch t.Backend {
	case BackendPresigned:
	case BackendS3:
		if t.S3.Bucket == "" {
			return fmt.Errorf("s3.bucket is required for the s3 backend")
		}
	case BackendMinIO:
		if t.MinIO.Endpoint == "" || t.MinIO.Bucket == "" {
			return fmt.Errorf("minio.endpoint and minio.bucket are required for the minio backend")
		}
	default:
		return fmt.Errorf("unknown backend %q", t.Backend)
	}

	if t.Derive.ZstdLevel < 0 {
		return fmt.Errorf("derive.zstd_level must not be negative")
	}

	return nil
}

func (l *LedgerConfig) validate() error {
	if !l.Enabled {
		return nil
	}

	switch l.Driver {
	case DriverSQLite:
		if l.SQLite.Path == "" {
			return fmt.Errorf("sqlite.path is required")
		}
	case DriverPostgres:
		if l.Postgres.Host == "" || l.Postgres.Database == "" {
			return fmt.Errorf("postgres.host and postgres.database are required")
		}
	default:
		return fmt.Errorf("unsupported database driver: %s", l.Driver)
	}

	return nil
}
