package core

import (
	"errors"
	"fmt"
	"os"
	"time"

	"clamgate/internal/definitions"
	"clamgate/internal/digest"
	"clamgate/internal/engine"
	"clamgate/internal/events"
	"clamgate/internal/metadata"
	"clamgate/internal/transfer"
	"clamgate/pkg/auth"

	"gopkg.in/yaml.v3"
)

type ObjectStoreConfig struct {
	// Backend is "minio" for any S3-compatible endpoint or "s3" for AWS.
	Backend         string `yaml:"backend"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UseSSL          bool   `yaml:"use_ssl"`
}

type RecordsConfig struct {
	// Backend is "sqlite" or "dynamodb".
	Backend  string        `yaml:"backend"`
	Path     string        `yaml:"path"`
	Table    string        `yaml:"table"`
	Endpoint string        `yaml:"endpoint"`
	TTL      time.Duration `yaml:"ttl"`
}

type DefinitionsConfig struct {
	Bucket string   `yaml:"bucket"`
	Prefix string   `yaml:"prefix"`
	Names  []string `yaml:"names"`
	Digest string   `yaml:"digest"`
}

type ScannerConfig struct {
	Clamscan        string        `yaml:"clamscan"`
	Freshclam       string        `yaml:"freshclam"`
	FreshclamConfig string        `yaml:"freshclam_config"`
	ScanTimeout     time.Duration `yaml:"scan_timeout"`
	RefreshTimeout  time.Duration `yaml:"refresh_timeout"`
}

type LimitsConfig struct {
	MaxFileSize      int64 `yaml:"max_file_size"`
	MaxScannableSize int64 `yaml:"max_scannable_size"`
	ChunkSize        int64 `yaml:"chunk_size"`
}

type QueueConfig struct {
	URL         string `yaml:"url"`
	MaxMessages int32  `yaml:"max_messages"`
	WaitSeconds int32  `yaml:"wait_seconds"`
}

type AuthConfig struct {
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	Tokens   []string `yaml:"tokens"`
}

type Config struct {
	Listen  string `yaml:"listen"`
	WorkDir string `yaml:"work_dir"`
	Region  string `yaml:"region"`

	ObjectStore ObjectStoreConfig `yaml:"object_store"`
	Records     RecordsConfig     `yaml:"records"`
	Definitions DefinitionsConfig `yaml:"definitions"`
	Scanner     ScannerConfig     `yaml:"scanner"`
	Limits      LimitsConfig      `yaml:"limits"`
	Queue       QueueConfig       `yaml:"queue"`
	Auth        AuthConfig        `yaml:"auth"`

	RefreshSchedule string `yaml:"refresh_schedule"`
	ExpirySchedule  string `yaml:"expiry_schedule"`

	Authenticator auth.AuthEngine `yaml:"-"`
}

type ConfigOption func(*Config)

func WithAuthEngine(authenticator auth.AuthEngine) ConfigOption {
	return func(cfg *Config) {
		cfg.Authenticator = authenticator
	}
}

func WithRegion(region string) ConfigOption {
	return func(cfg *Config) {
		cfg.Region = region
	}
}

func WithWorkDir(dir string) ConfigOption {
	return func(cfg *Config) {
		cfg.WorkDir = dir
	}
}

func WithListen(addr string) ConfigOption {
	return func(cfg *Config) {
		cfg.Listen = addr
	}
}

func WithQueueURL(url string) ConfigOption {
	return func(cfg *Config) {
		cfg.Queue.URL = url
	}
}

func WithDefinitionsBucket(bucket string) ConfigOption {
	return func(cfg *Config) {
		cfg.Definitions.Bucket = bucket
	}
}

func WithObjectStore(store ObjectStoreConfig) ConfigOption {
	return func(cfg *Config) {
		cfg.ObjectStore = store
	}
}

func WithRecords(records RecordsConfig) ConfigOption {
	return func(cfg *Config) {
		cfg.Records = records
	}
}

// DefaultConfig returns the settings used for anything a config file or
// option leaves out.
func DefaultConfig() Config {
	return Config{
		Listen:  ":9010",
		WorkDir: "./data",
		Region:  "us-east-1",
		ObjectStore: ObjectStoreConfig{
			Backend: "minio",
		},
		Records: RecordsConfig{
			Backend: "sqlite",
			Path:    "records.sqlite",
			TTL:     metadata.DefaultTTL,
		},
		Definitions: DefinitionsConfig{
			Prefix: definitions.DefaultPrefix,
			Names:  append([]string(nil), definitions.DefaultNames...),
			Digest: string(digest.MD5),
		},
		Scanner: ScannerConfig{
			ScanTimeout:    10 * time.Minute,
			RefreshTimeout: 5 * time.Minute,
		},
		Limits: LimitsConfig{
			MaxFileSize:      engine.DefaultMaxFileSize,
			MaxScannableSize: engine.DefaultMaxScannableSize,
			ChunkSize:        transfer.DefaultChunkSize,
		},
		Queue: QueueConfig{
			MaxMessages: 10,
			WaitSeconds: 20,
		},
		RefreshSchedule: events.DefaultRefreshSchedule,
		ExpirySchedule:  "@daily",
	}
}

func NewConfig(opts ...ConfigOption) Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// LoadConfig reads a YAML config file over the defaults and then applies
// opts, so options given on the command line win over the file.
func LoadConfig(path string, opts ...ConfigOption) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg, nil
}

// Validate reports settings that would make the service unusable.
func (c Config) Validate() error {
	var errs []error

	if c.WorkDir == "" {
		errs = append(errs, errors.New("work_dir must not be empty"))
	}
	if c.Definitions.Bucket == "" {
		errs = append(errs, errors.New("definitions.bucket must be set"))
	}
	if _, err := digest.ParseAlgorithm(c.Definitions.Digest); err != nil {
		errs = append(errs, err)
	}

	switch c.ObjectStore.Backend {
	case "minio":
		if c.ObjectStore.Endpoint == "" {
			errs = append(errs, errors.New("object_store.endpoint is required for the minio backend"))
		}
	case "s3":
	default:
		errs = append(errs, fmt.Errorf("unknown object_store.backend %q", c.ObjectStore.Backend))
	}

	switch c.Records.Backend {
	case "sqlite":
		if c.Records.Path == "" {
			errs = append(errs, errors.New("records.path is required for the sqlite backend"))
		}
	case "dynamodb":
		if c.Records.Table == "" {
			errs = append(errs, errors.New("records.table is required for the dynamodb backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown records.backend %q", c.Records.Backend))
	}

	if c.Limits.MaxScannableSize > c.Limits.MaxFileSize {
		errs = append(errs, fmt.Errorf("limits.max_scannable_size %d exceeds limits.max_file_size %d", c.Limits.MaxScannableSize, c.Limits.MaxFileSize))
	}

	return errors.Join(errs...)
}

// EngineLimits returns the size policy of the configuration.
func (c Config) EngineLimits() engine.Limits {
	return engine.Limits{
		MaxFileSize:      c.Limits.MaxFileSize,
		MaxScannableSize: c.Limits.MaxScannableSize,
	}
}

// AuthEngine returns the configured authenticator. Without an explicit
// engine, Basic and bearer credentials from the config are accepted, and a
// config without any credentials leaves the endpoints open.
func (c Config) AuthEngine() auth.AuthEngine {
	if c.Authenticator != nil {
		return c.Authenticator
	}

	var engines []auth.AuthEngine
	if c.Auth.Username != "" {
		engines = append(engines, auth.NewBasicAuthEngine(c.Auth.Username, c.Auth.Password))
	}
	if len(c.Auth.Tokens) > 0 {
		engines = append(engines, auth.NewTokenAuthEngine(c.Auth.Tokens...))
	}
	if len(engines) == 0 {
		return auth.AllowAll{}
	}
	return auth.NewCompoundAuthEngine(engines...)
}
