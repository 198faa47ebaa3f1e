package simple

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/cochaviz/kiln/internal/artifacts"
	imagerepos "github.com/cochaviz/kiln/internal/image/repositories"
	"github.com/cochaviz/kiln/internal/setup"
)

// Backend names accepted in the configuration file.
const (
	BackendLocal    = "local"
	BackendS3       = "s3"
	BackendPostgres = "postgres"
)

// Config holds the resolved settings for one kiln invocation.
type Config struct {
	Docker    string
	WorkDir   string
	SpecDir   string
	LogLevel  string
	LogFormat string

	ArtifactBackend string
	ArtifactDir     string
	ObjectStore     artifacts.ObjectStoreConfig

	ImageBackend string
	ImageDir     string
	Postgres     imagerepos.PostgresConfig
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Docker:          "docker",
		WorkDir:         setup.StorageDir + "work",
		SpecDir:         setup.ConfigDir + "/specs",
		LogLevel:        "info",
		LogFormat:       "cli",
		ArtifactBackend: BackendLocal,
		ArtifactDir:     setup.StorageDir + "artifacts",
		ObjectStore: artifacts.ObjectStoreConfig{
			Region: "us-east-1",
			Bucket: "kiln-artifacts",
			Prefix: "kiln",
		},
		ImageBackend: BackendLocal,
		ImageDir:     setup.StorageDir + "images",
		Postgres: imagerepos.PostgresConfig{
			PingTimeout:  5 * time.Second,
			MaxOpenConns: 4,
		},
	}
}

// config.toml key mapping to Config.
type fileConfig struct {
	Docker    string `toml:"docker"`
	WorkDir   string `toml:"work_dir"`
	SpecDir   string `toml:"spec_dir"`
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`

	Artifacts struct {
		Backend   string `toml:"backend"`
		Dir       string `toml:"dir"`
		Endpoint  string `toml:"endpoint"`
		AccessKey string `toml:"access_key"`
		SecretKey string `toml:"secret_key"`
		Region    string `toml:"region"`
		UseSSL    bool   `toml:"use_ssl"`
		Bucket    string `toml:"bucket"`
		Prefix    string `toml:"prefix"`
	} `toml:"artifacts"`

	Images struct {
		Backend      string `toml:"backend"`
		Dir          string `toml:"dir"`
		DatabaseURL  string `toml:"database_url"`
		PingTimeout  string `toml:"ping_timeout"`
		MaxOpenConns int    `toml:"max_open_conns"`
	} `toml:"images"`
}

// Load reads path and overlays every key it defines onto Default. A missing
// file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load config %s: unknown keys %v", path, undecoded)
	}

	overlay := func(dst *string, value string, key ...string) {
		if meta.IsDefined(key...) {
			*dst = strings.TrimSpace(value)
		}
	}
	overlay(&cfg.Docker, raw.Docker, "docker")
	overlay(&cfg.WorkDir, raw.WorkDir, "work_dir")
	overlay(&cfg.SpecDir, raw.SpecDir, "spec_dir")
	overlay(&cfg.LogLevel, raw.LogLevel, "log_level")
	overlay(&cfg.LogFormat, raw.LogFormat, "log_format")

	overlay(&cfg.ArtifactBackend, raw.Artifacts.Backend, "artifacts", "backend")
	overlay(&cfg.ArtifactDir, raw.Artifacts.Dir, "artifacts", "dir")
	overlay(&cfg.ObjectStore.Endpoint, raw.Artifacts.Endpoint, "artifacts", "endpoint")
	overlay(&cfg.ObjectStore.AccessKey, raw.Artifacts.AccessKey, "artifacts", "access_key")
	overlay(&cfg.ObjectStore.SecretKey, raw.Artifacts.SecretKey, "artifacts", "secret_key")
	overlay(&cfg.ObjectStore.Region, raw.Artifacts.Region, "artifacts", "region")
	overlay(&cfg.ObjectStore.Bucket, raw.Artifacts.Bucket, "artifacts", "bucket")
	overlay(&cfg.ObjectStore.Prefix, raw.Artifacts.Prefix, "artifacts", "prefix")
	if meta.IsDefined("artifacts", "use_ssl") {
		cfg.ObjectStore.UseSSL = raw.Artifacts.UseSSL
	}

	overlay(&cfg.ImageBackend, raw.Images.Backend, "images", "backend")
	overlay(&cfg.ImageDir, raw.Images.Dir, "images", "dir")
	overlay(&cfg.Postgres.URL, raw.Images.DatabaseURL, "images", "database_url")
	if meta.IsDefined("images", "ping_timeout") {
		timeout, err := time.ParseDuration(strings.TrimSpace(raw.Images.PingTimeout))
		if err != nil {
			return Config{}, fmt.Errorf("load config %s: images.ping_timeout: %w", path, err)
		}
		cfg.Postgres.PingTimeout = timeout
	}
	if meta.IsDefined("images", "max_open_conns") {
		cfg.Postgres.MaxOpenConns = raw.Images.MaxOpenConns
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the backend selection and the settings each backend needs.
func (c Config) Validate() error {
	var errs []error
	switch c.ArtifactBackend {
	case BackendLocal:
		if c.ArtifactDir == "" {
			errs = append(errs, errors.New("artifacts.dir is required for the local backend"))
		}
	case BackendS3:
		if err := c.ObjectStore.Validate(); err != nil {
			errs = append(errs, err)
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported artifact backend %q (expected local or s3)", c.ArtifactBackend))
	}

	switch c.ImageBackend {
	case BackendLocal:
		if c.ImageDir == "" {
			errs = append(errs, errors.New("images.dir is required for the local backend"))
		}
	case BackendPostgres:
		if err := c.Postgres.Validate(); err != nil {
			errs = append(errs, err)
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported image backend %q (expected local or postgres)", c.ImageBackend))
	}
	return errors.Join(errs...)
}

// Encode renders c as config.toml. Secrets are written as configured.
func (c Config) Encode() ([]byte, error) {
	var raw fileConfig
	raw.Docker = c.Docker
	raw.WorkDir = c.WorkDir
	raw.SpecDir = c.SpecDir
	raw.LogLevel = c.LogLevel
	raw.LogFormat = c.LogFormat

	raw.Artifacts.Backend = c.ArtifactBackend
	raw.Artifacts.Dir = c.ArtifactDir
	raw.Artifacts.Endpoint = c.ObjectStore.Endpoint
	raw.Artifacts.AccessKey = c.ObjectStore.AccessKey
	raw.Artifacts.SecretKey = c.ObjectStore.SecretKey
	raw.Artifacts.Region = c.ObjectStore.Region
	raw.Artifacts.UseSSL = c.ObjectStore.UseSSL
	raw.Artifacts.Bucket = c.ObjectStore.Bucket
	raw.Artifacts.Prefix = c.ObjectStore.Prefix

	raw.Images.Backend = c.ImageBackend
	raw.Images.Dir = c.ImageDir
	raw.Images.DatabaseURL = c.Postgres.URL
	raw.Images.PingTimeout = c.Postgres.PingTimeout.String()
	raw.Images.MaxOpenConns = c.Postgres.MaxOpenConns

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(raw); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return buf.Bytes(), nil
}
