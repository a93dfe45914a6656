package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"go.uber.org/zap"

	"github.com/Foxdelta8/dwarfcorp/internal/persistence/savedir"
)

// EnvPrefix prefixes every environment override, e.g. DWARFSAVE_SAVES_DIR.
const EnvPrefix = "DWARFSAVE_"

// Config holds the settings shared by the save tools.
type Config struct {
	SavesDir       string `yaml:"saves_dir" validate:"required"`
	ArchiveDir     string `yaml:"archive_dir"`
	IndexDB        string `yaml:"index_db"`
	Compressed     bool   `yaml:"compressed"`
	DetectEncoding bool   `yaml:"detect_encoding"`
	Workers        int    `yaml:"workers" validate:"gte=0"`
	LogLevel       string `yaml:"log_level" validate:"oneof=debug info warn warning error"`
	LogEncoding    string `yaml:"log_encoding" validate:"oneof=json console"`

	Remote RemoteConfig `yaml:"remote"`
}

// RemoteConfig points archive uploads at an S3-compatible bucket. Keys are
// only read from the environment.
type RemoteConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket" validate:"required_with=Endpoint"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"-"`
	SecretKey string `yaml:"-"`
}

// Enabled reports whether archives should be uploaded.
func (r RemoteConfig) Enabled() bool { return r.Endpoint != "" && r.Bucket != "" }

var validate = validator.New()

func Defaults() Config {
	return Config{
		SavesDir:    "Saves",
		ArchiveDir:  "Archive",
		Compressed:  true,
		LogLevel:    "info",
		LogEncoding: "console",
	}
}

// Load reads a YAML file over Defaults. Keys missing from the file keep their
// default values.
func Load(path string) (Config, error) {
	c := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// ApplyEnv overrides fields from DWARFSAVE_* variables. Empty variables are ignored.
func (c *Config) ApplyEnv() error {
	setString := func(key string, dst *string) {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			*dst = v
		}
	}
	setBool := func(key string, dst *bool) error {
		v := os.Getenv(EnvPrefix + key)
		if v == "" {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
		}
		*dst = b
		return nil
	}

	setString("SAVES_DIR", &c.SavesDir)
	setString("ARCHIVE_DIR", &c.ArchiveDir)
	setString("INDEX_DB", &c.IndexDB)
	setString("LOG_LEVEL", &c.LogLevel)
	setString("LOG_ENCODING", &c.LogEncoding)
	setString("REMOTE_ENDPOINT", &c.Remote.Endpoint)
	setString("REMOTE_BUCKET", &c.Remote.Bucket)
	setString("REMOTE_PREFIX", &c.Remote.Prefix)
	setString("REMOTE_REGION", &c.Remote.Region)
	setString("REMOTE_ACCESS_KEY", &c.Remote.AccessKey)
	setString("REMOTE_SECRET_KEY", &c.Remote.SecretKey)
	if err := setBool("COMPRESSED", &c.Compressed); err != nil {
		return err
	}
	if err := setBool("DETECT_ENCODING", &c.DetectEncoding); err != nil {
		return err
	}
	if v := os.Getenv(EnvPrefix + "WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sWORKERS: %w", EnvPrefix, err)
		}
		c.Workers = n
	}
	c.LogLevel = strings.ToLower(c.LogLevel)
	c.LogEncoding = strings.ToLower(c.LogEncoding)
	return nil
}

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Options converts the config into save directory options. index may be nil.
func (c Config) Options(logger *zap.Logger, index savedir.Recorder) savedir.Options {
	return savedir.Options{
		Compressed:     c.Compressed,
		DetectEncoding: c.DetectEncoding,
		Workers:        c.Workers,
		Logger:         logger,
		Index:          index,
	}
}
