package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/docker/go-units"
	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

var errConfigFileNotFound = errors.New("config file not found")

type Config struct {
	HTTP   HTTPConfig   `mapstructure:"http"`
	Log    LogConfig    `mapstructure:"log"`
	DB     DBConfig     `mapstructure:"db"`
	Upload UploadConfig `mapstructure:"upload"`

	// PermanentDB, when set, backs a second chunk store that finished
	// uploads are promoted into and downloads are served from.
	PermanentDB *DBConfig `mapstructure:"permanent_db"`
}

type HTTPConfig struct {
	Addr     string `mapstructure:"addr"`
	BasePath string `mapstructure:"base_path"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type DBConfig struct {
	Type     string `mapstructure:"type"`
	File     string `mapstructure:"file"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	Charset  string `mapstructure:"charset"`
}

type UploadConfig struct {
	// MaxSize and ChunkSize accept human readable byte sizes ("512MB").
	// A zero MaxSize means unlimited.
	MaxSize   string `mapstructure:"max_size"`
	ChunkSize string `mapstructure:"chunk_size"`

	ExpirationTime time.Duration `mapstructure:"expiration_time"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`

	Disposition      string   `mapstructure:"disposition"`
	RedirectDownload string   `mapstructure:"redirect_download"`
	RequestOrigins   []string `mapstructure:"request_origins"`
}

func defaults() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr:     ":8080",
			BasePath: "/files",
		},
		Log: LogConfig{
			Level: "info",
		},
		DB: DBConfig{
			Type:    "sqlite",
			File:    "tuskd.db",
			Port:    3306,
			Charset: "utf8mb4",
		},
		Upload: UploadConfig{
			MaxSize:        "0",
			ChunkSize:      "4MiB",
			ExpirationTime: 24 * time.Hour,
			SweepInterval:  time.Hour,
			Disposition:    "attachment",
		},
	}
}

// Load reads the YAML config at path and unmarshals it over the defaults.
// An empty path yields the default configuration.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		k := koanf.New(".")
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if os.IsNotExist(err) {
				return nil, errConfigFileNotFound
			}
			return nil, err
		}

		err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
			Tag: "mapstructure",
			DecoderConfig: &mapstructure.DecoderConfig{
				DecodeHook: mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					mapstructure.StringToSliceHookFunc(","),
				),
				Result:           cfg,
				WeaklyTypedInput: true,
			},
		})
		if err != nil {
			return nil, err
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.DB.Type {
	case "sqlite", "mysql":
	default:
		return fmt.Errorf("unsupported database type: %s", c.DB.Type)
	}

	switch c.Upload.Disposition {
	case "inline", "attachment":
	default:
		return fmt.Errorf("invalid disposition: %s", c.Upload.Disposition)
	}

	if _, err := c.Upload.MaxSizeBytes(); err != nil {
		return err
	}
	size, err := c.Upload.ChunkSizeBytes()
	if err != nil {
		return err
	}
	if size <= 0 {
		return errors.New("chunk_size must be positive")
	}

	if c.Upload.ExpirationTime <= 0 {
		return errors.New("expiration_time must be positive")
	}
	if c.Upload.SweepInterval <= 0 {
		return errors.New("sweep_interval must be positive")
	}

	return nil
}

// MaxSizeBytes parses the configured ceiling. Zero means no ceiling.
func (u UploadConfig) MaxSizeBytes() (int64, error) {
	if u.MaxSize == "" || u.MaxSize == "0" {
		return 0, nil
	}
	return units.RAMInBytes(u.MaxSize)
}

func (u UploadConfig) ChunkSizeBytes() (int64, error) {
	return units.RAMInBytes(u.ChunkSize)
}
