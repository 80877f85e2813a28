package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
)

type ServerConfig struct {
	Port            string        `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type StorageConfig struct {
	Driver string `yaml:"driver"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type MongoConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

type MediaConfig struct {
	Root    string `yaml:"root"`
	BaseURL string `yaml:"base_url"`
}

type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
	// Admins - адреса, получающие роль admin при регистрации
	Admins []string `yaml:"admins"`
}

// RemoteConfig - адрес сервера для клиентов вроде feedwatch
type RemoteConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Postgres PostgresConfig `yaml:"postgres"`
	Mongo    MongoConfig    `yaml:"mongo"`
	Media    MediaConfig    `yaml:"media"`
	Auth     AuthConfig     `yaml:"auth"`
	Remote   RemoteConfig   `yaml:"remote"`
	Log      LogConfig      `yaml:"log"`
}

// Default возвращает конфигурацию для локального запуска
func Default() *Config {
	return &Config{
		Server:  ServerConfig{Port: "8080", ShutdownTimeout: 10 * time.Second},
		Storage: StorageConfig{Driver: DriverMemory},
		Mongo:   MongoConfig{URI: "mongodb://localhost:27017", Database: "storyfeed"},
		Media:   MediaConfig{Root: "data/media", BaseURL: "/media"},
		Auth:    AuthConfig{TokenTTL: 24 * time.Hour},
		Remote:  RemoteConfig{URL: "http://localhost:8080", Timeout: 15 * time.Second},
		Log:     LogConfig{Level: "info"},
	}
}

// Load читает YAML-файл поверх значений по умолчанию, затем .env и
// переменные окружения. Отсутствующий файл не считается ошибкой.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.Server.Port, "PORT")
	setString(&c.Storage.Driver, "STORYFEED_STORAGE")
	setString(&c.Postgres.DSN, "DATABASE_URL")
	setString(&c.Mongo.URI, "MONGO_URI")
	setString(&c.Mongo.Database, "MONGO_DB")
	setString(&c.Media.Root, "STORYFEED_MEDIA_ROOT")
	setString(&c.Media.BaseURL, "STORYFEED_MEDIA_BASE_URL")
	setString(&c.Auth.JWTSecret, "JWT_SECRET")
	setString(&c.Remote.URL, "STORYFEED_URL")
	setString(&c.Log.Level, "LOG_LEVEL")

	if v, ok := os.LookupEnv("STORYFEED_ADMINS"); ok {
		c.Auth.Admins = nil
		for _, a := range strings.Split(v, ",") {
			if a = strings.TrimSpace(a); a != "" {
				c.Auth.Admins = append(c.Auth.Admins, a)
			}
		}
	}
	if err := setDuration(&c.Auth.TokenTTL, "TOKEN_TTL"); err != nil {
		return err
	}
	return setDuration(&c.Remote.Timeout, "STORYFEED_TIMEOUT")
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = d
	return nil
}

// Validate проверяет настройки, нужные серверу
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Postgres.DSN == "" {
			return errors.New("postgres dsn is required")
		}
	case DriverMongo:
		if c.Mongo.URI == "" || c.Mongo.Database == "" {
			return errors.New("mongo uri and database are required")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("jwt secret is required")
	}
	if c.Server.Port == "" {
		return errors.New("server port is required")
	}
	return nil
}
