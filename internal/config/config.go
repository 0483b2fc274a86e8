// config предоставляет структуру конфигурации сервиса и функции
// загрузки из файла/переменных окружения с предсказуемым приоритетом.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"
	"unicode/utf8"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"
)

// Драйверы хранилища сессий и пользователей.
const (
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
	DriverMemory   = "memory"
)

// Config — корневая конфигурация сервиса.
// Источники значений (по убыванию приоритета):
//  1. явный путь через флаг --config;
//  2. путь в переменной окружения CONFIG_PATH;
//  3. файл local.yaml из рабочей директории;
//  4. переменные окружения (cleanenv), в том числе из .env.
type Config struct {
	Env       string          `yaml:"env" env:"ENV" env-default:"local"`
	HTTP      HTTPConfig      `yaml:"http"`
	Ops       OpsConfig       `yaml:"ops"`
	GRPC      GRPCConfig      `yaml:"grpc"`
	Auth      AuthConfig      `yaml:"auth"`
	Storage   StorageConfig   `yaml:"storage"`
	Redis     RedisConfig     `yaml:"redis"`
	Timeouts  TimeoutConfig   `yaml:"timeouts"`
	CORS      CORSConfig      `yaml:"cors"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// HTTPConfig — публичный REST API.
type HTTPConfig struct {
	Host     string `yaml:"host" env:"HTTP_HOST" env-default:"0.0.0.0"`
	Port     string `yaml:"port" env:"HTTP_PORT" env-default:"8080"`
	BasePath string `yaml:"base_path" env:"HTTP_BASE_PATH" env-default:"/api/v1"`
}

// OpsConfig — служебный HTTP: /livez, /healthz, /metrics.
type OpsConfig struct {
	Host string `yaml:"host" env:"OPS_HOST" env-default:"0.0.0.0"`
	Port string `yaml:"port" env:"OPS_PORT" env-default:"9090"`
}

// GRPCConfig — gRPC health-сервер для оркестратора.
type GRPCConfig struct {
	Host string `yaml:"host" env:"GRPC_HOST" env-default:"0.0.0.0"`
	Port string `yaml:"port" env:"GRPC_PORT" env-default:"50051"`
}

// Addr возвращает адрес в формате host:port.
func (c HTTPConfig) Addr() string { return net.JoinHostPort(c.Host, c.Port) }

// Addr возвращает адрес в формате host:port.
func (c OpsConfig) Addr() string { return net.JoinHostPort(c.Host, c.Port) }

// Addr возвращает адрес в формате host:port.
func (c GRPCConfig) Addr() string { return net.JoinHostPort(c.Host, c.Port) }

// AuthConfig содержит параметры выпуска и проверки токенов.
type AuthConfig struct {
	KeyBits         int           `yaml:"key_bits" env:"AUTH_KEY_BITS" env-default:"4096"`
	AccessTokenTTL  time.Duration `yaml:"access_token_ttl" env:"ACCESS_TOKEN_TTL" env-default:"15m"`
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl" env:"REFRESH_TOKEN_TTL" env-default:"24h"`
	Issuer          string        `yaml:"issuer" env:"ISSUER" env-default:"auth-service"`
	DefaultRole     string        `yaml:"default_role" env:"DEFAULT_ROLE" env-default:"user"`
	BcryptCost      int           `yaml:"bcrypt_cost" env:"BCRYPT_COST" env-default:"10"`
}

// StorageConfig — выбор и подключение хранилища.
type StorageConfig struct {
	Driver      string `yaml:"driver" env:"STORAGE_DRIVER" env-default:"postgres"`
	PostgresURL string `yaml:"postgres_url" env:"DATABASE_URL"`
	MongoURL    string `yaml:"mongo_url" env:"MONGO_URL"`
	Migrate     bool   `yaml:"migrate" env:"STORAGE_MIGRATE" env-default:"true"`
	// PurgeInterval — период очистки простаивающих сессий; 0 отключает.
	PurgeInterval time.Duration `yaml:"purge_interval" env:"SESSION_PURGE_INTERVAL" env-default:"30m"`
}

// RedisConfig — кэш ключей сессий. Пустой URL отключает кэш.
type RedisConfig struct {
	RedisURL string `yaml:"redis_url" env:"REDIS_URL"`
	Prefix   string `yaml:"prefix" env:"REDIS_PREFIX" env-default:"auth:session:"`
}

// TimeoutConfig — таймауты сервиса.
type TimeoutConfig struct {
	Request time.Duration `yaml:"request" env:"REQUEST_TIMEOUT" env-default:"10s"`
	Store   time.Duration `yaml:"store" env:"STORE_TIMEOUT" env-default:"3s"`
}

// CORSConfig — разрешённые источники фронтенда дашборда.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" env:"CORS_ALLOWED_ORIGINS" env-default:"http://localhost:3000"`
}

// RateLimitConfig — ограничение частоты запросов к auth-эндпойнтам на один IP.
// RPS <= 0 отключает ограничение.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps" env:"RATE_LIMIT_RPS" env-default:"5"`
	Burst int     `yaml:"burst" env:"RATE_LIMIT_BURST" env-default:"10"`
}

// Validate проверяет согласованность значений.
func (c *Config) Validate() error {
	var errs []error

	if c.Auth.KeyBits < 2048 || c.Auth.KeyBits > 8192 {
		errs = append(errs, fmt.Errorf("auth.key_bits must be in [2048, 8192], got %d", c.Auth.KeyBits))
	}
	if c.Auth.AccessTokenTTL <= 0 || c.Auth.RefreshTokenTTL <= 0 {
		errs = append(errs, errors.New("auth token ttl must be positive"))
	}
	if c.Auth.AccessTokenTTL > c.Auth.RefreshTokenTTL {
		errs = append(errs, errors.New("auth.access_token_ttl must not exceed auth.refresh_token_ttl"))
	}
	if n := utf8.RuneCountInString(c.Auth.DefaultRole); n == 0 || n > 50 {
		errs = append(errs, errors.New("auth.default_role must be 1..50 characters"))
	}
	if c.Auth.BcryptCost < bcrypt.MinCost || c.Auth.BcryptCost > bcrypt.MaxCost {
		errs = append(errs, fmt.Errorf("auth.bcrypt_cost must be in [%d, %d]", bcrypt.MinCost, bcrypt.MaxCost))
	}

	switch c.Storage.Driver {
	case DriverPostgres:
		if c.Storage.PostgresURL == "" {
			errs = append(errs, errors.New("storage.postgres_url is required for postgres driver"))
		}
	case DriverMongo:
		if c.Storage.MongoURL == "" {
			errs = append(errs, errors.New("storage.mongo_url is required for mongo driver"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver %q", c.Storage.Driver))
	}

	if c.Storage.PurgeInterval < 0 {
		errs = append(errs, errors.New("storage.purge_interval must not be negative"))
	}

	if c.Timeouts.Store <= 0 {
		errs = append(errs, errors.New("timeouts.store must be positive"))
	}

	return errors.Join(errs...)
}

// MustLoad — обёртка над Load с panic при ошибке.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}

	return cfg
}

// Load загружает конфигурацию по приоритету:
// 1) явный путь; 2) CONFIG_PATH; 3) ./local.yaml; 4) ENV.
// Перед чтением подгружается .env из рабочей директории (не перетирая уже
// выставленные переменные), после чтения файла поверх накладываются ENV.
func Load(path string) (*Config, error) {
	if err := loadDotenv(".env"); err != nil {
		return nil, err
	}

	var cfg Config

	readFile := func(p string) error {
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("config file %q stat failed: %w", p, err)
		}

		if err := cleanenv.ReadConfig(p, &cfg); err != nil {
			return fmt.Errorf("failed to read config %q: %w", p, err)
		}

		return nil
	}

	switch {
	case path != "":
		if err := readFile(path); err != nil {
			return nil, err
		}
	case os.Getenv("CONFIG_PATH") != "":
		if err := readFile(os.Getenv("CONFIG_PATH")); err != nil {
			return nil, err
		}
	default:
		if _, err := os.Stat("local.yaml"); err == nil {
			if err := readFile("local.yaml"); err != nil {
				return nil, err
			}
		}
	}

	// cleanenv.ReadConfig уже накладывает ENV, но для ветки "только ENV"
	// его нужно вызвать явно; повторный вызов идемпотентен.
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// loadDotenv подгружает переменные из файла, если он есть.
func loadDotenv(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}

	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}

	return nil
}
