package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	StorageLocal = "local"
	StorageS3    = "s3"
)

// Config holds application level configuration aggregated from env/config files.
type Config struct {
	Server struct {
		Addr string
	}
	Database struct {
		Path    string
		Timeout time.Duration
	}
	Auth struct {
		JWTSecret string
		TokenTTL  time.Duration
	}
	Storage struct {
		Driver        string
		LocalDir      string
		PublicPath    string
		Bucket        string
		KeyPrefix     string
		Region        string
		Endpoint      string
		PublicBaseURL string
	}
	AWS struct {
		Profile string
	}
	RateLimit struct {
		Requests      int
		UserRequests  int
		Window        time.Duration
		RedisAddr     string
		RedisPassword string
		RedisDB       int
	}
	Janitor struct {
		Workers   int
		QueueSize int
		Timeout   time.Duration
	}
	CORS struct {
		AllowOrigins []string
	}
	Log struct {
		Level  string
		Format string
	}
	Upload struct {
		MaxBytes int64
	}
}

// Load reads configuration from environment variables, an optional .env file
// and an optional config file in the working directory.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("PIQUANTE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	v.SetConfigName("config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", "0.0.0.0:3000")
	v.SetDefault("database.path", "data/piquante.db")
	v.SetDefault("database.timeout", 5*time.Second)
	v.SetDefault("auth.jwtsecret", "")
	v.SetDefault("auth.tokenttl", 24*time.Hour)
	v.SetDefault("storage.driver", StorageLocal)
	v.SetDefault("storage.localdir", "data/images")
	v.SetDefault("storage.publicpath", "/images")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.keyprefix", "sauces")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("storage.publicbaseurl", "")
	v.SetDefault("aws.profile", "")
	v.SetDefault("ratelimit.requests", 200)
	v.SetDefault("ratelimit.userrequests", 100)
	v.SetDefault("ratelimit.window", 15*time.Minute)
	v.SetDefault("ratelimit.redisaddr", "")
	v.SetDefault("ratelimit.redispassword", "")
	v.SetDefault("ratelimit.redisdb", 0)
	v.SetDefault("janitor.workers", 2)
	v.SetDefault("janitor.queuesize", 128)
	v.SetDefault("janitor.timeout", 30*time.Second)
	v.SetDefault("cors.alloworigins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("upload.maxbytes", 5<<20)
}

// Validate checks settings that have no usable default.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return errors.New("auth jwt secret is required (PIQUANTE_AUTH_JWTSECRET)")
	}
	switch c.Storage.Driver {
	case StorageLocal:
		if c.Storage.LocalDir == "" {
			return errors.New("storage local dir is required for the local driver")
		}
	case StorageS3:
		if c.Storage.Bucket == "" {
			return errors.New("storage bucket is required for the s3 driver")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Database.Timeout <= 0 {
		return errors.New("database timeout must be positive")
	}
	return nil
}
