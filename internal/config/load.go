package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "GENFLOW"

// flagKeys maps command-line flag names onto configuration keys.
var flagKeys = map[string]string{
	"role":      "server.roles",
	"port":      "server.port",
	"log-level": "server.log_level",
	"db-driver": "database.driver",
}

// Load configuration from environment variables and optionally config files.
// Environment variables take precedence over values from config files.
// Returns a populated Config struct or an error if loading/validation fails.
func Load() (*Config, error) {
	return LoadWithFlags(nil)
}

// LoadWithFlags behaves like Load and additionally binds the flags named in
// flagKeys from fs. Flags that were set win over every other source. A
// "config" flag, when present and set, names the configuration file.
func LoadWithFlags(fs *pflag.FlagSet) (*Config, error) {
	// A missing .env file is the normal case outside local development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	configFile := ""
	if fs != nil {
		if f := fs.Lookup("config"); f != nil {
			configFile = f.Value.String()
		}
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %q: %w", name, err)
				}
			}
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks struct tags and the rules that span sections.
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	if cfg.Execution.StuckTaskAge <= cfg.Execution.CallTimeout {
		return fmt.Errorf(
			"config validation failed: execution.stuck_task_age (%s) must exceed execution.call_timeout (%s)",
			cfg.Execution.StuckTaskAge, cfg.Execution.CallTimeout,
		)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.roles", []string{"api", "worker", "scheduler"})
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 25)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_lifetime", 24*time.Hour)

	v.SetDefault("gemini.api_key", "")
	v.SetDefault("gemini.video_model", "veo-2.0-generate-001")
	v.SetDefault("gemini.image_model", "imagen-3.0-generate-002")

	v.SetDefault("rest_provider.base_url", "")
	v.SetDefault("rest_provider.api_key", "")
	v.SetDefault("rest_provider.request_timeout", 30*time.Second)

	v.SetDefault("dispatcher.coalesce", true)

	// Video providers are the most rate limited, audio the least.
	setQueueDefaults(v, "video", 2, 0.5, 2, 256)
	setQueueDefaults(v, "image", 4, 2, 4, 512)
	setQueueDefaults(v, "audio", 8, 5, 8, 512)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_backoff", 2*time.Second)
	v.SetDefault("retry.max_backoff", 10*time.Minute)
	v.SetDefault("retry.jitter_percent", 10)

	v.SetDefault("poll.interval", 30*time.Second)
	v.SetDefault("poll.max_wait", 20*time.Minute)
	v.SetDefault("poll.max_polls", 0)
	v.SetDefault("poll.concurrency", 16)
	v.SetDefault("poll.call_timeout", 20*time.Second)

	v.SetDefault("execution.call_timeout", 2*time.Minute)
	v.SetDefault("execution.stuck_task_age", 10*time.Minute)
	v.SetDefault("execution.stuck_check_interval", time.Minute)

	v.SetDefault("notify.subscriber_buffer", 64)
	v.SetDefault("notify.backlog_limit", 100)
	v.SetDefault("notify.sync_interval", 5*time.Second)
	v.SetDefault("notify.append_retries", 3)
	v.SetDefault("notify.append_backoff", 50*time.Millisecond)
	v.SetDefault("notify.reconcile_window", 15*time.Minute)

	v.SetDefault("storage.base_path", "./data/assets")
	v.SetDefault("storage.base_url", "/assets")
}

func setQueueDefaults(v *viper.Viper, class string, workers int, rate float64, burst, capacity int) {
	prefix := "queues." + class + "."
	v.SetDefault(prefix+"workers", workers)
	v.SetDefault(prefix+"rate_per_second", rate)
	v.SetDefault(prefix+"burst", burst)
	v.SetDefault(prefix+"capacity", capacity)
}
