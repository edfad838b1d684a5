package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server       ServerConfig       `mapstructure:"server" validate:"required"`
	Database     DatabaseConfig     `mapstructure:"database" validate:"required"`
	Auth         AuthConfig         `mapstructure:"auth" validate:"required"`
	Gemini       GeminiConfig       `mapstructure:"gemini"`
	RestProvider RestProviderConfig `mapstructure:"rest_provider"`
	Dispatcher   DispatcherConfig   `mapstructure:"dispatcher"`
	Queues       QueuesConfig       `mapstructure:"queues" validate:"required"`
	Retry        RetryConfig        `mapstructure:"retry" validate:"required"`
	Poll         PollConfig         `mapstructure:"poll" validate:"required"`
	Execution    ExecutionConfig    `mapstructure:"execution" validate:"required"`
	Notify       NotifyConfig       `mapstructure:"notify" validate:"required"`
	Storage      StorageConfig      `mapstructure:"storage" validate:"required"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel        string        `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
	Roles           []string      `mapstructure:"roles" validate:"required,min=1,dive,oneof=api worker scheduler"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// DatabaseConfig contains all database-related configuration settings.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver" validate:"required,oneof=postgres memory"`
	URL             string        `mapstructure:"url" validate:"required_if=Driver postgres,omitempty,url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"gte=1"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// AuthConfig contains all authentication and authorization settings.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret" validate:"required,min=32"`
	// TokenLifetime applies to tokens issued by the dev token tool.
	TokenLifetime time.Duration `mapstructure:"token_lifetime" validate:"gt=0"`
}

// GeminiConfig configures the Veo video and Imagen image adapters.
// An empty API key leaves both adapters unregistered.
type GeminiConfig struct {
	APIKey     string `mapstructure:"api_key"`
	VideoModel string `mapstructure:"video_model" validate:"required_with=APIKey"`
	ImageModel string `mapstructure:"image_model" validate:"required_with=APIKey"`
}

// RestProviderConfig configures the poll-based REST adapter used for audio
// and scenes. An empty base URL leaves it unregistered.
type RestProviderConfig struct {
	BaseURL        string        `mapstructure:"base_url" validate:"omitempty,url"`
	APIKey         string        `mapstructure:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
}

// DispatcherConfig controls submission behaviour.
type DispatcherConfig struct {
	// Coalesce returns the existing active record for a duplicate submission
	// instead of failing with a conflict.
	Coalesce bool `mapstructure:"coalesce"`
}

// QueueConfig tunes one queue class.
type QueueConfig struct {
	Workers       int     `mapstructure:"workers" validate:"gte=1"`
	RatePerSecond float64 `mapstructure:"rate_per_second" validate:"gte=0"`
	Burst         int     `mapstructure:"burst" validate:"gte=1"`
	Capacity      int     `mapstructure:"capacity" validate:"gte=1"`
}

// QueuesConfig holds per-class queue settings.
type QueuesConfig struct {
	Video QueueConfig `mapstructure:"video"`
	Image QueueConfig `mapstructure:"image"`
	Audio QueueConfig `mapstructure:"audio"`
}

// RetryConfig controls the retry ceiling and backoff.
type RetryConfig struct {
	MaxAttempts   int           `mapstructure:"max_attempts" validate:"gte=1,lte=100"`
	BaseBackoff   time.Duration `mapstructure:"base_backoff" validate:"gt=0"`
	MaxBackoff    time.Duration `mapstructure:"max_backoff" validate:"gtefield=BaseBackoff"`
	JitterPercent uint64        `mapstructure:"jitter_percent" validate:"lte=100"`
}

// PollConfig controls the poll scheduler.
type PollConfig struct {
	Interval    time.Duration `mapstructure:"interval" validate:"gt=0"`
	MaxWait     time.Duration `mapstructure:"max_wait" validate:"gtfield=Interval"`
	MaxPolls    int           `mapstructure:"max_polls" validate:"gte=0"`
	Concurrency int           `mapstructure:"concurrency" validate:"gte=1"`
	CallTimeout time.Duration `mapstructure:"call_timeout" validate:"gt=0"`
}

// ExecutionConfig controls provider calls made by pool workers.
type ExecutionConfig struct {
	CallTimeout        time.Duration `mapstructure:"call_timeout" validate:"gt=0"`
	StuckTaskAge       time.Duration `mapstructure:"stuck_task_age" validate:"gt=0"`
	StuckCheckInterval time.Duration `mapstructure:"stuck_check_interval" validate:"gt=0"`
}

// NotifyConfig controls notification fanout.
type NotifyConfig struct {
	SubscriberBuffer int `mapstructure:"subscriber_buffer" validate:"gte=1"`
	BacklogLimit     int `mapstructure:"backlog_limit" validate:"gte=1,lte=1000"`
	// SyncInterval is how often live subscriptions are reconciled against
	// the durable backlog, picking up events finalized by other processes.
	SyncInterval time.Duration `mapstructure:"sync_interval" validate:"gt=0"`
	// AppendRetries and AppendBackoff bound retries of a failed
	// notification write.
	AppendRetries uint64        `mapstructure:"append_retries" validate:"lte=10"`
	AppendBackoff time.Duration `mapstructure:"append_backoff" validate:"gt=0"`
	// ReconcileWindow is how far back workers look for finalized tasks
	// whose notification was never recorded.
	ReconcileWindow time.Duration `mapstructure:"reconcile_window" validate:"gt=0"`
}

// StorageConfig controls where provider-returned bytes are written.
type StorageConfig struct {
	BasePath string `mapstructure:"base_path" validate:"required"`
	BaseURL  string `mapstructure:"base_url" validate:"required"`
}

// HasRole reports whether the process runs the named role.
func (s ServerConfig) HasRole(role string) bool {
	for _, r := range s.Roles {
		if r == role {
			return true
		}
	}
	return false
}
