package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	RabbitMQ   RabbitMQConfig   `yaml:"rabbitmq"`
	Logging    LoggingConfig    `yaml:"logging"`
	App        AppConfig        `yaml:"app"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Webhook    WebhookConfig    `yaml:"webhook"`
	Media      MediaConfig      `yaml:"media"`
	OpenAI     OpenAIConfig     `yaml:"openai"`
	FaceFusion FaceFusionConfig `yaml:"facefusion"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration. An empty
// host selects the in-memory job store.
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RabbitMQConfig holds the lifecycle-event broker configuration. The
// broker is optional; leave host empty to disable publishing.
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// PipelineConfig tunes job execution.
type PipelineConfig struct {
	EditConcurrency   int           `yaml:"edit_concurrency"`
	SwapQueueCapacity int           `yaml:"swap_queue_capacity"`
	MaxInFlight       int           `yaml:"max_in_flight"`
	ReaperInterval    time.Duration `yaml:"reaper_interval"`
	Retention         time.Duration `yaml:"retention"`
}

// WebhookConfig holds terminal notification settings.
type WebhookConfig struct {
	Secret     string        `yaml:"secret"`
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	Timeout    time.Duration `yaml:"timeout"`
}

// MediaConfig holds artifact storage settings.
type MediaConfig struct {
	Root          string        `yaml:"root"`
	PublicBase    string        `yaml:"public_base"`
	DomainBaseURL string        `yaml:"domain_base_url"`
	HTTPTimeout   time.Duration `yaml:"http_timeout"`
}

// OpenAIConfig holds the image-edit API settings. The key is usually
// injected via OPENAI_API_KEY rather than the file.
type OpenAIConfig struct {
	APIKey  string        `yaml:"api_key"`
	BaseURL string        `yaml:"base_url"`
	Model   string        `yaml:"model"`
	Size    string        `yaml:"size"`
	Timeout time.Duration `yaml:"timeout"`
}

// FaceFusionConfig holds the face-swap CLI settings.
type FaceFusionConfig struct {
	Python  string        `yaml:"python"`
	Script  string        `yaml:"script"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		config.OpenAI.APIKey = key
	}
	if secret := os.Getenv("WEBHOOK_SECRET"); secret != "" {
		config.Webhook.Secret = secret
	}

	return &config, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if c.Database.Host != "" {
		if c.Database.Port < MinPort || c.Database.Port > MaxPort {
			return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	}

	if c.RabbitMQ.Host != "" {
		if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
			return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
		}
		if c.RabbitMQ.Exchange.Name == "" {
			return fmt.Errorf("rabbitmq exchange name is required")
		}
	}

	if c.Media.Root == "" {
		return fmt.Errorf("media root is required")
	}

	if c.FaceFusion.Script == "" {
		return fmt.Errorf("facefusion script path is required")
	}

	if c.Pipeline.EditConcurrency < 0 {
		return fmt.Errorf("pipeline edit_concurrency must not be negative")
	}
	if c.Pipeline.MaxInFlight < 0 {
		return fmt.Errorf("pipeline max_in_flight must not be negative")
	}
	if c.Pipeline.ReaperInterval > 0 && c.Pipeline.Retention <= 0 {
		return fmt.Errorf("pipeline retention is required when the reaper is enabled")
	}

	if c.Webhook.MaxRetries < 0 {
		return fmt.Errorf("webhook max_retries must not be negative")
	}

	return nil
}
