package config

// Config is the full agent configuration.
type Config struct {
	// Broker
	Broker BrokerConfig `json:"broker" mapstructure:"broker"`

	// Platform HTTP API
	API APIConfig `json:"api" mapstructure:"api"`

	// Platform identity
	Auth AuthConfig `json:"auth" mapstructure:"auth"`

	// Session tuning
	Session SessionConfig `json:"session" mapstructure:"session"`

	// Outbound queue
	Publish PublishConfig `json:"publish" mapstructure:"publish"`

	// Correlated calls
	Calls CallsConfig `json:"calls" mapstructure:"calls"`

	// Heartbeat telemetry
	Heartbeat HeartbeatConfig `json:"heartbeat" mapstructure:"heartbeat"`

	// Offline spool
	Spool SpoolConfig `json:"spool" mapstructure:"spool"`

	// Metrics endpoint
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// BrokerConfig holds broker endpoint settings.
type BrokerConfig struct {
	Endpoint    string `json:"endpoint" mapstructure:"endpoint"`
	TLSCertFile string `json:"tls_cert_file" mapstructure:"tls_cert_file"`
	TLSKeyFile  string `json:"tls_key_file" mapstructure:"tls_key_file"`
}

// APIConfig points at the platform's HTTP API. An empty base URL disables
// the startup configuration fetch.
type APIConfig struct {
	BaseURL string `json:"base_url" mapstructure:"base_url"`
}

// AuthConfig holds platform credentials.
type AuthConfig struct {
	ClientID int    `json:"client_id" mapstructure:"client_id"`
	AgentID  int    `json:"agent_id" mapstructure:"agent_id"`
	Token    string `json:"token" mapstructure:"token"`
}

// SessionConfig tunes the connection lifecycle. Durations are in seconds.
type SessionConfig struct {
	KeepaliveSeconds      int `json:"keepalive_seconds" mapstructure:"keepalive_seconds"`
	BackoffBaseSeconds    int `json:"backoff_base_seconds" mapstructure:"backoff_base_seconds"`
	BackoffCapSeconds     int `json:"backoff_cap_seconds" mapstructure:"backoff_cap_seconds"`
	ConnectTimeoutSeconds int `json:"connect_timeout_seconds" mapstructure:"connect_timeout_seconds"`
}

// PublishConfig tunes the telemetry queue.
type PublishConfig struct {
	QueueCapacity  int `json:"queue_capacity" mapstructure:"queue_capacity"`
	MaxRetries     int `json:"max_retries" mapstructure:"max_retries"`
	TimeoutSeconds int `json:"timeout_seconds" mapstructure:"timeout_seconds"`
}

// CallsConfig tunes correlated request/response calls.
type CallsConfig struct {
	DefaultTimeoutSeconds int `json:"default_timeout_seconds" mapstructure:"default_timeout_seconds"`
}

// HeartbeatConfig controls liveness telemetry.
type HeartbeatConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	Schedule    string `json:"schedule" mapstructure:"schedule"`
	UptimeTagID int    `json:"uptime_tag_id" mapstructure:"uptime_tag_id"`
}

// SpoolConfig controls the offline telemetry spool.
type SpoolConfig struct {
	Enabled               bool   `json:"enabled" mapstructure:"enabled"`
	Path                  string `json:"path" mapstructure:"path"`
	ReplayIntervalSeconds int    `json:"replay_interval_seconds" mapstructure:"replay_interval_seconds"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Listen  string `json:"listen" mapstructure:"listen"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level   string `json:"level" mapstructure:"level"`
	File    string `json:"file" mapstructure:"file"`
	Console bool   `json:"console" mapstructure:"console"`
	Pretty  bool   `json:"pretty" mapstructure:"pretty"`
}

// DefaultConfig returns the configuration defaults applied under any loaded
// file.
func DefaultConfig() *Config {
	return &Config{
		Session: SessionConfig{
			KeepaliveSeconds:      30,
			BackoffBaseSeconds:    1,
			BackoffCapSeconds:     60,
			ConnectTimeoutSeconds: 15,
		},
		Publish: PublishConfig{
			QueueCapacity:  100,
			MaxRetries:     3,
			TimeoutSeconds: 10,
		},
		Calls: CallsConfig{
			DefaultTimeoutSeconds: 30,
		},
		Heartbeat: HeartbeatConfig{
			Enabled:  true,
			Schedule: "@every 60s",
		},
		Spool: SpoolConfig{
			ReplayIntervalSeconds: 30,
		},
		Metrics: MetricsConfig{
			Listen: "127.0.0.1:9464",
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
		},
	}
}
