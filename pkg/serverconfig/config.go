package serverconfig

import (
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"time"
)

// Config represents the complete server configuration from all sources
type Config struct {
	// Server contains the control API settings
	Server ServerConfig `toml:"server"`

	// Storage selects the durable backend for actor state, alarms and the
	// session registry
	Storage StorageConfig `toml:"storage"`

	// Etcd contains etcd configuration, used when storage.backend is etcd
	Etcd EtcdConfig `toml:"etcd"`

	// Supervisor contains session lifecycle tuning
	Supervisor SupervisorConfig `toml:"supervisor"`

	// Sandbox contains the container provider settings
	Sandbox SandboxConfig `toml:"sandbox"`

	// Credentials are the process-wide default storage credentials
	Credentials CredentialsConfig `toml:"credentials"`

	// Events contains lifecycle event publishing settings
	Events EventsConfig `toml:"events"`
}

// ServerConfig contains the control API settings
type ServerConfig struct {
	Address            string `toml:"address" env:"WORKSPACE_SERVER_ADDRESS"`
	AdminToken         string `toml:"admin_token" env:"WORKSPACE_SERVER_ADMIN_TOKEN"`
	Debug              bool   `toml:"debug" env:"WORKSPACE_SERVER_DEBUG"`
	DataPath           string `toml:"data_path" env:"WORKSPACE_SERVER_DATA_PATH"`
	HTTPRequestTimeout int    `toml:"http_request_timeout" env:"WORKSPACE_SERVER_HTTP_REQUEST_TIMEOUT"`

	// LogFile, when set, receives a copy of the server log, rotated by
	// size.
	LogFile      string `toml:"log_file" env:"WORKSPACE_SERVER_LOG_FILE"`
	LogMaxSizeMB int    `toml:"log_max_size_mb" env:"WORKSPACE_SERVER_LOG_MAX_SIZE_MB"`
	LogMaxFiles  int    `toml:"log_max_files" env:"WORKSPACE_SERVER_LOG_MAX_FILES"`
}

type StorageConfig struct {
	Backend    string `toml:"backend" env:"WORKSPACE_STORAGE_BACKEND"`
	SQLitePath string `toml:"sqlite_path" env:"WORKSPACE_STORAGE_SQLITE_PATH"`
}

// EtcdConfig contains etcd configuration
type EtcdConfig struct {
	Endpoints   []string `toml:"endpoints" env:"WORKSPACE_ETCD_ENDPOINTS"`
	Prefix      string   `toml:"prefix" env:"WORKSPACE_ETCD_PREFIX"`
	DialTimeout int      `toml:"dial_timeout" env:"WORKSPACE_ETCD_DIAL_TIMEOUT"`
}

// SupervisorConfig holds lifecycle timings. Durations are whole seconds
// unless the name says otherwise.
type SupervisorConfig struct {
	IdleTimeout         int `toml:"idle_timeout" env:"WORKSPACE_SUPERVISOR_IDLE_TIMEOUT"`
	PollInterval        int `toml:"poll_interval" env:"WORKSPACE_SUPERVISOR_POLL_INTERVAL"`
	ProbeAttempts       int `toml:"probe_attempts" env:"WORKSPACE_SUPERVISOR_PROBE_ATTEMPTS"`
	ProbeDelayMs        int `toml:"probe_delay_ms" env:"WORKSPACE_SUPERVISOR_PROBE_DELAY_MS"`
	ProbeTimeout        int `toml:"probe_timeout" env:"WORKSPACE_SUPERVISOR_PROBE_TIMEOUT"`
	FailureThreshold    int `toml:"failure_threshold" env:"WORKSPACE_SUPERVISOR_FAILURE_THRESHOLD"`
	CacheSize           int `toml:"cache_size" env:"WORKSPACE_SUPERVISOR_CACHE_SIZE"`
	DispatchIntervalMs  int `toml:"dispatch_interval_ms" env:"WORKSPACE_SUPERVISOR_DISPATCH_INTERVAL_MS"`
	DispatchConcurrency int `toml:"dispatch_concurrency" env:"WORKSPACE_SUPERVISOR_DISPATCH_CONCURRENCY"`
}

// SandboxConfig configures the docker sandbox provider
type SandboxConfig struct {
	Image      string `toml:"image" env:"WORKSPACE_SANDBOX_IMAGE"`
	Network    string `toml:"network" env:"WORKSPACE_SANDBOX_NETWORK"`
	Prefix     string `toml:"prefix" env:"WORKSPACE_SANDBOX_PREFIX"`
	DockerHost string `toml:"docker_host" env:"WORKSPACE_SANDBOX_DOCKER_HOST"`
}

// CredentialsConfig holds the default storage credentials. With use_aws set,
// missing values are filled from the AWS default credential chain.
type CredentialsConfig struct {
	AccessKey   string `toml:"access_key" env:"WORKSPACE_CREDENTIALS_ACCESS_KEY"`
	SecretKey   string `toml:"secret_key" env:"WORKSPACE_CREDENTIALS_SECRET_KEY"`
	AccountRef  string `toml:"account_ref" env:"WORKSPACE_CREDENTIALS_ACCOUNT_REF"`
	Endpoint    string `toml:"endpoint" env:"WORKSPACE_CREDENTIALS_ENDPOINT"`
	UseAWS      bool   `toml:"use_aws" env:"WORKSPACE_CREDENTIALS_USE_AWS"`
	AWSProfile  string `toml:"aws_profile" env:"WORKSPACE_CREDENTIALS_AWS_PROFILE"`
	AWSRegion   string `toml:"aws_region" env:"WORKSPACE_CREDENTIALS_AWS_REGION"`
	AWSEndpoint string `toml:"aws_endpoint" env:"WORKSPACE_CREDENTIALS_AWS_ENDPOINT"`
}

// EventsConfig configures lifecycle event publishing. An empty nats_url
// disables publishing.
type EventsConfig struct {
	NATSURL string `toml:"nats_url" env:"WORKSPACE_EVENTS_NATS_URL"`
	Subject string `toml:"subject" env:"WORKSPACE_EVENTS_SUBJECT"`
}

// ConfigSource tracks where a configuration value came from
type ConfigSource string

const (
	SourceDefault ConfigSource = "default"
	SourceFile    ConfigSource = "file"
	SourceEnv     ConfigSource = "environment"
	SourceCLI     ConfigSource = "cli"
)

// SourcedConfig wraps Config with source tracking for debugging
type SourcedConfig struct {
	Config  Config
	Sources map[string]ConfigSource // Track source of each config value
}

const (
	BackendSQLite = "sqlite"
	BackendEtcd   = "etcd"
	BackendMemory = "memory"
)

func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage config: %w", err)
	}

	if c.Storage.Backend == BackendEtcd {
		if err := c.Etcd.Validate(); err != nil {
			return fmt.Errorf("etcd config: %w", err)
		}
	}

	if err := c.Supervisor.Validate(); err != nil {
		return fmt.Errorf("supervisor config: %w", err)
	}

	if err := c.Sandbox.Validate(); err != nil {
		return fmt.Errorf("sandbox config: %w", err)
	}

	if err := c.Credentials.Validate(); err != nil {
		return fmt.Errorf("credentials config: %w", err)
	}

	if err := c.Events.Validate(); err != nil {
		return fmt.Errorf("events config: %w", err)
	}

	return nil
}

func (c *ServerConfig) Validate() error {
	if c.HTTPRequestTimeout <= 0 {
		return fmt.Errorf("http_request_timeout must be positive, got %d", c.HTTPRequestTimeout)
	}

	if _, _, err := net.SplitHostPort(c.Address); err != nil {
		return fmt.Errorf("invalid address %q: %w", c.Address, err)
	}

	if c.DataPath == "" {
		return fmt.Errorf("data_path must be set")
	}

	if c.LogFile != "" {
		if c.LogMaxSizeMB <= 0 {
			return fmt.Errorf("log_max_size_mb must be positive, got %d", c.LogMaxSizeMB)
		}
		if c.LogMaxFiles < 0 {
			return fmt.Errorf("log_max_files must not be negative, got %d", c.LogMaxFiles)
		}
	}

	return nil
}

func (c *StorageConfig) Validate() error {
	switch c.Backend {
	case BackendSQLite, BackendEtcd, BackendMemory:
		return nil
	default:
		return fmt.Errorf("invalid backend %q: must be 'sqlite', 'etcd' or 'memory'", c.Backend)
	}
}

func (c *EtcdConfig) Validate() error {
	if len(c.Endpoints) == 0 {
		return fmt.Errorf("etcd endpoints must be set when storage.backend=etcd")
	}
	if c.Prefix == "" {
		return fmt.Errorf("prefix must be set")
	}
	if c.DialTimeout <= 0 {
		return fmt.Errorf("dial_timeout must be positive, got %d", c.DialTimeout)
	}
	return nil
}

func (c *SupervisorConfig) Validate() error {
	positive := []struct {
		name  string
		value int
	}{
		{"idle_timeout", c.IdleTimeout},
		{"poll_interval", c.PollInterval},
		{"probe_attempts", c.ProbeAttempts},
		{"probe_timeout", c.ProbeTimeout},
		{"failure_threshold", c.FailureThreshold},
		{"cache_size", c.CacheSize},
		{"dispatch_interval_ms", c.DispatchIntervalMs},
		{"dispatch_concurrency", c.DispatchConcurrency},
	}

	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%s must be positive, got %d", p.name, p.value)
		}
	}

	if c.ProbeDelayMs < 0 {
		return fmt.Errorf("probe_delay_ms must not be negative, got %d", c.ProbeDelayMs)
	}

	return nil
}

func (c *SandboxConfig) Validate() error {
	if c.Image == "" {
		return fmt.Errorf("image must be set")
	}
	return nil
}

func (c *CredentialsConfig) Validate() error {
	if (c.AccessKey == "") != (c.SecretKey == "") {
		return fmt.Errorf("access_key and secret_key must be set together")
	}

	if c.Endpoint != "" {
		if err := validateURL(c.Endpoint, "endpoint"); err != nil {
			return err
		}
	}

	return nil
}

func (c *EventsConfig) Validate() error {
	if c.NATSURL != "" && c.Subject == "" {
		return fmt.Errorf("subject must be set when nats_url is set")
	}
	return nil
}

func validateURL(s, name string) error {
	u, err := url.Parse(s)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s must be an absolute URL, got %q", name, s)
	}
	return nil
}

func (c *ServerConfig) HTTPRequestTimeoutDuration() time.Duration {
	return time.Duration(c.HTTPRequestTimeout) * time.Second
}

// SQLiteFile returns the database path, defaulting to a file under the data
// path.
func (c *Config) SQLiteFile() string {
	if c.Storage.SQLitePath != "" {
		return c.Storage.SQLitePath
	}
	return filepath.Join(c.Server.DataPath, "workspace.db")
}

func (c *EtcdConfig) DialTimeoutDuration() time.Duration {
	return time.Duration(c.DialTimeout) * time.Second
}

func (c *SupervisorConfig) IdleTimeoutDuration() time.Duration {
	return time.Duration(c.IdleTimeout) * time.Second
}

func (c *SupervisorConfig) PollIntervalDuration() time.Duration {
	return time.Duration(c.PollInterval) * time.Second
}

func (c *SupervisorConfig) ProbeDelayDuration() time.Duration {
	return time.Duration(c.ProbeDelayMs) * time.Millisecond
}

func (c *SupervisorConfig) ProbeTimeoutDuration() time.Duration {
	return time.Duration(c.ProbeTimeout) * time.Second
}

func (c *SupervisorConfig) DispatchIntervalDuration() time.Duration {
	return time.Duration(c.DispatchIntervalMs) * time.Millisecond
}
