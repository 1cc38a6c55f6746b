package serverconfig

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

// CLIFlags represents the command-line flags passed to the server
type CLIFlags struct {
	ConfigFile     string   `long:"config-file" description:"Path to the server configuration file"`
	EnvFile        string   `long:"env-file" description:"Path to a .env file loaded before reading the environment"`
	Address        string   `short:"a" long:"address" description:"Address to listen on"`
	DataPath       string   `short:"d" long:"data-path" description:"Data directory"`
	StorageBackend string   `long:"storage" description:"Storage backend: sqlite, etcd or memory"`
	EtcdEndpoints  []string `long:"etcd" description:"Etcd endpoints"`
	EtcdPrefix     string   `long:"etcd-prefix" description:"Etcd key prefix"`
	AdminToken     string   `long:"admin-token" description:"Bearer token for the admin endpoints"`
	Debug          bool     `long:"debug" description:"Expose the session debug endpoint"`
	SandboxImage   string   `long:"sandbox-image" description:"Container image for sandboxes"`
	NATSURL        string   `long:"nats" description:"NATS server URL for lifecycle events"`

	// Flags that were explicitly set (vs using defaults)
	SetFlags map[string]bool
}

// Load loads configuration from all sources with proper precedence:
// CLI flags > Environment variables > Config file > Defaults
func Load(configPath string, flags *CLIFlags, log *slog.Logger) (*SourcedConfig, error) {
	if log == nil {
		log = slog.Default()
	}

	envFile := ""
	if flags != nil {
		envFile = flags.EnvFile
	}

	if err := loadDotEnv(envFile, log); err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	sources := make(map[string]ConfigSource)
	setDefaultSources(sources)

	filePath := findConfigFile(configPath, cfg.Server.DataPath)
	if filePath != "" {
		log.Info("loading config file", "path", filePath)
		if err := loadConfigFile(filePath, cfg, sources); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else if configPath != "" {
		return nil, fmt.Errorf("config file not found: %s", configPath)
	} else {
		log.Debug("no config file found, using defaults")
	}

	if err := applyEnvironmentVariables(cfg, sources, log); err != nil {
		return nil, fmt.Errorf("failed to apply environment variables: %w", err)
	}

	if flags != nil {
		applyCLIFlags(cfg, flags, sources)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	logConfigSources(log, cfg, sources)

	return &SourcedConfig{
		Config:  *cfg,
		Sources: sources,
	}, nil
}

// loadDotEnv loads path, or ./.env when path is empty, into the process
// environment. Variables that are already set win. A missing default file
// is not an error.
func loadDotEnv(path string, log *slog.Logger) error {
	explicit := path != ""
	if !explicit {
		path = ".env"
	}

	err := godotenv.Load(path)
	switch {
	case err == nil:
		log.Debug("loaded env file", "path", path)
		return nil
	case !explicit && errors.Is(err, fs.ErrNotExist):
		return nil
	default:
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
}

// findConfigFile searches for a config file in the standard locations
func findConfigFile(explicitPath, dataPath string) string {
	if explicitPath != "" {
		if _, err := os.Stat(explicitPath); err == nil {
			return explicitPath
		}
		return ""
	}

	searchPaths := []string{
		"/etc/workspace/server.toml",
		filepath.Join(dataPath, "config", "server.toml"),
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// loadConfigFile decodes the file over cfg, so keys missing from the file
// keep their current value. Every key present in the file is recorded as
// file-sourced, including booleans set to false.
func loadConfigFile(path string, cfg *Config, sources map[string]ConfigSource) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("failed to parse TOML: %w", err)
	}

	var raw map[string]any
	if err := toml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse TOML: %w", err)
	}

	markSources(raw, "", sources, SourceFile)

	return nil
}

func markSources(raw map[string]any, prefix string, sources map[string]ConfigSource, source ConfigSource) {
	for key, val := range raw {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}

		if sub, ok := val.(map[string]any); ok {
			markSources(sub, path, sources, source)
			continue
		}

		sources[path] = source
	}
}

// setDefaultSources marks all fields as coming from defaults
func setDefaultSources(sources map[string]ConfigSource) {
	defaultFields := []string{
		"server.address",
		"server.admin_token",
		"server.debug",
		"server.data_path",
		"server.http_request_timeout",
		"server.log_file",
		"server.log_max_size_mb",
		"server.log_max_files",
		"storage.backend",
		"storage.sqlite_path",
		"etcd.endpoints",
		"etcd.prefix",
		"etcd.dial_timeout",
		"supervisor.idle_timeout",
		"supervisor.poll_interval",
		"supervisor.probe_attempts",
		"supervisor.probe_delay_ms",
		"supervisor.probe_timeout",
		"supervisor.failure_threshold",
		"supervisor.cache_size",
		"supervisor.dispatch_interval_ms",
		"supervisor.dispatch_concurrency",
		"sandbox.image",
		"sandbox.network",
		"sandbox.prefix",
		"sandbox.docker_host",
		"credentials.access_key",
		"credentials.secret_key",
		"credentials.account_ref",
		"credentials.endpoint",
		"credentials.use_aws",
		"credentials.aws_profile",
		"credentials.aws_region",
		"credentials.aws_endpoint",
		"events.nats_url",
		"events.subject",
	}

	for _, field := range defaultFields {
		sources[field] = SourceDefault
	}
}

func applyCLIFlags(cfg *Config, flags *CLIFlags, sources map[string]ConfigSource) {
	if flags.SetFlags == nil {
		flags.SetFlags = make(map[string]bool)
	}

	wasSet := func(name string) bool {
		return flags.SetFlags[name]
	}

	if wasSet("address") && flags.Address != "" {
		cfg.Server.Address = flags.Address
		sources["server.address"] = SourceCLI
	}
	if wasSet("data-path") && flags.DataPath != "" {
		cfg.Server.DataPath = flags.DataPath
		sources["server.data_path"] = SourceCLI
	}
	if wasSet("admin-token") && flags.AdminToken != "" {
		cfg.Server.AdminToken = flags.AdminToken
		sources["server.admin_token"] = SourceCLI
	}
	if wasSet("debug") {
		cfg.Server.Debug = flags.Debug
		sources["server.debug"] = SourceCLI
	}

	if wasSet("storage") && flags.StorageBackend != "" {
		cfg.Storage.Backend = flags.StorageBackend
		sources["storage.backend"] = SourceCLI
	}

	if wasSet("etcd") && len(flags.EtcdEndpoints) > 0 {
		cfg.Etcd.Endpoints = slices.Clone(flags.EtcdEndpoints)
		sources["etcd.endpoints"] = SourceCLI
	}
	if wasSet("etcd-prefix") && flags.EtcdPrefix != "" {
		cfg.Etcd.Prefix = flags.EtcdPrefix
		sources["etcd.prefix"] = SourceCLI
	}

	if wasSet("sandbox-image") && flags.SandboxImage != "" {
		cfg.Sandbox.Image = flags.SandboxImage
		sources["sandbox.image"] = SourceCLI
	}

	if wasSet("nats") && flags.NATSURL != "" {
		cfg.Events.NATSURL = flags.NATSURL
		sources["events.nats_url"] = SourceCLI
	}
}

// logConfigSources logs where each configuration value came from
func logConfigSources(log *slog.Logger, cfg *Config, sources map[string]ConfigSource) {
	// Log at info level for values not from defaults
	importantSources := []struct {
		path   string
		value  interface{}
		source ConfigSource
	}{
		{"server.address", cfg.Server.Address, sources["server.address"]},
		{"storage.backend", cfg.Storage.Backend, sources["storage.backend"]},
		{"etcd.endpoints", cfg.Etcd.Endpoints, sources["etcd.endpoints"]},
		{"sandbox.image", cfg.Sandbox.Image, sources["sandbox.image"]},
	}

	log.Info("Configuration sources:")
	for _, item := range importantSources {
		if item.source != SourceDefault {
			log.Info("  "+item.path, "value", item.value, "source", item.source)
		}
	}

	// Log all sources at debug level
	if log.Enabled(context.TODO(), slog.LevelDebug) {
		log.Debug("All configuration sources:")
		for path, source := range sources {
			log.Debug("  "+path, "source", source)
		}
	}
}
