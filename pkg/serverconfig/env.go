package serverconfig

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// envApplier copies WORKSPACE_* variables onto the config, recording each
// one it used. The first parse error is kept and later variables are
// skipped.
type envApplier struct {
	sources map[string]ConfigSource
	applied []string
	err     error
}

func (e *envApplier) lookup(name, path string) (string, bool) {
	if e.err != nil {
		return "", false
	}

	val := os.Getenv(name)
	if val == "" {
		return "", false
	}

	e.sources[path] = SourceEnv
	e.applied = append(e.applied, name)
	return val, true
}

func (e *envApplier) str(name, path string, dst *string) {
	if val, ok := e.lookup(name, path); ok {
		*dst = val
	}
}

func (e *envApplier) list(name, path string, dst *[]string) {
	if val, ok := e.lookup(name, path); ok {
		*dst = splitCommaSeparated(val)
	}
}

func (e *envApplier) int(name, path string, dst *int) {
	if val, ok := e.lookup(name, path); ok {
		intVal, err := strconv.Atoi(val)
		if err != nil {
			e.err = fmt.Errorf("invalid integer value for %s: %s", name, val)
			return
		}
		*dst = intVal
	}
}

func (e *envApplier) bool(name, path string, dst *bool) {
	if val, ok := e.lookup(name, path); ok {
		boolVal, err := strconv.ParseBool(val)
		if err != nil {
			e.err = fmt.Errorf("invalid boolean value for %s: %s", name, val)
			return
		}
		*dst = boolVal
	}
}

func applyEnvironmentVariables(cfg *Config, sources map[string]ConfigSource, log *slog.Logger) error {
	e := &envApplier{sources: sources}

	applyServerEnvVars(&cfg.Server, e)
	applyStorageEnvVars(&cfg.Storage, e)
	applyEtcdEnvVars(&cfg.Etcd, e)
	applySupervisorEnvVars(&cfg.Supervisor, e)
	applySandboxEnvVars(&cfg.Sandbox, e)
	applyCredentialsEnvVars(&cfg.Credentials, e)
	applyEventsEnvVars(&cfg.Events, e)

	if e.err != nil {
		return e.err
	}

	if len(e.applied) > 0 {
		log.Debug("applied environment variables", "count", len(e.applied), "vars", e.applied)
	}

	return nil
}

func applyServerEnvVars(cfg *ServerConfig, e *envApplier) {
	e.str("WORKSPACE_SERVER_ADDRESS", "server.address", &cfg.Address)
	e.str("WORKSPACE_SERVER_ADMIN_TOKEN", "server.admin_token", &cfg.AdminToken)
	e.bool("WORKSPACE_SERVER_DEBUG", "server.debug", &cfg.Debug)
	e.str("WORKSPACE_SERVER_DATA_PATH", "server.data_path", &cfg.DataPath)
	e.int("WORKSPACE_SERVER_HTTP_REQUEST_TIMEOUT", "server.http_request_timeout", &cfg.HTTPRequestTimeout)
	e.str("WORKSPACE_SERVER_LOG_FILE", "server.log_file", &cfg.LogFile)
	e.int("WORKSPACE_SERVER_LOG_MAX_SIZE_MB", "server.log_max_size_mb", &cfg.LogMaxSizeMB)
	e.int("WORKSPACE_SERVER_LOG_MAX_FILES", "server.log_max_files", &cfg.LogMaxFiles)
}

func applyStorageEnvVars(cfg *StorageConfig, e *envApplier) {
	e.str("WORKSPACE_STORAGE_BACKEND", "storage.backend", &cfg.Backend)
	e.str("WORKSPACE_STORAGE_SQLITE_PATH", "storage.sqlite_path", &cfg.SQLitePath)
}

func applyEtcdEnvVars(cfg *EtcdConfig, e *envApplier) {
	e.list("WORKSPACE_ETCD_ENDPOINTS", "etcd.endpoints", &cfg.Endpoints)
	e.str("WORKSPACE_ETCD_PREFIX", "etcd.prefix", &cfg.Prefix)
	e.int("WORKSPACE_ETCD_DIAL_TIMEOUT", "etcd.dial_timeout", &cfg.DialTimeout)
}

func applySupervisorEnvVars(cfg *SupervisorConfig, e *envApplier) {
	e.int("WORKSPACE_SUPERVISOR_IDLE_TIMEOUT", "supervisor.idle_timeout", &cfg.IdleTimeout)
	e.int("WORKSPACE_SUPERVISOR_POLL_INTERVAL", "supervisor.poll_interval", &cfg.PollInterval)
	e.int("WORKSPACE_SUPERVISOR_PROBE_ATTEMPTS", "supervisor.probe_attempts", &cfg.ProbeAttempts)
	e.int("WORKSPACE_SUPERVISOR_PROBE_DELAY_MS", "supervisor.probe_delay_ms", &cfg.ProbeDelayMs)
	e.int("WORKSPACE_SUPERVISOR_PROBE_TIMEOUT", "supervisor.probe_timeout", &cfg.ProbeTimeout)
	e.int("WORKSPACE_SUPERVISOR_FAILURE_THRESHOLD", "supervisor.failure_threshold", &cfg.FailureThreshold)
	e.int("WORKSPACE_SUPERVISOR_CACHE_SIZE", "supervisor.cache_size", &cfg.CacheSize)
	e.int("WORKSPACE_SUPERVISOR_DISPATCH_INTERVAL_MS", "supervisor.dispatch_interval_ms", &cfg.DispatchIntervalMs)
	e.int("WORKSPACE_SUPERVISOR_DISPATCH_CONCURRENCY", "supervisor.dispatch_concurrency", &cfg.DispatchConcurrency)
}

func applySandboxEnvVars(cfg *SandboxConfig, e *envApplier) {
	e.str("WORKSPACE_SANDBOX_IMAGE", "sandbox.image", &cfg.Image)
	e.str("WORKSPACE_SANDBOX_NETWORK", "sandbox.network", &cfg.Network)
	e.str("WORKSPACE_SANDBOX_PREFIX", "sandbox.prefix", &cfg.Prefix)
	e.str("WORKSPACE_SANDBOX_DOCKER_HOST", "sandbox.docker_host", &cfg.DockerHost)
}

func applyCredentialsEnvVars(cfg *CredentialsConfig, e *envApplier) {
	e.str("WORKSPACE_CREDENTIALS_ACCESS_KEY", "credentials.access_key", &cfg.AccessKey)
	e.str("WORKSPACE_CREDENTIALS_SECRET_KEY", "credentials.secret_key", &cfg.SecretKey)
	e.str("WORKSPACE_CREDENTIALS_ACCOUNT_REF", "credentials.account_ref", &cfg.AccountRef)
	e.str("WORKSPACE_CREDENTIALS_ENDPOINT", "credentials.endpoint", &cfg.Endpoint)
	e.bool("WORKSPACE_CREDENTIALS_USE_AWS", "credentials.use_aws", &cfg.UseAWS)
	e.str("WORKSPACE_CREDENTIALS_AWS_PROFILE", "credentials.aws_profile", &cfg.AWSProfile)
	e.str("WORKSPACE_CREDENTIALS_AWS_REGION", "credentials.aws_region", &cfg.AWSRegion)
	e.str("WORKSPACE_CREDENTIALS_AWS_ENDPOINT", "credentials.aws_endpoint", &cfg.AWSEndpoint)
}

func applyEventsEnvVars(cfg *EventsConfig, e *envApplier) {
	e.str("WORKSPACE_EVENTS_NATS_URL", "events.nats_url", &cfg.NATSURL)
	e.str("WORKSPACE_EVENTS_SUBJECT", "events.subject", &cfg.Subject)
}

func splitCommaSeparated(s string) []string {
	if s == "" {
		return []string{}
	}

	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
