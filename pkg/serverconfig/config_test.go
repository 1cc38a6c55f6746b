package serverconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	r := require.New(t)

	cfg := DefaultConfig()
	r.NoError(cfg.Validate())

	r.Equal("localhost:8787", cfg.Server.Address)
	r.Equal(BackendSQLite, cfg.Storage.Backend)
	r.Equal(15*time.Minute, cfg.Supervisor.IdleTimeoutDuration())
	r.Equal(time.Minute, cfg.Supervisor.PollIntervalDuration())
	r.Equal(500*time.Millisecond, cfg.Supervisor.ProbeDelayDuration())
	r.Equal(filepath.Join("/var/lib/workspace", "workspace.db"), cfg.SQLiteFile())

	cfg.Storage.SQLitePath = "/tmp/x.db"
	r.Equal("/tmp/x.db", cfg.SQLiteFile())
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		errMsg string
	}{
		{
			name:   "valid config",
			modify: func(c *Config) {},
		},
		{
			name:   "invalid backend",
			modify: func(c *Config) { c.Storage.Backend = "postgres" },
			errMsg: "invalid backend",
		},
		{
			name:   "invalid HTTP timeout",
			modify: func(c *Config) { c.Server.HTTPRequestTimeout = 0 },
			errMsg: "http_request_timeout must be positive",
		},
		{
			name:   "invalid address",
			modify: func(c *Config) { c.Server.Address = "nope" },
			errMsg: "invalid address",
		},
		{
			name: "etcd without endpoints",
			modify: func(c *Config) {
				c.Storage.Backend = BackendEtcd
				c.Etcd.Endpoints = nil
			},
			errMsg: "etcd endpoints must be set",
		},
		{
			name: "etcd endpoints ignored for sqlite",
			modify: func(c *Config) {
				c.Etcd.Endpoints = nil
			},
		},
		{
			name: "log file without size",
			modify: func(c *Config) {
				c.Server.LogFile = "/tmp/workspace.log"
				c.Server.LogMaxSizeMB = 0
			},
			errMsg: "log_max_size_mb must be positive",
		},
		{
			name:   "zero failure threshold",
			modify: func(c *Config) { c.Supervisor.FailureThreshold = 0 },
			errMsg: "failure_threshold must be positive",
		},
		{
			name:   "negative probe delay",
			modify: func(c *Config) { c.Supervisor.ProbeDelayMs = -1 },
			errMsg: "probe_delay_ms must not be negative",
		},
		{
			name:   "missing image",
			modify: func(c *Config) { c.Sandbox.Image = "" },
			errMsg: "image must be set",
		},
		{
			name:   "half credentials",
			modify: func(c *Config) { c.Credentials.AccessKey = "AK" },
			errMsg: "must be set together",
		},
		{
			name:   "relative endpoint",
			modify: func(c *Config) { c.Credentials.Endpoint = "storage.local" },
			errMsg: "absolute URL",
		},
		{
			name: "nats without subject",
			modify: func(c *Config) {
				c.Events.NATSURL = "nats://localhost:4222"
				c.Events.Subject = ""
			},
			errMsg: "subject must be set",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.errMsg == "" {
				require.NoError(t, err)
				return
			}

			require.ErrorContains(t, err, tt.errMsg)
		})
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "server.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfigFile(t *testing.T) {
	r := require.New(t)

	path := writeConfig(t, `
[server]
address = "0.0.0.0:9000"
debug = false

[storage]
backend = "etcd"

[etcd]
endpoints = ["http://etcd-1:2379", "http://etcd-2:2379"]
prefix = "/test"

[supervisor]
idle_timeout = 60
`)

	sc, err := Load(path, nil, nil)
	r.NoError(err)

	cfg := &sc.Config
	r.Equal("0.0.0.0:9000", cfg.Server.Address)
	r.Equal(BackendEtcd, cfg.Storage.Backend)
	r.Equal([]string{"http://etcd-1:2379", "http://etcd-2:2379"}, cfg.Etcd.Endpoints)
	r.Equal("/test", cfg.Etcd.Prefix)
	r.Equal(time.Minute, cfg.Supervisor.IdleTimeoutDuration())

	// Untouched keys keep their defaults.
	r.Equal(60, cfg.Supervisor.PollInterval)
	r.Equal(5, cfg.Etcd.DialTimeout)

	r.Equal(SourceFile, sc.Sources["server.address"])
	r.Equal(SourceFile, sc.Sources["server.debug"])
	r.Equal(SourceFile, sc.Sources["supervisor.idle_timeout"])
	r.Equal(SourceDefault, sc.Sources["supervisor.poll_interval"])
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
[server]
adress = "0.0.0.0:9000"
`)

	_, err := Load(path, nil, nil)
	require.Error(t, err)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"), nil, nil)
	require.ErrorContains(t, err, "config file not found")
}

func TestEnvironmentVariableOverrides(t *testing.T) {
	r := require.New(t)

	t.Setenv("WORKSPACE_SERVER_ADDRESS", "env-server:1234")
	t.Setenv("WORKSPACE_SERVER_DEBUG", "true")
	t.Setenv("WORKSPACE_ETCD_ENDPOINTS", "http://env-etcd:2379, http://env-etcd2:2379")
	t.Setenv("WORKSPACE_SUPERVISOR_FAILURE_THRESHOLD", "7")

	sc, err := Load("", nil, nil)
	r.NoError(err)

	cfg := &sc.Config
	r.Equal("env-server:1234", cfg.Server.Address)
	r.True(cfg.Server.Debug)
	r.Equal([]string{"http://env-etcd:2379", "http://env-etcd2:2379"}, cfg.Etcd.Endpoints)
	r.Equal(7, cfg.Supervisor.FailureThreshold)

	r.Equal(SourceEnv, sc.Sources["server.address"])
	r.Equal(SourceEnv, sc.Sources["supervisor.failure_threshold"])
}

func TestEnvironmentVariableParseErrors(t *testing.T) {
	t.Setenv("WORKSPACE_SUPERVISOR_PROBE_ATTEMPTS", "three")

	_, err := Load("", nil, nil)
	require.ErrorContains(t, err, "WORKSPACE_SUPERVISOR_PROBE_ATTEMPTS")
}

func TestEnvFile(t *testing.T) {
	r := require.New(t)

	// Registered first so the variable godotenv sets is removed afterwards.
	t.Setenv("WORKSPACE_SANDBOX_IMAGE", "")
	os.Unsetenv("WORKSPACE_SANDBOX_IMAGE")

	path := filepath.Join(t.TempDir(), "test.env")
	r.NoError(os.WriteFile(path, []byte("WORKSPACE_SANDBOX_IMAGE=from-dotenv:1\n"), 0644))

	sc, err := Load("", &CLIFlags{EnvFile: path}, nil)
	r.NoError(err)
	r.Equal("from-dotenv:1", sc.Config.Sandbox.Image)
	r.Equal(SourceEnv, sc.Sources["sandbox.image"])

	_, err = Load("", &CLIFlags{EnvFile: filepath.Join(t.TempDir(), "missing.env")}, nil)
	r.Error(err)
}

func TestPrecedence(t *testing.T) {
	r := require.New(t)

	path := writeConfig(t, `
[server]
address = "file:8787"
data_path = "/srv/file"

[sandbox]
image = "file-image"
`)

	t.Setenv("WORKSPACE_SERVER_ADDRESS", "env:8787")
	t.Setenv("WORKSPACE_SANDBOX_IMAGE", "env-image")

	flags := &CLIFlags{
		SandboxImage: "cli-image",
		Debug:        true,
		SetFlags: map[string]bool{
			"sandbox-image": true,
			"debug":         true,
		},
	}

	sc, err := Load(path, flags, nil)
	r.NoError(err)

	cfg := &sc.Config
	r.Equal("/srv/file", cfg.Server.DataPath)
	r.Equal("env:8787", cfg.Server.Address)
	r.Equal("cli-image", cfg.Sandbox.Image)
	r.True(cfg.Server.Debug)

	r.Equal(SourceFile, sc.Sources["server.data_path"])
	r.Equal(SourceEnv, sc.Sources["server.address"])
	r.Equal(SourceCLI, sc.Sources["sandbox.image"])
}

func TestUnsetFlagsAreIgnored(t *testing.T) {
	r := require.New(t)

	sc, err := Load("", &CLIFlags{Address: "flag:1", StorageBackend: "bogus"}, nil)
	r.NoError(err)
	r.Equal("localhost:8787", sc.Config.Server.Address)
	r.Equal(BackendSQLite, sc.Config.Storage.Backend)
}

func TestGenerateTOMLRedactsSecrets(t *testing.T) {
	r := require.New(t)

	cfg := DefaultConfig()
	cfg.Server.AdminToken = "sekrit"
	cfg.Credentials.AccessKey = "AK"
	cfg.Credentials.SecretKey = "SK"

	data, err := GenerateTOML(cfg)
	r.NoError(err)
	r.NotContains(string(data), "sekrit")
	r.NotContains(string(data), `"SK"`)
	r.Contains(string(data), "AK")
	r.Equal("sekrit", cfg.Server.AdminToken)

	path := writeConfig(t, string(data))
	sc, err := Load(path, nil, nil)
	r.NoError(err)
	r.Equal("<redacted>", sc.Config.Server.AdminToken)
}
