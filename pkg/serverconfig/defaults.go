package serverconfig

// DefaultConfig returns a Config with all default values set
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:            "localhost:8787",
			AdminToken:         "",
			Debug:              false,
			DataPath:           "/var/lib/workspace",
			HTTPRequestTimeout: 60,
			LogFile:            "",
			LogMaxSizeMB:       100,
			LogMaxFiles:        5,
		},
		Storage: StorageConfig{
			Backend:    BackendSQLite,
			SQLitePath: "", // data_path/workspace.db
		},
		Etcd: EtcdConfig{
			Endpoints:   []string{"http://etcd:2379"},
			Prefix:      "/workspace",
			DialTimeout: 5,
		},
		Supervisor: SupervisorConfig{
			IdleTimeout:         900,
			PollInterval:        60,
			ProbeAttempts:       3,
			ProbeDelayMs:        500,
			ProbeTimeout:        5,
			FailureThreshold:    3,
			CacheSize:           1024,
			DispatchIntervalMs:  1000,
			DispatchConcurrency: 16,
		},
		Sandbox: SandboxConfig{
			Image:      "ghcr.io/mirendev/workspace-sandbox:latest",
			Network:    "",
			Prefix:     "workspace-",
			DockerHost: "", // DOCKER_HOST or the local socket
		},
		Credentials: CredentialsConfig{},
		Events: EventsConfig{
			NATSURL: "",
			Subject: "workspace.sessions",
		},
	}
}
