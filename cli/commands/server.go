package commands

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/docker/docker/client"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"golang.org/x/sync/errgroup"
	"miren.dev/workspace/actor"
	"miren.dev/workspace/alarm"
	"miren.dev/workspace/creds"
	"miren.dev/workspace/events"
	"miren.dev/workspace/pkg/multierror"
	"miren.dev/workspace/pkg/rotatinglog"
	"miren.dev/workspace/pkg/serverconfig"
	"miren.dev/workspace/pkg/sqlitedb"
	"miren.dev/workspace/registry"
	"miren.dev/workspace/sandbox"
	"miren.dev/workspace/servers/control"
	"miren.dev/workspace/storage"
	"miren.dev/workspace/supervisor"
	"miren.dev/workspace/version"
)

func Server(ctx *Context, opts serverconfig.CLIFlags) error {
	// Load configuration from all sources with precedence:
	// CLI flags > Environment variables > Config file > Defaults
	sc, err := serverconfig.Load(opts.ConfigFile, &opts, ctx.Log)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	cfg := &sc.Config

	if cfg.Server.LogFile != "" {
		lw, err := rotatinglog.Open(cfg.Server.LogFile, cfg.Server.LogMaxSizeMB, cfg.Server.LogMaxFiles)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		defer lw.Close()

		ctx.Log = slog.New(slog.NewTextHandler(io.MultiWriter(ctx.Stderr, lw), &slog.HandlerOptions{
			Level: ctx.Level,
		}))
	}

	info := version.GetInfo()
	ctx.Log.Info("starting workspace server", "version", info.Version, "commit", info.Commit)

	b, err := openBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			ctx.Log.Error("error closing backends", "error", err)
		}
	}()

	sandboxes, err := dockerProvider(ctx, cfg)
	if err != nil {
		return err
	}

	pub, err := eventsPublisher(ctx, cfg)
	if err != nil {
		return err
	}
	if c, ok := pub.(io.Closer); ok {
		defer c.Close()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mgr, err := supervisor.NewManager(supervisor.Deps{
		Log:       ctx.Log,
		Storage:   b.storage,
		Alarms:    b.alarms,
		Sandboxes: sandboxes,
		Registry:  b.registry,
		Events:    pub,
		Metrics:   supervisor.NewMetrics(reg),

		DefaultCredentials: creds.Credentials{
			AccessKey:  cfg.Credentials.AccessKey,
			SecretKey:  cfg.Credentials.SecretKey,
			AccountRef: cfg.Credentials.AccountRef,
			Endpoint:   cfg.Credentials.Endpoint,
		},
		Resolver: credsResolver(ctx, cfg),
	}, supervisor.Options{
		IdleTimeout:      cfg.Supervisor.IdleTimeoutDuration(),
		PollInterval:     cfg.Supervisor.PollIntervalDuration(),
		ProbeAttempts:    cfg.Supervisor.ProbeAttempts,
		ProbeDelay:       cfg.Supervisor.ProbeDelayDuration(),
		ProbeTimeout:     cfg.Supervisor.ProbeTimeoutDuration(),
		FailureThreshold: cfg.Supervisor.FailureThreshold,
	}, actor.HostOptions{
		CacheSize: cfg.Supervisor.CacheSize,
	})
	if err != nil {
		return fmt.Errorf("failed to create supervisor manager: %w", err)
	}

	disp := alarm.NewDispatcher(ctx.Log, b.alarms, mgr, alarm.DispatcherOptions{
		Interval:    cfg.Supervisor.DispatchIntervalDuration(),
		Concurrency: cfg.Supervisor.DispatchConcurrency,
	})

	ctrl := control.NewServer(ctx.Log, mgr, b.registry, control.Options{
		Debug:      cfg.Server.Debug,
		AdminToken: cfg.Server.AdminToken,
		Gatherer:   reg,

		RequestTimeout: cfg.Server.HTTPRequestTimeoutDuration(),
	})

	if cfg.Server.AdminToken == "" {
		ctx.Log.Warn("no admin token configured, admin endpoints are disabled")
	}

	hs := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           ctrl,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	eg, sub := errgroup.WithContext(ctx)

	eg.Go(func() error {
		return disp.Run(sub)
	})

	eg.Go(func() error {
		ctx.Log.Info("control api listening", "address", cfg.Server.Address, "debug", cfg.Server.Debug)
		err := hs.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	eg.Go(func() error {
		<-sub.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		ctx.Log.Info("shutting down control api")
		return hs.Shutdown(shutdownCtx)
	})

	return eg.Wait()
}

type backends struct {
	storage  storage.Backend
	alarms   alarm.Store
	registry registry.Registry

	closers []io.Closer
}

func (b *backends) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return multierror.Append(nil, errs...)
}

func openBackends(ctx *Context, cfg *serverconfig.Config) (*backends, error) {
	b := &backends{}

	switch cfg.Storage.Backend {
	case serverconfig.BackendMemory:
		ctx.Log.Warn("using in-memory storage, state is lost on restart")
		b.storage = storage.NewMemory()
		b.alarms = alarm.NewMemory()
		b.registry = registry.NewMemory()

	case serverconfig.BackendSQLite:
		path := cfg.SQLiteFile()
		db, err := sqlitedb.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite database %s: %w", path, err)
		}
		b.closers = append(b.closers, db)

		if err := b.openSQLite(db); err != nil {
			b.Close()
			return nil, err
		}

		ctx.Log.Info("using sqlite storage", "path", path)

	case serverconfig.BackendEtcd:
		ec, err := clientv3.New(clientv3.Config{
			Endpoints:        cfg.Etcd.Endpoints,
			DialTimeout:      cfg.Etcd.DialTimeoutDuration(),
			AutoSyncInterval: time.Minute,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create etcd client: %w", err)
		}
		b.closers = append(b.closers, ec)

		b.storage = storage.NewEtcd(ec, cfg.Etcd.Prefix)
		b.alarms = alarm.NewEtcd(ctx.Log, ec, cfg.Etcd.Prefix)
		b.registry = registry.NewEtcd(ctx.Log, ec, cfg.Etcd.Prefix)

		ctx.Log.Info("using etcd storage", "endpoints", cfg.Etcd.Endpoints, "prefix", cfg.Etcd.Prefix)

	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}

	return b, nil
}

func (b *backends) openSQLite(db *sql.DB) error {
	st, err := storage.NewSQLite(db)
	if err != nil {
		return err
	}

	al, err := alarm.NewSQLite(db)
	if err != nil {
		return err
	}

	rg, err := registry.NewSQLite(db)
	if err != nil {
		return err
	}

	b.storage, b.alarms, b.registry = st, al, rg
	return nil
}

func dockerProvider(ctx *Context, cfg *serverconfig.Config) (*sandbox.Docker, error) {
	clientOpts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Sandbox.DockerHost != "" {
		clientOpts = append(clientOpts, client.WithHost(cfg.Sandbox.DockerHost))
	}

	cl, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	d := sandbox.NewDocker(ctx.Log, cl, sandbox.DockerOptions{
		Image:   cfg.Sandbox.Image,
		Port:    supervisor.SandboxPort,
		Network: cfg.Sandbox.Network,
		Prefix:  cfg.Sandbox.Prefix,
	})

	if err := d.Ping(ctx); err != nil {
		return nil, err
	}

	return d, nil
}

func credsResolver(ctx *Context, cfg *serverconfig.Config) creds.Resolver {
	if !cfg.Credentials.UseAWS {
		return nil
	}

	ctx.Log.Info("resolving missing storage credentials from the AWS credential chain",
		"profile", cfg.Credentials.AWSProfile, "region", cfg.Credentials.AWSRegion)

	return creds.NewAWS(ctx.Log, creds.AWSOptions{
		Profile:  cfg.Credentials.AWSProfile,
		Region:   cfg.Credentials.AWSRegion,
		Endpoint: cfg.Credentials.AWSEndpoint,
	})
}

func eventsPublisher(ctx *Context, cfg *serverconfig.Config) (events.Publisher, error) {
	if cfg.Events.NATSURL == "" {
		return events.Nop{}, nil
	}

	pub, err := events.DialNATS(ctx.Log, cfg.Events.NATSURL, cfg.Events.Subject)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	return pub, nil
}
