package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	"github.com/docker/docker/api/types/registry"
	"golang.org/x/sync/errgroup"

	"github.com/flapmax/measure-remote/docs"
	"github.com/flapmax/measure-remote/internal/bootstrap"
	"github.com/flapmax/measure-remote/internal/config"
	"github.com/flapmax/measure-remote/internal/container"
	"github.com/flapmax/measure-remote/internal/dispatch"
	"github.com/flapmax/measure-remote/internal/hostconn"
	"github.com/flapmax/measure-remote/internal/janitor"
	"github.com/flapmax/measure-remote/internal/jobs"
	"github.com/flapmax/measure-remote/internal/provision"
	"github.com/flapmax/measure-remote/internal/rest"
	"github.com/flapmax/measure-remote/internal/store"
	"github.com/flapmax/measure-remote/internal/store/sqlstore"
	"github.com/flapmax/measure-remote/internal/telemetry"
	"github.com/flapmax/measure-remote/internal/vpn"
)

func runServe(parent context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := slog.Default()
	logger.Info("starting measure-remote",
		"version", version,
		"addr", cfg.Server.Addr,
		"db", redactURL(cfg.Database.URL),
		"vpn", cfg.VPN.Enabled,
	)

	// 1. Store.
	st, err := sqlstore.New(ctx, store.Config{
		DatabaseURL:     cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		AutoMigrate:     cfg.Database.AutoMigrate,
		EncryptionKey:   cfg.EncryptionKey,
	})
	if err != nil {
		return fmt.Errorf("initialize store: %w", err)
	}
	defer func() {
		if cerr := st.Close(); cerr != nil {
			logger.Error("failed to close store", "error", cerr)
		}
	}()

	// 2. Host access and job execution.
	connector, err := newConnector(cfg, logger)
	if err != nil {
		return err
	}
	dispatcher := dispatch.New(dispatch.Config{
		Attempts:       cfg.Dispatch.Attempts,
		RetryBackoff:   cfg.Dispatch.RetryBackoff,
		LogDelay:       cfg.Dispatch.LogDelay,
		RequestTimeout: cfg.Dispatch.RequestTimeout,
	}, logger)

	// 3. VPN sessions, only when a docker daemon is available to host them.
	var sessions provision.Sessions
	var vpnMgr *vpn.Manager
	if cfg.VPN.Enabled {
		engine, err := vpn.NewDockerEngine(registry.AuthConfig{
			Username:      cfg.Registry.Username,
			Password:      cfg.Registry.Password,
			ServerAddress: cfg.Registry.Server,
		}, logger)
		if err != nil {
			return fmt.Errorf("initialize docker engine: %w", err)
		}
		defer func() { _ = engine.Close() }()
		if err := engine.Ping(ctx); err != nil {
			logger.Warn("docker daemon unreachable; VPN sessions will fail until it is up", "error", err)
		}
		vpnMgr = vpn.NewManager(vpn.Config{
			WorkDir:          cfg.VPN.WorkDir,
			ClientImage:      cfg.VPN.ClientImage,
			APIImage:         cfg.VPN.APIImage,
			ArchivePath:      cfg.VPN.ArchivePath,
			ReadinessTimeout: cfg.VPN.ReadinessTimeout,
			APIEnv:           cfg.VPN.Database.Env(),
		}, engine, logger)
		sessions = vpnMgr
	}

	// 4. Telemetry.
	tel := telemetry.New(cfg.PostHog.APIKey, cfg.PostHog.Endpoint)
	defer tel.Close()

	// 5. Domain service and REST server.
	svc := provision.New(serviceConfig(cfg), provision.Deps{
		Store:      st,
		Connector:  connector,
		Installer:  newInstaller(cfg, logger),
		Dispatcher: dispatcher,
		Sessions:   sessions,
		Telemetry:  tel,
	}, logger)

	srv := rest.NewServer(st, cfg, svc, docs.OpenAPIYAML)
	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Router,
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("HTTP server listening", "addr", cfg.Server.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if vpnMgr != nil {
		jan := janitor.New(vpnMgr, vpnMgr.StopSession, cfg.Janitor.SessionTTL, logger)
		g.Go(func() error {
			jan.Start(gctx, cfg.Janitor.Interval)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		// Drain in-flight requests first, then tear down tunnels they may use.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server graceful shutdown failed", "error", err)
			_ = httpSrv.Close()
		} else {
			logger.Info("HTTP server shut down gracefully")
		}
		if vpnMgr != nil {
			vpnMgr.Close(shutdownCtx)
		}
		return nil
	})

	return g.Wait()
}

func newConnector(cfg *config.Config, logger *slog.Logger) (*hostconn.Connector, error) {
	c, err := hostconn.New(hostconn.Config{
		Port:           cfg.SSH.Port,
		ConnectTimeout: cfg.SSH.ConnectTimeout,
		TempDir:        cfg.SSH.TempDir,
		KnownHostsFile: cfg.SSH.KnownHostsFile,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("initialize ssh connector: %w", err)
	}
	return c, nil
}

func newInstaller(cfg *config.Config, logger *slog.Logger) *bootstrap.Installer {
	return bootstrap.NewInstaller(bootstrap.Config{
		Registry: bootstrap.Registry{
			Server:   cfg.Registry.Server,
			Username: cfg.Registry.Username,
			Password: cfg.Registry.Password,
		},
		Image:        container.Spec{Image: cfg.Containers.Benchmark.Image, Port: cfg.Containers.Benchmark.Port},
		FirewallPort: cfg.Firewall.Port,
	}, logger)
}

func serviceConfig(cfg *config.Config) provision.Config {
	return provision.Config{
		Containers: map[container.Kind]container.Spec{
			container.KindBenchmark: {Image: cfg.Containers.Benchmark.Image, Port: cfg.Containers.Benchmark.Port},
			container.KindInference: {Image: cfg.Containers.Inference.Image, Port: cfg.Containers.Inference.Port},
		},
		Catalog:          jobs.Catalog(cfg.Models),
		ProvisionTimeout: cfg.SSH.CommandTimeout,
	}
}

func redactURL(raw string) string {
	if u, err := url.Parse(raw); err == nil && u.User != nil {
		u.User = url.UserPassword("***", "***")
		return u.String()
	}
	return raw
}
