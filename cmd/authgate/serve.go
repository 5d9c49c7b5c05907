// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/authgate/internal/auth"
	"github.com/holomush/authgate/internal/config"
	"github.com/holomush/authgate/internal/directory"
	"github.com/holomush/authgate/internal/gateway"
	"github.com/holomush/authgate/internal/logging"
	"github.com/holomush/authgate/internal/mail"
	"github.com/holomush/authgate/internal/observability"
)

const shutdownTimeout = 5 * time.Second

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the authenticating gateway",
		Long: `Serve the login API, static assets and entry page, and proxy fully
authenticated requests to the backend.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServeWithDeps(cmd.Context(), cmd, nil)
		},
	}

	d := config.Default()
	cmd.Flags().String("listen", d.Server.Listen, "public listen address")
	cmd.Flags().String("metrics-addr", d.Server.MetricsListen, "metrics/health HTTP address (empty = disabled)")
	cmd.Flags().String("static-dir", d.Server.StaticDir, "directory holding static assets and the entry page")
	cmd.Flags().String("backend-url", d.Backend.URL, "URL of the protected backend")
	cmd.Flags().String("storage-driver", d.Storage.Driver, "storage driver (postgres or sqlite)")
	cmd.Flags().String("database-url", "", "database connection string (default: DATABASE_URL)")
	cmd.Flags().String("log-format", d.Log.Format, "log format (json or text)")
	cmd.Flags().Bool("otp", d.OTP.Enable, "require a one-time code after the password")

	return cmd
}

func (deps *ServeDeps) applyDefaults() {
	if deps.StorageOpener == nil {
		deps.StorageOpener = openStorage
	}
	if deps.MailerFactory == nil {
		deps.MailerFactory = func(cfg config.EmailConfig) (auth.Mailer, error) {
			return mail.NewSMTPMailer(mail.Config{
				Host:     cfg.Host,
				Port:     cfg.Port,
				TLS:      cfg.TLS,
				From:     cfg.From,
				Username: cfg.Username,
				Password: cfg.Password,
			})
		}
	}
	if deps.DirectoryFactory == nil {
		deps.DirectoryFactory = func(cfg config.LDAPConfig) (auth.DirectoryClient, error) {
			return directory.New(directory.Config{
				URL:            cfg.URL,
				Domain:         cfg.Domain,
				SearchBase:     cfg.SearchBase,
				UserFilter:     cfg.UserFilter,
				EmailAttribute: cfg.EmailAttribute,
				Timeout:        cfg.Timeout,
			})
		}
	}
	if deps.ObservabilityServerFactory == nil {
		deps.ObservabilityServerFactory = func(addr string, ready observability.ReadinessChecker, logger *slog.Logger) ObservabilityServer {
			return observability.NewServer(addr, ready, logger)
		}
	}
	if deps.ListenerFactory == nil {
		deps.ListenerFactory = net.Listen
	}
}

// runServeWithDeps runs the gateway until ctx is cancelled, a signal
// arrives or a server fails. If deps is nil, default implementations are used.
func runServeWithDeps(ctx context.Context, cmd *cobra.Command, deps *ServeDeps) error {
	if deps == nil {
		deps = &ServeDeps{}
	}
	deps.applyDefaults()

	path, err := configPath()
	if err != nil {
		return err
	}
	cfg, err := config.Load(path, cmd.Flags())
	if err != nil {
		return err
	}

	logger := logging.Setup("authgate", version, cfg.Log.Format, deps.LogWriter)
	slog.SetDefault(logger)
	logger.Info("starting gateway",
		"listen", cfg.Server.Listen,
		"backend", cfg.Backend.URL,
		"storage", cfg.Storage.Driver,
		"otp", cfg.OTP.Enable,
		"directory", cfg.LDAP.Enable,
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	storage, err := deps.StorageOpener(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer storage.Close()
	logger.Info("storage ready", "driver", cfg.Storage.Driver)

	var obsServer ObservabilityServer
	var metrics *observability.Metrics
	if cfg.Server.MetricsListen != "" {
		obsServer = deps.ObservabilityServerFactory(cfg.Server.MetricsListen, storage.Ping, logger)
		obsErrCh, startErr := obsServer.Start()
		if startErr != nil {
			return startErr
		}
		go monitorServerErrors(ctx, cancel, obsErrCh, "observability")
		metrics = obsServer.Metrics()
	}

	svc, err := buildServices(cfg, storage, deps)
	if err != nil {
		stopObservability(obsServer)
		return err
	}

	dispatcher, err := gateway.New(gatewayConfig(cfg), svc,
		gateway.WithLogger(logger),
		gateway.WithMetrics(metrics),
	)
	if err != nil {
		stopObservability(obsServer)
		return err
	}

	listener, err := deps.ListenerFactory("tcp", cfg.Server.Listen)
	if err != nil {
		stopObservability(obsServer)
		return oops.Code("LISTEN_FAILED").With("addr", cfg.Server.Listen).Wrap(err)
	}

	httpSrv := &http.Server{
		Handler:           dispatcher,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	errCh := make(chan error, 1)
	go func() {
		if serveErr := httpSrv.Serve(listener); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errCh <- serveErr
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	addr := listener.Addr().String()
	cmd.Println("Gateway started on", addr)
	logger.Info("gateway ready", "addr", addr)
	if deps.Started != nil {
		deps.Started <- addr
	}

	var serveErr error
	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		serveErr = oops.Code("SERVE_FAILED").Wrap(err)
	case <-ctx.Done():
		logger.Info("context cancelled, shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("error stopping gateway server", "error", err)
	}
	dispatcher.Wait()
	if obsServer != nil {
		if err := obsServer.Stop(shutdownCtx); err != nil {
			logger.Warn("error stopping observability server", "error", err)
		}
	}

	logger.Info("shutdown complete")
	return serveErr
}

func buildServices(cfg *config.Config, storage *Storage, deps *ServeDeps) (gateway.Services, error) {
	hasher := auth.NewPooledHasher(auth.NewArgon2idHasher(auth.Argon2Params{
		Time:      cfg.Password.Argon2Time,
		MemoryKiB: cfg.Password.Argon2MemoryKiB,
		Threads:   cfg.Password.Argon2Threads,
	}), cfg.Password.Workers)

	// A disabled directory must stay a nil interface.
	var dir auth.DirectoryClient
	if cfg.LDAP.Enable {
		client, err := deps.DirectoryFactory(cfg.LDAP)
		if err != nil {
			return gateway.Services{}, err
		}
		dir = client
	}

	verifier, err := auth.NewCredentialVerifier(storage.Users, hasher, dir, cfg.OTP.Issuer)
	if err != nil {
		return gateway.Services{}, err
	}
	sessions, err := auth.NewSessionStore(storage.Sessions)
	if err != nil {
		return gateway.Services{}, err
	}

	mailer, err := deps.MailerFactory(cfg.Email)
	if err != nil {
		return gateway.Services{}, err
	}
	renderer, err := mail.NewRenderer(cfg.Locales)
	if err != nil {
		return gateway.Services{}, err
	}
	resets, err := auth.NewResetTokenService(storage.Users, mailer, renderer, cfg.Server.PublicURL, cfg.Reset.TTL)
	if err != nil {
		return gateway.Services{}, err
	}

	return gateway.Services{
		Users:    storage.Users,
		Sessions: sessions,
		Verifier: verifier,
		Resets:   resets,
	}, nil
}

func gatewayConfig(cfg *config.Config) gateway.Config {
	return gateway.Config{
		BackendURL:       cfg.Backend.URL,
		APIPrefix:        cfg.Server.APIPrefix,
		StaticPrefix:     cfg.Server.StaticPrefix,
		StaticDir:        cfg.Server.StaticDir,
		EntryPage:        cfg.Server.EntryPage,
		CookieName:       cfg.CookieName(),
		LocaleCookieName: cfg.LocaleCookieName(),
		SecureCookies:    cfg.Server.SecureCookies,
		TrustedProxies:   cfg.Server.TrustedProxies,
		OTPEnabled:       cfg.OTP.Enable,
		SessionLifetime:  cfg.Session.Lifetime,
		GCProbability:    cfg.Session.GCProbability,
		Locales:          cfg.Locales,
	}
}

func stopObservability(obsServer ObservabilityServer) {
	if obsServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := obsServer.Stop(ctx); err != nil {
		slog.Warn("failed to stop observability server during cleanup", "error", err)
	}
}

// monitorServerErrors cancels ctx when a server reports an error. It exits
// when an error arrives, the channel closes or ctx is done.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, serverName string) {
	select {
	case err, ok := <-errCh:
		if !ok {
			return
		}
		if err != nil {
			slog.Error("server error, triggering shutdown",
				"server", serverName,
				"error", err,
			)
			cancel()
		}
	case <-ctx.Done():
	}
}
