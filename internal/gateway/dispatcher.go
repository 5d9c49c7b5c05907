// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package gateway

import (
	"errors"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/samber/oops"

	"github.com/holomush/authgate/internal/auth"
	"github.com/holomush/authgate/internal/logging"
	"github.com/holomush/authgate/internal/observability"
	"github.com/holomush/authgate/pkg/errutil"
)

// DefaultGCTimeout bounds a single garbage collection pass.
const DefaultGCTimeout = 30 * time.Second

// Config holds the routing and cookie settings of the gateway.
type Config struct {
	BackendURL       string
	APIPrefix        string
	StaticPrefix     string
	StaticDir        string
	EntryPage        string
	CookieName       string
	LocaleCookieName string
	SecureCookies    bool
	TrustedProxies   []string
	OTPEnabled       bool
	SessionLifetime  time.Duration
	GCProbability    float64
	Locales          []string
}

// Services are the authentication components the gateway drives.
type Services struct {
	Users    auth.UserRepository
	Sessions *auth.SessionStore
	Verifier *auth.CredentialVerifier
	Resets   *auth.ResetTokenService
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithMetrics records dispatch and auth metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithRandom replaces the source used to decide on garbage collection.
func WithRandom(random func() float64) Option {
	return func(d *Dispatcher) { d.gc.random = random }
}

// WithGCTimeout bounds each garbage collection pass.
func WithGCTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) { d.gc.timeout = timeout }
}

// Dispatcher is the gateway's http.Handler.
type Dispatcher struct {
	cfg      Config
	sessions *auth.SessionStore
	ips      *ClientIPResolver
	api      http.Handler
	static   http.Handler
	entry    *entryPage
	backend  http.Handler
	gc       *collector
	metrics  *observability.Metrics
	logger   *slog.Logger
	handler  http.Handler
}

// New builds the dispatcher with its API router, static server and proxy.
func New(cfg Config, svc Services, opts ...Option) (*Dispatcher, error) {
	if svc.Users == nil || svc.Sessions == nil || svc.Verifier == nil || svc.Resets == nil {
		return nil, oops.Code("GATEWAY_CONFIG_INVALID").Errorf("all services are required")
	}
	if cfg.CookieName == "" {
		return nil, oops.Code("GATEWAY_CONFIG_INVALID").Errorf("cookie name is required")
	}
	for name, prefix := range map[string]string{"api": cfg.APIPrefix, "static": cfg.StaticPrefix} {
		if !strings.HasPrefix(prefix, "/") || !strings.HasSuffix(prefix, "/") || prefix == "/" {
			return nil, oops.Code("GATEWAY_CONFIG_INVALID").With(name+"_prefix", prefix).Errorf("prefix must start and end with /")
		}
	}
	target, err := url.Parse(cfg.BackendURL)
	if err != nil || target.Host == "" {
		return nil, oops.Code("GATEWAY_CONFIG_INVALID").With("backend_url", cfg.BackendURL).Errorf("backend URL must be absolute")
	}

	ips, err := NewClientIPResolver(cfg.TrustedProxies)
	if err != nil {
		return nil, err
	}
	entry, err := loadEntryPage(cfg.StaticDir, cfg.EntryPage)
	if err != nil {
		return nil, err
	}

	d := &Dispatcher{
		cfg:      cfg,
		sessions: svc.Sessions,
		ips:      ips,
		entry:    entry,
		logger:   slog.Default(),
		gc: &collector{
			sessions:    svc.Sessions,
			lifetime:    cfg.SessionLifetime,
			probability: cfg.GCProbability,
			timeout:     DefaultGCTimeout,
			random:      rand.Float64,
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	d.gc.metrics = d.metrics
	d.gc.logger = d.logger

	api, err := newAPI(cfg, svc, ips, d.metrics, d.logger)
	if err != nil {
		return nil, err
	}
	d.api = http.StripPrefix(strings.TrimSuffix(cfg.APIPrefix, "/"), api)
	d.static = http.StripPrefix(cfg.StaticPrefix, staticHandler(cfg.StaticDir))
	d.backend = newBackendProxy(target, d.logger)
	d.handler = middleware.RequestID(middleware.Recoverer(http.HandlerFunc(d.dispatch)))
	return d, nil
}

func staticHandler(dir string) http.Handler {
	if dir == "" {
		return http.NotFoundHandler()
	}
	return http.FileServer(http.Dir(dir))
}

// ServeHTTP implements http.Handler.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	d.handler.ServeHTTP(w, r)
}

// Wait blocks until background garbage collection has finished.
func (d *Dispatcher) Wait() {
	d.gc.wait()
}

func (d *Dispatcher) dispatch(w http.ResponseWriter, r *http.Request) {
	d.gc.maybeRun()

	ip := d.ips.Resolve(r)
	ctx := logging.WithClientIP(r.Context(), ip)
	r = r.WithContext(ctx)

	switch {
	case strings.HasPrefix(r.URL.Path, d.cfg.APIPrefix):
		d.metrics.Dispatch(observability.BranchAPI)
		d.api.ServeHTTP(w, r)
		return
	case strings.HasPrefix(r.URL.Path, d.cfg.StaticPrefix):
		d.metrics.Dispatch(observability.BranchStatic)
		d.static.ServeHTTP(w, r)
		return
	}

	token := sessionToken(r, d.cfg.CookieName)
	if token == "" {
		fresh, _, err := auth.GenerateSessionToken()
		if err != nil {
			d.fail(w, r, "generate session token", err)
			return
		}
		d.metrics.Dispatch(observability.BranchNewToken)
		d.setSessionCookie(w, fresh)
		d.entry.ServeHTTP(w, r)
		return
	}

	session, err := d.sessions.Lookup(ctx, token)
	switch {
	case errors.Is(err, auth.ErrNotFound):
		d.logger.DebugContext(ctx, "no session for token")
		d.metrics.Dispatch(observability.BranchNoSession)
		d.entry.ServeHTTP(w, r)
		return
	case err != nil:
		d.fail(w, r, "session lookup failed", err)
		return
	}

	if !session.BoundTo(ip) {
		d.logger.DebugContext(ctx, "session bound to another address", "session_id", session.ID.String())
		d.metrics.Dispatch(observability.BranchIPMismatch)
		d.entry.ServeHTTP(w, r)
		return
	}

	if !session.FullyAuthenticated(d.cfg.OTPEnabled) {
		d.metrics.Dispatch(observability.BranchPartial)
		d.entry.ServeHTTP(w, r)
		return
	}

	if err := d.sessions.Refresh(ctx, session.ID); err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			// Collected between lookup and refresh.
			d.metrics.Dispatch(observability.BranchNoSession)
			d.entry.ServeHTTP(w, r)
			return
		}
		d.fail(w, r, "session refresh failed", err)
		return
	}

	d.metrics.Dispatch(observability.BranchProxied)
	d.backend.ServeHTTP(w, r)
}

func (d *Dispatcher) fail(w http.ResponseWriter, r *http.Request, msg string, err error) {
	d.metrics.Dispatch(observability.BranchError)
	errutil.LogErrorContext(r.Context(), d.logger, msg, err, "path", r.URL.Path)
	http.Error(w, "internal error", http.StatusInternalServerError)
}
