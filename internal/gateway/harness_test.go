// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package gateway_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/holomush/authgate/internal/auth"
	"github.com/holomush/authgate/internal/auth/authtest"
	"github.com/holomush/authgate/internal/auth/sqlite"
	"github.com/holomush/authgate/internal/gateway"
	"github.com/holomush/authgate/internal/logging"
	"github.com/holomush/authgate/internal/observability"
)

const (
	clientIP = "192.0.2.10"
	otherIP  = "198.51.100.7"
	gateHost = "gate.example"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	t          *testing.T
	cfg        gateway.Config
	store      *sqlite.Store
	clock      *testClock
	mailer     *authtest.RecordingMailer
	directory  *authtest.StubDirectory
	verifier   *auth.CredentialVerifier
	sessions   *auth.SessionStore
	metrics    *observability.Metrics
	svc        gateway.Services
	dispatcher *gateway.Dispatcher

	backendHits atomic.Int32
	backendHost atomic.Value
}

type harnessOption func(*harness)

func withOTP() harnessOption {
	return func(h *harness) { h.cfg.OTPEnabled = true }
}

func withDirectory(accounts map[string]authtest.StubAccount) harnessOption {
	return func(h *harness) { h.directory = &authtest.StubDirectory{Accounts: accounts} }
}

func withConfig(fn func(*gateway.Config)) harnessOption {
	return func(h *harness) { fn(&h.cfg) }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	ctx := context.Background()

	h := &harness{
		t:      t,
		clock:  &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		mailer: &authtest.RecordingMailer{},
		cfg: gateway.Config{
			APIPrefix:        "/api/",
			StaticPrefix:     "/static/",
			CookieName:       "authgate_sid",
			LocaleCookieName: "authgate_locale",
			SessionLifetime:  time.Hour,
			Locales:          []string{"en", "de", "fr"},
		},
	}

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.backendHits.Add(1)
		h.backendHost.Store(r.Host)
		_, _ = w.Write([]byte("backend " + r.URL.Path))
	}))
	t.Cleanup(backend.Close)
	h.cfg.BackendURL = backend.URL

	for _, opt := range opts {
		opt(h)
	}

	store, err := sqlite.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	h.store = store

	var directory auth.DirectoryClient
	if h.directory != nil {
		directory = h.directory
	}
	hasher := auth.NewPooledHasher(auth.NewArgon2idHasher(auth.Argon2Params{Time: 1, MemoryKiB: 1024, Threads: 1}), 2)
	h.verifier, err = auth.NewCredentialVerifier(store.Users(), hasher, directory, "authgate", auth.WithClock(h.clock.Now))
	require.NoError(t, err)
	h.sessions, err = auth.NewSessionStore(store.Sessions(), auth.WithClock(h.clock.Now))
	require.NoError(t, err)
	resets, err := auth.NewResetTokenService(store.Users(), h.mailer, authtest.PlainRenderer{}, "https://"+gateHost, time.Hour, auth.WithClock(h.clock.Now))
	require.NoError(t, err)

	h.metrics = observability.NewMetrics(prometheus.NewRegistry())
	h.svc = gateway.Services{
		Users:    store.Users(),
		Sessions: h.sessions,
		Verifier: h.verifier,
		Resets:   resets,
	}
	h.dispatcher, err = gateway.New(h.cfg, h.svc, gateway.WithLogger(logging.Discard()), gateway.WithMetrics(h.metrics))
	require.NoError(t, err)
	t.Cleanup(h.dispatcher.Wait)
	return h
}

func (h *harness) services() gateway.Services { return h.svc }

// createUser stores a user with a local password.
func (h *harness) createUser(login, password, email string) *auth.User {
	h.t.Helper()
	ctx := context.Background()
	user, err := auth.NewUser(login, email)
	require.NoError(h.t, err)
	require.NoError(h.t, h.store.Users().Create(ctx, user))
	if password != "" {
		require.NoError(h.t, h.verifier.SetPassword(ctx, user.ID, password))
	}
	return user
}

func (h *harness) do(target, ip string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	h.t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.Host = gateHost
	req.RemoteAddr = ip + ":40000"
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	h.dispatcher.ServeHTTP(rec, req)
	return rec
}

type apiBody struct {
	Success bool   `json:"success"`
	Next    string `json:"next"`
	Reason  string `json:"reason"`
	Locale  string `json:"locale"`
	QRCode  string `json:"qr_code"`
	OTPURL  string `json:"otp_url"`
	Error   string `json:"error"`
}

func (h *harness) api(target, ip string, cookies ...*http.Cookie) (int, apiBody) {
	h.t.Helper()
	rec := h.do(target, ip, cookies...)
	var body apiBody
	require.NoError(h.t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return rec.Code, body
}

// visit performs the anonymous first request and returns the issued cookie.
func (h *harness) visit(ip string) *http.Cookie {
	h.t.Helper()
	rec := h.do("/", ip)
	require.Equal(h.t, http.StatusOK, rec.Code)
	c := findCookie(rec, h.cfg.CookieName)
	require.NotNil(h.t, c, "expected a session cookie")
	return c
}

// login visits the gateway and passes the password step.
func (h *harness) login(login, password, ip string) (*http.Cookie, apiBody) {
	h.t.Helper()
	sid := h.visit(ip)
	_, body := h.api("/api/auth?"+url.Values{
		"action":   {"check"},
		"login":    {login},
		"password": {password},
	}.Encode(), ip, sid)
	return sid, body
}

func findCookie(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// resetSecret extracts the secret from the last mailed link.
func (h *harness) resetSecret() string {
	h.t.Helper()
	msg, ok := h.mailer.Last()
	require.True(h.t, ok, "expected a mail")
	u, err := url.Parse(msg.TextBody)
	require.NoError(h.t, err)
	secret := u.Query().Get("secret")
	require.NotEmpty(h.t, secret)
	return secret
}

func newRecorderFor(h *harness, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.dispatcher.ServeHTTP(rec, req)
	return rec
}
