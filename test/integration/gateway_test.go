// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/holomush/authgate/internal/auth"
	"github.com/holomush/authgate/internal/auth/authtest"
	authpg "github.com/holomush/authgate/internal/auth/postgres"
	"github.com/holomush/authgate/internal/gateway"
	"github.com/holomush/authgate/internal/logging"
	"github.com/holomush/authgate/internal/store"
)

const cookieName = "authgate_sid"

// testEnv holds the container, pool and gateway shared by the suite.
type testEnv struct {
	ctx        context.Context
	cancel     context.CancelFunc
	container  testcontainers.Container
	pool       *pgxpool.Pool
	backend    *httptest.Server
	backendHit atomic.Int64
	mailer     *authtest.RecordingMailer
	svc        gateway.Services
	dispatcher *gateway.Dispatcher
}

var env *testEnv

func setupTestEnv() (*testEnv, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	e := &testEnv{ctx: ctx, cancel: cancel, mailer: &authtest.RecordingMailer{}}

	container, err := postgres.Run(ctx,
		"postgres:18-alpine",
		postgres.WithDatabase("authgate_test"),
		postgres.WithUsername("authgate"),
		postgres.WithPassword("authgate"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		cancel()
		return nil, err
	}
	e.container = container

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		e.teardown()
		return nil, err
	}

	migrator, err := store.NewMigrator(connStr)
	if err != nil {
		e.teardown()
		return nil, err
	}
	if err := migrator.Up(); err != nil {
		_ = migrator.Close()
		e.teardown()
		return nil, err
	}
	_ = migrator.Close()

	e.pool, err = store.Connect(ctx, connStr, store.ConnectOptions{Retries: 3, Logger: logging.Discard()})
	if err != nil {
		e.teardown()
		return nil, err
	}

	e.backend = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		e.backendHit.Add(1)
		_, _ = w.Write([]byte("backend"))
	}))

	users := authpg.NewUserRepository(e.pool)
	hasher := auth.NewPooledHasher(auth.NewArgon2idHasher(auth.Argon2Params{Time: 1, MemoryKiB: 8 * 1024, Threads: 1}), 2)
	verifier, err := auth.NewCredentialVerifier(users, hasher, nil, "authgate")
	if err != nil {
		e.teardown()
		return nil, err
	}
	sessions, err := auth.NewSessionStore(authpg.NewSessionRepository(e.pool))
	if err != nil {
		e.teardown()
		return nil, err
	}
	resets, err := auth.NewResetTokenService(users, e.mailer, authtest.PlainRenderer{}, "https://gate.example.com/", time.Hour)
	if err != nil {
		e.teardown()
		return nil, err
	}
	e.svc = gateway.Services{Users: users, Sessions: sessions, Verifier: verifier, Resets: resets}

	e.dispatcher, err = gateway.New(gateway.Config{
		BackendURL:       e.backend.URL,
		APIPrefix:        "/api/",
		StaticPrefix:     "/static/",
		EntryPage:        "index.html",
		CookieName:       cookieName,
		LocaleCookieName: "authgate_locale",
		OTPEnabled:       false,
		SessionLifetime:  time.Hour,
		Locales:          []string{"en", "de"},
	}, e.svc, gateway.WithLogger(logging.Discard()))
	if err != nil {
		e.teardown()
		return nil, err
	}
	return e, nil
}

func (e *testEnv) teardown() {
	if e.dispatcher != nil {
		e.dispatcher.Wait()
	}
	if e.backend != nil {
		e.backend.Close()
	}
	if e.pool != nil {
		e.pool.Close()
	}
	if e.container != nil {
		_ = e.container.Terminate(context.Background())
	}
	e.cancel()
}

// request sends one request through the dispatcher from remoteIP.
func (e *testEnv) request(method, target, remoteIP, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	req.RemoteAddr = remoteIP + ":40000"
	if token != "" {
		req.AddCookie(&http.Cookie{Name: cookieName, Value: token})
	}
	rec := httptest.NewRecorder()
	e.dispatcher.ServeHTTP(rec, req)
	return rec
}

func sessionCookie(rec *httptest.ResponseRecorder) string {
	for _, c := range rec.Result().Cookies() {
		if c.Name == cookieName {
			return c.Value
		}
	}
	return ""
}

func apiResult(rec *httptest.ResponseRecorder) map[string]any {
	var body map[string]any
	ExpectWithOffset(1, json.Unmarshal(rec.Body.Bytes(), &body)).To(Succeed())
	return body
}

func createUser(login, password string) *auth.User {
	user, err := auth.NewUser(login, login+"@example.com")
	Expect(err).NotTo(HaveOccurred())
	Expect(env.svc.Users.Create(env.ctx, user)).To(Succeed())
	if password != "" {
		Expect(env.svc.Verifier.SetPassword(env.ctx, user.ID, password)).To(Succeed())
	}
	return user
}

func checkPassword(ip, token, login, password string) *httptest.ResponseRecorder {
	q := url.Values{"action": {"check"}, "login": {login}, "password": {password}}
	return env.request(http.MethodGet, "/api/auth?"+q.Encode(), ip, token)
}

var _ = BeforeSuite(func() {
	var err error
	env, err = setupTestEnv()
	Expect(err).NotTo(HaveOccurred())
})

var _ = AfterSuite(func() {
	if env != nil {
		env.teardown()
	}
})

var _ = Describe("Gateway over PostgreSQL", func() {
	Describe("password login", func() {
		It("proxies only after the password is verified", func() {
			createUser("carol", "hunter2")
			before := env.backendHit.Load()

			first := env.request(http.MethodGet, "/app", "10.0.0.1", "")
			Expect(first.Code).To(Equal(http.StatusOK))
			token := sessionCookie(first)
			Expect(token).NotTo(BeEmpty())
			Expect(env.backendHit.Load()).To(Equal(before))

			rec := checkPassword("10.0.0.1", token, "carol", "hunter2")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(apiResult(rec)).To(HaveKeyWithValue("success", true))

			proxied := env.request(http.MethodGet, "/app", "10.0.0.1", token)
			Expect(proxied.Code).To(Equal(http.StatusOK))
			Expect(proxied.Body.String()).To(Equal("backend"))
			Expect(env.backendHit.Load()).To(Equal(before + 1))
		})

		It("rejects a wrong password", func() {
			createUser("dave", "correct")
			token := sessionCookie(env.request(http.MethodGet, "/", "10.0.0.2", ""))

			rec := checkPassword("10.0.0.2", token, "dave", "wrong")
			Expect(apiResult(rec)).To(HaveKeyWithValue("success", false))
		})

		It("fails closed when the session is replayed from another address", func() {
			createUser("erin", "pw-erin")
			token := sessionCookie(env.request(http.MethodGet, "/", "10.0.0.3", ""))
			Expect(apiResult(checkPassword("10.0.0.3", token, "erin", "pw-erin"))).To(HaveKeyWithValue("success", true))
			before := env.backendHit.Load()

			rec := env.request(http.MethodGet, "/app", "10.9.9.9", token)
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.String()).To(ContainSubstring("Sign in"))
			Expect(env.backendHit.Load()).To(Equal(before))
		})
	})

	Describe("password reset", func() {
		It("sets a new password with a single-use secret", func() {
			createUser("frank", "")
			token := sessionCookie(env.request(http.MethodGet, "/", "10.0.0.4", ""))

			q := url.Values{"type": {"password"}, "email": {"frank@example.com"}}
			rec := env.request(http.MethodGet, "/api/reset-request?"+q.Encode(), "10.0.0.4", token)
			Expect(apiResult(rec)).To(HaveKeyWithValue("success", true))

			msg, ok := env.mailer.Last()
			Expect(ok).To(BeTrue())
			Expect(msg.To).To(Equal("frank@example.com"))
			link, err := url.Parse(strings.TrimSpace(msg.TextBody))
			Expect(err).NotTo(HaveOccurred())
			secret := link.Query().Get("secret")
			Expect(secret).NotTo(BeEmpty())

			set := url.Values{"action": {"set"}, "secret": {secret}, "password": {"fresh-pass"}}
			rec = env.request(http.MethodGet, "/api/auth?"+set.Encode(), "10.0.0.4", token)
			Expect(apiResult(rec)).To(HaveKeyWithValue("success", true))

			rec = env.request(http.MethodGet, "/api/auth?"+set.Encode(), "10.0.0.4", token)
			Expect(apiResult(rec)).To(And(
				HaveKeyWithValue("success", false),
				HaveKeyWithValue("reason", "expired"),
			))

			Expect(apiResult(checkPassword("10.0.0.4", token, "frank", "fresh-pass"))).To(HaveKeyWithValue("success", true))
		})
	})

	Describe("session garbage collection", func() {
		It("removes sessions idle for longer than the lifetime", func() {
			createUser("grace", "pw-grace")
			token := sessionCookie(env.request(http.MethodGet, "/", "10.0.0.5", ""))
			Expect(apiResult(checkPassword("10.0.0.5", token, "grace", "pw-grace"))).To(HaveKeyWithValue("success", true))

			_, err := env.pool.Exec(env.ctx,
				`UPDATE sessions SET last_seen_at = $1 WHERE token_hash = $2`,
				time.Now().Add(-2*time.Hour), auth.HashSessionToken(token))
			Expect(err).NotTo(HaveOccurred())

			n, err := env.svc.Sessions.CollectGarbage(env.ctx, time.Hour)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(BeNumerically(">=", 1))

			_, err = env.svc.Sessions.Lookup(env.ctx, token)
			Expect(err).To(MatchError(auth.ErrNotFound))
		})
	})
})
