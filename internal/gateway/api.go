// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/holomush/authgate/internal/auth"
	"github.com/holomush/authgate/internal/observability"
	"github.com/holomush/authgate/pkg/errutil"
)

// Auth methods used as metric labels.
const (
	methodPassword  = "password"
	methodDirectory = "directory"
	methodOTP       = "otp"
)

// API serves the JSON endpoints the login application calls.
type API struct {
	cfg      Config
	svc      Services
	ips      *ClientIPResolver
	locales  *locales
	validate *validator.Validate
	metrics  *observability.Metrics
	logger   *slog.Logger
	router   chi.Router
}

func newAPI(cfg Config, svc Services, ips *ClientIPResolver, metrics *observability.Metrics, logger *slog.Logger) (*API, error) {
	locs, err := newLocales(cfg.Locales)
	if err != nil {
		return nil, err
	}
	a := &API{
		cfg:      cfg,
		svc:      svc,
		ips:      ips,
		locales:  locs,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		metrics:  metrics,
		logger:   logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.NoCache)
	r.Get("/locale", a.handle(a.locale))
	r.Get("/auth", a.handle(a.auth))
	r.Get("/otp", a.handle(a.otp))
	r.Get("/reset-request", a.handle(a.resetRequest))
	r.Get("/logout", a.handle(a.logout))
	r.Get("/status", a.handle(a.status))
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, response{Error: "not found"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, response{Error: "method not allowed"})
	})
	a.router = r
	return a, nil
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}

// handle converts handler errors into the generic error bodies. Validation
// failures are the client's problem; everything else is logged.
func (a *API) handle(h func(http.ResponseWriter, *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := h(w, r)
		if err == nil {
			return
		}
		if errutil.Code(err) == "VALIDATION_FAILED" {
			a.logger.DebugContext(r.Context(), "rejected api request", "path", r.URL.Path, "error", err.Error())
			writeJSON(w, http.StatusBadRequest, response{Error: "invalid request"})
			return
		}
		errutil.LogErrorContext(r.Context(), a.logger, "api request failed", err, "path", r.URL.Path)
		writeJSON(w, http.StatusInternalServerError, response{Error: "internal error"})
	}
}

// boundSession returns the caller's session when it exists and belongs to the
// caller's address. A missing or foreign session yields nil without error.
func (a *API) boundSession(r *http.Request) (string, *auth.Session, error) {
	token := sessionToken(r, a.cfg.CookieName)
	if token == "" {
		return "", nil, nil
	}
	session, err := a.svc.Sessions.Lookup(r.Context(), token)
	if errors.Is(err, auth.ErrNotFound) {
		return token, nil, nil
	}
	if err != nil {
		return token, nil, err
	}
	if !session.BoundTo(a.ips.Resolve(r)) {
		a.logger.DebugContext(r.Context(), "api session bound to another address", "session_id", session.ID.String())
		return token, nil, nil
	}
	return token, session, nil
}

func (a *API) nextStep(session *auth.Session) string {
	switch {
	case session == nil || !session.PasswordVerified:
		return NextPassword
	case a.cfg.OTPEnabled && !session.OTPVerified:
		return NextOTP
	default:
		return NextDone
	}
}

func (a *API) locale(w http.ResponseWriter, r *http.Request) error {
	set := r.URL.Query().Get("set")
	if len(set) > 64 {
		return errInvalid("set", "locale too long")
	}
	if set != "" {
		loc := a.locales.match(set)
		a.setLocaleCookie(w, loc)
		ok(w, response{Locale: loc})
		return nil
	}
	var saved string
	if c, err := r.Cookie(a.cfg.LocaleCookieName); err == nil {
		saved = c.Value
	}
	ok(w, response{Locale: a.locales.match(saved, r.Header.Get("Accept-Language"))})
	return nil
}

type authRequest struct {
	Action   string `validate:"required,oneof=check set"`
	Login    string `validate:"required_if=Action check,max=256"`
	Password string `validate:"required,max=1024"`
	Secret   string `validate:"required_if=Action set,max=256"`
}

func (a *API) auth(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	req := authRequest{
		Action:   q.Get("action"),
		Login:    q.Get("login"),
		Password: q.Get("password"),
		Secret:   q.Get("secret"),
	}
	if err := validate(a.validate, req); err != nil {
		return err
	}
	if req.Action == "set" {
		return a.setPassword(w, r, req)
	}
	return a.checkPassword(w, r, req)
}

func (a *API) checkPassword(w http.ResponseWriter, r *http.Request, req authRequest) error {
	ctx := r.Context()
	token := sessionToken(r, a.cfg.CookieName)
	if token == "" {
		return errInvalid("sid", "session cookie is required")
	}

	user, err := a.verifyCredentials(ctx, req.Login, req.Password)
	if err != nil {
		return err
	}
	if user == nil {
		a.logger.WarnContext(ctx, "password check failed", "login", auth.NormalizeLogin(req.Login))
		failed(w, response{})
		return nil
	}

	session, err := a.establishSession(ctx, token, a.ips.Resolve(r), user.ID)
	if err != nil {
		return err
	}
	a.logger.InfoContext(ctx, "password verified", "user_id", user.ID.String(), "session_id", session.ID.String())
	ok(w, response{Next: a.nextStep(session)})
	return nil
}

// verifyCredentials returns the authenticated user or nil. The directory is
// consulted only for logins without a local password.
func (a *API) verifyCredentials(ctx context.Context, login, password string) (*auth.User, error) {
	user, matched, err := a.svc.Verifier.CheckPassword(ctx, login, password)
	if err != nil {
		a.metrics.AuthAttempt(methodPassword, observability.ResultError)
		return nil, err
	}
	if matched {
		a.metrics.AuthAttempt(methodPassword, observability.ResultSuccess)
		return user, nil
	}
	if !a.svc.Verifier.DirectoryEnabled() || (user != nil && user.HasLocalPassword()) {
		a.metrics.AuthAttempt(methodPassword, observability.ResultFailure)
		return nil, nil
	}

	user, matched, err = a.svc.Verifier.AuthenticateDirectory(ctx, login, password)
	switch {
	case err != nil:
		a.metrics.AuthAttempt(methodDirectory, observability.ResultError)
		return nil, err
	case !matched:
		a.metrics.AuthAttempt(methodDirectory, observability.ResultFailure)
		return nil, nil
	}
	a.metrics.AuthAttempt(methodDirectory, observability.ResultSuccess)
	return user, nil
}

// establishSession marks the token's session password-verified, or creates
// it. A session held by another user or address is replaced.
func (a *API) establishSession(ctx context.Context, token, ip string, userID ulid.ULID) (*auth.Session, error) {
	existing, err := a.svc.Sessions.Lookup(ctx, token)
	switch {
	case err == nil && existing.UserID == userID && existing.BoundTo(ip):
		if err := a.svc.Sessions.MarkPasswordVerified(ctx, existing.ID); err != nil {
			return nil, err
		}
		existing.PasswordVerified = true
		return existing, nil
	case err == nil:
		if err := a.svc.Sessions.Delete(ctx, existing.ID); err != nil && !errors.Is(err, auth.ErrNotFound) {
			return nil, err
		}
	case !errors.Is(err, auth.ErrNotFound):
		return nil, err
	}

	session, err := a.svc.Sessions.CreateOnFirstAuth(ctx, userID, token, ip)
	if errors.Is(err, auth.ErrConflict) {
		// A concurrent check for the same token won.
		again, lerr := a.svc.Sessions.Lookup(ctx, token)
		if lerr == nil && again.UserID == userID && again.BoundTo(ip) {
			return again, nil
		}
		return nil, oops.With("operation", "establish session").Wrap(err)
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (a *API) setPassword(w http.ResponseWriter, r *http.Request, req authRequest) error {
	result, err := a.svc.Resets.Consume(r.Context(), auth.ResetPassword, req.Secret,
		func(ctx context.Context, userID ulid.ULID) error {
			return a.svc.Verifier.SetPassword(ctx, userID, req.Password)
		})
	if err != nil {
		return err
	}
	a.metrics.ResetRequest(string(auth.ResetPassword), "consume_"+result.String())
	if result != auth.ConsumeOK {
		failed(w, response{Reason: ReasonExpired})
		return nil
	}
	a.logger.InfoContext(r.Context(), "password reset completed")
	ok(w, response{})
	return nil
}

type otpRequest struct {
	Action string `validate:"required,oneof=get check reset"`
	OTP    string `validate:"required_if=Action check,max=16"`
	Secret string `validate:"required_if=Action reset,max=256"`
}

func (a *API) otp(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	req := otpRequest{
		Action: q.Get("action"),
		OTP:    q.Get("otp"),
		Secret: q.Get("secret"),
	}
	if err := validate(a.validate, req); err != nil {
		return err
	}
	if req.Action == "reset" {
		return a.resetOTP(w, r, req)
	}

	token, session, err := a.boundSession(r)
	if err != nil {
		return err
	}
	if token == "" {
		return errInvalid("sid", "session cookie is required")
	}
	if session == nil || !session.PasswordVerified {
		failed(w, response{Next: NextPassword})
		return nil
	}

	if req.Action == "get" {
		return a.getOTP(w, r, session)
	}
	return a.checkOTP(w, r, session, req.OTP)
}

func (a *API) getOTP(w http.ResponseWriter, r *http.Request, session *auth.Session) error {
	ctx := r.Context()
	user, err := a.svc.Users.GetByID(ctx, session.UserID)
	if err != nil {
		return oops.With("operation", "load otp user").Wrap(err)
	}
	if user.OTPConfirmed && user.OTPSecret != nil {
		ok(w, response{})
		return nil
	}
	if user.OTPSecret == nil {
		secret, err := a.svc.Verifier.IssueOTPSecret(ctx, user.ID, false)
		if err != nil {
			return err
		}
		user.OTPSecret = &secret
	}
	prov, err := a.svc.Verifier.OTPProvisioning(user)
	if err != nil {
		return err
	}
	ok(w, response{QRCode: prov.QRCode, OTPURL: prov.URL})
	return nil
}

func (a *API) checkOTP(w http.ResponseWriter, r *http.Request, session *auth.Session, code string) error {
	ctx := r.Context()
	matched, err := a.svc.Verifier.CheckOTP(ctx, session.UserID, code)
	if err != nil {
		a.metrics.AuthAttempt(methodOTP, observability.ResultError)
		return err
	}
	if !matched {
		a.metrics.AuthAttempt(methodOTP, observability.ResultFailure)
		a.logger.WarnContext(ctx, "otp check failed", "user_id", session.UserID.String())
		failed(w, response{})
		return nil
	}
	a.metrics.AuthAttempt(methodOTP, observability.ResultSuccess)

	if err := a.svc.Sessions.MarkOTPVerified(ctx, session.ID); err != nil {
		return err
	}
	if err := a.svc.Verifier.ConfirmOTP(ctx, session.UserID); err != nil {
		return err
	}
	a.logger.InfoContext(ctx, "otp verified", "user_id", session.UserID.String(), "session_id", session.ID.String())
	ok(w, response{Next: NextDone})
	return nil
}

func (a *API) resetOTP(w http.ResponseWriter, r *http.Request, req otpRequest) error {
	result, err := a.svc.Resets.Consume(r.Context(), auth.ResetOTP, req.Secret,
		func(ctx context.Context, userID ulid.ULID) error {
			_, err := a.svc.Verifier.IssueOTPSecret(ctx, userID, true)
			return err
		})
	if err != nil {
		return err
	}
	a.metrics.ResetRequest(string(auth.ResetOTP), "consume_"+result.String())
	if result != auth.ConsumeOK {
		failed(w, response{Reason: ReasonExpired})
		return nil
	}
	a.logger.InfoContext(r.Context(), "otp reset completed")
	ok(w, response{})
	return nil
}

type resetRequest struct {
	Type  string `validate:"required,oneof=password otp"`
	Email string `validate:"required,max=254"`
	Lang  string `validate:"max=64"`
}

func (a *API) resetRequest(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	q := r.URL.Query()
	req := resetRequest{
		Type:  q.Get("type"),
		Email: q.Get("email"),
		Lang:  q.Get("lang"),
	}
	if err := validate(a.validate, req); err != nil {
		return err
	}
	kind := auth.ResetKind(req.Type)

	user, err := a.svc.Users.GetByEmail(ctx, req.Email)
	if errors.Is(err, auth.ErrNotFound) {
		a.metrics.ResetRequest(req.Type, ReasonInvalidEmail)
		failed(w, response{Reason: ReasonInvalidEmail})
		return nil
	}
	if err != nil {
		return oops.With("operation", "find user by email").Wrap(err)
	}

	if kind == auth.ResetPassword && !user.HasLocalPassword() && a.svc.Verifier.DirectoryEnabled() {
		a.metrics.ResetRequest(req.Type, ReasonExternPassword)
		failed(w, response{Reason: ReasonExternPassword})
		return nil
	}

	var saved string
	if c, cerr := r.Cookie(a.cfg.LocaleCookieName); cerr == nil {
		saved = c.Value
	}
	lang := a.locales.match(req.Lang, saved, r.Header.Get("Accept-Language"))

	if _, err := a.svc.Resets.Issue(ctx, user, kind, lang); err != nil {
		a.metrics.ResetRequest(req.Type, observability.ResultError)
		return err
	}
	a.metrics.ResetRequest(req.Type, "sent")
	a.logger.InfoContext(ctx, "reset mail sent", "user_id", user.ID.String(), "kind", req.Type)
	ok(w, response{})
	return nil
}

func (a *API) logout(w http.ResponseWriter, r *http.Request) error {
	_, session, err := a.boundSession(r)
	if err != nil {
		return err
	}
	if session != nil {
		if err := a.svc.Sessions.Delete(r.Context(), session.ID); err != nil && !errors.Is(err, auth.ErrNotFound) {
			return err
		}
		a.logger.InfoContext(r.Context(), "session closed", "session_id", session.ID.String())
	}
	a.clearSessionCookie(w)
	ok(w, response{})
	return nil
}

func (a *API) status(w http.ResponseWriter, r *http.Request) error {
	_, session, err := a.boundSession(r)
	if err != nil {
		return err
	}
	ok(w, response{Next: a.nextStep(session)})
	return nil
}
