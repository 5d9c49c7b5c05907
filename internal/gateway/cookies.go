// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package gateway

import (
	"net/http"
	"time"

	"github.com/holomush/authgate/internal/auth"
)

const localeCookieMaxAge = 365 * 24 * time.Hour

// sessionToken returns the well-formed session token carried by r, or "".
func sessionToken(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil || !auth.ValidTokenFormat(c.Value) {
		return ""
	}
	return c.Value
}

func (d *Dispatcher) setSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     d.cfg.CookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   d.cfg.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

func (a *API) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     a.cfg.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.cfg.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

func (a *API) setLocaleCookie(w http.ResponseWriter, locale string) {
	http.SetCookie(w, &http.Cookie{
		Name:     a.cfg.LocaleCookieName,
		Value:    locale,
		Path:     "/",
		MaxAge:   int(localeCookieMaxAge.Seconds()),
		Secure:   a.cfg.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}
