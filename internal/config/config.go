// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package config defines the typed gateway configuration and its loaders.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/samber/oops"
	"golang.org/x/text/language"

	"github.com/holomush/authgate/internal/xdg"
)

// Storage drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Mail transport security modes.
const (
	MailTLSStartTLS = "starttls"
	MailTLSImplicit = "tls"
	MailTLSNone     = "none"
)

// Config is the complete gateway configuration.
type Config struct {
	Namespace string         `koanf:"namespace" jsonschema:"pattern=^[A-Za-z0-9_-]+$,description=Prefix for cookie names"`
	Server    ServerConfig   `koanf:"server"`
	Backend   BackendConfig  `koanf:"backend"`
	OTP       OTPConfig      `koanf:"otp"`
	Session   SessionConfig  `koanf:"session"`
	Password  PasswordConfig `koanf:"password"`
	Reset     ResetConfig    `koanf:"reset"`
	LDAP      LDAPConfig     `koanf:"ldap"`
	Email     EmailConfig    `koanf:"email"`
	Storage   StorageConfig  `koanf:"storage"`
	Locales   []string       `koanf:"locales" jsonschema:"minItems=1,description=Supported UI locales; the first is the default"`
	Log       LogConfig      `koanf:"log"`
}

// ServerConfig controls the public HTTP listener and request routing.
type ServerConfig struct {
	Listen         string   `koanf:"listen"`
	PublicURL      string   `koanf:"public_url" jsonschema:"description=External base URL used in emailed links"`
	APIPrefix      string   `koanf:"api_prefix"`
	StaticPrefix   string   `koanf:"static_prefix"`
	StaticDir      string   `koanf:"static_dir"`
	EntryPage      string   `koanf:"entry_page" jsonschema:"description=File under static_dir served as the login entry page"`
	TrustedProxies []string `koanf:"trusted_proxies" jsonschema:"description=CIDRs whose X-Forwarded-For header is trusted"`
	SecureCookies  bool     `koanf:"secure_cookies"`
	MetricsListen  string   `koanf:"metrics_listen" jsonschema:"description=Metrics and health probe address; empty disables"`
}

// BackendConfig names the protected upstream service.
type BackendConfig struct {
	URL string `koanf:"url" jsonschema:"format=uri"`
}

// OTPConfig controls the second factor.
type OTPConfig struct {
	Enable bool   `koanf:"enable"`
	Issuer string `koanf:"issuer"`
}

// SessionConfig controls session lifetime and garbage collection.
type SessionConfig struct {
	Lifetime      time.Duration `koanf:"lifetime"`
	GCProbability float64       `koanf:"gc_probability" jsonschema:"minimum=0,maximum=1"`
}

// PasswordConfig tunes the password hash and its worker pool.
type PasswordConfig struct {
	Argon2Time      uint32 `koanf:"argon2_time" jsonschema:"minimum=1"`
	Argon2MemoryKiB uint32 `koanf:"argon2_memory_kib" jsonschema:"minimum=8192"`
	Argon2Threads   uint8  `koanf:"argon2_threads" jsonschema:"minimum=1"`
	Workers         int    `koanf:"workers" jsonschema:"minimum=1"`
}

// ResetConfig controls emailed reset secrets.
type ResetConfig struct {
	TTL time.Duration `koanf:"ttl" jsonschema:"description=Reset secret lifetime; 0 disables expiry"`
}

// LDAPConfig configures the directory fallback.
type LDAPConfig struct {
	Enable         bool          `koanf:"enable"`
	URL            string        `koanf:"url"`
	Domain         string        `koanf:"domain" jsonschema:"description=Suffix appended to the login for the bind DN (login@domain)"`
	SearchBase     string        `koanf:"search_base"`
	UserFilter     string        `koanf:"user_filter" jsonschema:"description=Search filter; %s is replaced by the escaped login"`
	EmailAttribute string        `koanf:"email_attribute"`
	Timeout        time.Duration `koanf:"timeout"`
}

// EmailConfig configures outbound mail.
type EmailConfig struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port" jsonschema:"minimum=1,maximum=65535"`
	TLS      string `koanf:"tls" jsonschema:"enum=starttls,enum=tls,enum=none"`
	From     string `koanf:"from"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Driver         string `koanf:"driver" jsonschema:"enum=postgres,enum=sqlite"`
	DSN            string `koanf:"dsn" jsonschema:"description=Connection string; falls back to DATABASE_URL"`
	ConnectRetries uint64 `koanf:"connect_retries"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Format string `koanf:"format" jsonschema:"enum=json,enum=text"`
}

// Default returns the configuration used when no file or flag overrides a key.
func Default() *Config {
	return &Config{
		Namespace: "authgate_",
		Server: ServerConfig{
			Listen:       ":8080",
			PublicURL:    "http://localhost:8080",
			APIPrefix:    "/api/",
			StaticPrefix: "/static/",
			StaticDir:    "./web",
			EntryPage:    "index.html",
		},
		OTP: OTPConfig{
			Enable: true,
			Issuer: "authgate",
		},
		Session: SessionConfig{
			Lifetime:      24 * time.Hour,
			GCProbability: 0.02,
		},
		Password: PasswordConfig{
			Argon2Time:      1,
			Argon2MemoryKiB: 64 * 1024,
			Argon2Threads:   4,
			Workers:         runtime.GOMAXPROCS(0),
		},
		Reset: ResetConfig{TTL: time.Hour},
		LDAP: LDAPConfig{
			UserFilter:     "(sAMAccountName=%s)",
			EmailAttribute: "mail",
			Timeout:        5 * time.Second,
		},
		Email: EmailConfig{
			Host: "localhost",
			Port: 587,
			TLS:  MailTLSStartTLS,
			From: "authgate@localhost",
		},
		Storage: StorageConfig{
			Driver:         DriverPostgres,
			ConnectRetries: 5,
		},
		Locales: []string{"en", "de", "fr"},
		Log:     LogConfig{Format: "json"},
	}
}

// CookieName returns the session cookie name.
func (c *Config) CookieName() string {
	return c.Namespace + "sid"
}

// LocaleCookieName returns the locale preference cookie name.
func (c *Config) LocaleCookieName() string {
	return c.Namespace + "locale"
}

// ResolveDSN fills an empty storage DSN from the DATABASE_URL environment
// variable. SQLite falls back to authgate.db in the XDG data directory.
func (c *Config) ResolveDSN() {
	if c.Storage.DSN == "" {
		c.Storage.DSN = os.Getenv("DATABASE_URL")
	}
	if c.Storage.DSN == "" && c.Storage.Driver == DriverSQLite {
		if dir, err := xdg.DataDir(); err == nil {
			c.Storage.DSN = filepath.Join(dir, "authgate.db")
		}
	}
}

var namespacePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Validate checks configuration constraints. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if !namespacePattern.MatchString(c.Namespace) {
		add("namespace %q must match %s", c.Namespace, namespacePattern)
	}

	if c.Server.Listen == "" {
		add("server.listen is required")
	}
	for name, prefix := range map[string]string{
		"server.api_prefix":    c.Server.APIPrefix,
		"server.static_prefix": c.Server.StaticPrefix,
	} {
		if !strings.HasPrefix(prefix, "/") || !strings.HasSuffix(prefix, "/") || prefix == "/" {
			add("%s %q must start and end with / and not be the root", name, prefix)
		}
	}
	if c.Server.APIPrefix == c.Server.StaticPrefix {
		add("server.api_prefix and server.static_prefix must differ")
	}
	if c.Server.EntryPage == "" {
		add("server.entry_page is required")
	}
	for _, cidr := range c.Server.TrustedProxies {
		if _, err := netip.ParsePrefix(cidr); err != nil {
			add("server.trusted_proxies: %v", err)
		}
	}
	if _, err := url.Parse(c.Server.PublicURL); err != nil || c.Server.PublicURL == "" {
		add("server.public_url %q is not a valid URL", c.Server.PublicURL)
	}

	if u, err := url.Parse(c.Backend.URL); err != nil || c.Backend.URL == "" || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		add("backend.url %q must be an absolute http(s) URL", c.Backend.URL)
	}

	if c.OTP.Enable && c.OTP.Issuer == "" {
		add("otp.issuer is required when otp is enabled")
	}

	if c.Session.Lifetime <= 0 {
		add("session.lifetime must be positive")
	}
	if c.Session.GCProbability < 0 || c.Session.GCProbability > 1 {
		add("session.gc_probability %v must be within [0,1]", c.Session.GCProbability)
	}

	if c.Password.Argon2Time < 1 {
		add("password.argon2_time must be at least 1")
	}
	if c.Password.Argon2MemoryKiB < 8*1024 {
		add("password.argon2_memory_kib must be at least 8192")
	}
	if c.Password.Argon2Threads < 1 {
		add("password.argon2_threads must be at least 1")
	}
	if c.Password.Workers < 1 {
		add("password.workers must be at least 1")
	}

	if c.Reset.TTL < 0 {
		add("reset.ttl must not be negative")
	}

	if c.LDAP.Enable {
		if c.LDAP.URL == "" {
			add("ldap.url is required when ldap is enabled")
		}
		if c.LDAP.Domain == "" {
			add("ldap.domain is required when ldap is enabled")
		}
		if c.LDAP.SearchBase != "" && !strings.Contains(c.LDAP.UserFilter, "%s") {
			add("ldap.user_filter %q must contain %%s", c.LDAP.UserFilter)
		}
		if c.LDAP.Timeout <= 0 {
			add("ldap.timeout must be positive")
		}
	}

	if c.Email.Host == "" {
		add("email.host is required")
	}
	if c.Email.Port < 1 || c.Email.Port > 65535 {
		add("email.port %d is out of range", c.Email.Port)
	}
	switch c.Email.TLS {
	case MailTLSStartTLS, MailTLSImplicit, MailTLSNone:
	default:
		add("email.tls %q must be one of starttls, tls, none", c.Email.TLS)
	}
	if c.Email.From == "" {
		add("email.from is required")
	}

	switch c.Storage.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		add("storage.driver %q must be postgres or sqlite", c.Storage.Driver)
	}
	if c.Storage.DSN == "" {
		add("storage.dsn is required (or set DATABASE_URL)")
	}

	if len(c.Locales) == 0 {
		add("locales must list at least one locale")
	}
	for _, l := range c.Locales {
		if _, err := language.Parse(l); err != nil {
			add("locales: %q is not a valid language tag", l)
		}
	}

	switch c.Log.Format {
	case "json", "text":
	default:
		add("log.format %q must be json or text", c.Log.Format)
	}

	if len(errs) > 0 {
		return oops.Code("CONFIG_INVALID").
			With("problems", len(errs)).
			Wrap(errors.Join(errs...))
	}
	return nil
}
