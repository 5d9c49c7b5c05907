// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package directory authenticates users against an LDAP directory such as
// Active Directory.
package directory

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/samber/oops"

	"github.com/holomush/authgate/internal/auth"
)

// DefaultTimeout bounds dial and each directory operation.
const DefaultTimeout = 5 * time.Second

// Conn is the part of *ldap.Conn the client uses.
type Conn interface {
	Bind(username, password string) error
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	SetTimeout(timeout time.Duration)
	Close() error
}

// DialFunc opens a connection to url within timeout.
type DialFunc func(ctx context.Context, url string, timeout time.Duration) (Conn, error)

// Config describes the directory.
type Config struct {
	URL            string
	Domain         string // appended as login@domain for the bind
	SearchBase     string // empty disables the email lookup
	UserFilter     string // must contain one %s for the escaped login
	EmailAttribute string
	Timeout        time.Duration
}

// Client implements auth.DirectoryClient with a simple bind per attempt.
type Client struct {
	cfg  Config
	dial DialFunc
}

// Option configures a Client.
type Option func(*Client)

// WithDialer replaces the network dialer. Intended for tests.
func WithDialer(dial DialFunc) Option {
	return func(c *Client) { c.dial = dial }
}

// New creates a Client.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.URL == "" {
		return nil, oops.Code("DIRECTORY_CONFIG_INVALID").Errorf("directory url is required")
	}
	if cfg.SearchBase != "" && strings.Count(cfg.UserFilter, "%s") != 1 {
		return nil, oops.Code("DIRECTORY_CONFIG_INVALID").
			With("user_filter", cfg.UserFilter).
			Errorf("user filter must contain exactly one %%s")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.EmailAttribute == "" {
		cfg.EmailAttribute = "mail"
	}
	c := &Client{cfg: cfg, dial: dialLDAP}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func dialLDAP(ctx context.Context, url string, timeout time.Duration) (Conn, error) {
	dialer := &net.Dialer{Timeout: timeout}
	if deadline, ok := ctx.Deadline(); ok {
		dialer.Deadline = deadline
	}
	conn, err := ldap.DialURL(url, ldap.DialWithDialer(dialer))
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Principal returns the bind name for login.
func (c *Client) Principal(login string) string {
	if c.cfg.Domain == "" || strings.Contains(login, "@") {
		return login
	}
	return login + "@" + c.cfg.Domain
}

// Authenticate binds as login. Rejected credentials wrap
// auth.ErrDirectoryInvalidCredentials; everything else is DIRECTORY_UNAVAILABLE.
func (c *Client) Authenticate(ctx context.Context, login, password string) (*auth.DirectoryEntry, error) {
	if password == "" {
		// Never attempt an unauthenticated bind.
		return nil, oops.Code("DIRECTORY_INVALID_CREDENTIALS").Wrap(auth.ErrDirectoryInvalidCredentials)
	}

	conn, err := c.dial(ctx, c.cfg.URL, c.cfg.Timeout)
	if err != nil {
		return nil, oops.Code("DIRECTORY_UNAVAILABLE").
			With("operation", "dial").
			With("url", c.cfg.URL).
			Wrap(err)
	}
	defer func() { _ = conn.Close() }()
	conn.SetTimeout(c.cfg.Timeout)
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := conn.Bind(c.Principal(login), password); err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidCredentials) {
			return nil, oops.Code("DIRECTORY_INVALID_CREDENTIALS").
				With("login", login).
				Wrap(auth.ErrDirectoryInvalidCredentials)
		}
		return nil, c.unavailable(ctx, "bind", err)
	}

	entry := &auth.DirectoryEntry{Login: login}
	if c.cfg.SearchBase == "" {
		return entry, nil
	}

	req := ldap.NewSearchRequest(
		c.cfg.SearchBase,
		ldap.ScopeWholeSubtree,
		ldap.NeverDerefAliases,
		1,
		int(c.cfg.Timeout/time.Second),
		false,
		fmt.Sprintf(c.cfg.UserFilter, ldap.EscapeFilter(login)),
		[]string{c.cfg.EmailAttribute},
		nil,
	)
	res, err := conn.Search(req)
	if err != nil && !ldap.IsErrorWithCode(err, ldap.LDAPResultSizeLimitExceeded) {
		return nil, c.unavailable(ctx, "search", err)
	}
	if res != nil && len(res.Entries) > 0 {
		entry.Email = strings.TrimSpace(res.Entries[0].GetAttributeValue(c.cfg.EmailAttribute))
	}
	return entry, nil
}

func (c *Client) unavailable(ctx context.Context, op string, err error) error {
	b := oops.Code("DIRECTORY_UNAVAILABLE").With("operation", op).With("url", c.cfg.URL)
	if ctxErr := ctx.Err(); ctxErr != nil {
		b = b.With("cancelled", ctxErr.Error())
	}
	return b.Wrap(err)
}

var _ auth.DirectoryClient = (*Client)(nil)
