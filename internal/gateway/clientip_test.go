// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package gateway

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/authgate/pkg/errutil"
)

func TestClientIPResolver(t *testing.T) {
	r, err := NewClientIPResolver([]string{"10.0.0.0/8", " fd00::/8 "})
	require.NoError(t, err)

	tests := []struct {
		name   string
		remote string
		xff    []string
		want   string
	}{
		{"direct peer", "203.0.113.5:1234", nil, "203.0.113.5"},
		{"untrusted peer ignores forwarded header", "203.0.113.5:1234", []string{"192.0.2.1"}, "203.0.113.5"},
		{"trusted peer without header", "10.0.0.1:1234", nil, "10.0.0.1"},
		{"trusted peer uses forwarded client", "10.0.0.1:1234", []string{"192.0.2.1"}, "192.0.2.1"},
		{"skips trusted hops", "10.0.0.1:1234", []string{"192.0.2.1, 10.0.0.7"}, "192.0.2.1"},
		{"spoofed left entries are ignored", "10.0.0.1:1234", []string{"1.1.1.1, 192.0.2.1"}, "192.0.2.1"},
		{"multiple headers", "10.0.0.1:1234", []string{"192.0.2.1", "10.0.0.9"}, "192.0.2.1"},
		{"garbage stops the walk", "10.0.0.1:1234", []string{"192.0.2.1, junk"}, "10.0.0.1"},
		{"ipv4-mapped ipv6 is unmapped", "[::ffff:203.0.113.5]:1234", nil, "203.0.113.5"},
		{"ipv6 peer", "[2001:db8::1]:1234", nil, "2001:db8::1"},
		{"trusted ipv6 proxy", "[fd00::1]:1234", []string{"2001:db8::2"}, "2001:db8::2"},
		{"address without port", "203.0.113.5", nil, "203.0.113.5"},
		{"unusable remote address", "@pipe", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, "/", nil)
			require.NoError(t, err)
			req.RemoteAddr = tt.remote
			for _, v := range tt.xff {
				req.Header.Add("X-Forwarded-For", v)
			}
			assert.Equal(t, tt.want, r.Resolve(req))
		})
	}
}

func TestNewClientIPResolverRejectsBadCIDR(t *testing.T) {
	_, err := NewClientIPResolver([]string{"10.0.0.0/33"})
	errutil.AssertErrorCode(t, err, "GATEWAY_CONFIG_INVALID")
}

func TestLocalesMatch(t *testing.T) {
	l, err := newLocales([]string{"en", "de", "fr"})
	require.NoError(t, err)

	assert.Equal(t, "en", l.match())
	assert.Equal(t, "en", l.match("", ""))
	assert.Equal(t, "de", l.match("de"))
	assert.Equal(t, "fr", l.match("", "fr-BE"))
	assert.Equal(t, "de", l.match("de-CH,fr;q=0.5"))
	assert.Equal(t, "en", l.match("xx-invalid-tag-!!"))
}
