// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package gateway

import (
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/samber/oops"
)

// ClientIPResolver determines the address a request originates from.
// X-Forwarded-For is only consulted when the peer is a trusted proxy.
type ClientIPResolver struct {
	trusted []netip.Prefix
}

// NewClientIPResolver parses the trusted proxy CIDRs.
func NewClientIPResolver(trustedCIDRs []string) (*ClientIPResolver, error) {
	r := &ClientIPResolver{}
	for _, cidr := range trustedCIDRs {
		prefix, err := netip.ParsePrefix(strings.TrimSpace(cidr))
		if err != nil {
			return nil, oops.Code("GATEWAY_CONFIG_INVALID").With("trusted_proxy", cidr).Wrap(err)
		}
		r.trusted = append(r.trusted, prefix.Masked())
	}
	return r, nil
}

func (c *ClientIPResolver) trusts(ip netip.Addr) bool {
	for _, p := range c.trusted {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

// Resolve returns the client IP for r, or "" if RemoteAddr is unusable.
// Forwarded entries are walked right to left, skipping trusted hops.
func (c *ClientIPResolver) Resolve(r *http.Request) string {
	peer, ok := parseAddr(r.RemoteAddr)
	if !ok {
		return ""
	}
	if !c.trusts(peer) {
		return peer.String()
	}

	var hops []string
	for _, v := range r.Header.Values("X-Forwarded-For") {
		hops = append(hops, strings.Split(v, ",")...)
	}

	client := peer
	for i := len(hops) - 1; i >= 0; i-- {
		ip, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
		if err != nil {
			break
		}
		client = ip.Unmap()
		if !c.trusts(client) {
			break
		}
	}
	return client.String()
}

func parseAddr(remoteAddr string) (netip.Addr, bool) {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return ip.Unmap(), true
}
