// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package gateway

import (
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/samber/oops"

	"github.com/holomush/authgate/pkg/errutil"
)

// newBackendProxy forwards requests to target, keeping the client's Host
// header, path and query.
func newBackendProxy(target *url.URL, logger *slog.Logger) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.Out.Host = pr.In.Host
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			errutil.LogErrorContext(r.Context(), logger, "backend request failed",
				oops.Code("BACKEND_UNAVAILABLE").With("backend", target.Host).Wrap(err),
				"path", r.URL.Path)
			http.Error(w, "bad gateway", http.StatusBadGateway)
		},
	}
}
