// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package gateway routes every inbound request by session state: API calls
// and static assets are served directly, fully authenticated sessions are
// proxied to the backend, and everything else gets the login entry page.
package gateway
