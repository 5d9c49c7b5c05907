// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"context"
	"errors"
)

// ErrDirectoryInvalidCredentials is returned by a DirectoryClient when the
// directory rejected the bind. It is an authentication failure, not an outage.
var ErrDirectoryInvalidCredentials = errors.New("directory rejected credentials")

// DirectoryEntry is what the directory reports about an authenticated account.
type DirectoryEntry struct {
	Login string
	Email string // empty when the directory has no email attribute
}

// DirectoryClient authenticates against an external directory service.
type DirectoryClient interface {
	// Authenticate binds as login with password. Rejected credentials return
	// an error wrapping ErrDirectoryInvalidCredentials; any other error means
	// the directory could not answer.
	Authenticate(ctx context.Context, login, password string) (*DirectoryEntry, error)
}
