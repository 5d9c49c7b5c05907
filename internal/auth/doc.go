// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package auth implements the credential and session core of the gateway.
//
// # Domain Types
//
// Domain types should be created using their constructors:
//   - NewUser - creates a User with a normalized login and optional email
//   - NewSession - creates a password-verified Session bound to a client IP
//
// Direct struct initialization bypasses validation and may create invalid state.
// Repository implementations receive pre-validated types from these constructors.
//
// # Services
//
// Service types coordinate domain operations:
//   - SessionStore - lookup, creation, refresh and garbage collection of sessions
//   - CredentialVerifier - password, TOTP and directory checks
//   - ResetTokenService - single-use secrets delivered by email
//
// Password hashing runs through a PooledHasher so that the number of
// concurrent hash computations is bounded independently of request load.
//
// Storage, directory and mail collaborators are consumed through the
// UserRepository, SessionRepository, DirectoryClient, Mailer and
// MessageRenderer interfaces.
package auth
