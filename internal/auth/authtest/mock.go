// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package authtest

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/mock"

	"github.com/holomush/authgate/internal/auth"
)

// MockUserRepository is a testify mock of auth.UserRepository.
type MockUserRepository struct {
	mock.Mock
}

func (m *MockUserRepository) Create(ctx context.Context, user *auth.User) error {
	return m.Called(ctx, user).Error(0)
}

func (m *MockUserRepository) GetByID(ctx context.Context, id ulid.ULID) (*auth.User, error) {
	args := m.Called(ctx, id)
	user, _ := args.Get(0).(*auth.User)
	return user, args.Error(1)
}

func (m *MockUserRepository) GetByLogin(ctx context.Context, login string) (*auth.User, error) {
	args := m.Called(ctx, login)
	user, _ := args.Get(0).(*auth.User)
	return user, args.Error(1)
}

func (m *MockUserRepository) GetByEmail(ctx context.Context, email string) (*auth.User, error) {
	args := m.Called(ctx, email)
	user, _ := args.Get(0).(*auth.User)
	return user, args.Error(1)
}

func (m *MockUserRepository) UpdateEmail(ctx context.Context, id ulid.ULID, email string) error {
	return m.Called(ctx, id, email).Error(0)
}

func (m *MockUserRepository) UpdatePassword(ctx context.Context, id ulid.ULID, hash string) error {
	return m.Called(ctx, id, hash).Error(0)
}

func (m *MockUserRepository) RehashPassword(ctx context.Context, id ulid.ULID, hash string) error {
	return m.Called(ctx, id, hash).Error(0)
}

func (m *MockUserRepository) UpdateOTPSecret(ctx context.Context, id ulid.ULID, secret string, clearConfirmed bool) error {
	return m.Called(ctx, id, secret, clearConfirmed).Error(0)
}

func (m *MockUserRepository) ConfirmOTP(ctx context.Context, id ulid.ULID) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockUserRepository) SetResetSecret(ctx context.Context, id ulid.ULID, hash string, kind auth.ResetKind, issuedAt time.Time) error {
	return m.Called(ctx, id, hash, kind, issuedAt).Error(0)
}

func (m *MockUserRepository) ClaimResetSecret(ctx context.Context, hash string, kind auth.ResetKind, issuedAfter time.Time) (ulid.ULID, error) {
	args := m.Called(ctx, hash, kind, issuedAfter)
	id, _ := args.Get(0).(ulid.ULID)
	return id, args.Error(1)
}

// MockSessionRepository is a testify mock of auth.SessionRepository.
type MockSessionRepository struct {
	mock.Mock
}

func (m *MockSessionRepository) Create(ctx context.Context, session *auth.Session) error {
	return m.Called(ctx, session).Error(0)
}

func (m *MockSessionRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*auth.Session, error) {
	args := m.Called(ctx, tokenHash)
	session, _ := args.Get(0).(*auth.Session)
	return session, args.Error(1)
}

func (m *MockSessionRepository) UpdateLastSeen(ctx context.Context, id ulid.ULID, lastSeen time.Time) error {
	return m.Called(ctx, id, lastSeen).Error(0)
}

func (m *MockSessionRepository) MarkPasswordVerified(ctx context.Context, id ulid.ULID, at time.Time) error {
	return m.Called(ctx, id, at).Error(0)
}

func (m *MockSessionRepository) MarkOTPVerified(ctx context.Context, id ulid.ULID, at time.Time) error {
	return m.Called(ctx, id, at).Error(0)
}

func (m *MockSessionRepository) Delete(ctx context.Context, id ulid.ULID) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockSessionRepository) DeleteByTokenHash(ctx context.Context, tokenHash string) error {
	return m.Called(ctx, tokenHash).Error(0)
}

func (m *MockSessionRepository) DeleteIdleBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, cutoff)
	n, _ := args.Get(0).(int64)
	return n, args.Error(1)
}

var (
	_ auth.UserRepository    = (*MockUserRepository)(nil)
	_ auth.SessionRepository = (*MockSessionRepository)(nil)
)
