// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/holomush/authgate/internal/auth"
	"github.com/holomush/authgate/internal/auth/authtest"
	"github.com/holomush/authgate/internal/auth/sqlite"
	"github.com/holomush/authgate/pkg/errutil"
)

type verifierFixture struct {
	store     *sqlite.Store
	verifier  *auth.CredentialVerifier
	directory *authtest.StubDirectory
	clock     *testClock
}

func newVerifierFixture(t *testing.T, withDirectory bool) *verifierFixture {
	t.Helper()
	f := &verifierFixture{
		store: newStore(t),
		clock: newTestClock(time.Unix(1111111111, 0)),
	}
	var dir auth.DirectoryClient
	if withDirectory {
		f.directory = &authtest.StubDirectory{Accounts: map[string]authtest.StubAccount{
			"dora": {Password: "ldap-pass", Email: "dora@corp.example"},
		}}
		dir = f.directory
	}
	v, err := auth.NewCredentialVerifier(f.store.Users(), newHasher(), dir, "authgate", auth.WithClock(f.clock.Now))
	require.NoError(t, err)
	f.verifier = v
	return f
}

func (f *verifierFixture) user(t *testing.T, login, password string) *auth.User {
	t.Helper()
	ctx := context.Background()
	user, err := auth.NewUser(login, login+"@example.com")
	require.NoError(t, err)
	require.NoError(t, f.store.Users().Create(ctx, user))
	if password != "" {
		require.NoError(t, f.verifier.SetPassword(ctx, user.ID, password))
	}
	got, err := f.store.Users().GetByID(ctx, user.ID)
	require.NoError(t, err)
	return got
}

func TestNewCredentialVerifier(t *testing.T) {
	t.Run("requires users", func(t *testing.T) {
		_, err := auth.NewCredentialVerifier(nil, newHasher(), nil, "x")
		errutil.AssertErrorCode(t, err, "VERIFIER_INVALID")
	})

	t.Run("requires hasher", func(t *testing.T) {
		_, err := auth.NewCredentialVerifier(&authtest.MockUserRepository{}, nil, nil, "x")
		errutil.AssertErrorCode(t, err, "VERIFIER_INVALID")
	})

	t.Run("directory is optional", func(t *testing.T) {
		f := newVerifierFixture(t, false)
		assert.False(t, f.verifier.DirectoryEnabled())
		f = newVerifierFixture(t, true)
		assert.True(t, f.verifier.DirectoryEnabled())
	})
}

func TestCheckPassword(t *testing.T) {
	ctx := context.Background()

	t.Run("accepts the right password", func(t *testing.T) {
		f := newVerifierFixture(t, false)
		alice := f.user(t, "alice", "s3cret")

		user, ok, err := f.verifier.CheckPassword(ctx, "Alice", "s3cret")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, alice.ID, user.ID)
	})

	t.Run("rejects the wrong password", func(t *testing.T) {
		f := newVerifierFixture(t, false)
		f.user(t, "alice", "s3cret")

		user, ok, err := f.verifier.CheckPassword(ctx, "alice", "nope")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.NotNil(t, user)
	})

	t.Run("unknown login is a plain failure", func(t *testing.T) {
		f := newVerifierFixture(t, false)
		user, ok, err := f.verifier.CheckPassword(ctx, "ghost", "whatever")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Nil(t, user)
	})

	t.Run("empty password never matches", func(t *testing.T) {
		f := newVerifierFixture(t, false)
		f.user(t, "alice", "s3cret")
		_, ok, err := f.verifier.CheckPassword(ctx, "alice", "")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("user without local hash fails and is returned", func(t *testing.T) {
		f := newVerifierFixture(t, false)
		shadow := f.user(t, "shadow", "")
		user, ok, err := f.verifier.CheckPassword(ctx, "shadow", "anything")
		require.NoError(t, err)
		assert.False(t, ok)
		require.NotNil(t, user)
		assert.Equal(t, shadow.ID, user.ID)
	})

	t.Run("upgrades legacy bcrypt hash on success", func(t *testing.T) {
		f := newVerifierFixture(t, false)
		legacy := f.user(t, "legacy", "")
		bhash, err := bcrypt.GenerateFromPassword([]byte("old-pass"), bcrypt.MinCost)
		require.NoError(t, err)
		require.NoError(t, f.store.Users().UpdatePassword(ctx, legacy.ID, string(bhash)))

		_, ok, err := f.verifier.CheckPassword(ctx, "legacy", "old-pass")
		require.NoError(t, err)
		require.True(t, ok)

		stored, err := f.store.Users().GetByID(ctx, legacy.ID)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(*stored.PasswordHash, "$argon2id$"))

		_, ok, err = f.verifier.CheckPassword(ctx, "legacy", "old-pass")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("hash upgrade keeps a pending reset secret", func(t *testing.T) {
		f := newVerifierFixture(t, false)
		legacy := f.user(t, "legacy", "")
		bhash, err := bcrypt.GenerateFromPassword([]byte("old-pass"), bcrypt.MinCost)
		require.NoError(t, err)
		require.NoError(t, f.store.Users().UpdatePassword(ctx, legacy.ID, string(bhash)))
		require.NoError(t, f.store.Users().SetResetSecret(ctx, legacy.ID, "pending", auth.ResetOTP, f.clock.Now()))

		_, ok, err := f.verifier.CheckPassword(ctx, "legacy", "old-pass")
		require.NoError(t, err)
		require.True(t, ok)

		stored, err := f.store.Users().GetByID(ctx, legacy.ID)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(*stored.PasswordHash, "$argon2id$"))

		claimedID, err := f.store.Users().ClaimResetSecret(ctx, "pending", auth.ResetOTP, time.Time{})
		require.NoError(t, err)
		assert.Equal(t, legacy.ID, claimedID)
	})

	t.Run("repository failure is an error", func(t *testing.T) {
		repo := &authtest.MockUserRepository{}
		repo.On("GetByLogin", mock.Anything, "alice").Return(nil, errors.New("db down"))
		v, err := auth.NewCredentialVerifier(repo, newHasher(), nil, "authgate")
		require.NoError(t, err)

		_, _, err = v.CheckPassword(ctx, "alice", "pw")
		errutil.AssertErrorCode(t, err, "AUTH_CHECK_FAILED")
	})

	t.Run("set password clears a pending reset secret", func(t *testing.T) {
		f := newVerifierFixture(t, false)
		alice := f.user(t, "alice", "first")
		require.NoError(t, f.store.Users().SetResetSecret(ctx, alice.ID, "h", auth.ResetPassword, f.clock.Now()))

		require.NoError(t, f.verifier.SetPassword(ctx, alice.ID, "second"))
		_, err := f.store.Users().ClaimResetSecret(ctx, "h", auth.ResetPassword, time.Time{})
		require.ErrorIs(t, err, auth.ErrNotFound)

		_, ok, err := f.verifier.CheckPassword(ctx, "alice", "second")
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestCheckOTP(t *testing.T) {
	ctx := context.Background()

	t.Run("accepts only the current code", func(t *testing.T) {
		f := newVerifierFixture(t, false)
		alice := f.user(t, "alice", "pw")
		require.NoError(t, f.store.Users().UpdateOTPSecret(ctx, alice.ID, rfcSecret, false))

		ok, err := f.verifier.CheckOTP(ctx, alice.ID, "050471")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = f.verifier.CheckOTP(ctx, alice.ID, "081804")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("user without secret never matches", func(t *testing.T) {
		f := newVerifierFixture(t, false)
		alice := f.user(t, "alice", "pw")
		ok, err := f.verifier.CheckOTP(ctx, alice.ID, "050471")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("unknown user is an error", func(t *testing.T) {
		id := ulid.Make()
		repo := &authtest.MockUserRepository{}
		repo.On("GetByID", mock.Anything, id).Return(nil, auth.ErrNotFound)
		v, err := auth.NewCredentialVerifier(repo, newHasher(), nil, "authgate")
		require.NoError(t, err)
		_, err = v.CheckOTP(ctx, id, "050471")
		require.ErrorIs(t, err, auth.ErrNotFound)
		errutil.AssertErrorCode(t, err, "OTP_CHECK_FAILED")
	})
}

func TestOTPEnrollment(t *testing.T) {
	ctx := context.Background()

	t.Run("issue keeps confirmation unless told to clear it", func(t *testing.T) {
		f := newVerifierFixture(t, false)
		alice := f.user(t, "alice", "pw")

		first, err := f.verifier.IssueOTPSecret(ctx, alice.ID, false)
		require.NoError(t, err)
		require.NoError(t, f.verifier.ConfirmOTP(ctx, alice.ID))

		second, err := f.verifier.IssueOTPSecret(ctx, alice.ID, true)
		require.NoError(t, err)
		assert.NotEqual(t, first, second)

		got, err := f.store.Users().GetByID(ctx, alice.ID)
		require.NoError(t, err)
		assert.Equal(t, second, *got.OTPSecret)
		assert.False(t, got.OTPConfirmed)
	})

	t.Run("provisioning needs a secret", func(t *testing.T) {
		f := newVerifierFixture(t, false)
		alice := f.user(t, "alice", "pw")
		_, err := f.verifier.OTPProvisioning(alice)
		errutil.AssertErrorCode(t, err, "OTP_NO_SECRET")

		_, err = f.verifier.IssueOTPSecret(ctx, alice.ID, false)
		require.NoError(t, err)
		alice, err = f.store.Users().GetByID(ctx, alice.ID)
		require.NoError(t, err)
		p, err := f.verifier.OTPProvisioning(alice)
		require.NoError(t, err)
		assert.Contains(t, p.URL, "issuer=authgate")
	})
}

func TestAuthenticateDirectory(t *testing.T) {
	ctx := context.Background()

	t.Run("disabled without a directory", func(t *testing.T) {
		f := newVerifierFixture(t, false)
		_, _, err := f.verifier.AuthenticateDirectory(ctx, "dora", "ldap-pass")
		errutil.AssertErrorCode(t, err, "DIRECTORY_DISABLED")
	})

	t.Run("creates a shadow user on first bind", func(t *testing.T) {
		f := newVerifierFixture(t, true)
		user, ok, err := f.verifier.AuthenticateDirectory(ctx, "Dora", "ldap-pass")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "dora", user.Login)
		assert.Equal(t, "dora@corp.example", user.EmailAddress())
		assert.False(t, user.HasLocalPassword())

		again, ok, err := f.verifier.AuthenticateDirectory(ctx, "dora", "ldap-pass")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, user.ID, again.ID)
	})

	t.Run("refreshes a changed email", func(t *testing.T) {
		f := newVerifierFixture(t, true)
		_, ok, err := f.verifier.AuthenticateDirectory(ctx, "dora", "ldap-pass")
		require.NoError(t, err)
		require.True(t, ok)

		f.directory.Accounts["dora"] = authtest.StubAccount{Password: "ldap-pass", Email: "dora@new.example"}
		user, ok, err := f.verifier.AuthenticateDirectory(ctx, "dora", "ldap-pass")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "dora@new.example", user.EmailAddress())

		stored, err := f.store.Users().GetByLogin(ctx, "dora")
		require.NoError(t, err)
		assert.Equal(t, "dora@new.example", stored.EmailAddress())
	})

	t.Run("rejected bind is a plain failure", func(t *testing.T) {
		f := newVerifierFixture(t, true)
		user, ok, err := f.verifier.AuthenticateDirectory(ctx, "dora", "wrong")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Nil(t, user)

		_, err = f.store.Users().GetByLogin(ctx, "dora")
		require.ErrorIs(t, err, auth.ErrNotFound)
	})

	t.Run("empty password never binds", func(t *testing.T) {
		f := newVerifierFixture(t, true)
		_, ok, err := f.verifier.AuthenticateDirectory(ctx, "dora", "")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Zero(t, f.directory.Binds())
	})

	t.Run("directory outage is an error", func(t *testing.T) {
		f := newVerifierFixture(t, true)
		f.directory.Err = errors.New("connection refused")
		_, ok, err := f.verifier.AuthenticateDirectory(ctx, "dora", "ldap-pass")
		require.Error(t, err)
		assert.False(t, ok)
		errutil.AssertErrorContext(t, err, "operation", "directory bind")
	})

	t.Run("concurrent shadow creation reuses the winner", func(t *testing.T) {
		existing, err := auth.NewUser("dora", "dora@corp.example")
		require.NoError(t, err)
		repo := &authtest.MockUserRepository{}
		repo.On("GetByLogin", mock.Anything, "dora").Return(nil, auth.ErrNotFound).Once()
		repo.On("Create", mock.Anything, mock.AnythingOfType("*auth.User")).Return(auth.ErrConflict)
		repo.On("GetByLogin", mock.Anything, "dora").Return(existing, nil).Once()

		dir := &authtest.StubDirectory{Accounts: map[string]authtest.StubAccount{
			"dora": {Password: "ldap-pass", Email: "dora@corp.example"},
		}}
		v, err := auth.NewCredentialVerifier(repo, newHasher(), dir, "authgate")
		require.NoError(t, err)

		user, ok, err := v.AuthenticateDirectory(ctx, "dora", "ldap-pass")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, existing.ID, user.ID)
		repo.AssertExpectations(t)
	})
}
