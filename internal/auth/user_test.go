// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/authgate/internal/auth"
	"github.com/holomush/authgate/pkg/errutil"
)

func TestNewUser(t *testing.T) {
	t.Run("normalizes login and keeps email", func(t *testing.T) {
		u, err := auth.NewUser("  Alice ", " alice@example.com ")
		require.NoError(t, err)
		assert.Equal(t, "alice", u.Login)
		assert.Equal(t, "alice@example.com", u.EmailAddress())
		assert.False(t, u.HasLocalPassword())
		assert.Equal(t, u.CreatedAt, u.UpdatedAt)
	})

	t.Run("empty email is nil", func(t *testing.T) {
		u, err := auth.NewUser("bob", "   ")
		require.NoError(t, err)
		assert.Nil(t, u.Email)
		assert.Empty(t, u.EmailAddress())
	})

	t.Run("rejects empty login", func(t *testing.T) {
		_, err := auth.NewUser("   ", "")
		errutil.AssertErrorCode(t, err, "USER_INVALID_LOGIN")
	})

	t.Run("rejects overlong login", func(t *testing.T) {
		_, err := auth.NewUser(strings.Repeat("a", auth.MaxLoginLength+1), "")
		errutil.AssertErrorCode(t, err, "USER_INVALID_LOGIN")
	})

	t.Run("counts login length in characters", func(t *testing.T) {
		login := strings.Repeat("é", 200)
		u, err := auth.NewUser(login, "")
		require.NoError(t, err)
		assert.Equal(t, login, u.Login)

		_, err = auth.NewUser(strings.Repeat("é", auth.MaxLoginLength+1), "")
		errutil.AssertErrorCode(t, err, "USER_INVALID_LOGIN")
	})
}

func TestUserHasLocalPassword(t *testing.T) {
	empty := ""
	hash := "$argon2id$..."
	assert.False(t, (&auth.User{}).HasLocalPassword())
	assert.False(t, (&auth.User{PasswordHash: &empty}).HasLocalPassword())
	assert.True(t, (&auth.User{PasswordHash: &hash}).HasLocalPassword())
}

func TestResetKindValid(t *testing.T) {
	assert.True(t, auth.ResetPassword.Valid())
	assert.True(t, auth.ResetOTP.Valid())
	assert.False(t, auth.ResetKind("").Valid())
	assert.False(t, auth.ResetKind("email").Valid())
}
