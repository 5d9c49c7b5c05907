// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package xdg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/authgate/pkg/errutil"
)

func TestBaseDirs(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		fn   func() (string, error)
		want string
	}{
		{
			name: "config dir from XDG_CONFIG_HOME",
			env:  map[string]string{"XDG_CONFIG_HOME": "/custom/config"},
			fn:   ConfigDir,
			want: "/custom/config/authgate",
		},
		{
			name: "config dir falls back to home",
			env:  map[string]string{"XDG_CONFIG_HOME": "", "HOME": "/home/testuser"},
			fn:   ConfigDir,
			want: "/home/testuser/.config/authgate",
		},
		{
			name: "data dir from XDG_DATA_HOME",
			env:  map[string]string{"XDG_DATA_HOME": "/custom/data"},
			fn:   DataDir,
			want: "/custom/data/authgate",
		},
		{
			name: "data dir falls back to home",
			env:  map[string]string{"XDG_DATA_HOME": "", "HOME": "/home/testuser"},
			fn:   DataDir,
			want: "/home/testuser/.local/share/authgate",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			got, err := tt.fn()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConfigDir_NoHome(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "")
	t.Setenv("HOME", "")
	_, err := ConfigDir()
	errutil.AssertErrorCode(t, err, "XDG_NO_HOME")
}

func TestFindConfigFile(t *testing.T) {
	setup := func(t *testing.T) (user, system string) {
		t.Helper()
		user = t.TempDir()
		system = t.TempDir()
		t.Setenv("XDG_CONFIG_HOME", user)
		old := SystemConfigDir
		SystemConfigDir = system
		t.Cleanup(func() { SystemConfigDir = old })
		return filepath.Join(user, appName), system
	}
	write := func(t *testing.T, dir string) string {
		t.Helper()
		require.NoError(t, os.MkdirAll(dir, 0o700))
		path := filepath.Join(dir, ConfigFileName)
		require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0o600))
		return path
	}

	t.Run("nothing found", func(t *testing.T) {
		setup(t)
		got, err := FindConfigFile()
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("user file wins over system file", func(t *testing.T) {
		user, system := setup(t)
		want := write(t, user)
		write(t, system)

		got, err := FindConfigFile()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})

	t.Run("system file is the fallback", func(t *testing.T) {
		_, system := setup(t)
		want := write(t, system)

		got, err := FindConfigFile()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})

	t.Run("directory named like the file is skipped", func(t *testing.T) {
		user, _ := setup(t)
		require.NoError(t, os.MkdirAll(filepath.Join(user, ConfigFileName), 0o700))

		got, err := FindConfigFile()
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestEnsureDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	require.NoError(t, EnsureDir(dir))

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())
}
