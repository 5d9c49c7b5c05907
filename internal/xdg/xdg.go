// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package xdg locates authgate's files under the XDG Base Directory layout.
package xdg

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/samber/oops"
)

const appName = "authgate"

// ConfigFileName is the file looked up in the config directories.
const ConfigFileName = "config.yaml"

// SystemConfigDir is searched after the user's config directory.
var SystemConfigDir = "/etc/authgate"

// ConfigDir returns the user config directory for authgate.
// Checks XDG_CONFIG_HOME first, falls back to ~/.config.
func ConfigDir() (string, error) {
	return baseDir("XDG_CONFIG_HOME", ".config")
}

// DataDir returns the user data directory for authgate, where a default
// SQLite database lives. Checks XDG_DATA_HOME first, falls back to
// ~/.local/share.
func DataDir() (string, error) {
	return baseDir("XDG_DATA_HOME", filepath.Join(".local", "share"))
}

func baseDir(env, fallback string) (string, error) {
	if base := os.Getenv(env); base != "" {
		return filepath.Join(base, appName), nil
	}
	home := os.Getenv("HOME")
	if home == "" {
		return "", oops.Code("XDG_NO_HOME").With("env", env).Errorf("neither %s nor HOME is set", env)
	}
	return filepath.Join(home, fallback, appName), nil
}

// FindConfigFile returns the first existing config file in the user and then
// the system config directory, or "" when there is none.
func FindConfigFile() (string, error) {
	var candidates []string
	if dir, err := ConfigDir(); err == nil {
		candidates = append(candidates, filepath.Join(dir, ConfigFileName))
	}
	candidates = append(candidates, filepath.Join(SystemConfigDir, ConfigFileName))

	for _, path := range candidates {
		info, err := os.Stat(path)
		switch {
		case err == nil && !info.IsDir():
			return path, nil
		case err == nil, errors.Is(err, fs.ErrNotExist):
			continue
		default:
			return "", oops.Code("XDG_CONFIG_UNREADABLE").With("path", path).Wrap(err)
		}
	}
	return "", nil
}

// EnsureDir creates a directory and all parent directories if they don't exist.
// Directories are created with 0700 permissions.
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return oops.Code("XDG_MKDIR_FAILED").With("path", path).Wrap(err)
	}
	return nil
}
