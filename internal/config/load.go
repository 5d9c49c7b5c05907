// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package config

import (
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"
)

// FlagKeys maps command-line flag names to configuration keys. Only flags
// listed here override the configuration, and only when set explicitly.
var FlagKeys = map[string]string{
	"listen":         "server.listen",
	"metrics-addr":   "server.metrics_listen",
	"static-dir":     "server.static_dir",
	"backend-url":    "backend.url",
	"storage-driver": "storage.driver",
	"database-url":   "storage.dsn",
	"log-format":     "log.format",
	"otp":            "otp.enable",
}

// Load builds a Config from defaults, an optional YAML file and explicitly
// set flags, in that order of precedence. The result is validated.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	cfg, err := Parse(path, flags)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse is Load without validation, for commands that only need a subset
// of the configuration.
func Parse(path string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, oops.Code("CONFIG_LOAD_FAILED").
				With("path", path).
				Wrap(err)
		}
	}

	if flags != nil {
		provider := posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, any) {
			key, ok := FlagKeys[f.Name]
			if !ok || !f.Changed {
				return "", nil
			}
			return key, posflag.FlagVal(flags, f)
		})
		if err := k.Load(provider, nil); err != nil {
			return nil, oops.Code("CONFIG_LOAD_FAILED").
				With("source", "flags").
				Wrap(err)
		}
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, oops.Code("CONFIG_LOAD_FAILED").
			With("path", path).
			Wrap(err)
	}
	cfg.ResolveDSN()
	return cfg, nil
}
