// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package config_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/authgate/internal/config"
	"github.com/holomush/authgate/pkg/errutil"
)

func TestGenerateSchema(t *testing.T) {
	raw, err := config.GenerateSchema()
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, config.SchemaID, doc["$id"])

	props, ok := doc["properties"].(map[string]any)
	require.True(t, ok, "schema should describe properties")
	for _, key := range []string{"namespace", "server", "backend", "otp", "session", "ldap", "email", "storage"} {
		assert.Contains(t, props, key)
	}
}

func TestValidateYAML(t *testing.T) {
	t.Run("accepts a typical file", func(t *testing.T) {
		err := config.ValidateYAML([]byte(`
namespace: gw_
backend:
  url: http://10.0.0.5:3000
session:
  lifetime: 12h
  gc_probability: 0.05
reset:
  ttl: 0
ldap:
  enable: true
  url: ldaps://dc.example.com
  domain: example.com
  search_base: dc=example,dc=com
  timeout: 5s
email:
  host: smtp.example.com
  port: 465
  tls: tls
locales: [en, de]
`))
		require.NoError(t, err)
	})

	t.Run("accepts an empty document", func(t *testing.T) {
		require.NoError(t, config.ValidateYAML(nil))
	})

	tests := []struct {
		name string
		doc  string
	}{
		{"unknown top-level key", "bogus: 1\n"},
		{"unknown nested key", "session:\n  lifespan: 1h\n"},
		{"probability out of range", "session:\n  gc_probability: 2\n"},
		{"malformed duration", "session:\n  lifetime: forever\n"},
		{"unknown storage driver", "storage:\n  driver: mysql\n"},
		{"wrong type", "otp:\n  enable: sometimes\n"},
		{"invalid yaml", "session: [\n"},
	}
	for _, tt := range tests {
		t.Run("rejects "+tt.name, func(t *testing.T) {
			err := config.ValidateYAML([]byte(tt.doc))
			require.Error(t, err)
			errutil.AssertErrorCode(t, err, "CONFIG_INVALID")
		})
	}
}
