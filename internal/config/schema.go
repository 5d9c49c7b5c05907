// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package config

import (
	"bytes"
	"encoding/json"
	"reflect"
	"sync"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/samber/oops"
	jschema "github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// SchemaID is the $id of the generated configuration schema.
const SchemaID = "https://holomush.dev/schemas/authgate-config.schema.json"

// durationPattern accepts Go duration strings such as "90s" or "1h30m".
const durationPattern = `^(0|([0-9]+(\.[0-9]+)?(ns|us|µs|ms|s|m|h))+)$`

var (
	compiledOnce   sync.Once
	compiledSchema *jschema.Schema
	compiledErr    error
)

// GenerateSchema returns the JSON Schema describing the YAML config file.
func GenerateSchema() ([]byte, error) {
	r := jsonschema.Reflector{
		DoNotReference:             true,
		FieldNameTag:               "koanf",
		RequiredFromJSONSchemaTags: true,
		Mapper: func(t reflect.Type) *jsonschema.Schema {
			if t == reflect.TypeFor[time.Duration]() {
				return &jsonschema.Schema{AnyOf: []*jsonschema.Schema{
					{Type: "string", Pattern: durationPattern},
					{Type: "integer"},
				}}
			}
			return nil
		},
	}
	schema := r.Reflect(&Config{})
	schema.ID = jsonschema.ID(SchemaID)
	schema.Title = "authgate configuration"
	schema.Description = "Schema for the authgate YAML configuration file"

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, oops.Code("SCHEMA_GENERATE_FAILED").Wrap(err)
	}
	return data, nil
}

// ValidateYAML checks a YAML config document against the generated schema.
// It does not apply the semantic checks of Config.Validate.
func ValidateYAML(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return oops.Code("CONFIG_INVALID").With("stage", "parse").Wrap(err)
	}
	if doc == nil {
		doc = map[string]any{}
	}

	sch, err := compiled()
	if err != nil {
		return err
	}
	if err := sch.Validate(doc); err != nil {
		return oops.Code("CONFIG_INVALID").With("stage", "schema").Wrap(err)
	}
	return nil
}

func compiled() (*jschema.Schema, error) {
	compiledOnce.Do(func() {
		raw, err := GenerateSchema()
		if err != nil {
			compiledErr = err
			return
		}
		doc, err := jschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			compiledErr = oops.Code("SCHEMA_COMPILE_FAILED").Wrap(err)
			return
		}
		c := jschema.NewCompiler()
		if err := c.AddResource("config.schema.json", doc); err != nil {
			compiledErr = oops.Code("SCHEMA_COMPILE_FAILED").Wrap(err)
			return
		}
		compiledSchema, compiledErr = c.Compile("config.schema.json")
		if compiledErr != nil {
			compiledErr = oops.Code("SCHEMA_COMPILE_FAILED").Wrap(compiledErr)
		}
	})
	return compiledSchema, compiledErr
}
