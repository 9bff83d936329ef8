// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Crystal Contributors

package snapshotfile

import (
	"encoding/json"
	"reflect"
	"sync"

	"github.com/invopop/jsonschema"
	jschema "github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/samber/oops"
	"gopkg.in/yaml.v3"

	"github.com/crystalchat/crystal/internal/access/policy/types"
)

// SchemaID is the $id of the snapshot document schema.
const SchemaID = "https://crystal.chat/schemas/snapshot.schema.json"

var (
	schemaOnce     sync.Once
	compiledSchema *jschema.Schema
	errSchema      error
)

// GenerateSchema reflects the JSON Schema of Document.
func GenerateSchema() ([]byte, error) {
	r := jsonschema.Reflector{
		DoNotReference:             true,
		RequiredFromJSONSchemaTags: true,
		Mapper:                     mapCatalogTypes,
	}
	schema := r.Reflect(&Document{})
	schema.ID = jsonschema.ID(SchemaID)
	schema.Title = "Crystal Member Snapshot"
	schema.Description = "A member snapshot with permission checks to run against it"

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, oops.Code("SNAPSHOT_SCHEMA_FAILED").Wrap(err)
	}
	return data, nil
}

// mapCatalogTypes turns the closed permission catalog into an enum.
func mapCatalogTypes(t reflect.Type) *jsonschema.Schema {
	switch t {
	case reflect.TypeFor[types.Permission]():
		perms := types.AllPermissions()
		enum := make([]any, len(perms))
		for i, p := range perms {
			enum[i] = string(p)
		}
		return &jsonschema.Schema{Type: "string", Enum: enum}
	case reflect.TypeFor[types.Reason]():
		return &jsonschema.Schema{
			Type: "string",
			Enum: []any{"OWNER", "USER_OVERRIDE", "ADMINISTRATOR", "ROLE", "LEGACY", "DENIED"},
		}
	}
	return nil
}

// ValidateSchema checks YAML data against the snapshot document schema.
func ValidateSchema(data []byte) error {
	if len(data) == 0 {
		return oops.Code("SNAPSHOT_DOC_INVALID").Errorf("snapshot document is empty")
	}

	var yamlData any
	if err := yaml.Unmarshal(data, &yamlData); err != nil {
		return oops.Code("SNAPSHOT_DOC_INVALID").Wrapf(err, "invalid YAML")
	}

	sch, err := getCompiledSchema()
	if err != nil {
		return err
	}
	if err := sch.Validate(toJSONTypes(yamlData)); err != nil {
		return oops.Code("SNAPSHOT_DOC_INVALID").Wrapf(err, "schema validation failed")
	}
	return nil
}

func getCompiledSchema() (*jschema.Schema, error) {
	schemaOnce.Do(func() {
		schemaBytes, err := GenerateSchema()
		if err != nil {
			errSchema = err
			return
		}
		var schemaData any
		if err := json.Unmarshal(schemaBytes, &schemaData); err != nil {
			errSchema = oops.Code("SNAPSHOT_SCHEMA_FAILED").Wrap(err)
			return
		}
		c := jschema.NewCompiler()
		if err := c.AddResource("snapshot.schema.json", schemaData); err != nil {
			errSchema = oops.Code("SNAPSHOT_SCHEMA_FAILED").Wrap(err)
			return
		}
		compiledSchema, errSchema = c.Compile("snapshot.schema.json")
		if errSchema != nil {
			errSchema = oops.Code("SNAPSHOT_SCHEMA_FAILED").Wrap(errSchema)
		}
	})
	return compiledSchema, errSchema
}

// toJSONTypes normalizes YAML values so the validator sees JSON types.
func toJSONTypes(v any) any {
	switch val := v.(type) {
	case map[string]any:
		result := make(map[string]any, len(val))
		for k, v := range val {
			result[k] = toJSONTypes(v)
		}
		return result
	case []any:
		result := make([]any, len(val))
		for i, v := range val {
			result[i] = toJSONTypes(v)
		}
		return result
	case string, int, int64, float64, bool, nil:
		return val
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return val
		}
		var result any
		if err := json.Unmarshal(b, &result); err != nil {
			return val
		}
		return result
	}
}
