// Package valves implements the per-pipeline configuration subsystem:
// schema-typed valve records declared by a pipeline, merged with persisted
// overrides and validated on update.
package valves

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Field types accepted in a valve declaration.
var fieldTypes = map[string]bool{
	"string":  true,
	"number":  true,
	"integer": true,
	"boolean": true,
	"array":   true,
	"object":  true,
}

// Field is one declared valve: a named, typed setting with a compiled-in
// default.
type Field struct {
	Name        string
	Type        string
	Description string
	Default     any
}

// Schema is the set of valves a pipeline declares. It carries the parsed
// fields, the JSON Schema document served by /valves/spec, and the compiled
// validator applied to update payloads.
type Schema struct {
	fields   map[string]Field
	doc      map[string]any
	compiled *jsonschema.Schema
}

// Parse builds a Schema from a pipeline's valve declaration, a map of
// field name to {type, default, description}.
func Parse(decl map[string]any) (*Schema, error) {
	fields := make(map[string]Field, len(decl))

	for name, raw := range decl {
		spec, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("valve %q: declaration must be a table", name)
		}

		typ, _ := spec["type"].(string)
		if typ == "" {
			typ = inferType(spec["default"])
		}
		if !fieldTypes[typ] {
			return nil, fmt.Errorf("valve %q: unsupported type %q", name, typ)
		}

		def := spec["default"]
		if def == nil {
			def = zeroValue(typ)
		}

		desc, _ := spec["description"].(string)

		fields[name] = Field{
			Name:        name,
			Type:        typ,
			Description: desc,
			Default:     def,
		}
	}

	s := &Schema{fields: fields}
	s.doc = s.buildDoc()

	raw, err := json.Marshal(s.doc)
	if err != nil {
		return nil, fmt.Errorf("encode valve schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("valves.json", strings.NewReader(string(raw))); err != nil {
		return nil, fmt.Errorf("register valve schema: %w", err)
	}
	s.compiled, err = compiler.Compile("valves.json")
	if err != nil {
		return nil, fmt.Errorf("compile valve schema: %w", err)
	}

	return s, nil
}

func inferType(def any) string {
	switch def.(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	case int, int64:
		return "integer"
	case float64:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return "string"
	}
}

func zeroValue(typ string) any {
	switch typ {
	case "string":
		return ""
	case "number":
		return float64(0)
	case "integer":
		return int64(0)
	case "boolean":
		return false
	case "array":
		return []any{}
	case "object":
		return map[string]any{}
	}
	return nil
}

// buildDoc renders the JSON Schema document for the declared fields,
// in the shape clients already expect from the /valves/spec endpoint.
func (s *Schema) buildDoc() map[string]any {
	props := make(map[string]any, len(s.fields))
	for name, f := range s.fields {
		prop := map[string]any{
			"title": fieldTitle(name),
			"type":  f.Type,
		}
		if f.Default != nil {
			prop["default"] = f.Default
		}
		if f.Description != "" {
			prop["description"] = f.Description
		}
		props[name] = prop
	}
	return map[string]any{
		"title":      "Valves",
		"type":       "object",
		"properties": props,
	}
}

func fieldTitle(name string) string {
	parts := strings.Split(name, "_")
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, " ")
}

// Doc returns the JSON Schema document.
func (s *Schema) Doc() map[string]any { return s.doc }

// Names returns the declared field names, sorted.
func (s *Schema) Names() []string {
	names := make([]string, 0, len(s.fields))
	for name := range s.fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Known reports whether a field is declared.
func (s *Schema) Known(name string) bool {
	_, ok := s.fields[name]
	return ok
}

// Defaults returns a fresh record holding every field's compiled-in default.
func (s *Schema) Defaults() map[string]any {
	out := make(map[string]any, len(s.fields))
	for name, f := range s.fields {
		out[name] = f.Default
	}
	return out
}

// Merge lays persisted overrides over the defaults field-by-field. Fields
// unknown to the schema are retained as-is; this tolerates records written
// by older revisions of a pipeline.
func (s *Schema) Merge(overrides map[string]any) map[string]any {
	out := s.Defaults()
	for name, v := range overrides {
		out[name] = v
	}
	return out
}

// Apply validates an update payload and returns the new effective record:
// the defaults with every declared field present in the payload laid over
// them. Payload fields not declared by the schema are ignored. A type
// mismatch leaves nothing applied and returns a descriptive error.
func (s *Schema) Apply(payload map[string]any) (map[string]any, error) {
	known := make(map[string]any, len(payload))
	for name, v := range payload {
		if s.Known(name) {
			known[name] = v
		}
	}

	if err := s.compiled.Validate(known); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return nil, fmt.Errorf("invalid valves: %s", ve.Error())
		}
		return nil, fmt.Errorf("invalid valves: %w", err)
	}

	return s.Merge(known), nil
}
