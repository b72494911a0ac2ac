package llm

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
)

// Validation is the outcome of checking model output against a schema.
// Problems is empty when the output is usable.
type Validation struct {
	JSON     string // extracted object, empty when none was found
	Problems []string
}

// OK reports whether the output passed.
func (v Validation) OK() bool {
	return v.JSON != "" && len(v.Problems) == 0
}

// Validator checks raw model text against a JSON schema.
type Validator struct {
	schema *jsonschema.Schema

	once     sync.Once
	resolved *jsonschema.Resolved
	err      error
}

// NewValidator wraps schema. Resolution is deferred to the first Check.
func NewValidator(schema *jsonschema.Schema) *Validator {
	return &Validator{schema: schema}
}

// Check extracts the first JSON object from text and validates it.
func (v *Validator) Check(text string) Validation {
	obj, ok := ExtractJSONObject(text)
	if !ok {
		return Validation{Problems: []string{"no JSON object found in the reply"}}
	}

	v.once.Do(func() {
		v.resolved, v.err = v.schema.Resolve(nil)
	})
	if v.err != nil {
		return Validation{JSON: obj, Problems: []string{fmt.Sprintf("schema error: %v", v.err)}}
	}

	var instance any
	if err := json.Unmarshal([]byte(obj), &instance); err != nil {
		return Validation{JSON: obj, Problems: []string{fmt.Sprintf("invalid JSON: %v", err)}}
	}
	if err := v.resolved.Validate(instance); err != nil {
		return Validation{JSON: obj, Problems: []string{err.Error()}}
	}
	return Validation{JSON: obj}
}

// =============================================================================
// SCHEMA BUILDERS
// =============================================================================

// Object builds an object schema with every property required.
func Object(desc string, props map[string]*jsonschema.Schema) *jsonschema.Schema {
	req := make([]string, 0, len(props))
	for k := range props {
		req = append(req, k)
	}
	sort.Strings(req)
	return &jsonschema.Schema{Type: "object", Description: desc, Properties: props, Required: req}
}

// ObjectOptional builds an object schema where only required are mandatory.
func ObjectOptional(desc string, props map[string]*jsonschema.Schema, required ...string) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "object", Description: desc, Properties: props, Required: required}
}

// String builds a string schema.
func String(desc string) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "string", Description: desc}
}

// Boolean builds a boolean schema.
func Boolean(desc string) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "boolean", Description: desc}
}

// Enum builds a string enum schema.
func Enum(desc string, values ...string) *jsonschema.Schema {
	s := &jsonschema.Schema{Type: "string", Description: desc}
	for _, v := range values {
		s.Enum = append(s.Enum, v)
	}
	return s
}

// Array builds an array schema; maxItems <= 0 means unbounded.
func Array(desc string, items *jsonschema.Schema, maxItems int) *jsonschema.Schema {
	s := &jsonschema.Schema{Type: "array", Description: desc, Items: items}
	if maxItems > 0 {
		s.MaxItems = &maxItems
	}
	return s
}
