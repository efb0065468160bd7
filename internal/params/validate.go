package params

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/golovatskygroup/bard/internal/spec"
)

var schemaCache sync.Map // hash of schema document -> *jsonschema.Schema

var schemaTypes = map[string]bool{
	"string": true, "integer": true, "number": true, "boolean": true, "array": true,
}

// Validate checks the set values against the declared types, formats, enums
// and bounds. Values are coerced first the way the server would read them
// from a query string: "10" is an acceptable integer and a single value is
// an acceptable array.
func (c *Container) Validate() error {
	doc := c.schemaDocument()
	if len(doc["properties"].(map[string]any)) == 0 {
		return nil
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	schema, err := compileSchema(raw)
	if err != nil {
		return fmt.Errorf("compile parameter schema for %s: %w", c.endpoint, err)
	}

	instance, err := c.instance()
	if err != nil {
		return err
	}
	if err := schema.Validate(instance); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			leaf := firstLeaf(ve)
			loc := strings.TrimPrefix(leaf.InstanceLocation, "/")
			if loc == "" {
				loc = "/"
			}
			return fmt.Errorf("%w: %s: %s: %s", ErrInvalidValue, c.endpoint, loc, leaf.Message)
		}
		return fmt.Errorf("%w: %s: %v", ErrInvalidValue, c.endpoint, err)
	}
	return nil
}

func (c *Container) schemaDocument() map[string]any {
	props := map[string]any{}
	for _, k := range c.Keys() {
		p := c.defs[k]
		if !schemaTypes[p.Type] {
			continue
		}
		props[k] = propertySchema(p)
	}
	return map[string]any{
		"$schema":    "https://json-schema.org/draft/2020-12/schema",
		"type":       "object",
		"properties": props,
	}
}

func propertySchema(p spec.Parameter) map[string]any {
	s := map[string]any{"type": p.Type}
	if p.Format != "" {
		s["format"] = p.Format
	}
	if len(p.Enum) > 0 {
		s["enum"] = p.Enum
	}
	if p.Minimum != nil {
		s["minimum"] = *p.Minimum
	}
	if p.Maximum != nil {
		s["maximum"] = *p.Maximum
	}
	if p.Type == "array" && schemaTypes[p.ItemsType] && p.ItemsType != "array" {
		items := map[string]any{"type": p.ItemsType}
		if p.ItemsFormat != "" {
			items["format"] = p.ItemsFormat
		}
		s["items"] = items
	}
	return s
}

func compileSchema(raw []byte) (*jsonschema.Schema, error) {
	sum := sha256.Sum256(raw)
	key := hex.EncodeToString(sum[:])
	if v, ok := schemaCache.Load(key); ok {
		return v.(*jsonschema.Schema), nil
	}
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	if err := compiler.AddResource("params.json", strings.NewReader(string(raw))); err != nil {
		return nil, err
	}
	s, err := compiler.Compile("params.json")
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, s)
	return s, nil
}

func firstLeaf(err *jsonschema.ValidationError) *jsonschema.ValidationError {
	if len(err.Causes) == 0 {
		return err
	}
	for _, c := range err.Causes {
		if leaf := firstLeaf(c); leaf != nil {
			return leaf
		}
	}
	return err
}

// instance builds the JSON value handed to the validator. Empty values are
// left out, since the builder drops them too.
func (c *Container) instance() (map[string]any, error) {
	out := map[string]any{}
	for _, k := range c.Keys() {
		v, ok := c.values[k]
		if !ok || IsEmpty(v) {
			continue
		}
		p := c.defs[k]
		coerced := coerce(p.Type, p.Format, v)
		if p.Type == "array" {
			list, ok := coerced.([]any)
			if !ok {
				list = []any{coerced}
			}
			for i := range list {
				list[i] = coerce(p.ItemsType, p.ItemsFormat, list[i])
			}
			coerced = list
		}
		normalized, err := normalize(coerced)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidValue, k, err)
		}
		out[k] = normalized
	}
	return out, nil
}

func coerce(typ, format string, v any) any {
	switch x := v.(type) {
	case time.Time:
		if format == "date" {
			return x.Format(time.DateOnly)
		}
		return x.Format(time.RFC3339)
	case string:
		switch typ {
		case "integer", "number":
			if f, err := strconv.ParseFloat(strings.TrimSpace(x), 64); err == nil {
				return f
			}
		case "boolean":
			if b, err := strconv.ParseBool(x); err == nil {
				return b
			}
		case "array":
			parts := strings.Split(x, ",")
			list := make([]any, len(parts))
			for i, s := range parts {
				list[i] = strings.TrimSpace(s)
			}
			return list
		}
	}
	return toAnySlice(v)
}

// toAnySlice turns typed slices ([]int, []string, ...) into []any.
func toAnySlice(v any) any {
	switch x := v.(type) {
	case []string:
		out := make([]any, len(x))
		for i := range x {
			out[i] = x[i]
		}
		return out
	case []int:
		out := make([]any, len(x))
		for i := range x {
			out[i] = x[i]
		}
		return out
	case []int64:
		out := make([]any, len(x))
		for i := range x {
			out[i] = x[i]
		}
		return out
	case []float64:
		out := make([]any, len(x))
		for i := range x {
			out[i] = x[i]
		}
		return out
	case []any:
		out := make([]any, len(x))
		copy(out, x)
		return out
	}
	return v
}

// normalize round-trips v through JSON so the validator only sees the types
// encoding/json produces.
func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// IsEmpty reports whether v counts as unset: nil, "" or an empty list.
// false and 0 are values.
func IsEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case []any:
		return len(x) == 0
	case []string:
		return len(x) == 0
	case []int:
		return len(x) == 0
	case []int64:
		return len(x) == 0
	case []float64:
		return len(x) == 0
	}
	return false
}
