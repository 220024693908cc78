// Package schema validates instance values against the JSON-Schema subset
// the invoker contract depends on: type, required, enum, pattern, items,
// properties, additionalProperties, and numeric bounds. Schemas are plain
// map[string]any, the same shape the MCP layer and skill definitions carry.
package schema

import (
	"fmt"
	"math"
	"regexp"
	"strings"
)

// ValidationError reports the first constraint an instance violates.
type ValidationError struct {
	Path    string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("schema validation failed: %s", e.Message)
	}
	return fmt.Sprintf("schema validation failed at %s: %s", e.Path, e.Message)
}

func errAt(path, format string, args ...any) *ValidationError {
	return &ValidationError{Path: path, Message: fmt.Sprintf(format, args...)}
}

// Validate checks instance against schema. A nil or empty schema accepts
// everything.
func Validate(instance any, schema map[string]any) error {
	if len(schema) == 0 {
		return nil
	}
	return validate(instance, schema, "$")
}

func validate(instance any, schema map[string]any, path string) error {
	if typ, ok := schema["type"].(string); ok {
		if err := checkType(instance, typ, path); err != nil {
			return err
		}
	}

	if enum, ok := schema["enum"].([]any); ok {
		if err := checkEnum(instance, enum, path); err != nil {
			return err
		}
	}

	switch v := instance.(type) {
	case string:
		if pattern, ok := schema["pattern"].(string); ok {
			re, err := regexp.Compile(pattern)
			if err != nil {
				return errAt(path, "invalid pattern %q: %v", pattern, err)
			}
			if !re.MatchString(v) {
				return errAt(path, "value %q does not match pattern %q", v, pattern)
			}
		}
	case map[string]any:
		if err := validateObject(v, schema, path); err != nil {
			return err
		}
	case []any:
		if items, ok := schema["items"].(map[string]any); ok {
			for i, elem := range v {
				if err := validate(elem, items, fmt.Sprintf("%s[%d]", path, i)); err != nil {
					return err
				}
			}
		}
	}

	if num, ok := asNumber(instance); ok {
		if min, present := asNumberKey(schema, "minimum"); present && num < min {
			return errAt(path, "value %v below minimum %v", num, min)
		}
		if max, present := asNumberKey(schema, "maximum"); present && num > max {
			return errAt(path, "value %v above maximum %v", num, max)
		}
	}

	return nil
}

func validateObject(obj map[string]any, schema map[string]any, path string) error {
	if required, ok := schema["required"].([]any); ok {
		for _, raw := range required {
			key, _ := raw.(string)
			if _, present := obj[key]; !present {
				return errAt(path, "missing required property %q", key)
			}
		}
	}
	// Also accept []string, the shape invopop-generated schemas decode to.
	if required, ok := schema["required"].([]string); ok {
		for _, key := range required {
			if _, present := obj[key]; !present {
				return errAt(path, "missing required property %q", key)
			}
		}
	}

	properties, _ := schema["properties"].(map[string]any)
	for key, propSchema := range properties {
		value, present := obj[key]
		if !present {
			continue
		}
		ps, ok := propSchema.(map[string]any)
		if !ok {
			continue
		}
		if err := validate(value, ps, path+"."+key); err != nil {
			return err
		}
	}

	switch additional := schema["additionalProperties"].(type) {
	case bool:
		if !additional {
			for key := range obj {
				if _, declared := properties[key]; !declared {
					return errAt(path, "unexpected property %q", key)
				}
			}
		}
	case map[string]any:
		for key, value := range obj {
			if _, declared := properties[key]; declared {
				continue
			}
			if err := validate(value, additional, path+"."+key); err != nil {
				return err
			}
		}
	}

	return nil
}

func checkType(instance any, typ, path string) error {
	ok := false
	switch typ {
	case "object":
		_, ok = instance.(map[string]any)
	case "array":
		_, ok = instance.([]any)
	case "string":
		_, ok = instance.(string)
	case "boolean":
		_, ok = instance.(bool)
	case "null":
		ok = instance == nil
	case "number":
		_, ok = asNumber(instance)
	case "integer":
		if num, isNum := asNumber(instance); isNum {
			ok = num == math.Trunc(num)
		}
	default:
		return errAt(path, "unsupported schema type %q", typ)
	}
	if !ok {
		return errAt(path, "expected %s, got %T", typ, instance)
	}
	return nil
}

func checkEnum(instance any, enum []any, path string) error {
	for _, allowed := range enum {
		if equal(instance, allowed) {
			return nil
		}
	}
	values := make([]string, 0, len(enum))
	for _, allowed := range enum {
		values = append(values, fmt.Sprintf("%v", allowed))
	}
	return errAt(path, "value %v not in enum [%s]", instance, strings.Join(values, ", "))
}

func equal(a, b any) bool {
	if an, ok := asNumber(a); ok {
		if bn, ok := asNumber(b); ok {
			return an == bn
		}
		return false
	}
	return a == b
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	}
	return 0, false
}

func asNumberKey(schema map[string]any, key string) (float64, bool) {
	v, ok := schema[key]
	if !ok {
		return 0, false
	}
	return asNumber(v)
}
