package tools

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/mark3labs/mcp-go/mcp"
)

// validateArgs checks rawArgs against the tool input schema and returns the
// arguments as an object. Unknown properties are passed through untouched.
func validateArgs(schema mcp.ToolInputSchema, rawArgs any) (map[string]any, *multierror.Error) {
	var errs *multierror.Error

	var args map[string]any
	switch v := rawArgs.(type) {
	case nil:
		args = map[string]any{}
	case map[string]any:
		args = v
	default:
		return nil, multierror.Append(errs, &FieldError{Field: "arguments", Reason: "must be an object"})
	}

	errs = checkObject("", schema.Properties, schema.Required, args, errs)
	return args, errs
}

func checkObject(prefix string, properties map[string]any, required []string, obj map[string]any, errs *multierror.Error) *multierror.Error {
	for _, name := range required {
		if v, ok := obj[name]; !ok || v == nil {
			errs = multierror.Append(errs, &FieldError{Field: join(prefix, name), Reason: "is required"})
		}
	}

	// sorted so the error list is stable
	names := make([]string, 0, len(properties))
	for name := range properties {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		v, ok := obj[name]
		if !ok || v == nil {
			continue
		}
		propSchema, _ := properties[name].(map[string]any)
		errs = checkValue(join(prefix, name), propSchema, v, errs)
	}
	return errs
}

func checkValue(field string, schema map[string]any, v any, errs *multierror.Error) *multierror.Error {
	if schema == nil {
		return errs
	}

	if typ, _ := schema["type"].(string); typ != "" {
		if !hasType(typ, v) {
			return multierror.Append(errs, &FieldError{
				Field:  field,
				Reason: fmt.Sprintf("must be of type %s, got %s", typ, typeName(v)),
			})
		}
	}

	if allowed := enumValues(schema["enum"]); len(allowed) > 0 {
		s, isString := v.(string)
		if !isString || !contains(allowed, s) {
			errs = multierror.Append(errs, &FieldError{
				Field:  field,
				Reason: fmt.Sprintf("must be one of [%s]", strings.Join(allowed, ", ")),
			})
		}
	}

	switch val := v.(type) {
	case []any:
		items, _ := schema["items"].(map[string]any)
		for i, item := range val {
			errs = checkValue(fmt.Sprintf("%s[%d]", field, i), items, item, errs)
		}
	case map[string]any:
		if props, ok := schema["properties"].(map[string]any); ok {
			errs = checkObject(field, props, stringList(schema["required"]), val, errs)
		}
	}
	return errs
}

func hasType(typ string, v any) bool {
	switch typ {
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		_, ok := toFloat(v)
		return ok
	case "integer":
		f, ok := toFloat(v)
		return ok && f == math.Trunc(f)
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	}
	return true
}

func toFloat(v any) (float64, bool) {
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

func typeName(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	}
	if _, ok := toFloat(v); ok {
		return "number"
	}
	return fmt.Sprintf("%T", v)
}

// enumValues accepts the []string the mcp-go builders produce as well as the
// []any a JSON round trip yields.
func enumValues(raw any) []string {
	return stringList(raw)
}

func stringList(raw any) []string {
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func join(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}
