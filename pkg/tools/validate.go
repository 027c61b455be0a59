package tools

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"slices"
	"sort"
)

// ErrInvalidArguments marks arguments that do not satisfy a tool's input schema.
var ErrInvalidArguments = errors.New("invalid tool arguments")

// ValidateArguments checks arguments against a JSON-schema object: required fields, unknown
// fields when additionalProperties is false, declared property types and enums.
func ValidateArguments(schema, arguments map[string]any) error {
	if err := validateArguments(schema, arguments); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidArguments, err)
	}
	return nil
}

func validateArguments(schema, arguments map[string]any) error {
	if len(schema) == 0 {
		return nil
	}

	required, err := parseRequiredFields(schema["required"])
	if err != nil {
		return err
	}
	for _, field := range required {
		if _, ok := arguments[field]; !ok {
			return fmt.Errorf("missing required argument %q", field)
		}
	}

	properties, hasProperties := asStringAnyMap(schema["properties"])
	additionalAllowed, err := parseAdditionalProperties(schema["additionalProperties"])
	if err != nil {
		return err
	}

	for _, key := range sortedArgumentKeys(arguments) {
		value := arguments[key]
		propertySchema, hasProperty := properties[key]
		if !hasProperty {
			if hasProperties && !additionalAllowed {
				return fmt.Errorf("unknown argument %q", key)
			}
			continue
		}

		propertyMap, ok := asStringAnyMap(propertySchema)
		if !ok {
			return errors.New(`input schema "properties" entries must be objects`)
		}
		if rawType, ok := propertyMap["type"]; ok {
			expectedType, ok := rawType.(string)
			if !ok {
				return errors.New(`input schema property "type" must be a string`)
			}
			if !matchesArgumentType(expectedType, value) {
				return fmt.Errorf("argument %q must be %q", key, expectedType)
			}
		}
		if enum, ok := propertyMap["enum"].([]any); ok && !enumContains(enum, value) {
			return fmt.Errorf("argument %q must be one of %v", key, enum)
		}
	}

	return nil
}

func enumContains(enum []any, value any) bool {
	if value == nil || !reflect.TypeOf(value).Comparable() {
		return false
	}
	for _, v := range enum {
		if v == value {
			return true
		}
	}
	return false
}

func parseRequiredFields(raw any) ([]string, error) {
	switch value := raw.(type) {
	case nil:
		return nil, nil
	case []string:
		return slices.Clone(value), nil
	case []any:
		out := make([]string, 0, len(value))
		for _, item := range value {
			field, ok := item.(string)
			if !ok {
				return nil, errors.New(`input schema "required" entries must be strings`)
			}
			out = append(out, field)
		}
		return out, nil
	default:
		return nil, errors.New(`input schema "required" must be an array`)
	}
}

func parseAdditionalProperties(raw any) (bool, error) {
	switch value := raw.(type) {
	case nil:
		return true, nil
	case bool:
		return value, nil
	default:
		return false, errors.New(`input schema "additionalProperties" must be a bool`)
	}
}

func asStringAnyMap(raw any) (map[string]any, bool) {
	value, ok := raw.(map[string]any)
	return value, ok
}

func sortedArgumentKeys(arguments map[string]any) []string {
	keys := make([]string, 0, len(arguments))
	for key := range arguments {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func matchesArgumentType(expected string, value any) bool {
	switch expected {
	case "string":
		_, ok := value.(string)
		return ok
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "number":
		return isNumber(value)
	case "integer":
		return isInteger(value)
	case "object":
		if value == nil {
			return false
		}
		if _, ok := value.(map[string]any); ok {
			return true
		}
		return reflect.TypeOf(value).Kind() == reflect.Map
	case "array":
		if value == nil {
			return false
		}
		kind := reflect.TypeOf(value).Kind()
		return kind == reflect.Array || kind == reflect.Slice
	default:
		return true
	}
}

func isNumber(value any) bool {
	switch value.(type) {
	case int, int8, int16, int32, int64:
		return true
	case uint, uint8, uint16, uint32, uint64:
		return true
	case float32, float64:
		return true
	default:
		return false
	}
}

// isInteger accepts Go integers and whole floats, since decoded JSON numbers are float64.
func isInteger(value any) bool {
	switch v := value.(type) {
	case int, int8, int16, int32, int64:
		return true
	case uint, uint8, uint16, uint32, uint64:
		return true
	case float64:
		return v == math.Trunc(v) && !math.IsInf(v, 0)
	case float32:
		return float64(v) == math.Trunc(float64(v)) && !math.IsInf(float64(v), 0)
	default:
		return false
	}
}

// intArg reads an optional integer argument that passed validation.
func intArg(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}
