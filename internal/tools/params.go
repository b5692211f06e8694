package tools

import "fmt"

// StringArg extracts a required string argument.
func StringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("missing required parameter: %s", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("parameter %s must be a non-empty string", key)
	}
	return s, nil
}

// OptionalString extracts an optional string argument, "" when absent.
func OptionalString(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

// IntArg extracts a required numeric argument. JSON numbers decode as
// float64, so both forms are accepted.
func IntArg(args map[string]any, key string) (int, error) {
	v, ok := args[key]
	if !ok {
		return 0, fmt.Errorf("missing required parameter: %s", key)
	}
	switch n := v.(type) {
	case float64:
		return int(n), nil
	case int:
		return n, nil
	default:
		return 0, fmt.Errorf("parameter %s must be a number", key)
	}
}

// OptionalInt extracts an optional numeric argument, returning def when absent.
func OptionalInt(args map[string]any, key string, def int) int {
	switch n := args[key].(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return def
	}
}

// StringSliceArg extracts a required array-of-strings argument. Numeric
// elements are formatted, since issue ids often arrive as JSON numbers.
func StringSliceArg(args map[string]any, key string) ([]string, error) {
	v, ok := args[key]
	if !ok {
		return nil, fmt.Errorf("missing required parameter: %s", key)
	}
	raw, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("parameter %s must be an array", key)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("parameter %s must not be empty", key)
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		switch e := item.(type) {
		case string:
			out = append(out, e)
		case float64:
			out = append(out, fmt.Sprintf("%.0f", e))
		default:
			return nil, fmt.Errorf("parameter %s must contain strings", key)
		}
	}
	return out, nil
}
