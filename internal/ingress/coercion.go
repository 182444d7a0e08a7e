package ingress

import (
	"fmt"
	"strconv"
	"strings"
)

// CoerceToString converts a scalar JSON value to string.
// nil becomes the empty string; objects and arrays are rejected.
func CoerceToString(value interface{}) (string, error) {
	switch v := value.(type) {
	case nil:
		return "", nil
	case string:
		return strings.TrimSpace(v), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(v), nil
	case map[string]interface{}, []interface{}:
		return "", fmt.Errorf("cannot convert %T to string", value)
	default:
		return fmt.Sprintf("%v", v), nil
	}
}

// CoerceToStringList converts a JSON array or a comma-separated string into a
// list of trimmed, non-empty strings with case-insensitive duplicates removed.
func CoerceToStringList(value interface{}) ([]string, error) {
	var items []string

	switch v := value.(type) {
	case nil:
		return nil, nil
	case string:
		items = strings.Split(v, ",")
	case []string:
		items = v
	case []interface{}:
		items = make([]string, 0, len(v))
		for i, elem := range v {
			s, err := CoerceToString(elem)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			items = append(items, s)
		}
	default:
		return nil, fmt.Errorf("cannot convert %T to list", value)
	}

	return dedupe(items), nil
}

func dedupe(items []string) []string {
	out := make([]string, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		key := strings.ToLower(item)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, item)
	}
	return out
}
