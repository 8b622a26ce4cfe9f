package oidc

import (
	"math"
	"strconv"
)

// flattenClaims renders claim values into the attribute shape assertions
// use: scalars become single-element slices, string arrays keep their
// elements (group claims), and nested objects are dropped.
func flattenClaims(claims map[string]interface{}) map[string][]string {
	attributes := make(map[string][]string, len(claims))
	for name, value := range claims {
		switch v := value.(type) {
		case string:
			attributes[name] = []string{v}
		case bool:
			attributes[name] = []string{strconv.FormatBool(v)}
		case float64:
			attributes[name] = []string{formatClaimNumber(v)}
		case []interface{}:
			var values []string
			for _, item := range v {
				if s, ok := item.(string); ok {
					values = append(values, s)
				}
			}
			if len(values) > 0 {
				attributes[name] = values
			}
		}
	}
	return attributes
}

// formatClaimNumber renders a JSON number. Integral values print without
// an exponent so timestamps and IDs survive the round trip readably.
func formatClaimNumber(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}
