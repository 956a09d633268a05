package toolexecutor

import "math"

// ArgString returns a string argument or ""
func ArgString(args map[string]interface{}, name string) string {
	if v, ok := args[name].(string); ok {
		return v
	}
	return ""
}

// ArgInt returns an integer argument or def. Schema validation has already
// rejected non-integral numbers for integer parameters.
func ArgInt(args map[string]interface{}, name string, def int) int {
	switch v := args[name].(type) {
	case float64:
		if v > math.MaxInt32 {
			return math.MaxInt32
		}
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return def
}

// ArgFloat returns a number argument and whether it was present
func ArgFloat(args map[string]interface{}, name string) (float64, bool) {
	switch v := args[name].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// ArgBool returns a boolean argument or false
func ArgBool(args map[string]interface{}, name string) bool {
	v, _ := args[name].(bool)
	return v
}

// ArgMap returns an object argument or nil
func ArgMap(args map[string]interface{}, name string) map[string]interface{} {
	v, _ := args[name].(map[string]interface{})
	return v
}

// clampInt applies a default for non-positive values and an upper cap
func clampInt(v, def, max int) int {
	if v <= 0 {
		return def
	}
	if v > max {
		return max
	}
	return v
}
