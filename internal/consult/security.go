package consult

import (
	"encoding/json"
	"strings"
)

// MatchOrigin reports whether a websocket Origin matches an allowed pattern.
// Patterns are exact origins, "*", "scheme://*.domain" or "scheme://host:*".
func MatchOrigin(origin string, pattern string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return origin == pattern
	}

	if strings.HasSuffix(pattern, ":*") {
		prefix := strings.TrimSuffix(pattern, ":*")
		host := origin
		if idx := strings.LastIndex(origin, ":"); idx > strings.Index(origin, "//") {
			host = origin[:idx]
		}
		return host == prefix
	}

	for _, scheme := range []string{"https://", "http://"} {
		if !strings.HasPrefix(pattern, scheme+"*.") {
			continue
		}
		if !strings.HasPrefix(origin, scheme) {
			return false
		}
		suffix := strings.TrimPrefix(pattern, scheme+"*")
		host := strings.TrimPrefix(origin, scheme)
		return strings.HasSuffix(host, suffix) && !strings.HasPrefix(host, "*")
	}
	return false
}

var secretKeys = []string{"token", "password", "secret", "api_key", "credential"}

func IsSecretKey(key string) bool {
	lower := strings.ToLower(key)
	for _, sk := range secretKeys {
		if strings.Contains(lower, sk) {
			return true
		}
	}
	return false
}

// SanitizeArgs renders audit arguments as JSON with secret-looking keys redacted.
func SanitizeArgs(args map[string]interface{}) string {
	if args == nil {
		return "{}"
	}
	data, err := json.Marshal(sanitizeMap(args))
	if err != nil {
		return "{}"
	}
	return string(data)
}

func sanitizeMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if IsSecretKey(k) {
			out[k] = "[REDACTED]"
			continue
		}
		switch val := v.(type) {
		case map[string]interface{}:
			out[k] = sanitizeMap(val)
		default:
			out[k] = v
		}
	}
	return out
}
