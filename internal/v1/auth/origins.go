package auth

import "strings"

// GetAllowedOrigins parses a comma-separated origin list, falling back to
// the provided defaults when the list is empty.
func GetAllowedOrigins(raw string, fallback []string) []string {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}

	var origins []string
	for _, o := range strings.Split(raw, ",") {
		o = strings.TrimSpace(o)
		if o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		return fallback
	}
	return origins
}
