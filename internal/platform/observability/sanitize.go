package observability

import (
	"strings"
	"unicode"
)

// Field length caps for log attributes. Routes are bounded by the router;
// actor ids come from client headers and get the tightest cap.
const (
	defaultStringLimit = 256
	routeLimit         = 180
	methodLimit        = 10
	actorIDLimit       = 64
)

// sanitizeString strips control characters and caps length so client input
// cannot inject into log lines.
func sanitizeString(value string, limit int) string {
	if limit <= 0 {
		limit = defaultStringLimit
	}

	var builder strings.Builder
	builder.Grow(len(value))
	count := 0
	for _, r := range value {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			continue
		}
		builder.WriteRune(r)
		count++
		if count >= limit {
			break
		}
	}
	return builder.String()
}

// SanitizeRoute cleans a route pattern for use as a log or metric attribute.
func SanitizeRoute(route string) string {
	if route == "" {
		return "/"
	}
	return sanitizeString(route, routeLimit)
}

// SanitizeMethod cleans an HTTP method string.
func SanitizeMethod(method string) string {
	return sanitizeString(method, methodLimit)
}

// SanitizeActorID caps actor identifiers before they reach logs.
func SanitizeActorID(actorID string) string {
	if actorID == "" {
		return ""
	}
	return sanitizeString(actorID, actorIDLimit)
}
