package ratelimit

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// KeyExtractor derives the rate limit identifier from an HTTP request.
type KeyExtractor func(*http.Request) (string, error)

// remoteIP strips the port from r.RemoteAddr.
func remoteIP(r *http.Request) (string, error) {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// RemoteAddr might not have a port in some edge cases
		ip = r.RemoteAddr
	}
	if ip == "" {
		return "", fmt.Errorf("%w: empty IP address", ErrKeyExtractionFailed)
	}
	return ip, nil
}

// ExtractIP keys requests by r.RemoteAddr without the port.
func ExtractIP() KeyExtractor {
	return func(r *http.Request) (string, error) {
		ip, err := remoteIP(r)
		if err != nil {
			return "", err
		}
		return "ip:" + ip, nil
	}
}

// ExtractIPWithProxy keys requests by the first X-Forwarded-For entry,
// then X-Real-IP, then RemoteAddr. Use it behind a trusted reverse proxy
// only: clients can set these headers themselves.
func ExtractIPWithProxy() KeyExtractor {
	return func(r *http.Request) (string, error) {
		// Check X-Forwarded-For header (most common)
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			// The first entry is the original client
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return "ip:" + ip, nil
			}
		}

		// Check X-Real-IP header (alternative)
		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
			return "ip:" + xri, nil
		}

		// Fallback to RemoteAddr
		ip, err := remoteIP(r)
		if err != nil {
			return "", err
		}
		return "ip:" + ip, nil
	}
}

// ExtractHeader keys requests by the value of headerName.
func ExtractHeader(headerName string) KeyExtractor {
	return func(r *http.Request) (string, error) {
		value := strings.TrimSpace(r.Header.Get(headerName))
		if value == "" {
			return "", fmt.Errorf("%w: header %s not found or empty", ErrKeyExtractionFailed, headerName)
		}
		return "header:" + headerName + ":" + value, nil
	}
}

// ExtractBearer keys requests by the token in "Authorization: Bearer <token>".
func ExtractBearer() KeyExtractor {
	return func(r *http.Request) (string, error) {
		auth := r.Header.Get("Authorization")
		if auth == "" {
			return "", fmt.Errorf("%w: Authorization header not found", ErrKeyExtractionFailed)
		}

		// Expect "Bearer <token>", scheme case-insensitive
		scheme, token, ok := strings.Cut(auth, " ")
		if !ok || !strings.EqualFold(scheme, "bearer") {
			return "", fmt.Errorf("%w: invalid Authorization header format", ErrKeyExtractionFailed)
		}
		if token = strings.TrimSpace(token); token == "" {
			return "", fmt.Errorf("%w: empty bearer token", ErrKeyExtractionFailed)
		}

		return "bearer:" + token, nil
	}
}

// ExtractCookie keys requests by the value of cookieName.
func ExtractCookie(cookieName string) KeyExtractor {
	return func(r *http.Request) (string, error) {
		cookie, err := r.Cookie(cookieName)
		if err != nil {
			return "", fmt.Errorf("%w: cookie %s not found: %v", ErrKeyExtractionFailed, cookieName, err)
		}
		if cookie.Value == "" {
			return "", fmt.Errorf("%w: cookie %s has empty value", ErrKeyExtractionFailed, cookieName)
		}
		return "cookie:" + cookieName + ":" + cookie.Value, nil
	}
}

// ExtractStatic puts every request in one shared bucket.
func ExtractStatic(key string) KeyExtractor {
	return func(r *http.Request) (string, error) {
		if key == "" {
			return "", fmt.Errorf("%w: static key is empty", ErrKeyExtractionFailed)
		}
		return key, nil
	}
}

// ExtractComposite returns the key of the first extractor that succeeds.
//
// Example:
//
//	extractor := ExtractComposite(
//	    ExtractHeader("X-API-Key"),
//	    ExtractIPWithProxy(),  // Fallback to IP if no API key
//	)
func ExtractComposite(extractors ...KeyExtractor) KeyExtractor {
	return func(r *http.Request) (string, error) {
		if len(extractors) == 0 {
			return "", fmt.Errorf("%w: no extractors provided", ErrKeyExtractionFailed)
		}

		// Try each extractor in order
		var lastErr error
		for _, extractor := range extractors {
			key, err := extractor(r)
			if err == nil && key != "" {
				return key, nil
			}
			lastErr = err
		}
		if lastErr != nil {
			return "", fmt.Errorf("%w: all extractors failed: %v", ErrKeyExtractionFailed, lastErr)
		}
		return "", fmt.Errorf("%w: all extractors returned empty key", ErrKeyExtractionFailed)
	}
}

// ParseKeyExtractorConfig builds a KeyExtractor from its config string.
// Supported formats:
//   - "ip"
//   - "ip-proxy"
//   - "header:X-API-Key"
//   - "bearer"
//   - "cookie:session_id"
//   - "static:global"
//
// Several formats separated by "," build an ExtractComposite chain.
func ParseKeyExtractorConfig(config string) (KeyExtractor, error) {
	// Composite: "header:X-API-Key,ip-proxy"
	if strings.Contains(config, ",") {
		var chain []KeyExtractor
		for _, part := range strings.Split(config, ",") {
			extractor, err := ParseKeyExtractorConfig(strings.TrimSpace(part))
			if err != nil {
				return nil, err
			}
			chain = append(chain, extractor)
		}
		return ExtractComposite(chain...), nil
	}

	kind, arg, hasArg := strings.Cut(config, ":")
	requireArg := func(format string) error {
		if !hasArg || arg == "" {
			return fmt.Errorf("%w: %s extractor requires format '%s'", ErrInvalidConfig, kind, format)
		}
		return nil
	}

	switch kind {
	case "ip":
		return ExtractIP(), nil
	case "ip-proxy":
		return ExtractIPWithProxy(), nil
	case "bearer":
		return ExtractBearer(), nil
	case "header":
		if err := requireArg("header:HeaderName"); err != nil {
			return nil, err
		}
		return ExtractHeader(arg), nil
	case "cookie":
		if err := requireArg("cookie:CookieName"); err != nil {
			return nil, err
		}
		return ExtractCookie(arg), nil
	case "static":
		if err := requireArg("static:key"); err != nil {
			return nil, err
		}
		return ExtractStatic(arg), nil
	default:
		return nil, fmt.Errorf("%w: unknown key extractor type: %s", ErrInvalidConfig, kind)
	}
}
