package logging

import (
	"net/url"
	"strings"
)

// hideAPIKey obscures a secret for logging purposes, showing only the first
// and last few characters.
func hideAPIKey(apiKey string) string {
	switch {
	case len(apiKey) > 8:
		return apiKey[:4] + "..." + apiKey[len(apiKey)-4:]
	case len(apiKey) > 4:
		return apiKey[:2] + "..." + apiKey[len(apiKey)-2:]
	case len(apiKey) > 2:
		return apiKey[:1] + "..." + apiKey[len(apiKey)-1:]
	default:
		return apiKey
	}
}

// maskAuthorizationHeader preserves the auth-type prefix ("Bearer ", "Basic
// ", ...) and masks only the credential that follows it.
func maskAuthorizationHeader(value string) string {
	parts := strings.SplitN(strings.TrimSpace(value), " ", 2)
	if len(parts) < 2 {
		return hideAPIKey(value)
	}
	return parts[0] + " " + hideAPIKey(parts[1])
}

// MaskSensitiveHeaderValue masks sensitive header values while preserving
// expected formats, so request dumps never leak a usable credential.
func MaskSensitiveHeaderValue(key, value string) string {
	lowerKey := strings.ToLower(strings.TrimSpace(key))
	switch {
	case strings.Contains(lowerKey, "authorization"):
		return maskAuthorizationHeader(value)
	case strings.Contains(lowerKey, "api-key"),
		strings.Contains(lowerKey, "apikey"),
		strings.Contains(lowerKey, "token"),
		strings.Contains(lowerKey, "secret"):
		return hideAPIKey(value)
	default:
		return value
	}
}

// MaskSensitiveQuery masks sensitive query parameters (key, token, secret,
// ...) within a raw query string.
func MaskSensitiveQuery(raw string) string {
	if raw == "" {
		return ""
	}
	parts := strings.Split(raw, "&")
	changed := false
	for i, part := range parts {
		if part == "" {
			continue
		}
		keyPart := part
		valuePart := ""
		if idx := strings.Index(part, "="); idx >= 0 {
			keyPart = part[:idx]
			valuePart = part[idx+1:]
		}
		decodedKey, err := url.QueryUnescape(keyPart)
		if err != nil {
			decodedKey = keyPart
		}
		if !shouldMaskQueryParam(decodedKey) {
			continue
		}
		decodedValue, err := url.QueryUnescape(valuePart)
		if err != nil {
			decodedValue = valuePart
		}
		masked := hideAPIKey(strings.TrimSpace(decodedValue))
		parts[i] = keyPart + "=" + url.QueryEscape(masked)
		changed = true
	}
	if !changed {
		return raw
	}
	return strings.Join(parts, "&")
}

func shouldMaskQueryParam(key string) bool {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" {
		return false
	}
	key = strings.TrimSuffix(key, "[]")
	if key == "key" || strings.Contains(key, "api-key") || strings.Contains(key, "apikey") || strings.Contains(key, "api_key") {
		return true
	}
	if strings.Contains(key, "token") || strings.Contains(key, "secret") {
		return true
	}
	return false
}
