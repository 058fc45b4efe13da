package logger

import (
	"net"
	"strings"
)

// SanitizedEmail masks an email address for logging (e.g., "u***@e***.com")
func SanitizedEmail(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return "[invalid-email]"
	}

	username := parts[0]
	domain := parts[1]

	if len(username) > 1 {
		username = string(username[0]) + strings.Repeat("*", len(username)-1)
	}

	// Mask all but the TLD
	domainParts := strings.Split(domain, ".")
	if len(domainParts) > 1 {
		for i := 0; i < len(domainParts)-1; i++ {
			domainParts[i] = strings.Repeat("*", len(domainParts[i]))
		}
		domain = strings.Join(domainParts, ".")
	}

	return username + "@" + domain
}

// MaskIP drops the host part of an address: the last octet for IPv4, everything
// past the /48 for IPv6. Unparseable input is returned as "[invalid-ip]".
func MaskIP(ip string) string {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return "[invalid-ip]"
	}
	if v4 := parsed.To4(); v4 != nil {
		return net.IPv4(v4[0], v4[1], v4[2], 0).String()
	}
	return parsed.Mask(net.CIDRMask(48, 128)).String()
}

var sensitiveParams = []string{
	"password", "token", "secret", "email", "auth", "session", "q",
}

// SanitizeQueryString reports whether the query string carries a sensitive parameter
// and should be redacted as a whole
func SanitizeQueryString(rawQuery string) bool {
	if rawQuery == "" {
		return false
	}
	for _, pair := range strings.Split(strings.ToLower(rawQuery), "&") {
		name, _, _ := strings.Cut(pair, "=")
		for _, param := range sensitiveParams {
			if strings.Contains(name, param) && (param != "q" || name == "q") {
				return true
			}
		}
	}
	return false
}
