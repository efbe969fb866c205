package aggregator

import (
	"fmt"
	"net/url"
	"strings"
)

// CanonicalSourceURL trims whitespace and trailing slashes and lowercases the
// scheme and host, so one blog maps to one registry entry.
func CanonicalSourceURL(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	u, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("missing host in %q", raw)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	return strings.TrimRight(u.String(), "/"), nil
}

// HostNamespace returns the host of rawURL without a leading "www.", used as
// a storage prefix. It returns "" for unparsable input.
func HostNamespace(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Hostname() == "" {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}
