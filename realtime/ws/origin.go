package ws

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

// IsOriginAllowed reports whether the request's Origin header is covered by
// the allow-list. An entry can be a full origin ("https://app.example.com"),
// a bare hostname ("example.com", any port), a host:port pair, a wildcard
// hostname ("*.example.com", subdomains only), or a literal value such as
// "null". Requests that carry no Origin header are accepted only when
// allowNoOrigin is set.
func IsOriginAllowed(r *http.Request, allowed []string, allowNoOrigin bool) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return allowNoOrigin
	}
	var host, hostname string
	if u, err := url.Parse(origin); err == nil {
		host = u.Host
		hostname = u.Hostname()
	}
	for _, entry := range allowed {
		if originMatches(strings.TrimSpace(entry), origin, host, hostname) {
			return true
		}
	}
	return false
}

func originMatches(entry, origin, host, hostname string) bool {
	if entry == "" {
		return false
	}
	// Entries with a scheme must match the whole Origin value.
	if strings.Contains(entry, "://") {
		return strings.EqualFold(origin, entry)
	}
	// "*.example.com" matches subdomains, not the bare domain.
	if strings.HasPrefix(entry, "*.") {
		suffix := strings.ToLower(entry[1:])
		return suffix != "." && strings.HasSuffix(strings.ToLower(hostname), suffix)
	}
	// A parseable host:port entry pins the port.
	if host != "" {
		if _, _, err := net.SplitHostPort(entry); err == nil {
			return strings.EqualFold(host, entry)
		}
	}
	if hostname != "" && strings.EqualFold(hostname, entry) {
		return true
	}
	// Literal values such as "null" from sandboxed frames.
	return origin == entry
}

// NewOriginChecker adapts IsOriginAllowed to the upgrader's CheckOrigin.
func NewOriginChecker(allowed []string, allowNoOrigin bool) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		return IsOriginAllowed(r, allowed, allowNoOrigin)
	}
}
