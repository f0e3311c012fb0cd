// Package originauth decides whether a browser request may use a given
// instance, based on the Origin/Referer headers and the instance's
// domain and path allowlists.
package originauth

import (
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/embedchat/agent-gateway/internal/domain"
)

// Authorizer checks request origins against instance allowlists.
type Authorizer struct {
	// publicHost is the host the gateway itself is served on. Requests
	// without an Origin header whose Host matches it are same-origin
	// and bypass the allowlist. Empty disables the bypass.
	publicHost string
}

func New(publicHost string) *Authorizer {
	return &Authorizer{publicHost: publicHost}
}

// Authorize reports whether the request's origin is permitted for the
// instance. Requests carrying neither Origin nor Referer are denied
// unless they are same-origin.
func (a *Authorizer) Authorize(r *http.Request, cfg *domain.InstanceConfig) bool {
	origin := r.Header.Get("Origin")
	if origin == "" && a.sameOrigin(r) {
		return true
	}

	rawURL := origin
	if rawURL == "" {
		rawURL = r.Header.Get("Referer")
	}
	if rawURL == "" {
		return false
	}

	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return false
	}

	if !domainAllowed(cfg.AllowedDomains, u.Hostname()) {
		return false
	}
	return pathAllowed(cfg.AllowedPaths, u.Path)
}

func (a *Authorizer) sameOrigin(r *http.Request) bool {
	return a.publicHost != "" && strings.EqualFold(r.Host, a.publicHost)
}

// domainAllowed matches hostname against the allowlist. "*" admits
// everything; "*.base" admits base and any proper subdomain of it;
// anything else is an exact match. Comparison is case-insensitive.
func domainAllowed(patterns []string, hostname string) bool {
	hostname = strings.ToLower(hostname)
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if p == "*" {
			return true
		}
		if strings.HasPrefix(p, "*.") {
			base := strings.TrimPrefix(p, "*.")
			if hostname == base || strings.HasSuffix(hostname, "."+base) {
				return true
			}
			continue
		}
		if hostname == p {
			return true
		}
	}
	return false
}

// pathAllowed matches the origin URL's path against the configured
// globs. An empty allowlist admits every path. Only "*" is a wildcard;
// every other regex metacharacter in a pattern is literal, so patterns
// pulled from stored configs cannot inject expressions.
func pathAllowed(patterns []string, path string) bool {
	if len(patterns) == 0 {
		return true
	}
	// Origin headers carry no path; browsers expose that as "/".
	if path == "" {
		path = "/"
	}
	for _, p := range patterns {
		re, err := compilePathPattern(p)
		if err != nil {
			continue
		}
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

func compilePathPattern(pattern string) (*regexp.Regexp, error) {
	quoted := regexp.QuoteMeta(strings.TrimSpace(pattern))
	return regexp.Compile("^" + strings.ReplaceAll(quoted, `\*`, ".*") + "$")
}
