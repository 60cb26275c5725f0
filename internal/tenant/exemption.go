package tenant

import "strings"

// DefaultExemptPaths are routes that run before a tenant can be known.
var DefaultExemptPaths = []string{
	"/api/auth/user/login",
	"/api/auth/user/register",
	"/api/auth/oauth/**",
	"/api/auth/token/**",
	"/api/auth/admin/**",
	"/api/public/**",
	"/healthz",
	"/readyz",
	"/metrics",
	"/v1/info",
}

// ExemptionList matches exact paths and "/**" prefix patterns. It is fixed at startup.
type ExemptionList struct {
	exact    map[string]struct{}
	prefixes []string
}

// NewExemptionList builds a list from patterns. Blank entries are ignored.
func NewExemptionList(patterns ...string) *ExemptionList {
	l := &ExemptionList{exact: make(map[string]struct{})}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if strings.HasSuffix(p, "/**") {
			l.prefixes = append(l.prefixes, strings.TrimSuffix(p, "**"))
			continue
		}
		l.exact[strings.TrimRight(p, "/")] = struct{}{}
	}
	return l
}

// Match reports whether path is exempt.
func (l *ExemptionList) Match(path string) bool {
	if l == nil {
		return false
	}
	trimmed := strings.TrimRight(path, "/")
	if _, ok := l.exact[trimmed]; ok {
		return true
	}
	for _, p := range l.prefixes {
		if strings.HasPrefix(path, p) || trimmed == strings.TrimSuffix(p, "/") {
			return true
		}
	}
	return false
}
