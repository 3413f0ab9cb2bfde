package ingest

import (
	"fmt"
	"net"
	"strings"
	"unicode/utf8"

	"github.com/gobwas/glob"
	"golang.org/x/net/idna"
)

// HostPolicy decides which hosts images may be downloaded from. Patterns are
// globs over dot-separated host names: "*" matches one label, "**" any
// number of labels. Denied patterns take precedence; with no allowed
// patterns every host that is not denied is allowed.
type HostPolicy struct {
	allowed []glob.Glob
	denied  []glob.Glob
}

// NewHostPolicy compiles the allowed and denied host patterns.
func NewHostPolicy(allowed, denied []string) (*HostPolicy, error) {
	p := &HostPolicy{}

	for _, pattern := range allowed {
		g, err := glob.Compile(strings.ToLower(pattern), '.')
		if err != nil {
			return nil, fmt.Errorf("invalid allowed host pattern '%s': %w", pattern, err)
		}
		p.allowed = append(p.allowed, g)
	}

	for _, pattern := range denied {
		g, err := glob.Compile(strings.ToLower(pattern), '.')
		if err != nil {
			return nil, fmt.Errorf("invalid denied host pattern '%s': %w", pattern, err)
		}
		p.denied = append(p.denied, g)
	}

	return p, nil
}

// normalizeHost lower-cases host and converts internationalized names to
// their ASCII form so patterns only ever see one spelling. ASCII hosts are
// passed through as is; names like my_bucket.example.com are valid hosts even
// though they break the strict DNS label rules.
func normalizeHost(host string) (string, error) {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if host == "" {
		return "", fmt.Errorf("empty host")
	}
	if net.ParseIP(host) != nil {
		return host, nil
	}
	if isASCII(host) {
		return host, nil
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return "", fmt.Errorf("invalid host %q: %w", host, err)
	}
	return ascii, nil
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

// Allows reports whether host passes the policy.
func (p *HostPolicy) Allows(host string) bool {
	normalized, err := normalizeHost(host)
	if err != nil {
		return false
	}
	if p == nil {
		return true
	}

	for _, pattern := range p.denied {
		if pattern.Match(normalized) {
			return false
		}
	}

	if len(p.allowed) == 0 {
		return true
	}

	for _, pattern := range p.allowed {
		if pattern.Match(normalized) {
			return true
		}
	}

	return false
}
