package warden

import (
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// Decision is the outcome of evaluating a destination against the allow list.
type Decision int

const (
	// Denied means the destination matched no allow-list pattern.
	Denied Decision = iota

	// Allowed means the destination matched at least one pattern.
	Allowed
)

// String returns "allowed" or "denied".
func (d Decision) String() string {
	if d == Allowed {
		return "allowed"
	}
	return "denied"
}

// HostPattern is a parsed allow-list pattern. Patterns take the forms:
//
//	api.example.com
//	api.example.com:8080
//	*.example.com
//	*.example.com:443
//
// A pattern without a port matches only the default web ports 80 and
// 443. A wildcard pattern matches any subdomain but never the bare
// apex: "*.example.com" matches "a.example.com" and "a.b.example.com"
// but not "example.com" itself.
type HostPattern struct {
	// Pattern is the original pattern string as written.
	Pattern string

	// Host is the lowercased host part, without wildcard prefix or port.
	Host string

	// Port is the specific port, or 0 when the pattern has none.
	Port int

	// Wildcard is true when the pattern started with "*.".
	Wildcard bool
}

// ParseHostPattern parses a pattern string into a HostPattern. An
// unparsable or out-of-range port suffix is ignored and the pattern is
// treated as portless.
func ParseHostPattern(s string) HostPattern {
	p := HostPattern{Pattern: s}

	rest := s
	if strings.HasPrefix(rest, "*.") {
		p.Wildcard = true
		rest = rest[2:]
	}

	host, portStr, hasPort := strings.Cut(rest, ":")
	p.Host = normalizeHost(host)

	if hasPort {
		if port, err := strconv.Atoi(portStr); err == nil && port > 0 && port <= 65535 {
			p.Port = port
		}
	}

	return p
}

// Matches reports whether the pattern matches host and port. The host
// is normalized (lowercased, trailing dot stripped) before comparison.
func (p HostPattern) Matches(host string, port int) bool {
	if p.Port != 0 {
		if p.Port != port {
			return false
		}
	} else if port != 80 && port != 443 {
		return false
	}

	host = normalizeHost(host)

	if p.Wildcard {
		// The "." separator requirement keeps the bare apex from
		// matching its own wildcard.
		return strings.HasSuffix(host, "."+p.Host)
	}

	return host == p.Host
}

// normalizeHost lowercases a hostname and strips any trailing dot.
func normalizeHost(host string) string {
	return strings.ToLower(strings.TrimSuffix(host, "."))
}

// AllowList is an immutable set of allow-list patterns. Evaluation is
// read-only and safe for unsynchronized concurrent use; to change the
// active rules, build a new AllowList and swap it in via [Policy.Swap].
type AllowList struct {
	// exact maps a lowercased host to its patterns.
	exact map[string][]HostPattern

	// wildcards are checked by suffix when no exact pattern matches.
	wildcards []HostPattern

	count int
}

// NewAllowList builds an AllowList from pattern strings. Blank entries
// are skipped.
func NewAllowList(patterns ...string) *AllowList {
	parsed := make([]HostPattern, 0, len(patterns))
	for _, s := range patterns {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		parsed = append(parsed, ParseHostPattern(s))
	}
	return NewAllowListFromPatterns(parsed)
}

// NewAllowListFromPatterns builds an AllowList from parsed patterns.
func NewAllowListFromPatterns(patterns []HostPattern) *AllowList {
	al := &AllowList{
		exact: make(map[string][]HostPattern),
	}
	for _, p := range patterns {
		if p.Host == "" {
			continue
		}
		if p.Wildcard {
			al.wildcards = append(al.wildcards, p)
		} else {
			al.exact[p.Host] = append(al.exact[p.Host], p)
		}
		al.count++
	}
	return al
}

// Evaluate returns Allowed when host:port matches any pattern, Denied
// otherwise. Matching is existential, so no pattern shadows another.
func (al *AllowList) Evaluate(host string, port int) Decision {
	host = normalizeHost(host)

	for _, p := range al.exact[host] {
		if p.Matches(host, port) {
			return Allowed
		}
	}
	for _, p := range al.wildcards {
		if p.Matches(host, port) {
			return Allowed
		}
	}
	return Denied
}

// Count returns the number of patterns in the list.
func (al *AllowList) Count() int {
	return al.count
}

// Patterns returns the original pattern strings, exact entries first.
func (al *AllowList) Patterns() []string {
	out := make([]string, 0, al.count)
	for _, pats := range al.exact {
		for _, p := range pats {
			out = append(out, p.Pattern)
		}
	}
	for _, p := range al.wildcards {
		out = append(out, p.Pattern)
	}
	return out
}

// DefaultDenyReason is attached to denials when [Policy.Reason] is empty.
const DefaultDenyReason = "host is not in the allow list"

// Policy holds the active allow-list snapshot and hands out decisions.
// Readers never block: the snapshot is swapped atomically on reload, so
// a connection's decision is always made against a single consistent
// generation of the rules.
type Policy struct {
	snapshot atomic.Pointer[AllowList]

	// Reason is the human-readable reason attached to denials.
	// Empty means [DefaultDenyReason].
	Reason string
}

// NewPolicy creates a Policy with the given initial allow list.
// A nil list denies everything.
func NewPolicy(al *AllowList) *Policy {
	p := &Policy{}
	if al == nil {
		al = NewAllowList()
	}
	p.snapshot.Store(al)
	return p
}

// Evaluate decides host:port against the current snapshot.
func (p *Policy) Evaluate(host string, port int) Decision {
	return p.snapshot.Load().Evaluate(host, port)
}

// Swap atomically replaces the active allow list. In-flight
// evaluations finish against the snapshot they started with.
func (p *Policy) Swap(al *AllowList) {
	if al == nil {
		al = NewAllowList()
	}
	p.snapshot.Store(al)
}

// Current returns the active snapshot.
func (p *Policy) Current() *AllowList {
	return p.snapshot.Load()
}

// Count returns the number of patterns in the active snapshot.
func (p *Policy) Count() int {
	return p.snapshot.Load().Count()
}

// DenyReason returns the reason string attached to denials.
func (p *Policy) DenyReason() string {
	if p.Reason != "" {
		return p.Reason
	}
	return DefaultDenyReason
}

// PolicyResolver selects the policy to apply for a given client. The
// proxy consults it with the client's authenticated identity and groups
// (from mTLS, see [ClientAuth]) and uses the first match, falling back
// to its default policy when nothing matches or no resolver is set.
type PolicyResolver struct {
	mu         sync.RWMutex
	identities map[string]*Policy
	groups     map[string]*Policy
}

// NewPolicyResolver creates an empty resolver.
func NewPolicyResolver() *PolicyResolver {
	return &PolicyResolver{
		identities: make(map[string]*Policy),
		groups:     make(map[string]*Policy),
	}
}

// SetIdentityPolicy assigns a policy to an exact client identity.
func (r *PolicyResolver) SetIdentityPolicy(identity string, p *Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.identities[identity] = p
}

// SetGroupPolicy assigns a policy to a group name.
func (r *PolicyResolver) SetGroupPolicy(group string, p *Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.groups[group] = p
}

// Resolve returns the policy for the identity and groups, or nil when
// none is registered. Identity matches take precedence over groups.
func (r *PolicyResolver) Resolve(identity string, groups []string) *Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if identity != "" {
		if p, ok := r.identities[identity]; ok {
			return p
		}
	}
	for _, g := range groups {
		if p, ok := r.groups[g]; ok {
			return p
		}
	}
	return nil
}

// splitHostPort splits host:port, defaulting the port when absent:
// defaultPort is used for inputs with no ":" suffix.
func splitHostPort(hostport string, defaultPort int) (string, int) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport, defaultPort
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return host, defaultPort
	}
	return host, port
}
