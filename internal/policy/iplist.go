package policy

import (
	"fmt"
	"net/netip"
	"strings"
)

// IPList matches addresses against exact entries and CIDR ranges.
type IPList struct {
	exact    map[netip.Addr]struct{}
	prefixes []netip.Prefix
}

// ParseIPList compiles entries. Each entry is an address or a CIDR range.
func ParseIPList(entries []string) (*IPList, error) {
	l := &IPList{exact: make(map[netip.Addr]struct{})}
	for _, raw := range entries {
		e := strings.TrimSpace(raw)
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				return nil, fmt.Errorf("invalid CIDR %q: %w", e, err)
			}
			l.prefixes = append(l.prefixes, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(e)
		if err != nil {
			return nil, fmt.Errorf("invalid IP %q: %w", e, err)
		}
		l.exact[a.Unmap()] = struct{}{}
	}
	return l, nil
}

// Contains reports whether ip matches. Unparseable input never matches.
func (l *IPList) Contains(ip string) bool {
	if l == nil || (len(l.exact) == 0 && len(l.prefixes) == 0) {
		return false
	}
	a, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	a = a.Unmap()
	if _, ok := l.exact[a]; ok {
		return true
	}
	for _, p := range l.prefixes {
		if p.Contains(a) {
			return true
		}
	}
	return false
}

// Len returns the number of entries.
func (l *IPList) Len() int {
	if l == nil {
		return 0
	}
	return len(l.exact) + len(l.prefixes)
}
