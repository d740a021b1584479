package replay

import (
	"strings"
	"time"

	"github.com/SmitUplenchwar2687/Bastion/internal/recorder"
)

// Filter selects traffic records for replay.
type Filter struct {
	Identifiers []string  // user ids, API keys or IPs (empty = all)
	Endpoints   []string  // path substrings or exact "METHOD /path" (empty = all)
	After       time.Time // exclusive lower bound (zero = none)
	Before      time.Time // exclusive upper bound (zero = none)
}

// Match reports whether r passes the filter.
func (f *Filter) Match(r recorder.TrafficRecord) bool {
	if len(f.Identifiers) > 0 && !matchIdentity(f.Identifiers, r) {
		return false
	}
	if len(f.Endpoints) > 0 && !matchEndpoint(f.Endpoints, r.Endpoint()) {
		return false
	}
	if !f.After.IsZero() && !r.Timestamp.After(f.After) {
		return false
	}
	if !f.Before.IsZero() && !r.Timestamp.Before(f.Before) {
		return false
	}
	return true
}

func matchIdentity(ids []string, r recorder.TrafficRecord) bool {
	for _, id := range ids {
		if id == "" {
			continue
		}
		if id == r.Request.UserID || id == r.Request.APIKeyID || id == r.Request.IP {
			return true
		}
	}
	return false
}

func matchEndpoint(patterns []string, endpoint string) bool {
	for _, p := range patterns {
		if p == endpoint || strings.Contains(endpoint, p) {
			return true
		}
	}
	return false
}
