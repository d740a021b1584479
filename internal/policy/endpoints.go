package policy

import (
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru"

	"github.com/SmitUplenchwar2687/Bastion/internal/limiter"
)

const defaultCacheSize = 1024

// EndpointOverride replaces the tier policy for matching paths. Pattern is
// an exact path, "prefix*" or "*suffix"; only one wildcard is allowed.
type EndpointOverride struct {
	Pattern   string            `json:"pattern" yaml:"pattern"`
	Algorithm limiter.Algorithm `json:"algorithm,omitempty" yaml:"algorithm,omitempty"`
	Policy    limiter.Policy    `json:"policy" yaml:"policy"`
}

type matchKind int

const (
	matchExact matchKind = iota
	matchPrefix
	matchSuffix
)

type compiledOverride struct {
	EndpointOverride
	kind  matchKind
	affix string
}

func (c *compiledOverride) matches(path string) bool {
	switch c.kind {
	case matchPrefix:
		return strings.HasPrefix(path, c.affix)
	case matchSuffix:
		return strings.HasSuffix(path, c.affix)
	default:
		return path == c.affix
	}
}

// endpointTable matches request paths against overrides. Exact patterns win
// over wildcards; among wildcards the first configured wins. Results,
// including misses, go through a bounded LRU keyed by path.
type endpointTable struct {
	exact    map[string]*compiledOverride
	wildcard []*compiledOverride
	cache    *lru.Cache
}

// miss is cached for paths with no override.
type miss struct{}

func compileEndpoints(overrides []EndpointOverride, cacheSize int) (*endpointTable, error) {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create endpoint cache: %w", err)
	}

	t := &endpointTable{exact: make(map[string]*compiledOverride), cache: cache}
	for _, o := range overrides {
		c, err := compileOverride(o)
		if err != nil {
			return nil, err
		}
		if c.kind == matchExact {
			if _, dup := t.exact[c.affix]; dup {
				return nil, fmt.Errorf("duplicate endpoint override %q", o.Pattern)
			}
			t.exact[c.affix] = c
			continue
		}
		t.wildcard = append(t.wildcard, c)
	}
	return t, nil
}

func compileOverride(o EndpointOverride) (*compiledOverride, error) {
	if o.Pattern == "" {
		return nil, fmt.Errorf("endpoint override pattern is required")
	}
	if err := o.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("endpoint override %q: %w", o.Pattern, err)
	}
	if o.Algorithm != "" {
		if _, err := limiter.ParseAlgorithm(string(o.Algorithm)); err != nil {
			return nil, fmt.Errorf("endpoint override %q: %w", o.Pattern, err)
		}
	}

	c := &compiledOverride{EndpointOverride: o}
	switch n := strings.Count(o.Pattern, "*"); {
	case n == 0:
		c.kind, c.affix = matchExact, o.Pattern
	case n > 1:
		return nil, fmt.Errorf("endpoint override %q: at most one wildcard is allowed", o.Pattern)
	case strings.HasSuffix(o.Pattern, "*"):
		c.kind, c.affix = matchPrefix, strings.TrimSuffix(o.Pattern, "*")
	case strings.HasPrefix(o.Pattern, "*"):
		c.kind, c.affix = matchSuffix, strings.TrimPrefix(o.Pattern, "*")
	default:
		return nil, fmt.Errorf("endpoint override %q: wildcard must lead or trail", o.Pattern)
	}
	return c, nil
}

func (t *endpointTable) lookup(path string) (*compiledOverride, bool) {
	if c, ok := t.exact[path]; ok {
		return c, true
	}
	if len(t.wildcard) == 0 {
		return nil, false
	}

	if v, ok := t.cache.Get(path); ok {
		if c, hit := v.(*compiledOverride); hit {
			return c, true
		}
		return nil, false
	}

	for _, c := range t.wildcard {
		if c.matches(path) {
			t.cache.Add(path, c)
			return c, true
		}
	}
	t.cache.Add(path, miss{})
	return nil, false
}
