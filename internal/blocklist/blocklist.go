// Package blocklist is the block registry: identities that are rejected
// before any quota is consulted. Entries live in the shared store under
// ddos:blocked:{identifier} and disappear by TTL expiry or Unblock.
package blocklist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"k8s.io/klog/v2"

	"github.com/SmitUplenchwar2687/Bastion/internal/clock"
	"github.com/SmitUplenchwar2687/Bastion/internal/metrics"
	"github.com/SmitUplenchwar2687/Bastion/internal/store"
)

// KeyPrefix namespaces block entries in the store.
const KeyPrefix = "ddos:blocked:"

// Permanent passed as a duration creates a block without expiry.
const Permanent time.Duration = 0

const maxIdentifierLen = 256

// ErrInvalidIdentifier is returned for empty or malformed identifiers.
var ErrInvalidIdentifier = errors.New("invalid identifier")

// Record describes one block.
type Record struct {
	Identifier string    `json:"identifier"`
	Reason     string    `json:"reason"`
	CreatedAt  time.Time `json:"created_at"`
	// ExpiresAt is nil for permanent blocks. It is derived from the key's
	// TTL on read, never trusted from the stored value.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Permanent reports whether the block has no expiry.
func (r Record) Permanent() bool {
	return r.ExpiresAt == nil
}

// Registry reads and writes blocks.
type Registry struct {
	store   store.Store
	clock   clock.Clock
	metrics *metrics.Metrics
}

// New creates a Registry. m may be nil.
func New(s store.Store, c clock.Clock, m *metrics.Metrics) *Registry {
	return &Registry{store: s, clock: c, metrics: m}
}

// IsBlocked reports whether id is blocked and for how long. A permanent
// block reports a zero duration. Store failures are logged and reported as
// not blocked.
func (r *Registry) IsBlocked(ctx context.Context, id string) (bool, time.Duration) {
	if id == "" {
		return false, 0
	}
	ttl, err := r.store.TTL(ctx, KeyPrefix+id)
	if err != nil {
		klog.ErrorS(err, "Block registry lookup failed, treating as not blocked", "event", "fail-open", "identifier", id)
		r.metrics.FailOpen("blocklist")
		return false, 0
	}
	switch {
	case ttl == store.TTLMissing:
		return false, 0
	case ttl == store.TTLPersistent:
		return true, 0
	default:
		return true, ttl
	}
}

// Block blocks id for d, or permanently when d is Permanent. An existing
// block is replaced.
func (r *Registry) Block(ctx context.Context, id string, d time.Duration, reason string) error {
	if err := validateIdentifier(id); err != nil {
		return err
	}
	if d < 0 {
		return fmt.Errorf("block duration must not be negative, got %s", d)
	}

	raw, err := json.Marshal(Record{
		Identifier: id,
		Reason:     reason,
		CreatedAt:  r.clock.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode block record: %w", err)
	}

	if d == Permanent {
		err = r.store.Set(ctx, KeyPrefix+id, string(raw))
	} else {
		err = r.store.SetWithTTL(ctx, KeyPrefix+id, string(raw), d)
	}
	if err != nil {
		return fmt.Errorf("block %q: %w", id, err)
	}

	klog.InfoS("Identity blocked", "identifier", id, "duration", d, "reason", reason)
	return nil
}

// Unblock removes any block on id.
func (r *Registry) Unblock(ctx context.Context, id string) error {
	if err := validateIdentifier(id); err != nil {
		return err
	}
	if err := r.store.Delete(ctx, KeyPrefix+id); err != nil {
		return fmt.Errorf("unblock %q: %w", id, err)
	}
	klog.InfoS("Identity unblocked", "identifier", id)
	return nil
}

// Get returns the block on id, if any.
func (r *Registry) Get(ctx context.Context, id string) (Record, bool, error) {
	if err := validateIdentifier(id); err != nil {
		return Record{}, false, err
	}

	key := KeyPrefix + id
	res, err := r.store.Exec(ctx, store.OpGet(key), store.OpTTL(key))
	if err != nil {
		return Record{}, false, fmt.Errorf("get block %q: %w", id, err)
	}
	if !res[0].Found {
		return Record{}, false, nil
	}
	return r.decode(id, res[0].Value, res[1].TTL), true, nil
}

// List returns every active block ordered by identifier.
func (r *Registry) List(ctx context.Context) ([]Record, error) {
	keys, err := r.store.Scan(ctx, KeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("list blocks: %w", err)
	}

	records := make([]Record, 0, len(keys))
	for _, key := range keys {
		id := strings.TrimPrefix(key, KeyPrefix)
		rec, ok, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		// Expired between scan and read.
		if !ok {
			continue
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Identifier < records[j].Identifier })
	return records, nil
}

func (r *Registry) decode(id, raw string, ttl time.Duration) Record {
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		// Entries written by other tools may hold a plain marker.
		rec = Record{Reason: raw}
	}
	rec.Identifier = id
	rec.ExpiresAt = nil
	if ttl > 0 {
		at := r.clock.Now().Add(ttl).UTC()
		rec.ExpiresAt = &at
	}
	return rec
}

func validateIdentifier(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidIdentifier)
	}
	if len(id) > maxIdentifierLen {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidIdentifier, maxIdentifierLen)
	}
	if strings.IndexFunc(id, unicode.IsSpace) >= 0 {
		return fmt.Errorf("%w: contains whitespace", ErrInvalidIdentifier)
	}
	return nil
}
