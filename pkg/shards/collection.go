package shards

import (
	"sort"

	"github.com/samber/lo"

	"github.com/stratushq/stratus/pkg/model"
)

// Collection is the in-memory form of a sharded findings set. It is keyed by
// (policy, location) and is NOT thread-safe: one owner per collection,
// cross-goroutine access goes through message passing.
type Collection struct {
	parts map[PartKey]Part
	meta  Meta
}

// NewCollection returns an empty collection.
func NewCollection() *Collection {
	return &Collection{
		parts: make(map[PartKey]Part),
		meta:  make(Meta),
	}
}

// Len returns the number of parts held in memory.
func (c *Collection) Len() int { return len(c.parts) }

// Get returns the part at key, if present.
func (c *Collection) Get(key PartKey) (Part, bool) {
	p, ok := c.parts[key]
	return p, ok
}

// Keys returns the part keys in deterministic order.
func (c *Collection) Keys() []PartKey {
	keys := lo.Keys(c.parts)
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Policy != keys[j].Policy {
			return keys[i].Policy < keys[j].Policy
		}
		return keys[i].Location < keys[j].Location
	})
	return keys
}

// Parts returns the parts in deterministic key order.
func (c *Collection) Parts() []Part {
	return lo.Map(c.Keys(), func(k PartKey, _ int) Part { return c.parts[k] })
}

// Meta returns the sidecar map. Callers must not mutate it concurrently
// with collection operations.
func (c *Collection) Meta() Meta { return c.meta }

// SetMeta installs a sidecar entry for a policy.
func (c *Collection) SetMeta(policy string, m PolicyMeta) {
	c.meta[policy] = m
}

// PutPart inserts or replaces the part at its (policy, location) key.
func (c *Collection) PutPart(p Part) {
	c.parts[p.Key()] = p
}

// PutParts inserts every part; the last write per (policy, location) wins.
func (c *Collection) PutParts(parts ...Part) {
	for _, p := range parts {
		c.PutPart(p)
	}
}

// DropPart removes the part at (policy, location) if present.
func (c *Collection) DropPart(policy, location string) {
	delete(c.parts, PartKey{Policy: policy, Location: location})
}

// Indexes returns the shard indexes covered by the parts currently held.
func (c *Collection) Indexes() []int {
	seen := make(map[int]struct{})
	for key := range c.parts {
		seen[ShardIndex(key.Location)] = struct{}{}
	}
	idxs := lo.Keys(seen)
	sort.Ints(idxs)
	return idxs
}

// Update overwrites matching (policy, location) entries from other and merges
// its meta. Entries at the Azure pseudo-region are dropped: they are the raw
// scanner output and must be regrouped by real location before they may reach
// a persisted collection.
func (c *Collection) Update(other *Collection) {
	for key, part := range other.parts {
		if key.Location == model.AzurePseudoLocation {
			continue
		}
		c.parts[key] = part
	}
	for policy, m := range other.meta {
		c.meta[policy] = m
	}
}

// Diff returns a new collection holding, per (policy, location), exactly the
// resources present in c but absent from other. Error parts carry no
// resources and never appear in a diff; keys whose difference is empty are
// dropped.
func (c *Collection) Diff(other *Collection) *Collection {
	out := NewCollection()
	for key, part := range c.parts {
		if part.HasError() || len(part.Resources) == 0 {
			continue
		}
		prev, ok := other.parts[key]
		if !ok {
			out.parts[key] = part
			if m, found := c.meta[key.Policy]; found {
				out.meta[key.Policy] = m
			}
			continue
		}

		known := make(map[string]struct{}, len(prev.Resources))
		for _, r := range prev.Resources {
			known[fingerprint(r)] = struct{}{}
		}

		fresh := lo.Filter(part.Resources, func(r map[string]any, _ int) bool {
			_, seen := known[fingerprint(r)]
			return !seen
		})
		if len(fresh) == 0 {
			continue
		}

		diffPart := part
		diffPart.Resources = fresh
		out.parts[key] = diffPart
		if m, found := c.meta[key.Policy]; found {
			out.meta[key.Policy] = m
		}
	}
	return out
}
