package shards

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/stratushq/stratus/pkg/model"
	"github.com/stratushq/stratus/pkg/storage"
)

// Store binds a Collection to an object-store prefix. Parts are persisted as
// NumShards blobs partitioned by location hash plus a meta.json sidecar; each
// blob is replaced atomically by the backend, so a partial WriteAll leaves the
// previous version of untouched blobs intact.
type Store struct {
	*Collection

	blobs  storage.BlobStore
	prefix string

	// fetched tracks which shard indexes have been loaded; WriteAll only
	// replaces blobs the store has seen or that now hold parts, so a
	// projection fetched by index never clobbers the shards it skipped.
	fetched map[int]bool
}

// NewStore returns an empty store over prefix.
func NewStore(blobs storage.BlobStore, prefix string) *Store {
	return &Store{
		Collection: NewCollection(),
		blobs:      blobs,
		prefix:     prefix,
		fetched:    make(map[int]bool),
	}
}

func (s *Store) shardKey(idx int) string {
	return fmt.Sprintf("%s/shard-%02d.json", s.prefix, idx)
}

func (s *Store) metaKey() string {
	return s.prefix + "/meta.json"
}

// Prefix returns the object-store prefix the store persists under.
func (s *Store) Prefix() string { return s.prefix }

// Fetch loads only the shard blob containing location; other shards remain
// unloaded.
func (s *Store) Fetch(ctx context.Context, location string) error {
	return s.loadShard(ctx, ShardIndex(location))
}

// FetchByIndexes loads the given shard indexes, for projecting a job's parts
// against an existing collection without reading everything.
func (s *Store) FetchByIndexes(ctx context.Context, idxs []int) error {
	sorted := append([]int(nil), idxs...)
	sort.Ints(sorted)
	for _, idx := range sorted {
		if err := s.loadShard(ctx, idx); err != nil {
			return err
		}
	}
	return nil
}

// FetchAll loads every shard blob and the meta sidecar.
func (s *Store) FetchAll(ctx context.Context) error {
	for idx := 0; idx < NumShards; idx++ {
		if err := s.loadShard(ctx, idx); err != nil {
			return err
		}
	}
	return s.FetchMeta(ctx)
}

// FetchMeta loads the meta sidecar, merging under existing in-memory entries.
func (s *Store) FetchMeta(ctx context.Context) error {
	data, err := s.blobs.Get(ctx, s.metaKey())
	if storage.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to fetch meta: %w", err)
	}

	var stored Meta
	if err := json.Unmarshal(data, &stored); err != nil {
		return fmt.Errorf("failed to decode meta: %w", err)
	}
	for policy, m := range stored {
		if _, ok := s.meta[policy]; !ok {
			s.meta[policy] = m
		}
	}
	return nil
}

// loadShard reads one blob and inserts its parts under any the collection
// already holds in memory: in-memory writes are newer than persisted state.
func (s *Store) loadShard(ctx context.Context, idx int) error {
	if s.fetched[idx] {
		return nil
	}

	data, err := s.blobs.Get(ctx, s.shardKey(idx))
	if storage.IsNotFound(err) {
		s.fetched[idx] = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to fetch shard %d: %w", idx, err)
	}

	var parts []Part
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("failed to decode shard %d: %w", idx, err)
	}
	for _, p := range parts {
		if _, ok := s.parts[p.Key()]; !ok {
			s.parts[p.Key()] = p
		}
	}
	s.fetched[idx] = true
	return nil
}

// WriteAll persists the collection's parts. A part at GLOBAL whose policy is
// not marked global in meta is rejected before anything is written.
func (s *Store) WriteAll(ctx context.Context) error {
	for key := range s.parts {
		if key.Location != model.GlobalLocation {
			continue
		}
		if !s.meta[key.Policy].Global {
			return fmt.Errorf("policy %q has a GLOBAL part but is not marked global in meta", key.Policy)
		}
	}

	// A shard is replaced wholesale, so an index holding in-memory parts must
	// be read first if it was never fetched: relocated parts (S3 heal, Azure
	// resolution) can hash into shards the original fetch skipped, and a
	// blind write there would destroy every unrelated persisted part.
	for _, key := range s.Keys() {
		if idx := ShardIndex(key.Location); !s.fetched[idx] {
			if err := s.loadShard(ctx, idx); err != nil {
				return err
			}
		}
	}

	grouped := make(map[int][]Part)
	for _, key := range s.Keys() {
		idx := ShardIndex(key.Location)
		grouped[idx] = append(grouped[idx], s.parts[key])
	}

	for idx := 0; idx < NumShards; idx++ {
		parts, has := grouped[idx]
		if !has && !s.fetched[idx] {
			// Never seen and nothing to say: leave whatever is persisted alone.
			continue
		}
		if parts == nil {
			parts = []Part{}
		}
		data, err := json.Marshal(parts)
		if err != nil {
			return fmt.Errorf("failed to encode shard %d: %w", idx, err)
		}
		if err := s.blobs.Put(ctx, s.shardKey(idx), data); err != nil {
			return fmt.Errorf("failed to write shard %d: %w", idx, err)
		}
		s.fetched[idx] = true
	}
	return nil
}

// WriteMeta persists the meta sidecar.
func (s *Store) WriteMeta(ctx context.Context) error {
	data, err := json.Marshal(s.meta)
	if err != nil {
		return fmt.Errorf("failed to encode meta: %w", err)
	}
	if err := s.blobs.Put(ctx, s.metaKey(), data); err != nil {
		return fmt.Errorf("failed to write meta: %w", err)
	}
	return nil
}

// JobResultPrefix is the stable key prefix of a job's own collection.
func JobResultPrefix(tenant, jobID string) string {
	return fmt.Sprintf("reports/%s/jobs/%s", tenant, jobID)
}

// LatestPrefix is the key prefix of the tenant's latest-state collection.
func LatestPrefix(tenant string) string {
	return fmt.Sprintf("reports/%s/latest", tenant)
}

// DifferencePrefix is the key prefix of an event-driven job's delta against
// latest, one per batch-result id.
func DifferencePrefix(tenant, batchResultID string) string {
	return fmt.Sprintf("ed/%s/%s/difference", tenant, batchResultID)
}
