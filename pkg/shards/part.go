// Package shards implements the sharded findings store: collections of
// per-(policy, location) result parts persisted as N hashed blobs plus a
// meta sidecar, with merge, set-difference and self-healing operations.
package shards

import (
	"encoding/json"
	"hash/fnv"
	"time"

	"github.com/stratushq/stratus/pkg/model"
)

// NumShards is the number of blobs a collection is partitioned into.
const NumShards = 16

// PartKey identifies a part inside a collection.
type PartKey struct {
	Policy   string
	Location string
}

// Part is the scan output of one policy in one location: either the matched
// resources or an error, never both. Timestamp is the scan end of the rule.
type Part struct {
	Policy    string  `json:"policy"`
	Location  string  `json:"location"`
	Timestamp float64 `json:"timestamp"`

	Resources []map[string]any `json:"resources,omitempty"`

	ErrorType    model.ErrorType `json:"error_type,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// NewPart builds a successful part stamped now.
func NewPart(policy, location string, resources []map[string]any) Part {
	return Part{
		Policy:    policy,
		Location:  location,
		Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
		Resources: resources,
	}
}

// NewErrorPart builds a failed part stamped now.
func NewErrorPart(policy, location string, errType model.ErrorType, message string) Part {
	return Part{
		Policy:       policy,
		Location:     location,
		Timestamp:    float64(time.Now().UnixNano()) / float64(time.Second),
		ErrorType:    errType,
		ErrorMessage: message,
	}
}

func (p Part) Key() PartKey {
	return PartKey{Policy: p.Policy, Location: p.Location}
}

// HasError reports whether the part records a failure instead of resources.
func (p Part) HasError() bool { return p.ErrorType != "" }

// PolicyMeta is the sidecar entry for one policy.
type PolicyMeta struct {
	Resource    string `json:"resource"`
	Description string `json:"description,omitempty"`
	Global      bool   `json:"global,omitempty"`
}

// Meta maps policy name to its sidecar entry.
type Meta map[string]PolicyMeta

// Clone returns a deep copy.
func (m Meta) Clone() Meta {
	out := make(Meta, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ShardIndex maps a location to its shard blob index.
func ShardIndex(location string) int {
	h := fnv.New32a()
	h.Write([]byte(location))
	return int(h.Sum32() % uint32(NumShards))
}

// fingerprint returns a canonical identity for a resource document.
// encoding/json marshals map keys in sorted order, which makes re-encoded
// documents comparable regardless of the order they were collected in.
func fingerprint(resource map[string]any) string {
	b, err := json.Marshal(resource)
	if err != nil {
		return ""
	}
	return string(b)
}
