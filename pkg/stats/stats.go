// Package stats records per-rule execution statistics and writes the
// gzip-JSON artifact consumed by the metrics roll-up.
package stats

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/stratushq/stratus/pkg/model"
	"github.com/stratushq/stratus/pkg/storage"
)

// Item is one element of the statistics artifact: exactly one exists per
// planned (policy, region) pair, success, error or skipped. Never mutated
// after creation.
type Item struct {
	Policy       string  `json:"policy"`
	Region       string  `json:"region"`
	TenantName   string  `json:"tenant_name"`
	CustomerName string  `json:"customer_name"`
	StartTime    float64 `json:"start_time"`
	EndTime      float64 `json:"end_time"`

	APICalls map[string]int `json:"api_calls,omitempty"`

	ScannedResources *int `json:"scanned_resources,omitempty"`
	FailedResources  *int `json:"failed_resources,omitempty"`

	ErrorType model.ErrorType `json:"error_type,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Traceback []string        `json:"traceback,omitempty"`
}

// Errored reports whether the item records a failure.
func (i Item) Errored() bool { return i.ErrorType != "" }

// Recorder accumulates items for one job. Not thread-safe; one owner.
type Recorder struct {
	TenantName   string
	CustomerName string

	items []Item
}

func NewRecorder(tenant, customer string) *Recorder {
	return &Recorder{TenantName: tenant, CustomerName: customer}
}

// Items returns the recorded items in insertion order.
func (r *Recorder) Items() []Item { return r.items }

// Add appends a pre-built item, filling in the tenant and customer names.
func (r *Recorder) Add(item Item) {
	item.TenantName = r.TenantName
	item.CustomerName = r.CustomerName
	r.items = append(r.items, item)
}

// Success records a completed rule run.
func (r *Recorder) Success(policy, location string, start, end time.Time, apiCalls map[string]int, scanned, failed int) {
	r.Add(Item{
		Policy:           policy,
		Region:           ArtifactRegion(location),
		StartTime:        unix(start),
		EndTime:          unix(end),
		APICalls:         apiCalls,
		ScannedResources: &scanned,
		FailedResources:  &failed,
	})
}

// Error records a failed rule run with its taxonomy and traceback.
func (r *Recorder) Error(policy, location string, start, end time.Time, apiCalls map[string]int, errType model.ErrorType, reason string, traceback []string) {
	r.Add(Item{
		Policy:    policy,
		Region:    ArtifactRegion(location),
		StartTime: unix(start),
		EndTime:   unix(end),
		APICalls:  apiCalls,
		ErrorType: errType,
		Reason:    reason,
		Traceback: traceback,
	})
}

// Skipped records a rule that was never attempted.
func (r *Recorder) Skipped(policy, location, reason string, at time.Time) {
	r.Add(Item{
		Policy:    policy,
		Region:    ArtifactRegion(location),
		StartTime: unix(at),
		EndTime:   unix(at),
		ErrorType: model.ErrorSkipped,
		Reason:    reason,
	})
}

// Write persists the artifact as a gzip-compressed JSON array.
func (r *Recorder) Write(ctx context.Context, blobs storage.BlobStore, key string) error {
	items := r.items
	if items == nil {
		items = []Item{}
	}
	payload, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("failed to encode statistics: %w", err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(payload); err != nil {
		return fmt.Errorf("failed to compress statistics: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("failed to compress statistics: %w", err)
	}

	if err := blobs.Put(ctx, key, buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write statistics artifact: %w", err)
	}
	return nil
}

// Read decodes an artifact written by Write.
func Read(data []byte) ([]Item, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to open statistics artifact: %w", err)
	}
	defer gz.Close()

	var items []Item
	if err := json.NewDecoder(gz).Decode(&items); err != nil {
		return nil, fmt.Errorf("failed to decode statistics artifact: %w", err)
	}
	return items, nil
}

// ArtifactKey is the object-store key of a job's statistics artifact.
func ArtifactKey(jobID string) string {
	return fmt.Sprintf("stats/%s.json.gz", jobID)
}

// ArtifactRegion maps a shard location to its artifact spelling: the GLOBAL
// sentinel is written lowercase.
func ArtifactRegion(location string) string {
	if location == model.GlobalLocation {
		return strings.ToLower(location)
	}
	return location
}

func unix(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
