// Package policy loads declarative policy documents out of rulesets, filters
// and deduplicates them, classifies global vs regional execution and builds
// the region plan for a job.
package policy

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/stratushq/stratus/pkg/model"
)

// Policy is one named declarative check targeting a single resource type.
// The filter is an opaque expression evaluated by the scan engine; the
// pipeline only inspects name, resource type and the classification hint.
type Policy struct {
	Name        string `json:"name"`
	Resource    string `json:"resource"`
	Description string `json:"description,omitempty"`

	// GlobalHint marks a policy global regardless of its resource type.
	GlobalHint bool `json:"is_global,omitempty"`

	// Filter is the policy's match expression (CEL over the collected
	// resource document). Empty means every collected resource matches.
	Filter string `json:"filter,omitempty"`

	// Raw keeps the full source document for fields the pipeline does not
	// model; it travels with the policy into the worker.
	Raw map[string]any `json:"-"`
}

// document is the expected top-level shape of a ruleset's content blob.
type document struct {
	Policies []map[string]any `json:"policies" yaml:"policies"`
}

// ParseDocument decodes a ruleset content blob, JSON or YAML, into its raw
// policy documents.
func ParseDocument(data []byte) ([]map[string]any, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		if yerr := yaml.Unmarshal(data, &doc); yerr != nil {
			return nil, fmt.Errorf("failed to parse ruleset document: %w", err)
		}
	}
	if doc.Policies == nil {
		return nil, fmt.Errorf("ruleset document has no policies key")
	}
	return doc.Policies, nil
}

// parsePolicy lifts one raw document into a Policy.
func parsePolicy(raw map[string]any) (Policy, error) {
	name, _ := raw["name"].(string)
	if name == "" {
		return Policy{}, fmt.Errorf("policy has no name")
	}
	resource, _ := raw["resource"].(string)
	if resource == "" {
		return Policy{}, fmt.Errorf("policy %q has no resource type", name)
	}

	p := Policy{
		Name:     name,
		Resource: resource,
		Raw:      raw,
	}
	if d, ok := raw["description"].(string); ok {
		p.Description = d
	}
	if g, ok := raw["is_global"].(bool); ok {
		p.GlobalHint = g
	}
	if f, ok := raw["filter"].(string); ok {
		p.Filter = f
	}
	return p, nil
}

// IsGlobal classifies a policy for a given cloud. Global policies execute at
// most once per job, at the GLOBAL location.
func (p Policy) IsGlobal(cloud model.Cloud) bool {
	if cloud != model.CloudAWS {
		return true
	}
	if p.GlobalHint {
		return true
	}
	if multiRegional[p.Resource] {
		return true
	}
	// Bucket APIs return every bucket regardless of region; running the
	// policy per region would just repeat the same listing.
	return serviceOf(p.Resource) == "s3"
}
