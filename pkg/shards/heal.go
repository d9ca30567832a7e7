package shards

import (
	"strings"

	"github.com/stratushq/stratus/pkg/model"
)

// s3ResourceTypes are the resource types whose findings historically landed
// at GLOBAL even though every bucket lives in exactly one region.
var s3ResourceTypes = map[string]bool{
	"s3":     true,
	"aws.s3": true,
}

// HealS3Global re-regionalizes legacy s3 parts: a GLOBAL part of an s3-typed
// policy is split into per-region parts keyed by each bucket's real region,
// read from Location.LocationConstraint. New jobs already write s3 findings
// per region; this migrates historical latest-state data.
// TODO: remove once no latest collection predates per-region s3 writes.
func (c *Collection) HealS3Global(defaultRegion string) {
	for key, part := range c.parts {
		if key.Location != model.GlobalLocation {
			continue
		}
		if !s3ResourceTypes[c.meta[key.Policy].Resource] {
			continue
		}

		if part.HasError() {
			// An error part carries no buckets to split; it keeps its record
			// under the default region instead of vanishing.
			c.DropPart(key.Policy, key.Location)
			regional := part
			regional.Location = defaultRegion
			c.PutPart(regional)
			continue
		}

		byRegion := make(map[string][]map[string]any)
		for _, r := range part.Resources {
			byRegion[bucketRegion(r, defaultRegion)] = append(byRegion[bucketRegion(r, defaultRegion)], r)
		}

		c.DropPart(key.Policy, key.Location)
		for region, resources := range byRegion {
			regional := part
			regional.Location = region
			regional.Resources = resources
			c.PutPart(regional)
		}
	}
}

// bucketRegion reads a bucket's region out of the GetBucketLocation shape
// embedded in the resource document. The legacy EU constraint maps to
// eu-west-1; an absent or empty constraint means the AWS default region.
func bucketRegion(resource map[string]any, defaultRegion string) string {
	loc, ok := resource["Location"].(map[string]any)
	if !ok {
		return defaultRegion
	}
	constraint, _ := loc["LocationConstraint"].(string)
	switch constraint {
	case "":
		return defaultRegion
	case "EU":
		return "eu-west-1"
	}
	return constraint
}

// ResolveAzureLocations regroups parts at the Azure pseudo-region by each
// resource's real location field; resources without one land at GLOBAL. The
// scanner emits everything under AzureCloud, which must never reach a
// persisted collection.
func (c *Collection) ResolveAzureLocations() {
	for key, part := range c.parts {
		if key.Location != model.AzurePseudoLocation {
			continue
		}

		c.DropPart(key.Policy, key.Location)

		if part.HasError() {
			// An error part has no resources to regroup; it belongs at GLOBAL.
			global := part
			global.Location = model.GlobalLocation
			c.PutPart(global)
			continue
		}

		byLocation := make(map[string][]map[string]any)
		for _, r := range part.Resources {
			byLocation[azureLocation(r)] = append(byLocation[azureLocation(r)], r)
		}
		for location, resources := range byLocation {
			resolved := part
			resolved.Location = location
			resolved.Resources = resources
			c.PutPart(resolved)
		}
	}
}

func azureLocation(resource map[string]any) string {
	loc, _ := resource["location"].(string)
	loc = strings.TrimSpace(loc)
	if loc == "" || loc == model.AzurePseudoLocation {
		return model.GlobalLocation
	}
	return loc
}
