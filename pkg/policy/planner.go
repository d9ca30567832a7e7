package policy

import (
	"sort"

	"github.com/samber/lo"

	"github.com/stratushq/stratus/pkg/model"
)

// Plan is the execution plan of one job: the ordered location sequence and
// the policies to run at each location. GLOBAL always comes first.
type Plan struct {
	Cloud model.Cloud

	// Locations is [GLOBAL] + sorted(regions) for AWS, [GLOBAL] otherwise.
	Locations []string

	Global   []Policy
	Regional []Policy

	// PerRegion, when non-nil, restricts each location to the named rules.
	// Event-driven jobs set it from their batch results.
	PerRegion map[string][]string
}

// BuildPlan classifies the policies and computes the location sequence from
// the union of tenant-configured and job-requested regions. Non-AWS clouds
// ignore regions entirely.
func BuildPlan(cloud model.Cloud, tenantRegions, jobRegions []string, policies []Policy) *Plan {
	p := &Plan{Cloud: cloud}

	for _, pol := range policies {
		if pol.IsGlobal(cloud) {
			p.Global = append(p.Global, pol)
		} else {
			p.Regional = append(p.Regional, pol)
		}
	}

	p.Locations = []string{model.GlobalLocation}
	if cloud == model.CloudAWS {
		regions := lo.Uniq(append(append([]string(nil), tenantRegions...), jobRegions...))
		sort.Strings(regions)
		p.Locations = append(p.Locations, regions...)
	}
	return p
}

// PoliciesFor returns the policies to execute at one location, honoring the
// per-region restriction when set.
func (p *Plan) PoliciesFor(location string) []Policy {
	pool := p.Regional
	if location == model.GlobalLocation {
		pool = p.Global
	}
	if p.PerRegion == nil {
		return pool
	}
	allowed := toSet(p.PerRegion[location])
	return lo.Filter(pool, func(pol Policy, _ int) bool { return allowed[pol.Name] })
}

// Empty reports whether no location would execute any policy.
func (p *Plan) Empty() bool {
	for _, loc := range p.Locations {
		if len(p.PoliciesFor(loc)) > 0 {
			return false
		}
	}
	return true
}

// TotalRuns counts the planned (policy, location) pairs.
func (p *Plan) TotalRuns() int {
	n := 0
	for _, loc := range p.Locations {
		n += len(p.PoliciesFor(loc))
	}
	return n
}
