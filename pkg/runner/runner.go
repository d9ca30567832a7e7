// Package runner implements the per-cloud resource collectors and error
// classification behind the scan engine. One CloudRunner exists per worker
// invocation; rule evaluation is serial inside it.
package runner

import (
	"context"

	"github.com/stratushq/stratus/pkg/model"
)

// CloudRunner collects the resources of one resource type in one location
// and classifies provider errors into the failure taxonomy.
type CloudRunner interface {
	Cloud() model.Cloud

	// Collect lists the resource documents of resourceType at location.
	// The GLOBAL sentinel means the provider's home scope.
	Collect(ctx context.Context, resourceType, location string) ([]map[string]any, error)

	// Classify maps a Collect error onto the taxonomy. Anything the
	// provider never saw is INTERNAL.
	Classify(err error) model.ErrorType

	// DrainAPICalls returns the per-operation call counts accumulated
	// since the previous drain.
	DrainAPICalls() map[string]int
}
