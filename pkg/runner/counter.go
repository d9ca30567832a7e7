package runner

import (
	"context"
	"fmt"

	"github.com/aws/smithy-go/middleware"
)

// CallCounter accumulates per-operation API call counts for the statistics
// artifact. The AWS runner injects it as smithy middleware; the other
// runners count explicitly around their SDK calls.
type CallCounter struct {
	counts map[string]int
}

func NewCallCounter() *CallCounter {
	return &CallCounter{counts: make(map[string]int)}
}

// Count records one call of svc.Op.
func (c *CallCounter) Count(service, operation string) {
	c.counts[fmt.Sprintf("%s.%s", service, operation)]++
}

// Drain returns the counts accumulated since the last drain and resets.
func (c *CallCounter) Drain() map[string]int {
	if len(c.counts) == 0 {
		return nil
	}
	out := c.counts
	c.counts = make(map[string]int)
	return out
}

// Middleware returns an API option counting every SDK operation that passes
// through the stack, keyed "<service>.<Operation>".
func (c *CallCounter) Middleware() func(*middleware.Stack) error {
	return func(stack *middleware.Stack) error {
		return stack.Initialize.Add(middleware.InitializeMiddlewareFunc("APICallCounter", func(
			ctx context.Context, input middleware.InitializeInput, next middleware.InitializeHandler,
		) (middleware.InitializeOutput, middleware.Metadata, error) {
			c.Count(middleware.GetServiceID(ctx), middleware.GetOperationName(ctx))
			return next.HandleInitialize(ctx, input)
		}), middleware.Before)
	}
}
