package runner

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/checker/decls"
)

// FilterEngine compiles and evaluates policy filter expressions. A filter is
// a CEL expression over the single variable `resource`, the collected
// document; an empty filter matches everything.
type FilterEngine struct {
	env      *cel.Env
	programs map[string]cel.Program
}

func NewFilterEngine() (*FilterEngine, error) {
	env, err := cel.NewEnv(
		cel.Declarations(
			decls.NewVar("resource", decls.NewMapType(decls.String, decls.Dyn)),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}
	return &FilterEngine{
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

func (e *FilterEngine) program(filter string) (cel.Program, error) {
	if prg, ok := e.programs[filter]; ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(filter)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("filter compilation error: %w", issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("filter program creation error: %w", err)
	}

	e.programs[filter] = prg
	return prg, nil
}

// Match reports whether the resource satisfies the filter. Filters must
// evaluate to a boolean.
func (e *FilterEngine) Match(filter string, resource map[string]any) (bool, error) {
	if filter == "" {
		return true, nil
	}

	prg, err := e.program(filter)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(map[string]any{"resource": resource})
	if err != nil {
		return false, fmt.Errorf("filter evaluation failed: %w", err)
	}
	match, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("filter did not evaluate to a boolean")
	}
	return match, nil
}
