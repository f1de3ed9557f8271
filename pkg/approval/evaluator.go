// Package approval evaluates intake approval gates and notifies reviewers.
//
// Gate predicates are CEL expressions over the submission's fields and the
// submitting actor. Evaluation is strictly fail-closed: a compile error, an
// eval error or a non-boolean result all mean the gate does NOT auto-approve
// and a human review is required.
package approval

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/formbridge/formbridge/pkg/contracts"
	"github.com/formbridge/formbridge/pkg/validate"
)

// Evaluator compiles and caches gate predicates.
type Evaluator struct {
	env      *cel.Env
	mu       sync.RWMutex
	prgCache map[string]cel.Program
}

// NewEvaluator creates an evaluator exposing `fields` (the nested field map)
// and `actor` to gate predicates.
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("fields", cel.DynType),
		cel.Variable("actor", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("create cel environment: %w", err)
	}
	return &Evaluator{
		env:      env,
		prgCache: make(map[string]cel.Program),
	}, nil
}

// AutoApprove evaluates the gate's predicate against the submission fields.
// fields arrive flattened (dotted paths) and are unflattened so predicates
// read naturally, e.g. `fields.amount < 500.0 && actor.kind == "agent"`.
func (e *Evaluator) AutoApprove(ctx context.Context, gate contracts.ApprovalGate, fields map[string]any, actor contracts.Actor) (bool, error) {
	if gate.AutoApproveIf == "" {
		return false, nil
	}

	prg, err := e.program(gate.AutoApproveIf)
	if err != nil {
		return false, fmt.Errorf("gate %q: %w", gate.Name, err)
	}

	input := map[string]any{
		"fields": validate.Unflatten(fields),
		"actor": map[string]any{
			"kind": string(actor.Kind),
			"id":   actor.ID,
			"name": actor.Name,
		},
	}
	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("gate %q eval: %w", gate.Name, err)
	}
	approved, isBool := out.Value().(bool)
	if !isBool {
		return false, fmt.Errorf("gate %q predicate is not boolean", gate.Name)
	}
	return approved, nil
}

func (e *Evaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.prgCache[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.prgCache[expr]; hit {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	prg, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	e.prgCache[expr] = prg
	return prg, nil
}
