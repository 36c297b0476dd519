package ruleengine

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// GuardEvaluator compiles and caches meetsCondition CEL expressions, the
// same way a branch/loop condition evaluator would: compiled programs are
// cached by expression text under a read-write lock, and evaluation is
// synchronous and side-effect-free, matching the rule engine's "no
// suspension inside rule-engine queries" requirement.
type GuardEvaluator struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewGuardEvaluator builds the shared CEL environment: attribute bindings
// under "attrs", and the service's DecisionValue facts under "decision".
func NewGuardEvaluator() (*GuardEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("attrs", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("decision", cel.ListType(cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("build guard CEL environment: %w", err)
	}
	return &GuardEvaluator{env: env, cache: make(map[string]cel.Program)}, nil
}

// Evaluate runs the named guard's meetsCondition predicate against the
// current attribute bindings and this rule base's DecisionValue facts for
// the given service/operation.
func (f *Facade) Evaluate(ge *GuardEvaluator, rb *RuleBase, guardName, service, operation string, attrs map[string]string) (bool, error) {
	expr, ok := rb.guards[guardName]
	if !ok {
		return false, fmt.Errorf("unknown guard: %s", guardName)
	}

	program, err := ge.compiled(expr)
	if err != nil {
		return false, err
	}

	decisionValues := rb.decisionValues[serviceOp{service, operation}]
	decisionArg := make([]interface{}, len(decisionValues))
	for i, v := range decisionValues {
		decisionArg[i] = v
	}

	attrsArg := make(map[string]interface{}, len(attrs))
	for k, v := range attrs {
		attrsArg[k] = v
	}

	out, _, err := program.Eval(map[string]interface{}{
		"attrs":    attrsArg,
		"decision": decisionArg,
	})
	if err != nil {
		return false, fmt.Errorf("evaluate guard %s: %w", guardName, err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("guard %s did not evaluate to a boolean", guardName)
	}
	return result, nil
}

func (ge *GuardEvaluator) compiled(expr string) (cel.Program, error) {
	ge.mu.RLock()
	if p, ok := ge.cache[expr]; ok {
		ge.mu.RUnlock()
		return p, nil
	}
	ge.mu.RUnlock()

	ge.mu.Lock()
	defer ge.mu.Unlock()

	if p, ok := ge.cache[expr]; ok {
		return p, nil
	}

	ast, issues := ge.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile guard expression %q: %w", expr, issues.Err())
	}

	program, err := ge.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("build guard program %q: %w", expr, err)
	}

	ge.cache[expr] = program
	return program, nil
}
