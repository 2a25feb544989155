package allowlist

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
)

// maxConditionLength caps CEL expression size to prevent pathological inputs.
const maxConditionLength = 1024

// maxCostBudget is the CEL runtime cost limit per evaluation.
const maxCostBudget = 100_000

// evalTimeout bounds a single condition evaluation.
const evalTimeout = time.Second

var (
	envOnce sync.Once
	env     *cel.Env
	envErr  error
)

// conditionEnv returns the shared CEL environment exposing the request
// variables available to allowlist conditions.
func conditionEnv() (*cel.Env, error) {
	envOnce.Do(func() {
		env, envErr = cel.NewEnv(
			cel.Variable("host", cel.StringType),
			cel.Variable("method", cel.StringType),
			cel.Variable("path", cel.StringType),
			cel.Variable("port", cel.IntType),
		)
	})
	return env, envErr
}

// compileCondition parses and type-checks a condition expression.
func compileCondition(expr string) (cel.Program, error) {
	if len(expr) > maxConditionLength {
		return nil, fmt.Errorf("condition too long: %d characters (max %d)", len(expr), maxConditionLength)
	}

	e, err := conditionEnv()
	if err != nil {
		return nil, fmt.Errorf("condition environment: %w", err)
	}

	ast, issues := e.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile condition: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("condition must return bool, got %s", ast.OutputType())
	}

	prg, err := e.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxCostBudget),
	)
	if err != nil {
		return nil, fmt.Errorf("build condition program: %w", err)
	}

	return prg, nil
}

// evalCondition runs a compiled condition against the request attributes.
func evalCondition(prg cel.Program, host, method, path string, port int) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), evalTimeout)
	defer cancel()

	result, _, err := prg.ContextEval(ctx, map[string]any{
		"host":   host,
		"method": method,
		"path":   path,
		"port":   port,
	})
	if err != nil {
		return false, fmt.Errorf("evaluate condition: %w", err)
	}

	ok, isBool := result.Value().(bool)
	if !isBool {
		return false, fmt.Errorf("condition did not return a boolean, got %T", result.Value())
	}
	return ok, nil
}
