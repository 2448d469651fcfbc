package nodes

import (
	"context"
	"reflect"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/lyzr/flowrunner/common/flowerr"
	"github.com/lyzr/flowrunner/common/node"
	"github.com/lyzr/flowrunner/common/store"
)

const transformDoc = `Node: transform

Evaluates a CEL expression over the resolved vars map. Pure computation:
reshaping, filtering, and arithmetic between external calls.

Interface:
- Params: expr: string
- Params: vars: dict|null
- Writes: shared["result"]: any
- Actions: default
`

// Compiled programs are cached by expression; workflows re-run the same
// expressions every iteration
var (
	celMu       sync.Mutex
	celPrograms = map[string]cel.Program{}
	celEnv      *cel.Env
	celEnvErr   error
	celEnvOnce  sync.Once
)

func transformEnv() (*cel.Env, error) {
	celEnvOnce.Do(func() {
		celEnv, celEnvErr = cel.NewEnv(
			cel.Variable("vars", cel.MapType(cel.StringType, cel.DynType)),
		)
	})
	return celEnv, celEnvErr
}

func compileExpr(expr string) (cel.Program, error) {
	celMu.Lock()
	defer celMu.Unlock()

	if prog, ok := celPrograms[expr]; ok {
		return prog, nil
	}

	env, err := transformEnv()
	if err != nil {
		return nil, flowerr.Wrap(flowerr.CategoryInternal, err, "build expression environment")
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, flowerr.Wrap(flowerr.CategoryValidation, issues.Err(), "compile expression %q", expr).
			WithSuggestion("expressions use CEL syntax over the vars map, e.g. vars.items.filter(i, i.score > 0.5)")
	}
	prog, err := env.Program(ast)
	if err != nil {
		return nil, flowerr.Wrap(flowerr.CategoryInternal, err, "plan expression %q", expr)
	}

	celPrograms[expr] = prog
	return prog, nil
}

type transformNode struct {
	node.Base
}

type transformRequest struct {
	prog cel.Program
	vars map[string]any
}

func (n *transformNode) Prep(_ context.Context, _ *store.Namespaced) (any, error) {
	expr := n.StringParam("expr", "")
	if expr == "" {
		return nil, flowerr.New(flowerr.CategoryValidation, "transform node requires an expr param").
			WithSuggestion("set params.expr to a CEL expression over params.vars")
	}
	prog, err := compileExpr(expr)
	if err != nil {
		return nil, err
	}

	vars := map[string]any{}
	if v, ok := n.Param("vars"); ok {
		if m, ok := v.(map[string]any); ok {
			vars = m
		}
	}
	return &transformRequest{prog: prog, vars: vars}, nil
}

func (n *transformNode) Exec(_ context.Context, prep any) (any, error) {
	req := prep.(*transformRequest)

	out, _, err := req.prog.Eval(map[string]any{"vars": req.vars})
	if err != nil {
		return nil, flowerr.Wrap(flowerr.CategoryValidation, err, "evaluate expression").
			WithSuggestion("check that every field the expression touches exists in params.vars")
	}

	native, err := out.ConvertToNative(reflect.TypeOf((*any)(nil)).Elem())
	if err != nil {
		return nil, flowerr.Wrap(flowerr.CategoryInternal, err, "convert expression result")
	}
	return native, nil
}

func (n *transformNode) Post(_ context.Context, shared *store.Namespaced, _, result any) (string, error) {
	shared.Set("result", result)
	return "", nil
}
