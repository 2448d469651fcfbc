package nodes

import (
	"context"

	"github.com/lyzr/flowrunner/common/node"
	"github.com/lyzr/flowrunner/common/store"
)

const echoDoc = `Node: echo-test

Copies its value param to its output unchanged. Exists for wiring tests;
hidden from listings unless INCLUDE_TEST_NODES is set.

Interface:
- Params: value: any
- Params: action: string  # default default
- Writes: shared["echoed"]: any
- Actions: default, error (action param set to error)
`

type echoNode struct {
	node.Base
}

func (n *echoNode) Prep(_ context.Context, _ *store.Namespaced) (any, error) {
	v, _ := n.Param("value")
	return v, nil
}

func (n *echoNode) Exec(_ context.Context, prep any) (any, error) {
	return prep, nil
}

func (n *echoNode) Post(_ context.Context, shared *store.Namespaced, _, result any) (string, error) {
	shared.Set("echoed", result)
	return n.StringParam("action", ""), nil
}
