// Package nodes holds the builtin node implementations. Each node
// carries its interface doc as a raw string with a "Node: <name>" header
// so registry scans and programmatic registration read the same source.
package nodes

import (
	"net/http"
	"time"

	"github.com/lyzr/flowrunner/common/config"
	"github.com/lyzr/flowrunner/common/node"
	"github.com/lyzr/flowrunner/common/registry"
)

// Deps are the external collaborators builtin nodes need. Zero values
// get working defaults; tests inject fakes.
type Deps struct {
	HTTPClient *http.Client
	Chat       ChatClient
	Shell      config.ShellConfig
}

// RegisterBuiltins adds every builtin node to the registry
func RegisterBuiltins(r *registry.Registry, deps Deps) error {
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}

	builtins := []struct {
		name string
		doc  string
		ctor func() node.Node
	}{
		{"http", httpDoc, func() node.Node { return &httpNode{client: deps.HTTPClient} }},
		{"shell", shellDoc, func() node.Node { return &shellNode{cfg: deps.Shell} }},
		{"read-file", readFileDoc, func() node.Node { return &readFileNode{} }},
		{"write-file", writeFileDoc, func() node.Node { return &writeFileNode{} }},
		{"llm", llmDoc, func() node.Node { return &llmNode{chat: deps.Chat} }},
		{"transform", transformDoc, func() node.Node { return &transformNode{} }},
		{"echo-test", echoDoc, func() node.Node { return &echoNode{} }},
	}

	for _, b := range builtins {
		if err := r.Register(b.name, b.doc, b.ctor); err != nil {
			return err
		}
	}
	return nil
}
