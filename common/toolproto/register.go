package toolproto

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/lyzr/flowrunner/common/flowerr"
	"github.com/lyzr/flowrunner/common/logger"
	"github.com/lyzr/flowrunner/common/node"
	"github.com/lyzr/flowrunner/common/registry"
	"github.com/lyzr/flowrunner/common/store"
)

// Discover enumerates every configured server's tools and registers one
// synthetic node per tool, named tool-<server>-<tool>. The discovery
// cache short-circuits enumeration until the config file changes; the
// config hash doubles as the synthetic node version, so iteration-cache
// entries invalidate along with it.
func Discover(ctx context.Context, pool *Pool, loaded *LoadedConfig, cachePath string, reg *registry.Registry, log *logger.Logger) error {
	if log == nil {
		log = logger.Nop()
	}
	if len(loaded.Config.Servers) == 0 {
		return nil
	}

	cache := LoadDiscoveryCache(cachePath, loaded.Hash)
	if cache == nil {
		cache = &DiscoveryCache{ConfigHash: loaded.Hash, Servers: map[string][]ToolDescriptor{}}

		names := make([]string, 0, len(loaded.Config.Servers))
		for name := range loaded.Config.Servers {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			client, err := pool.Client(name)
			if err != nil {
				return err
			}
			tools, err := client.ListTools(ctx)
			if err != nil {
				return flowerr.AsError(err).
					WithSuggestion("check that tool server %q starts cleanly and speaks the tool protocol", name)
			}
			cache.Servers[name] = tools
			log.Info("tool server discovered", "server", name, "tools", len(tools))
		}

		if cachePath != "" {
			if err := SaveDiscoveryCache(cachePath, cache); err != nil {
				log.Warn("discovery cache write failed", "path", cachePath, "error", err)
			}
		}
	}

	version := loaded.Hash
	if len(version) > 12 {
		version = version[:12]
	}

	for server, tools := range cache.Servers {
		for _, tool := range tools {
			name := syntheticName(server, tool.Name)
			iface := interfaceFromSchema(tool)
			ctor := toolCtor(pool, server, tool)
			if err := reg.RegisterSynthetic(name, iface, version, ctor); err != nil {
				return err
			}
		}
	}
	return nil
}

var nonKebab = regexp.MustCompile(`[^a-z0-9]+`)

func syntheticName(server, tool string) string {
	join := func(s string) string {
		return strings.Trim(nonKebab.ReplaceAllString(strings.ToLower(s), "-"), "-")
	}
	return fmt.Sprintf("tool-%s-%s", join(server), join(tool))
}

// interfaceFromSchema maps a tool's advertised input schema onto the
// closed type set, best-effort: unknown or missing types become any. The
// writes contract is fixed for every synthetic node.
func interfaceFromSchema(tool ToolDescriptor) *registry.Interface {
	iface := &registry.Interface{
		Description: tool.Description,
		Writes: []registry.WriteDecl{
			{Key: "result", Type: "any", Comment: "the tool's structured return"},
			{Key: "is_error", Type: "bool"},
			{Key: "warnings", Type: "list"},
		},
		Actions: []registry.ActionDecl{
			{Name: "default", When: "tool succeeded"},
			{Name: "error", When: "tool reported a semantic failure"},
		},
	}

	properties, _ := tool.InputSchema["properties"].(map[string]any)
	required := map[string]bool{}
	if list, ok := tool.InputSchema["required"].([]any); ok {
		for _, r := range list {
			if s, ok := r.(string); ok {
				required[s] = true
			}
		}
	}

	names := make([]string, 0, len(properties))
	for name := range properties {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		prop, _ := properties[name].(map[string]any)
		param := registry.ParamDecl{Name: name, Type: schemaType(prop)}
		if !required[name] {
			param.HasDef = true
		}
		iface.Params = append(iface.Params, param)
	}
	return iface
}

func schemaType(prop map[string]any) string {
	typ, _ := prop["type"].(string)
	switch typ {
	case "string":
		return "string"
	case "integer":
		return "int"
	case "number":
		return "float"
	case "boolean":
		return "bool"
	case "object":
		return "dict"
	case "array":
		return "list"
	default:
		return "any"
	}
}

func toolCtor(pool *Pool, server string, tool ToolDescriptor) func() node.Node {
	var paramNames []string
	if properties, ok := tool.InputSchema["properties"].(map[string]any); ok {
		for name := range properties {
			paramNames = append(paramNames, name)
		}
		sort.Strings(paramNames)
	}
	return func() node.Node {
		return &toolNode{pool: pool, server: server, tool: tool.Name, paramNames: paramNames}
	}
}

// toolNode is the synthetic node behind every discovered tool
type toolNode struct {
	node.Base
	pool       *Pool
	server     string
	tool       string
	paramNames []string
}

func (n *toolNode) Prep(_ context.Context, _ *store.Namespaced) (any, error) {
	args := make(map[string]any, len(n.paramNames))
	for _, name := range n.paramNames {
		if v, ok := n.Param(name); ok && v != nil {
			args[name] = v
		}
	}
	return args, nil
}

func (n *toolNode) Exec(ctx context.Context, prep any) (any, error) {
	client, err := n.pool.Client(n.server)
	if err != nil {
		return nil, err
	}
	result, err := client.CallTool(ctx, n.tool, prep.(map[string]any))
	if err != nil {
		return nil, flowerr.AsError(err)
	}
	return result, nil
}

func (n *toolNode) ExecFallback(_ context.Context, _ any, execErr error) (any, error) {
	return nil, flowerr.AsError(execErr).
		WithSuggestion("check tool server %q is running; capacity errors respond to lower batch parallelism", n.server)
}

func (n *toolNode) Post(_ context.Context, shared *store.Namespaced, _, result any) (string, error) {
	res := result.(*CallResult)

	shared.Set("result", res.Result)
	shared.Set("is_error", res.IsError)
	warnings := make([]any, 0, len(res.Warnings))
	for _, w := range res.Warnings {
		warnings = append(warnings, w)
		shared.Warn(fmt.Sprintf("%s: tool %s: %s", shared.NodeID(), n.tool, w))
	}
	shared.Set("warnings", warnings)

	if res.IsError {
		return "error", nil
	}
	return "", nil
}
