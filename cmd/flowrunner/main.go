// Command flowrunner is the local CLI: validate and run workflow
// documents, list registered nodes, and query discovery.
//
// Exit codes: 0 success or degraded, 1 failed, 2 validation error.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/lyzr/flowrunner/common/compiler"
	"github.com/lyzr/flowrunner/common/config"
	"github.com/lyzr/flowrunner/common/discovery"
	"github.com/lyzr/flowrunner/common/executor"
	"github.com/lyzr/flowrunner/common/flowerr"
	"github.com/lyzr/flowrunner/common/ir"
	"github.com/lyzr/flowrunner/common/itercache"
	"github.com/lyzr/flowrunner/common/logger"
	"github.com/lyzr/flowrunner/common/nodes"
	"github.com/lyzr/flowrunner/common/registry"
	"github.com/lyzr/flowrunner/common/toolproto"
	"github.com/lyzr/flowrunner/common/trace"
)

const (
	exitOK         = 0
	exitFailed     = 1
	exitValidation = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitValidation
	}

	cfg, err := config.Load("flowrunner")
	if err != nil {
		fmt.Fprintf(os.Stderr, "flowrunner: %v\n", err)
		return exitFailed
	}
	log := logger.New(cfg.Service.LogLevel, cfg.Service.LogFormat)

	switch args[0] {
	case "validate":
		return cmdValidate(args[1:], cfg, log)
	case "run":
		return cmdRun(args[1:], cfg, log)
	case "nodes":
		return cmdNodes(args[1:], cfg, log)
	case "discover":
		return cmdDiscover(args[1:], cfg, log)
	case "help", "-h", "--help":
		usage()
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "flowrunner: unknown command %q\n", args[0])
		usage()
		return exitValidation
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `usage:
  flowrunner validate <workflow.json|workflow.md>
  flowrunner run <workflow.json|workflow.md> [-input k=v]... [-cache] [-auto-repair] [-repair-patch file] [-deadline 5m]
  flowrunner nodes [-filter substring]
  flowrunner discover -q "intent" [-k 5]
`)
}

// buildRegistry assembles the catalog the same way the service does:
// builtins, source scans, then tool-protocol synthetic nodes
func buildRegistry(ctx context.Context, cfg *config.Config, log *logger.Logger) (*registry.Registry, *toolproto.Pool, error) {
	reg := registry.New(cfg.Registry.IncludeTestNodes)

	var chat nodes.ChatClient
	if os.Getenv("OPENAI_API_KEY") != "" {
		chat = nodes.NewOpenAIClient()
	}
	if err := nodes.RegisterBuiltins(reg, nodes.Deps{Chat: chat, Shell: cfg.Shell}); err != nil {
		return nil, nil, err
	}
	for _, path := range cfg.Registry.ScanPaths {
		if err := reg.Scan(path); err != nil {
			log.Warn("registry scan failed", "path", path, "error", err)
		}
	}

	var pool *toolproto.Pool
	if cfg.ToolProto.ConfigPath != "" {
		loaded, err := toolproto.LoadConfig(cfg.ToolProto.ConfigPath)
		if err != nil {
			return nil, nil, err
		}
		pool = toolproto.NewPool(loaded.Config.Servers, cfg.ToolProto, log)
		if err := toolproto.Discover(ctx, pool, loaded, cfg.ToolProto.DiscoveryCachePath, reg, log); err != nil {
			log.Warn("tool discovery failed, continuing without synthetic nodes", "error", err)
		}
	}
	return reg, pool, nil
}

func loadWorkflow(path string) (*ir.Workflow, *flowerr.List) {
	data, err := os.ReadFile(path)
	if err != nil {
		errs := &flowerr.List{}
		errs.Append(flowerr.Wrap(flowerr.CategoryValidation, err, "read workflow file %s", path))
		return nil, errs
	}
	if strings.HasSuffix(path, ".md") || strings.HasSuffix(path, ".markdown") {
		wf, err := ir.ParseMarkdown(data)
		if err != nil {
			errs := &flowerr.List{}
			errs.Append(flowerr.AsError(err))
			return nil, errs
		}
		return wf, nil
	}
	return ir.ValidateDocument(data)
}

func printIssues(errs *flowerr.List) {
	for _, e := range errs.All() {
		fmt.Fprintf(os.Stderr, "  - %s\n", e.Rendered())
	}
}

func cmdValidate(args []string, cfg *config.Config, log *logger.Logger) int {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "flowrunner validate: expected one workflow file")
		return exitValidation
	}

	wf, errs := loadWorkflow(fs.Arg(0))
	if errs != nil && !errs.Empty() {
		fmt.Fprintln(os.Stderr, "invalid:")
		printIssues(errs)
		return exitValidation
	}

	reg, pool, err := buildRegistry(context.Background(), cfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "flowrunner: %v\n", err)
		return exitFailed
	}
	if pool != nil {
		defer pool.Close()
	}

	if errs := ir.Validate(wf, reg); !errs.Empty() {
		fmt.Fprintln(os.Stderr, "invalid:")
		printIssues(errs)
		return exitValidation
	}

	fmt.Printf("valid: %s (%d nodes, %d edges)\n", wf.Name, len(wf.Nodes), len(wf.Edges))
	return exitOK
}

// inputFlags collects repeated -input key=value pairs; values that parse
// as JSON keep their structure
type inputFlags map[string]any

func (f inputFlags) String() string { return "" }

func (f inputFlags) Set(s string) error {
	key, value, ok := strings.Cut(s, "=")
	if !ok {
		return fmt.Errorf("inputs use key=value form, got %q", s)
	}
	var parsed any
	if err := json.Unmarshal([]byte(value), &parsed); err == nil {
		f[key] = parsed
	} else {
		f[key] = value
	}
	return nil
}

func cmdRun(args []string, cfg *config.Config, log *logger.Logger) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	inputs := inputFlags{}
	fs.Var(inputs, "input", "workflow input as key=value (repeatable)")
	cache := fs.Bool("cache", false, "enable the iteration cache")
	autoRepair := fs.Bool("auto-repair", false, "retry once with the repair hook on fixable failures")
	repairPatch := fs.String("repair-patch", "", "JSON patch file supplying the repair")
	deadline := fs.Duration("deadline", 0, "workflow deadline override")
	fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "flowrunner run: expected one workflow file")
		return exitValidation
	}

	wf, errs := loadWorkflow(fs.Arg(0))
	if errs != nil && !errs.Empty() {
		fmt.Fprintln(os.Stderr, "invalid:")
		printIssues(errs)
		return exitValidation
	}

	ctx := context.Background()
	reg, pool, err := buildRegistry(ctx, cfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "flowrunner: %v\n", err)
		return exitFailed
	}
	if pool != nil {
		defer pool.Close()
	}

	var cacheStore itercache.Store
	if *cache {
		switch cfg.Cache.Backend {
		case "redis":
			cacheStore = itercache.NewRedisStore(cfg.Redis, 0)
		default:
			cacheStore = itercache.NewFileStore(cfg.Cache.Dir)
		}
		defer cacheStore.Close()
	}

	opts := executor.Options{
		Inputs:       inputs,
		CacheEnabled: *cache,
		AutoRepair:   *autoRepair,
		Deadline:     *deadline,
	}
	if *repairPatch != "" {
		patchDoc, err := os.ReadFile(*repairPatch)
		if err != nil {
			fmt.Fprintf(os.Stderr, "flowrunner: read repair patch: %v\n", err)
			return exitValidation
		}
		repair, err := executor.PatchRepairer(patchDoc)
		if err != nil {
			fmt.Fprintf(os.Stderr, "flowrunner: %v\n", err)
			return exitValidation
		}
		opts.Repair = repair
	}

	exec := executor.New(compiler.New(reg, cfg, log), cfg, cacheStore, nil, log)
	res := exec.Execute(ctx, wf, opts)

	fmt.Printf("status: %s\n", res.Status)
	if res.TracePath != "" {
		fmt.Printf("trace: %s\n", res.TracePath)
	}
	if len(res.Outputs) > 0 {
		out, _ := json.MarshalIndent(res.Outputs, "", "  ")
		fmt.Printf("outputs: %s\n", out)
	}
	if res.Err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", res.Err.Rendered())
		if res.Err.Category == flowerr.CategoryValidation {
			return exitValidation
		}
		return exitFailed
	}
	if res.Status == trace.StatusFailed {
		return exitFailed
	}
	return exitOK
}

func cmdNodes(args []string, cfg *config.Config, log *logger.Logger) int {
	fs := flag.NewFlagSet("nodes", flag.ExitOnError)
	filter := fs.String("filter", "", "substring filter on node names")
	fs.Parse(args)

	reg, pool, err := buildRegistry(context.Background(), cfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "flowrunner: %v\n", err)
		return exitFailed
	}
	if pool != nil {
		defer pool.Close()
	}

	for _, s := range reg.List(*filter) {
		kind := ""
		if s.Synthetic {
			kind = " (tool)"
		}
		fmt.Printf("%-24s%s  %s\n", s.Name, kind, s.Description)
	}
	return exitOK
}

func cmdDiscover(args []string, cfg *config.Config, log *logger.Logger) int {
	fs := flag.NewFlagSet("discover", flag.ExitOnError)
	q := fs.String("q", "", "free-form intent")
	k := fs.Int("k", 5, "number of candidates")
	fs.Parse(args)
	if *q == "" {
		fmt.Fprintln(os.Stderr, "flowrunner discover: -q is required")
		return exitValidation
	}

	ctx := context.Background()
	reg, pool, err := buildRegistry(ctx, cfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "flowrunner: %v\n", err)
		return exitFailed
	}
	if pool != nil {
		defer pool.Close()
	}

	var chat nodes.ChatClient
	if os.Getenv("OPENAI_API_KEY") != "" {
		chat = nodes.NewOpenAIClient()
	}
	index := discovery.NewIndex(reg, nil, chat, log)
	for _, c := range index.Query(ctx, *q, *k) {
		fmt.Printf("%5.1f  %-10s %-24s %s\n", c.Score, c.Kind, c.Name, c.Description)
	}
	return exitOK
}
