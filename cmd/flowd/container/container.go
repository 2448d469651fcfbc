// Package container assembles the service's collaborators once at
// startup and hands them to handlers.
package container

import (
	"context"

	"github.com/lyzr/flowrunner/common/compiler"
	"github.com/lyzr/flowrunner/common/config"
	"github.com/lyzr/flowrunner/common/discovery"
	"github.com/lyzr/flowrunner/common/executor"
	"github.com/lyzr/flowrunner/common/history"
	"github.com/lyzr/flowrunner/common/itercache"
	"github.com/lyzr/flowrunner/common/logger"
	"github.com/lyzr/flowrunner/common/nodes"
	"github.com/lyzr/flowrunner/common/registry"
	"github.com/lyzr/flowrunner/common/toolproto"
)

// Container holds every long-lived component of the service
type Container struct {
	Cfg      *config.Config
	Log      *logger.Logger
	Registry *registry.Registry
	Compiler *compiler.Compiler
	Executor *executor.Executor
	Index    *discovery.Index

	CacheStore itercache.Store
	History    *history.Repository
	ToolPool   *toolproto.Pool

	db *history.DB
}

// New wires the container from configuration
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Container, error) {
	c := &Container{Cfg: cfg, Log: log}

	c.Registry = registry.New(cfg.Registry.IncludeTestNodes)

	var chat nodes.ChatClient
	if cfg.Service.Environment != "test" {
		chat = nodes.NewOpenAIClient()
	}
	if err := nodes.RegisterBuiltins(c.Registry, nodes.Deps{Chat: chat, Shell: cfg.Shell}); err != nil {
		return nil, err
	}
	for _, path := range cfg.Registry.ScanPaths {
		if err := c.Registry.Scan(path); err != nil {
			log.Warn("registry scan failed", "path", path, "error", err)
		}
	}

	if cfg.ToolProto.ConfigPath != "" {
		loaded, err := toolproto.LoadConfig(cfg.ToolProto.ConfigPath)
		if err != nil {
			return nil, err
		}
		c.ToolPool = toolproto.NewPool(loaded.Config.Servers, cfg.ToolProto, log)
		if err := toolproto.Discover(ctx, c.ToolPool, loaded, cfg.ToolProto.DiscoveryCachePath, c.Registry, log); err != nil {
			log.Warn("tool discovery failed, continuing without synthetic nodes", "error", err)
		}
	}

	if cfg.Cache.Enabled {
		switch cfg.Cache.Backend {
		case "redis":
			c.CacheStore = itercache.NewRedisStore(cfg.Redis, 0)
		default:
			c.CacheStore = itercache.NewFileStore(cfg.Cache.Dir)
		}
	}

	var recorder executor.Recorder
	if cfg.Database.Enabled {
		db, err := history.New(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
		c.db = db
		c.History = history.NewRepository(db)
		if err := c.History.Migrate(ctx); err != nil {
			return nil, err
		}
		recorder = c.History
	}

	c.Compiler = compiler.New(c.Registry, cfg, log)
	c.Executor = executor.New(c.Compiler, cfg, c.CacheStore, recorder, log)
	c.Index = discovery.NewIndex(c.Registry, nil, chat, log)

	return c, nil
}

// Close releases pooled resources
func (c *Container) Close() {
	if c.ToolPool != nil {
		c.ToolPool.Close()
	}
	if c.CacheStore != nil {
		c.CacheStore.Close()
	}
	if c.db != nil {
		c.db.Close()
	}
}
