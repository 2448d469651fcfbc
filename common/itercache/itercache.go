// Package itercache accelerates inner-loop iteration by replaying node
// outputs. Each node run is keyed by a hash of its input envelope: node
// type, resolved params, the shared-store entries its interface declares
// as reads, and the node version. Entries hold the namespace delta and
// the chosen action. The cache is keyed per workflow and workspace-local
// by default; a redis backend exists for shared setups.
package itercache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/lyzr/flowrunner/common/logger"
)

// Envelope is the cache key material of one node run
type Envelope struct {
	NodeType       string         `json:"node_type"`
	ResolvedParams map[string]any `json:"params_resolved"`
	Inputs         map[string]any `json:"inputs"`
	Version        string         `json:"version"`
}

// Key renders the envelope canonically and hashes it. JSON object keys
// marshal sorted, so whitespace and key order in the source IR never
// affect the key; resolved values always do.
func (e Envelope) Key() (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("canonicalize cache envelope: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Entry is the replayable outcome of one node run. Delta is the value
// stored under the node's id: a map for plain nodes, a list for batch
// nodes.
type Entry struct {
	Delta  any    `json:"shared_after_deltas"`
	Action string `json:"action"`
}

// Store persists entries; implementations are the workspace-local file
// store and the redis store
type Store interface {
	Get(ctx context.Context, workflow, key string) (*Entry, bool, error)
	Put(ctx context.Context, workflow, key string, entry *Entry) error
	Close() error
}

// Cache is the per-execution read-through instance
type Cache struct {
	store    Store
	workflow string
	log      *logger.Logger
}

// New creates a cache bound to one workflow
func New(store Store, workflow string, log *logger.Logger) *Cache {
	if log == nil {
		log = logger.Nop()
	}
	return &Cache{store: store, workflow: workflow, log: log}
}

// Get looks up a replayable entry for the envelope
func (c *Cache) Get(ctx context.Context, env Envelope) (*Entry, bool) {
	key, err := env.Key()
	if err != nil {
		c.log.Warn("cache key computation failed", "node_type", env.NodeType, "error", err)
		return nil, false
	}
	entry, found, err := c.store.Get(ctx, c.workflow, key)
	if err != nil {
		c.log.Warn("cache read failed", "key", key, "error", err)
		return nil, false
	}
	if found {
		c.log.Debug("cache hit", "node_type", env.NodeType, "key", key)
	}
	return entry, found
}

// Put stores a successful node outcome
func (c *Cache) Put(ctx context.Context, env Envelope, entry *Entry) {
	key, err := env.Key()
	if err != nil {
		return
	}
	if err := c.store.Put(ctx, c.workflow, key, entry); err != nil {
		c.log.Warn("cache write failed", "key", key, "error", err)
	}
}
