package node

import (
	"context"
	"errors"
	"time"

	"github.com/lyzr/flowrunner/common/flowerr"
	"github.com/lyzr/flowrunner/common/ir"
	"github.com/lyzr/flowrunner/common/logger"
	"github.com/lyzr/flowrunner/common/store"
)

// Options configures one node's lifecycle run
type Options struct {
	NodeID     string
	MaxRetries int
	Wait       time.Duration
	Timeout    time.Duration
	Logger     *logger.Logger
}

// RunLifecycle drives prep → exec → post. Exec errors retry with a fixed
// wait up to MaxRetries; on exhaustion the node's ExecFallback runs and
// its return value becomes the exec result. Cancellation is observed
// between phases and between retries; in-flight exec calls are bounded by
// the per-node timeout.
func RunLifecycle(ctx context.Context, n Node, shared *store.Namespaced, opts Options) (string, error) {
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}

	if err := ctx.Err(); err != nil {
		return "", cancelError(ctx, opts.NodeID)
	}

	prep, err := n.Prep(ctx, shared)
	if err != nil {
		return "", flowerr.AsError(err).WithNode(opts.NodeID)
	}

	result, err := runExec(ctx, n, prep, opts, log)
	if err != nil {
		return "", err
	}

	if err := ctx.Err(); err != nil {
		return "", cancelError(ctx, opts.NodeID)
	}

	action, err := n.Post(ctx, shared, prep, result)
	if err != nil {
		return "", flowerr.AsError(err).WithNode(opts.NodeID)
	}
	if action == "" {
		action = ir.DefaultAction
	}
	return action, nil
}

func runExec(ctx context.Context, n Node, prep any, opts Options, log *logger.Logger) (any, error) {
	var lastErr error

	attempts := opts.MaxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, cancelError(ctx, opts.NodeID)
		}

		if attempt > 0 {
			log.Debug("retrying exec",
				"node_id", opts.NodeID,
				"attempt", attempt,
				"max_retries", opts.MaxRetries)
			if opts.Wait > 0 {
				select {
				case <-time.After(opts.Wait):
				case <-ctx.Done():
					return nil, cancelError(ctx, opts.NodeID)
				}
			}
		}

		result, err := execOnce(ctx, n, prep, opts)
		if err == nil {
			return result, nil
		}
		// Cancellation is terminal, not retryable
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return nil, cancelError(ctx, opts.NodeID)
		}
		lastErr = err
	}

	// Retries exhausted: fall back if the node supports it
	if fb, ok := n.(Fallbacker); ok {
		log.Warn("exec retries exhausted, running fallback",
			"node_id", opts.NodeID,
			"attempts", attempts,
			"error", lastErr)
		result, err := fb.ExecFallback(ctx, prep, lastErr)
		if err != nil {
			return nil, flowerr.AsError(err).WithNode(opts.NodeID)
		}
		return result, nil
	}

	return nil, flowerr.AsError(lastErr).WithNode(opts.NodeID)
}

func execOnce(ctx context.Context, n Node, prep any, opts Options) (any, error) {
	execCtx := ctx
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	result, err := n.Exec(execCtx, prep)
	if err != nil {
		if execCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, flowerr.Wrap(flowerr.CategoryTimeout, err, "exec exceeded %s timeout", opts.Timeout).
				WithNode(opts.NodeID).
				WithSuggestion("increase timeout_ms on the node or reduce the work per call")
		}
		return nil, err
	}
	return result, nil
}

func cancelError(ctx context.Context, nodeID string) *flowerr.Error {
	if ctx.Err() == context.DeadlineExceeded {
		return flowerr.New(flowerr.CategoryTimeout, "workflow deadline exceeded").WithNode(nodeID)
	}
	return flowerr.New(flowerr.CategoryCancelled, "execution cancelled").WithNode(nodeID)
}
