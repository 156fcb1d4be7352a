package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/courier-ai/courier/pkg/models"
)

// ExecutorConfig bounds tool execution.
type ExecutorConfig struct {
	// Concurrency is the maximum number of tools running at once.
	Concurrency int
	// Timeout applies per tool call.
	Timeout time.Duration
}

// Executor runs a batch of tool calls with bounded parallelism. Results
// come back in the same order as the input calls regardless of completion
// order. Tool calls are not retried: they are not assumed idempotent, so a
// failure or timeout is reported, never re-attempted.
type Executor struct {
	cfg ExecutorConfig
	sem chan struct{}
}

// InvokeFunc runs one tool call and returns its output.
type InvokeFunc func(ctx context.Context, call models.ToolCall) (string, error)

// NewExecutor builds an executor.
func NewExecutor(cfg ExecutorConfig) *Executor {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Executor{cfg: cfg, sem: make(chan struct{}, cfg.Concurrency)}
}

// ExecuteAll runs every call and returns one result per call, in input
// order. Individual failures become error results; only context
// cancellation aborts the batch early, and even then every slot gets a
// result.
func (e *Executor) ExecuteAll(ctx context.Context, calls []models.ToolCall, invoke InvokeFunc) []models.ToolResult {
	results := make([]models.ToolResult, len(calls))
	var wg sync.WaitGroup

	for i, call := range calls {
		wg.Add(1)
		go func(idx int, c models.ToolCall) {
			defer wg.Done()

			select {
			case e.sem <- struct{}{}:
				defer func() { <-e.sem }()
			case <-ctx.Done():
				results[idx] = models.ToolResult{CallID: c.CallID, Output: "cancelled: " + ctx.Err().Error(), IsError: true}
				return
			}

			results[idx] = e.executeOne(ctx, c, invoke)
		}(i, call)
	}
	wg.Wait()
	return results
}

// executeOne applies the per-call timeout and converts panics into error
// results so one misbehaving tool cannot take down the turn.
func (e *Executor) executeOne(ctx context.Context, call models.ToolCall, invoke InvokeFunc) (res models.ToolResult) {
	res = models.ToolResult{CallID: call.CallID}
	defer func() {
		if r := recover(); r != nil {
			res.Output = fmt.Sprintf("tool panicked: %v", r)
			res.IsError = true
		}
	}()

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	out, err := invoke(callCtx, call)
	if err != nil {
		res.IsError = true
		if callCtx.Err() == context.DeadlineExceeded {
			res.Output = fmt.Sprintf("timed out after %s", e.cfg.Timeout)
			res.Code = string(models.ErrKindExecutionTimeout)
		} else {
			res.Output = err.Error()
		}
		return res
	}
	res.Output = out
	return res
}
