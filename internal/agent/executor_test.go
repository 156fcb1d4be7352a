package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/courier-ai/courier/pkg/models"
)

func callN(n int) []models.ToolCall {
	calls := make([]models.ToolCall, n)
	for i := range calls {
		calls[i] = models.ToolCall{CallID: fmt.Sprintf("toolcall-%d", i+1), Name: "exec", Args: json.RawMessage(`{}`)}
	}
	return calls
}

func TestExecuteAllPreservesOrder(t *testing.T) {
	e := NewExecutor(ExecutorConfig{Concurrency: 4, Timeout: time.Second})

	// Earlier calls sleep longer, so completion order is reversed.
	results := e.ExecuteAll(context.Background(), callN(4), func(ctx context.Context, call models.ToolCall) (string, error) {
		var idx int
		fmt.Sscanf(call.CallID, "toolcall-%d", &idx)
		time.Sleep(time.Duration(5-idx) * 10 * time.Millisecond)
		return call.CallID + "-out", nil
	})

	if len(results) != 4 {
		t.Fatalf("got %d results", len(results))
	}
	for i, res := range results {
		want := fmt.Sprintf("toolcall-%d-out", i+1)
		if res.Output != want {
			t.Errorf("result %d = %q, want %q", i, res.Output, want)
		}
	}
}

func TestExecuteAllBoundedConcurrency(t *testing.T) {
	e := NewExecutor(ExecutorConfig{Concurrency: 2, Timeout: time.Second})

	var inFlight, peak int64
	e.ExecuteAll(context.Background(), callN(8), func(ctx context.Context, call models.ToolCall) (string, error) {
		n := atomic.AddInt64(&inFlight, 1)
		for {
			p := atomic.LoadInt64(&peak)
			if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt64(&inFlight, -1)
		return "", nil
	})

	if p := atomic.LoadInt64(&peak); p > 2 {
		t.Errorf("peak concurrency %d exceeds bound", p)
	}
}

func TestExecuteAllTimeout(t *testing.T) {
	e := NewExecutor(ExecutorConfig{Concurrency: 1, Timeout: 20 * time.Millisecond})

	results := e.ExecuteAll(context.Background(), callN(1), func(ctx context.Context, call models.ToolCall) (string, error) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(time.Second):
			return "too late", nil
		}
	})

	if !results[0].IsError {
		t.Fatalf("result = %+v, want error", results[0])
	}
	if results[0].Code != string(models.ErrKindExecutionTimeout) {
		t.Errorf("code = %q", results[0].Code)
	}
}

func TestExecuteAllPanicIsolation(t *testing.T) {
	e := NewExecutor(ExecutorConfig{Concurrency: 2, Timeout: time.Second})

	results := e.ExecuteAll(context.Background(), callN(2), func(ctx context.Context, call models.ToolCall) (string, error) {
		if call.CallID == "toolcall-1" {
			panic("boom")
		}
		return "fine", nil
	})

	if !results[0].IsError || !strings.Contains(results[0].Output, "panicked") {
		t.Errorf("panic result = %+v", results[0])
	}
	if results[1].IsError || results[1].Output != "fine" {
		t.Errorf("sibling result = %+v", results[1])
	}
}

func TestExecuteAllNoRetry(t *testing.T) {
	e := NewExecutor(ExecutorConfig{Concurrency: 1, Timeout: time.Second})

	var attempts int64
	results := e.ExecuteAll(context.Background(), callN(1), func(ctx context.Context, call models.ToolCall) (string, error) {
		atomic.AddInt64(&attempts, 1)
		return "", fmt.Errorf("transient-looking failure")
	})

	if attempts != 1 {
		t.Errorf("attempts = %d, want exactly 1", attempts)
	}
	if !results[0].IsError {
		t.Errorf("result = %+v", results[0])
	}
}
