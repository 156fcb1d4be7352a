package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/courier-ai/courier/internal/observability"
	"github.com/courier-ai/courier/internal/protocol"
	"github.com/courier-ai/courier/internal/workspace"
	"github.com/courier-ai/courier/pkg/models"
)

// LoopState is the orchestration loop's current phase.
type LoopState string

const (
	StateAwaitingModel    LoopState = "awaiting_model"
	StateDecoding         LoopState = "decoding"
	StateExecutingTools   LoopState = "executing_tools"
	StateAppendingResults LoopState = "appending_results"
	StateDone             LoopState = "done"
	StateFailed           LoopState = "failed"
)

// Message roles for the loop's conversation transcript.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry of the conversation sent to the provider.
type Message struct {
	Role    string
	Content string
}

// Completer is the minimal provider surface the loop needs: a full
// conversation in, raw model text out.
type Completer interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}

// LoopConfig bounds a turn.
type LoopConfig struct {
	// MaxSteps is the tool-round budget per turn.
	MaxSteps int
	// MaxToolCallsPerStep caps how many calls one model reply may make.
	MaxToolCallsPerStep int
	// SystemPrompt heads every conversation.
	SystemPrompt string
}

// TurnContext carries one prompt through the loop.
type TurnContext struct {
	TurnID     string
	SessionKey string
	UserID     string
	Prompt     string
	History    []Message
	// AllowedTools, when set, restricts the turn's snapshot (typically the
	// probe's selection).
	AllowedTools []string
}

// TurnResult is everything a turn produced. Events is the full ordered
// trail; the transport view is rendered from it by the output firewall.
type TurnResult struct {
	State    LoopState
	Events   []models.RuntimeEvent
	Steps    int
	Repaired bool
	Duration time.Duration
}

// Loop drives a turn through its states: ask the model, decode, execute
// gated tools, feed results back, until prose or a budget ends it. Turns
// on the same session key serialize; different sessions run concurrently.
type Loop struct {
	cfg       LoopConfig
	completer Completer
	snapshots *SnapshotBuilder
	executor  *Executor
	gate      *Gate
	guard     *ResultGuard
	logger    *observability.Logger
	metrics   *observability.Metrics

	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// NewLoop wires the loop.
func NewLoop(cfg LoopConfig, completer Completer, snapshots *SnapshotBuilder, executor *Executor, gate *Gate, guard *ResultGuard, logger *observability.Logger, metrics *observability.Metrics) *Loop {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = 3
	}
	if cfg.MaxToolCallsPerStep <= 0 {
		cfg.MaxToolCallsPerStep = 8
	}
	return &Loop{
		cfg:       cfg,
		completer: completer,
		snapshots: snapshots,
		executor:  executor,
		gate:      gate,
		guard:     guard,
		logger:    logger,
		metrics:   metrics,
		locks:     make(map[string]*sessionLock),
	}
}

// Run executes one turn. The registry snapshot is taken once at entry and
// used for every step of the turn.
func (l *Loop) Run(ctx context.Context, inv workspace.Invariants, turn TurnContext) (*TurnResult, error) {
	unlock := l.lockSession(turn.SessionKey)
	defer unlock()

	start := time.Now()
	snapshot := l.snapshots.Build(inv, turn.AllowedTools)
	res := &TurnResult{State: StateAwaitingModel}

	messages := make([]Message, 0, len(turn.History)+2)
	if l.cfg.SystemPrompt != "" {
		messages = append(messages, Message{Role: RoleSystem, Content: l.cfg.SystemPrompt})
	}
	messages = append(messages, turn.History...)
	messages = append(messages, Message{Role: RoleUser, Content: turn.Prompt})

	for {
		if err := ctx.Err(); err != nil {
			res.State = StateFailed
			res.Events = append(res.Events, models.NewRuntimeError(models.ErrKindCancelled, "turn cancelled: "+err.Error()))
			break
		}

		res.State = StateAwaitingModel
		raw, err := l.completer.Complete(ctx, messages)
		if err != nil {
			l.logger.Error(ctx, "provider call failed", "error", err)
			res.State = StateFailed
			res.Events = append(res.Events, models.NewRuntimeError(models.ErrKindProviderUnavailable, err.Error()))
			break
		}

		res.State = StateDecoding
		enforced, err := protocol.Enforce(ctx, raw, l.repairFunc(messages))
		if err != nil {
			res.State = StateFailed
			res.Events = append(res.Events, models.NewRuntimeError(models.ErrKindProviderUnavailable, err.Error()))
			break
		}
		if enforced.Repaired {
			res.Repaired = true
			l.metrics.RepairAttempts.Inc()
		}

		calls, prose := splitEvents(enforced.Events)
		res.Events = append(res.Events, prose...)

		if violated(enforced.Events) {
			l.metrics.DecodeFailures.Inc()
			res.State = StateDone
			break
		}
		if len(calls) == 0 {
			res.State = StateDone
			break
		}
		if res.Steps >= l.cfg.MaxSteps {
			l.logger.Warn(ctx, "tool step budget exhausted", "steps", res.Steps)
			res.Events = append(res.Events, models.NewAssistantText(
				fmt.Sprintf("Stopped after %d tool steps without a final answer.", res.Steps)))
			res.State = StateDone
			break
		}
		if len(calls) > l.cfg.MaxToolCallsPerStep {
			for _, c := range calls[l.cfg.MaxToolCallsPerStep:] {
				res.Events = append(res.Events, models.NewToolCall(c.CallID, c.Name, c.Args))
				res.Events = append(res.Events, models.RuntimeEvent{
					Kind: models.EventToolResult,
					Result: &models.ToolResult{
						CallID:  c.CallID,
						Output:  fmt.Sprintf("dropped: more than %d tool calls in one step", l.cfg.MaxToolCallsPerStep),
						IsError: true,
					},
				})
			}
			calls = calls[:l.cfg.MaxToolCallsPerStep]
		}

		res.State = StateExecutingTools
		results := l.executeCalls(ctx, snapshot, turn, calls)

		res.State = StateAppendingResults
		messages = append(messages, Message{Role: RoleAssistant, Content: raw})
		for i, c := range calls {
			res.Events = append(res.Events, models.NewToolCall(c.CallID, c.Name, c.Args))
			res.Events = append(res.Events, models.RuntimeEvent{Kind: models.EventToolResult, Result: &results[i]})
			messages = append(messages, Message{
				Role:    RoleTool,
				Content: fmt.Sprintf("[%s] %s", c.CallID, results[i].Output),
			})
		}
		res.Steps++
	}

	res.Duration = time.Since(start)
	status := string(res.State)
	l.metrics.TurnsTotal.WithLabelValues(status).Inc()
	l.metrics.TurnDuration.Observe(res.Duration.Seconds())

	if err := models.ValidateTurn(res.Events); err != nil {
		return res, fmt.Errorf("turn event invariant: %w", err)
	}
	return res, nil
}

// executeCalls resolves gating per call and runs the permitted subset,
// then reassembles results in the original call order.
func (l *Loop) executeCalls(ctx context.Context, snapshot *Snapshot, turn TurnContext, calls []models.ToolCall) []models.ToolResult {
	results := make([]models.ToolResult, len(calls))
	var permitted []models.ToolCall
	permittedIdx := make([]int, 0, len(calls))
	entries := make(map[string]Entry, len(calls))

	for i, call := range calls {
		entry, err := snapshot.Lookup(call.Name)
		if err != nil {
			results[i] = models.ToolResult{
				CallID:  call.CallID,
				Output:  "tool not allowed: " + call.Name,
				IsError: true,
				Code:    string(models.ErrKindToolNotAllowed),
			}
			l.metrics.ToolCallsTotal.WithLabelValues(call.Name, "not_allowed").Inc()
			continue
		}
		if entry.RequiresApproval {
			results[i] = l.requestApproval(ctx, turn, call)
			continue
		}
		entries[call.CallID] = entry
		permitted = append(permitted, call)
		permittedIdx = append(permittedIdx, i)
	}

	executed := l.executor.ExecuteAll(ctx, permitted, func(ctx context.Context, call models.ToolCall) (string, error) {
		return entries[call.CallID].Tool.Execute(ctx, call.Args)
	})
	for j, res := range executed {
		guarded, redactions := l.guard.Apply(res)
		if redactions > 0 {
			l.metrics.RedactionsTotal.Add(float64(redactions))
		}
		outcome := "ok"
		if guarded.IsError {
			outcome = "error"
		}
		l.metrics.ToolCallsTotal.WithLabelValues(permitted[j].Name, outcome).Inc()
		results[permittedIdx[j]] = guarded
	}
	return results
}

// requestApproval opens a pending approval and reports it as the call's
// result. The turn completes; the approved call re-enters via the service
// once a human decides.
func (l *Loop) requestApproval(ctx context.Context, turn TurnContext, call models.ToolCall) models.ToolResult {
	rec, err := l.gate.Request(ctx, turn.UserID, turn.SessionKey, call, "tool requires approval")
	if err != nil {
		l.metrics.ApprovalsTotal.WithLabelValues("rejected").Inc()
		return models.ToolResult{
			CallID:  call.CallID,
			Output:  err.Error(),
			IsError: true,
			Code:    string(models.ErrKindCapacityExceeded),
		}
	}
	l.metrics.ApprovalsTotal.WithLabelValues("requested").Inc()
	return models.ToolResult{
		CallID:  call.CallID,
		Output:  fmt.Sprintf("approval required (request %s, expires %s)", rec.ID, rec.ExpiresAt.Format(time.RFC3339)),
		IsError: true,
		Code:    string(models.ErrKindApprovalRequired),
	}
}

// repairFunc builds the one-shot repair caller used by the contract
// enforcer.
func (l *Loop) repairFunc(messages []Message) protocol.RepairFunc {
	return func(ctx context.Context, invalid, reason string) (string, error) {
		repairMsgs := append(append([]Message(nil), messages...),
			Message{Role: RoleAssistant, Content: invalid},
			Message{Role: RoleUser, Content: protocol.RepairPrompt(invalid, reason)},
		)
		return l.completer.Complete(ctx, repairMsgs)
	}
}

// lockSession serializes turns per session key, dropping the lock entry
// once the last holder releases it.
func (l *Loop) lockSession(key string) func() {
	l.mu.Lock()
	lk, ok := l.locks[key]
	if !ok {
		lk = &sessionLock{}
		l.locks[key] = lk
	}
	lk.refs++
	l.mu.Unlock()

	lk.mu.Lock()
	return func() {
		lk.mu.Unlock()
		l.mu.Lock()
		lk.refs--
		if lk.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

// splitEvents separates tool calls from pass-through events.
func splitEvents(events []models.RuntimeEvent) ([]models.ToolCall, []models.RuntimeEvent) {
	var calls []models.ToolCall
	var rest []models.RuntimeEvent
	for _, ev := range events {
		if ev.Kind == models.EventToolCall && ev.Call != nil {
			calls = append(calls, *ev.Call)
			continue
		}
		rest = append(rest, ev)
	}
	return calls, rest
}

// violated reports whether the enforcer ended the step with a protocol
// violation.
func violated(events []models.RuntimeEvent) bool {
	for _, ev := range events {
		if ev.Kind == models.EventRuntimeError && ev.Error != nil && ev.Error.Kind == models.ErrKindProtocolViolation {
			return true
		}
	}
	return false
}
