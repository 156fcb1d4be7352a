// Package service composes the runtime: provider, probe, orchestration
// loop, process manager, approval gate, and storage, behind the surface
// the chat transport and CLI call.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/courier-ai/courier/internal/agent"
	"github.com/courier-ai/courier/internal/config"
	"github.com/courier-ai/courier/internal/observability"
	"github.com/courier-ai/courier/internal/procmgr"
	"github.com/courier-ai/courier/internal/protocol"
	"github.com/courier-ai/courier/internal/providers"
	"github.com/courier-ai/courier/internal/redact"
	"github.com/courier-ai/courier/internal/storage"
	"github.com/courier-ai/courier/internal/tools"
	"github.com/courier-ai/courier/internal/workspace"
	"github.com/courier-ai/courier/pkg/models"
)

// Service is the runtime facade. One instance serves every chat session.
type Service struct {
	cfg      *config.Config
	store    storage.Store
	provider providers.Provider
	redactor *redact.Redactor
	logger   *observability.Logger
	metrics  *observability.Metrics

	registry  *agent.Registry
	snapshots *agent.SnapshotBuilder
	guard     *agent.ResultGuard
	loop      *agent.Loop
	probe     *agent.Probe
	gate      *agent.Gate
	manager   *procmgr.Manager

	cron *cron.Cron
}

// New wires a service from its parts. The registry is populated with the
// builtin tools; the caller may register more before serving.
func New(cfg *config.Config, store storage.Store, provider providers.Provider, redactor *redact.Redactor, logger *observability.Logger, metrics *observability.Metrics) (*Service, error) {
	deny, err := procmgr.CompileDenyPolicy(cfg.Process.DenyCommands)
	if err != nil {
		return nil, fmt.Errorf("compile deny policy: %w", err)
	}
	manager := procmgr.NewManager(procmgr.Config{
		WorkspaceRoot:      cfg.Workspace.Root,
		MaxWallTime:        cfg.Process.MaxWallTime,
		IdleTimeout:        cfg.Process.IdleTimeout,
		MaxOutputBytes:     cfg.Process.MaxOutputBytes,
		MaxSessionsPerUser: cfg.Process.MaxSessionsPerUser,
		Deny:               deny,
	}, store, redactor, logger, metrics)

	registry := agent.NewRegistry()
	if err := tools.RegisterFilesystem(registry, cfg.Workspace.Root); err != nil {
		return nil, fmt.Errorf("register filesystem tools: %w", err)
	}
	if err := tools.RegisterProcess(registry, manager); err != nil {
		return nil, fmt.Errorf("register process tools: %w", err)
	}
	if err := tools.RegisterGit(registry, manager); err != nil {
		return nil, fmt.Errorf("register git tools: %w", err)
	}

	snapshots := agent.NewSnapshotBuilder(registry, agent.Policy{
		Allow: cfg.Agent.ToolAllow,
		Deny:  cfg.Agent.ToolDeny,
	})
	gate := agent.NewGate(store, agent.GateConfig{
		TTL:               cfg.Approval.TTL,
		MaxPendingPerUser: cfg.Approval.MaxPendingPerUser,
	})
	executor := agent.NewExecutor(agent.ExecutorConfig{
		Concurrency: cfg.Agent.ToolConcurrency,
		Timeout:     cfg.Agent.ToolTimeout,
	})
	guard := agent.NewResultGuard(redactor, 0)

	completer := completerAdapter{provider: provider}
	loop := agent.NewLoop(agent.LoopConfig{
		MaxSteps:            cfg.Agent.MaxSteps,
		MaxToolCallsPerStep: cfg.Agent.MaxToolCallsPerStep,
		SystemPrompt:        cfg.Agent.SystemPrompt,
	}, completer, snapshots, executor, gate, guard, logger, metrics)

	probe := agent.NewProbe(func(ctx context.Context, system, prompt string) (string, error) {
		return provider.Complete(ctx, []providers.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: prompt},
		})
	})

	svc := &Service{
		cfg:       cfg,
		store:     store,
		provider:  provider,
		redactor:  redactor,
		logger:    logger,
		metrics:   metrics,
		registry:  registry,
		snapshots: snapshots,
		guard:     guard,
		loop:      loop,
		probe:     probe,
		gate:      gate,
		manager:   manager,
		cron:      cron.New(),
	}
	return svc, nil
}

// completerAdapter bridges the provider's message type to the loop's.
type completerAdapter struct {
	provider providers.Provider
}

func (c completerAdapter) Complete(ctx context.Context, messages []agent.Message) (string, error) {
	out := make([]providers.Message, len(messages))
	for i, m := range messages {
		out[i] = providers.Message{Role: m.Role, Content: m.Content}
	}
	return c.provider.Complete(ctx, out)
}

// Start boots background maintenance: orphan recovery once, then periodic
// approval sweeps and process lifetime checks.
func (s *Service) Start(ctx context.Context) error {
	n, err := s.manager.RecoverOrphans(ctx)
	if err != nil {
		return fmt.Errorf("recover orphans: %w", err)
	}
	if n > 0 {
		s.logger.Info(ctx, "reclassified orphaned sessions", "count", n)
	}

	if _, err := s.cron.AddFunc("@every 30s", func() {
		bg := context.Background()
		if _, err := s.gate.Sweep(bg); err != nil {
			s.logger.Error(bg, "approval sweep failed", "error", err)
		}
		s.manager.CleanupTick(bg)
	}); err != nil {
		return fmt.Errorf("schedule maintenance: %w", err)
	}
	s.cron.Start()
	return nil
}

// Stop halts background maintenance.
func (s *Service) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// HandlePrompt runs one chat prompt end to end and returns the only text
// allowed to reach the transport.
func (s *Service) HandlePrompt(ctx context.Context, sessionKey, userID, prompt string) (string, error) {
	turnID := uuid.New().String()
	ctx = observability.WithTurnID(ctx, turnID)
	ctx = observability.WithSessionKey(ctx, sessionKey)
	ctx = observability.WithUserID(ctx, userID)
	ctx = tools.WithUserID(ctx, userID)

	inv, err := workspace.Detect(s.cfg.Workspace.Root)
	if err != nil {
		return "", fmt.Errorf("detect workspace: %w", err)
	}

	run := &models.Run{
		ID:         turnID,
		SessionKey: sessionKey,
		UserID:     userID,
		Prompt:     prompt,
		Status:     models.RunStatusActive,
		StartedAt:  time.Now(),
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}

	events, state, steps := s.runTurn(ctx, inv, sessionKey, userID, prompt)
	run.Steps = steps

	rendered, report := protocol.RenderForTransport(events, s.redactor)
	if report.Redactions > 0 {
		s.metrics.RedactionsTotal.Add(float64(report.Redactions))
		s.logger.Warn(ctx, "redacted transport output",
			"replacements", report.Redactions, "patterns", report.RedactionPatterns)
	}

	s.persistTrail(ctx, run, events, rendered, state)
	return rendered, nil
}

// runTurn routes through the probe when enabled and falls through to the
// full loop.
func (s *Service) runTurn(ctx context.Context, inv workspace.Invariants, sessionKey, userID, prompt string) ([]models.RuntimeEvent, agent.LoopState, int) {
	var allowed []string

	if s.cfg.Agent.ProbeEnabled {
		snapshot := s.snapshots.Build(inv, nil)
		decision, err := s.probe.Run(ctx, snapshot, prompt)
		switch {
		case err != nil:
			s.logger.Warn(ctx, "probe failed, continuing with full loop", "error", err)
		case !decision.NeedTools && decision.Answer != "":
			return []models.RuntimeEvent{models.NewAssistantText(decision.Answer)}, agent.StateDone, 0
		default:
			allowed = decision.Tools
		}
	}

	res, err := s.loop.Run(ctx, inv, agent.TurnContext{
		TurnID:       observability.TurnIDFrom(ctx),
		SessionKey:   sessionKey,
		UserID:       userID,
		Prompt:       prompt,
		AllowedTools: allowed,
	})
	if err != nil {
		s.logger.Error(ctx, "turn failed", "error", err)
		return []models.RuntimeEvent{
			models.NewRuntimeError(models.ErrKindInternal, err.Error()),
		}, agent.StateFailed, 0
	}
	return res.Events, res.State, res.Steps
}

// persistTrail records the turn's event trail and closes out the run.
func (s *Service) persistTrail(ctx context.Context, run *models.Run, events []models.RuntimeEvent, answer string, state agent.LoopState) {
	for i, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		rev := &models.RunEvent{
			RunID:     run.ID,
			Seq:       i,
			Kind:      ev.Kind,
			Payload:   string(payload),
			CreatedAt: time.Now(),
		}
		if err := s.store.AppendRunEvent(ctx, rev); err != nil {
			s.logger.Error(ctx, "append run event failed", "error", err)
		}
	}

	run.Answer = answer
	run.EndedAt = time.Now()
	switch state {
	case agent.StateDone:
		run.Status = models.RunStatusCompleted
	default:
		run.Status = models.RunStatusFailed
	}
	if err := s.store.UpdateRun(ctx, run); err != nil {
		s.logger.Error(ctx, "update run failed", "error", err)
	}
}
