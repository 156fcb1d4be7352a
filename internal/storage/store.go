// Package storage persists the runtime's durable state: run audit trails,
// process sessions, and approval records. SQLiteStore is the production
// backend; MemoryStore backs tests and ephemeral deployments.
package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/courier-ai/courier/pkg/models"
)

// Store is the persistence surface used across the runtime.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run *models.Run) error
	UpdateRun(ctx context.Context, run *models.Run) error
	GetRun(ctx context.Context, id string) (*models.Run, error)
	AppendRunEvent(ctx context.Context, ev *models.RunEvent) error
	ListRunEvents(ctx context.Context, runID string) ([]*models.RunEvent, error)

	// Process sessions
	SaveProcessSession(ctx context.Context, s *models.ProcessSession) error
	GetProcessSession(ctx context.Context, id string) (*models.ProcessSession, error)
	ListProcessSessions(ctx context.Context, userID string) ([]*models.ProcessSession, error)
	ListProcessSessionsByStatus(ctx context.Context, status models.ProcessStatus) ([]*models.ProcessSession, error)
	AppendSessionChunk(ctx context.Context, c *models.SessionChunk) error
	ListSessionChunks(ctx context.Context, sessionID string) ([]*models.SessionChunk, error)

	// Approvals
	CreateApproval(ctx context.Context, rec *models.PendingApproval) error
	GetApproval(ctx context.Context, id string) (*models.PendingApproval, error)
	UpdateApproval(ctx context.Context, rec *models.PendingApproval) error
	ListPendingApprovals(ctx context.Context, userID string) ([]*models.PendingApproval, error)

	Close() error
}

// MemoryStore is a thread-safe in-memory Store.
type MemoryStore struct {
	mu        sync.RWMutex
	runs      map[string]*models.Run
	runEvents map[string][]*models.RunEvent
	sessions  map[string]*models.ProcessSession
	chunks    map[string][]*models.SessionChunk
	approvals map[string]*models.PendingApproval
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:      make(map[string]*models.Run),
		runEvents: make(map[string][]*models.RunEvent),
		sessions:  make(map[string]*models.ProcessSession),
		chunks:    make(map[string][]*models.SessionChunk),
		approvals: make(map[string]*models.PendingApproval),
	}
}

func (m *MemoryStore) CreateRun(ctx context.Context, run *models.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateRun(ctx context.Context, run *models.Run) error {
	return m.CreateRun(ctx, run)
}

func (m *MemoryStore) GetRun(ctx context.Context, id string) (*models.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, nil
	}
	cp := *run
	return &cp, nil
}

func (m *MemoryStore) AppendRunEvent(ctx context.Context, ev *models.RunEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *ev
	m.runEvents[ev.RunID] = append(m.runEvents[ev.RunID], &cp)
	return nil
}

func (m *MemoryStore) ListRunEvents(ctx context.Context, runID string) ([]*models.RunEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	evs := m.runEvents[runID]
	out := make([]*models.RunEvent, len(evs))
	for i, ev := range evs {
		cp := *ev
		out[i] = &cp
	}
	return out, nil
}

// RunsBySession returns a session's runs ordered by start time. Test and
// inspection helper; not part of the Store interface.
func (m *MemoryStore) RunsBySession(sessionKey string) []*models.Run {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Run
	for _, run := range m.runs {
		if run.SessionKey != sessionKey {
			continue
		}
		cp := *run
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (m *MemoryStore) SaveProcessSession(ctx context.Context, s *models.ProcessSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *MemoryStore) GetProcessSession(ctx context.Context, id string) (*models.ProcessSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) ListProcessSessions(ctx context.Context, userID string) ([]*models.ProcessSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.ProcessSession
	for _, s := range m.sessions {
		if userID != "" && s.UserID != userID {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	sortSessions(out)
	return out, nil
}

func (m *MemoryStore) ListProcessSessionsByStatus(ctx context.Context, status models.ProcessStatus) ([]*models.ProcessSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.ProcessSession
	for _, s := range m.sessions {
		if s.Status != status {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	sortSessions(out)
	return out, nil
}

func (m *MemoryStore) AppendSessionChunk(ctx context.Context, c *models.SessionChunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.chunks[c.SessionID] = append(m.chunks[c.SessionID], &cp)
	return nil
}

func (m *MemoryStore) ListSessionChunks(ctx context.Context, sessionID string) ([]*models.SessionChunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chunks := m.chunks[sessionID]
	out := make([]*models.SessionChunk, len(chunks))
	for i, c := range chunks {
		cp := *c
		out[i] = &cp
	}
	return out, nil
}

func (m *MemoryStore) CreateApproval(ctx context.Context, rec *models.PendingApproval) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.approvals[rec.ID] = &cp
	return nil
}

func (m *MemoryStore) GetApproval(ctx context.Context, id string) (*models.PendingApproval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.approvals[id]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) UpdateApproval(ctx context.Context, rec *models.PendingApproval) error {
	return m.CreateApproval(ctx, rec)
}

func (m *MemoryStore) ListPendingApprovals(ctx context.Context, userID string) ([]*models.PendingApproval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.PendingApproval
	for _, rec := range m.approvals {
		if rec.Status != models.ApprovalPending {
			continue
		}
		if userID != "" && rec.UserID != userID {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

func sortSessions(out []*models.ProcessSession) {
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
}
