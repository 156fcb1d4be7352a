// Package procmgr manages long-lived background processes on behalf of
// chat users: bounded concurrent sessions, redacted durable logs, output
// and lifetime caps, and recovery of sessions left behind by a previous
// runtime instance.
package procmgr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/courier-ai/courier/internal/observability"
	"github.com/courier-ai/courier/internal/redact"
	"github.com/courier-ai/courier/internal/storage"
	"github.com/courier-ai/courier/internal/workspace"
	"github.com/courier-ai/courier/pkg/models"
)

// Session limits. Breaching any of them kills the process; none of them
// are advisory.
const (
	DefaultMaxWallTime        = 6 * time.Hour
	DefaultIdleTimeout        = 20 * time.Minute
	DefaultMaxOutputBytes     = 5 << 20
	DefaultRingBytes          = 64 << 10
	DefaultMaxSessionsPerUser = 3
	DefaultTerminateGrace     = 2 * time.Second

	// PollReadBytes is the default read size for Poll.
	PollReadBytes = 12000

	// ShortCommandTimeout bounds one-shot commands.
	ShortCommandTimeout = 60 * time.Second
)

var (
	// ErrSessionNotFound means no session exists for the ID.
	ErrSessionNotFound = errors.New("process session not found")
	// ErrSessionNotWritable means the session no longer accepts input.
	ErrSessionNotWritable = errors.New("process session not writable")
	// ErrSessionCap means the user is at their concurrent session limit.
	ErrSessionCap = errors.New("session limit reached")
)

// Config tunes the manager. Zero values take the defaults above.
type Config struct {
	WorkspaceRoot      string
	MaxWallTime        time.Duration
	IdleTimeout        time.Duration
	MaxOutputBytes     int64
	RingBytes          int
	MaxSessionsPerUser int
	TerminateGrace     time.Duration
	// Deny rejects commands before any process spawns. Build it with
	// CompileDenyPolicy.
	Deny []*regexp.Regexp
}

func (c Config) withDefaults() Config {
	if c.MaxWallTime <= 0 {
		c.MaxWallTime = DefaultMaxWallTime
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.MaxOutputBytes <= 0 {
		c.MaxOutputBytes = DefaultMaxOutputBytes
	}
	if c.RingBytes <= 0 {
		c.RingBytes = DefaultRingBytes
	}
	if c.MaxSessionsPerUser <= 0 {
		c.MaxSessionsPerUser = DefaultMaxSessionsPerUser
	}
	if c.TerminateGrace <= 0 {
		c.TerminateGrace = DefaultTerminateGrace
	}
	return c
}

// Manager owns every live process session. All state transitions for a
// session happen under its lock, and every transition is persisted before
// it becomes observable.
type Manager struct {
	cfg      Config
	store    storage.Store
	redactor *redact.Redactor
	logger   *observability.Logger
	metrics  *observability.Metrics

	mu   sync.Mutex
	live map[string]*liveSession
	now  func() time.Time
}

type liveSession struct {
	mu      sync.Mutex
	sess    models.ProcessSession
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	ring    *ringBuffer
	logFile *os.File
	done    chan struct{}
	// pumpDone closes when the output pump has read through EOF. Wait must
	// not run before then: it closes the pipes and can drop trailing output.
	pumpDone chan struct{}
	// endReason set before kill so the waiter records why.
	endReason string
	chunkSeq  int
}

// NewManager wires a manager.
func NewManager(cfg Config, store storage.Store, redactor *redact.Redactor, logger *observability.Logger, metrics *observability.Metrics) *Manager {
	return &Manager{
		cfg:      cfg.withDefaults(),
		store:    store,
		redactor: redactor,
		logger:   logger,
		metrics:  metrics,
		live:     make(map[string]*liveSession),
		now:      time.Now,
	}
}

func newSessionID() string {
	id := uuid.New()
	return fmt.Sprintf("proc-%x", id[:8])
}

// Start launches an interactive session running command under the shell.
func (m *Manager) Start(ctx context.Context, userID, command string) (*models.ProcessSession, error) {
	if strings.TrimSpace(command) == "" {
		return nil, fmt.Errorf("empty command")
	}
	if err := m.checkPolicy(command); err != nil {
		return nil, err
	}

	m.mu.Lock()
	active := 0
	for _, ls := range m.live {
		ls.mu.Lock()
		if ls.sess.UserID == userID && ls.sess.Status == models.ProcessRunning {
			active++
		}
		ls.mu.Unlock()
	}
	if active >= m.cfg.MaxSessionsPerUser {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %d active for user %s", ErrSessionCap, active, userID)
	}
	m.mu.Unlock()

	id := newSessionID()
	logPath, err := workspace.LogPath(m.cfg.WorkspaceRoot, id)
	if err != nil {
		return nil, err
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open session log: %w", err)
	}

	cmd := exec.Command("sh", "-c", command)
	cmd.Dir = m.cfg.WorkspaceRoot
	stdin, err := cmd.StdinPipe()
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("start process: %w", err)
	}

	now := m.now()
	ls := &liveSession{
		sess: models.ProcessSession{
			ID:          id,
			UserID:      userID,
			Command:     command,
			Mode:        models.ProcessModeInteractive,
			Status:      models.ProcessRunning,
			PID:         cmd.Process.Pid,
			LogPath:     logPath,
			StartedAt:   now,
			LastReadAt:  now,
			LastWriteAt: now,
		},
		cmd:      cmd,
		stdin:    stdin,
		ring:     newRingBuffer(m.cfg.RingBytes),
		logFile:  logFile,
		done:     make(chan struct{}),
		pumpDone: make(chan struct{}),
	}

	m.mu.Lock()
	m.live[id] = ls
	m.mu.Unlock()

	if err := m.persist(ctx, ls); err != nil {
		m.logger.Error(ctx, "persist session at start failed", "session", id, "error", err)
	}
	m.metrics.ActiveProcesses.Inc()
	m.logger.Info(ctx, "process session started", "session", id, "pid", cmd.Process.Pid)

	go m.pump(ls, stdout)
	go m.waitExit(ls)
	return snapshotOf(ls), nil
}

// pump moves process output into the log file and the poll ring, redacted
// first. It also enforces the output cap.
func (m *Manager) pump(ls *liveSession, r io.Reader) {
	defer close(ls.pumpDone)
	buf := make([]byte, 8192)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			res := m.redactor.Apply(string(buf[:n]))

			ls.mu.Lock()
			if res.Replacements > 0 {
				ls.sess.Redactions += int64(res.Replacements)
				m.metrics.RedactionsTotal.Add(float64(res.Replacements))
			}
			if _, werr := ls.logFile.WriteString(res.Text); werr != nil {
				m.logger.Error(context.Background(), "session log write failed", "session", ls.sess.ID, "error", werr)
			}
			ls.ring.append([]byte(res.Text))
			chunk := &models.SessionChunk{
				SessionID: ls.sess.ID,
				Seq:       ls.chunkSeq,
				Offset:    ls.sess.OutputBytes,
				Length:    len(res.Text),
				Preview:   chunkPreview(res.Text),
				CreatedAt: m.now(),
			}
			ls.chunkSeq++
			ls.sess.OutputBytes += int64(len(res.Text))
			overCap := ls.sess.OutputBytes > m.cfg.MaxOutputBytes
			ls.mu.Unlock()

			if err := m.store.AppendSessionChunk(context.Background(), chunk); err != nil {
				m.logger.Error(context.Background(), "append session chunk failed", "session", chunk.SessionID, "error", err)
			}
			if overCap {
				m.kill(ls, "output_cap")
			}
		}
		if err != nil {
			return
		}
	}
}

// waitExit reaps the process and records the terminal state. It waits for
// the pump first since Wait closes the stdout pipe.
func (m *Manager) waitExit(ls *liveSession) {
	<-ls.pumpDone
	err := ls.cmd.Wait()

	ls.mu.Lock()
	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}
	ls.sess.ExitCode = &code
	ls.sess.EndedAt = m.now()
	if ls.endReason != "" {
		ls.sess.Status = models.ProcessKilled
		ls.sess.EndReason = ls.endReason
	} else {
		ls.sess.Status = models.ProcessExited
		ls.sess.EndReason = "exited"
	}
	ls.logFile.Close()
	ls.mu.Unlock()

	close(ls.done)
	m.metrics.ActiveProcesses.Dec()
	if err := m.persist(context.Background(), ls); err != nil {
		m.logger.Error(context.Background(), "persist session at exit failed", "session", ls.sess.ID, "error", err)
	}
}

// kill terminates with grace: SIGTERM, wait, SIGKILL.
func (m *Manager) kill(ls *liveSession, reason string) {
	ls.mu.Lock()
	if ls.sess.Status != models.ProcessRunning {
		ls.mu.Unlock()
		return
	}
	if ls.endReason == "" {
		ls.endReason = reason
	}
	proc := ls.cmd.Process
	ls.mu.Unlock()

	m.metrics.ProcessKillsTotal.WithLabelValues(reason).Inc()
	_ = proc.Signal(os.Interrupt)
	select {
	case <-ls.done:
		return
	case <-time.After(m.cfg.TerminateGrace):
	}
	_ = proc.Kill()
}

// Poll drains up to maxBytes of unread output. maxBytes <= 0 uses
// PollReadBytes.
func (m *Manager) Poll(ctx context.Context, id string, maxBytes int) (string, error) {
	ls, err := m.liveSessionFor(id)
	if err != nil {
		return "", err
	}
	if maxBytes <= 0 {
		maxBytes = PollReadBytes
	}

	ls.mu.Lock()
	out := ls.ring.take(maxBytes)
	ls.sess.LastReadAt = m.now()
	ls.mu.Unlock()

	if err := m.persist(ctx, ls); err != nil {
		m.logger.Error(ctx, "persist session at poll failed", "session", id, "error", err)
	}
	return string(out), nil
}

// Write sends a line of input to the process. Orphaned and finished
// sessions reject writes.
func (m *Manager) Write(ctx context.Context, id, input string) error {
	ls, err := m.liveSessionFor(id)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			if sess, serr := m.store.GetProcessSession(ctx, id); serr == nil && sess != nil {
				return fmt.Errorf("%w: session is %s", ErrSessionNotWritable, sess.Status)
			}
		}
		return err
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.sess.Status != models.ProcessRunning {
		return fmt.Errorf("%w: session is %s", ErrSessionNotWritable, ls.sess.Status)
	}
	if !strings.HasSuffix(input, "\n") {
		input += "\n"
	}
	if _, err := io.WriteString(ls.stdin, input); err != nil {
		return fmt.Errorf("write stdin: %w", err)
	}
	ls.sess.LastWriteAt = m.now()
	return nil
}

// Terminate kills a running session at the user's request. Terminating a
// session that already reached a terminal state is a no-op success.
func (m *Manager) Terminate(ctx context.Context, id string) error {
	ls, err := m.liveSessionFor(id)
	if err != nil {
		sess, serr := m.store.GetProcessSession(ctx, id)
		if serr == nil && sess != nil && sess.Status.Terminal() {
			return nil
		}
		return err
	}
	m.kill(ls, "terminated")
	<-ls.done
	return nil
}

// Status returns the current session record, live or persisted.
func (m *Manager) Status(ctx context.Context, id string) (*models.ProcessSession, error) {
	if ls, err := m.liveSessionFor(id); err == nil {
		return snapshotOf(ls), nil
	}
	sess, err := m.store.GetProcessSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess, nil
}

// List returns a user's sessions, newest first.
func (m *Manager) List(ctx context.Context, userID string) ([]*models.ProcessSession, error) {
	return m.store.ListProcessSessions(ctx, userID)
}

// CleanupTick enforces wall and idle limits on live sessions. Call it
// periodically.
func (m *Manager) CleanupTick(ctx context.Context) {
	m.mu.Lock()
	sessions := make([]*liveSession, 0, len(m.live))
	for _, ls := range m.live {
		sessions = append(sessions, ls)
	}
	m.mu.Unlock()

	now := m.now()
	for _, ls := range sessions {
		ls.mu.Lock()
		running := ls.sess.Status == models.ProcessRunning
		wall := now.Sub(ls.sess.StartedAt)
		lastTouch := ls.sess.LastReadAt
		if ls.sess.LastWriteAt.After(lastTouch) {
			lastTouch = ls.sess.LastWriteAt
		}
		idle := now.Sub(lastTouch)
		id := ls.sess.ID
		ls.mu.Unlock()

		if !running {
			// Finished sessions linger until their remaining output is
			// polled, then drop from the live map.
			ls.mu.Lock()
			drained := ls.ring.len() == 0
			ls.mu.Unlock()
			if drained {
				m.mu.Lock()
				delete(m.live, id)
				m.mu.Unlock()
			}
			continue
		}
		switch {
		case wall > m.cfg.MaxWallTime:
			m.logger.Warn(ctx, "session exceeded wall clock limit", "session", id, "wall", wall.String())
			m.kill(ls, "wall_timeout")
		case idle > m.cfg.IdleTimeout:
			m.logger.Warn(ctx, "session idle timeout", "session", id, "idle", idle.String())
			m.kill(ls, "idle_timeout")
		}
	}
}

// RecoverOrphans reclassifies sessions persisted as running by a previous
// runtime instance. Their logs stay readable and searchable; the sessions
// accept no writes. Call once at boot, before serving traffic.
func (m *Manager) RecoverOrphans(ctx context.Context) (int, error) {
	running, err := m.store.ListProcessSessionsByStatus(ctx, models.ProcessRunning)
	if err != nil {
		return 0, fmt.Errorf("list running sessions: %w", err)
	}

	recovered := 0
	for _, sess := range running {
		m.mu.Lock()
		_, isLive := m.live[sess.ID]
		m.mu.Unlock()
		if isLive {
			continue
		}
		sess.Status = models.ProcessOrphaned
		sess.EndedAt = m.now()
		sess.EndReason = "runtime restart"
		if err := m.store.SaveProcessSession(ctx, sess); err != nil {
			return recovered, fmt.Errorf("save orphaned session %s: %w", sess.ID, err)
		}
		m.logger.Warn(ctx, "orphaned session recovered", "session", sess.ID)
		recovered++
	}
	return recovered, nil
}

// RecentChunks returns the last n index entries for a session's output.
// The index survives the process, so previews work for exited and
// orphaned sessions too.
func (m *Manager) RecentChunks(ctx context.Context, id string, n int) ([]*models.SessionChunk, error) {
	chunks, err := m.store.ListSessionChunks(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list session chunks: %w", err)
	}
	if n > 0 && len(chunks) > n {
		chunks = chunks[len(chunks)-n:]
	}
	return chunks, nil
}

// RunShort executes a one-shot command with combined, redacted output.
// Exit codes follow shell conventions: 124 for timeout, 127 for command
// not found.
func (m *Manager) RunShort(ctx context.Context, userID, command string, timeout time.Duration) (string, int, error) {
	if err := m.checkPolicy(command); err != nil {
		return "", -1, err
	}
	if timeout <= 0 {
		timeout = ShortCommandTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = m.cfg.WorkspaceRoot
	out, err := cmd.CombinedOutput()

	res := m.redactor.Apply(string(out))
	if res.Replacements > 0 {
		m.metrics.RedactionsTotal.Add(float64(res.Replacements))
	}
	text := res.Text
	if int64(len(text)) > m.cfg.MaxOutputBytes {
		text = text[:m.cfg.MaxOutputBytes] + "...[truncated]"
	}

	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		return text, 124, nil
	case err == nil:
		return text, 0, nil
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return text, exitErr.ExitCode(), nil
		}
		if strings.Contains(err.Error(), "not found") {
			return text, 127, nil
		}
		return text, -1, err
	}
}

func (m *Manager) liveSessionFor(id string) (*liveSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ls, ok := m.live[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return ls, nil
}

func (m *Manager) persist(ctx context.Context, ls *liveSession) error {
	return m.store.SaveProcessSession(ctx, snapshotOf(ls))
}

// chunkPreview keeps the first line of a chunk, capped at 80 bytes.
func chunkPreview(text string) string {
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	if len(text) > 80 {
		text = text[:80]
	}
	return text
}

func snapshotOf(ls *liveSession) *models.ProcessSession {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	cp := ls.sess
	return &cp
}
