package models

import "time"

// ProcessStatus is the lifecycle state of a managed process session.
type ProcessStatus string

const (
	// ProcessRunning means the OS process is alive and attached.
	ProcessRunning ProcessStatus = "running"
	// ProcessExited means the process terminated on its own.
	ProcessExited ProcessStatus = "exited"
	// ProcessKilled means the runtime terminated the process (caps, user).
	ProcessKilled ProcessStatus = "killed"
	// ProcessOrphaned means the session was persisted as running by a
	// previous runtime instance; its logs remain readable but the session
	// accepts no writes.
	ProcessOrphaned ProcessStatus = "orphaned"
)

// ProcessMode distinguishes interactive sessions from one-shot commands.
type ProcessMode string

const (
	ProcessModeInteractive ProcessMode = "interactive"
	ProcessModeShort       ProcessMode = "short"
)

// ProcessSession is the durable record of a managed process. The live
// handle (pipes, ring buffer) lives in the process manager; this struct is
// what gets persisted and listed.
type ProcessSession struct {
	ID          string        `json:"id"`
	UserID      string        `json:"user_id"`
	Command     string        `json:"command"`
	Mode        ProcessMode   `json:"mode"`
	Status      ProcessStatus `json:"status"`
	PID         int           `json:"pid,omitempty"`
	ExitCode    *int          `json:"exit_code,omitempty"`
	LogPath     string        `json:"log_path"`
	OutputBytes int64         `json:"output_bytes"`
	Redactions  int64         `json:"redactions"`
	StartedAt   time.Time     `json:"started_at"`
	LastReadAt  time.Time     `json:"last_read_at"`
	LastWriteAt time.Time     `json:"last_write_at"`
	EndedAt     time.Time     `json:"ended_at,omitempty"`
	EndReason   string        `json:"end_reason,omitempty"`
}

// Terminal reports whether the session can no longer change state.
func (s ProcessStatus) Terminal() bool {
	return s == ProcessExited || s == ProcessKilled || s == ProcessOrphaned
}

// SessionChunk indexes one redacted output append of a process session:
// where it landed in the log and a short preview. Chunks survive the
// session, so previews work for orphaned sessions too.
type SessionChunk struct {
	SessionID string    `json:"session_id"`
	Seq       int       `json:"seq"`
	Offset    int64     `json:"offset"`
	Length    int       `json:"length"`
	Preview   string    `json:"preview"`
	CreatedAt time.Time `json:"created_at"`
}
