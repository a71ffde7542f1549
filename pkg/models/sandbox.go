package models

import "time"

// SessionState is the lifecycle state of a sandbox session.
type SessionState string

const (
	SessionCreating       SessionState = "creating"
	SessionActive         SessionState = "active"
	SessionIdle           SessionState = "idle"
	SessionCompleting     SessionState = "completing"
	SessionDisconnected   SessionState = "disconnected"
	SessionExpired        SessionState = "expired"
	SessionError          SessionState = "error"
	SessionRecreatedState SessionState = "recreated"
)

// CanExecute reports whether a session in this state may run commands.
func (s SessionState) CanExecute() bool {
	switch s {
	case SessionExpired, SessionError:
		return false
	default:
		return true
	}
}

// CleanupReason records why a sandbox session was torn down. It survives the
// session itself (via SessionHistory) and feeds the recreation notice.
type CleanupReason string

const (
	CleanupIdleTimeout       CleanupReason = "idle_timeout"
	CleanupDisconnectTimeout CleanupReason = "disconnect_timeout"
	CleanupTaskComplete      CleanupReason = "task_complete"
	CleanupError             CleanupReason = "error"
	CleanupEvicted           CleanupReason = "evicted"
	CleanupOrphaned          CleanupReason = "orphaned"
	CleanupShutdown          CleanupReason = "shutdown"
	CleanupManual            CleanupReason = "manual"
)

// Describe renders the reason for a user-facing recreation notice.
func (r CleanupReason) Describe() string {
	switch r {
	case CleanupIdleTimeout:
		return "it was idle too long"
	case CleanupDisconnectTimeout:
		return "the connection was lost"
	case CleanupTaskComplete:
		return "its task completed"
	case CleanupError:
		return "it hit an error"
	case CleanupEvicted:
		return "capacity was needed for other sessions"
	case CleanupOrphaned:
		return "it was reclaimed as an orphan"
	case CleanupShutdown:
		return "the service shut down"
	default:
		return "it was cleaned up"
	}
}

// SessionInfo is the externally visible snapshot of a sandbox session. The
// live record (including the executor handle) is owned by the session
// manager; callers get copies.
type SessionInfo struct {
	SessionID         string       `json:"session_id"`
	UserID            string       `json:"user_id,omitempty"`
	ConversationID    string       `json:"conversation_id,omitempty"`
	State             SessionState `json:"state"`
	CreatedAt         time.Time    `json:"created_at"`
	LastActivity      time.Time    `json:"last_activity"`
	StateChangedAt    time.Time    `json:"state_changed_at"`
	CommandCount      int          `json:"command_count"`
	InstalledPackages []string     `json:"installed_packages,omitempty"`
	CreatedFiles      []string     `json:"created_files,omitempty"`
	IsRecreated       bool         `json:"is_recreated,omitempty"`
	PreviousSessionID string       `json:"previous_session_id,omitempty"`
}

// SessionHistory outlives a cleaned-up sandbox session. The next GetOrCreate
// for the same conversation uses it to compose the recreation notice.
type SessionHistory struct {
	ConversationID    string        `json:"conversation_id"`
	LastSessionID     string        `json:"last_session_id"`
	LastCleanedAt     time.Time     `json:"last_cleaned_at"`
	CleanupReason     CleanupReason `json:"cleanup_reason"`
	InstalledPackages []string      `json:"installed_packages,omitempty"`
	CreatedFiles      []string      `json:"created_files,omitempty"`
	TotalSessions     int           `json:"total_sessions"`
	TotalCommands     int           `json:"total_commands"`
}

// ExecutionResult is the outcome of one sandboxed command or code run.
// Timeouts yield success=false, exit_code=-1 and a populated Error.
type ExecutionResult struct {
	Success    bool   `json:"success"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}
