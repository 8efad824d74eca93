package types

import "time"

// Verdict is the caller-visible outcome of an authorization check. There is
// deliberately no "unknown" verdict: an unknown identity must re-trigger a
// request, never flow back to a blocked caller.
type Verdict string

const (
	VerdictAllow Verdict = "allow"
	VerdictDeny  Verdict = "deny"
)

// Valid reports whether v is one of the two defined verdicts.
func (v Verdict) Valid() bool {
	return v == VerdictAllow || v == VerdictDeny
}

// ClientMode selects the authority's default for identities no rule covers.
type ClientMode string

const (
	// ModeMonitor allows unknown binaries and records what ran.
	ModeMonitor ClientMode = "monitor"
	// ModeLockdown denies anything not explicitly allowed.
	ModeLockdown ClientMode = "lockdown"
)

// Event is one observed filesystem or execution notification, as stored and
// published to subscribers.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	VnodeID   uint64    `json:"vnode_id,omitempty"`
	PID       int32     `json:"pid,omitempty"`
	PPID      int32     `json:"ppid,omitempty"`
	UID       uint32    `json:"uid,omitempty"`
	GID       uint32    `json:"gid,omitempty"`
	Path      string    `json:"path,omitempty"`
	NewPath   string    `json:"new_path,omitempty"`

	Fields map[string]any `json:"fields,omitempty"`
}

// EventQuery filters stored events.
type EventQuery struct {
	Types    []string
	VnodeID  uint64
	PathLike string
	Since    *time.Time
	Until    *time.Time

	Limit  int
	Offset int
	Asc    bool
}
