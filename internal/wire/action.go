package wire

// Action identifies the kind of a message crossing the kernel/userspace
// boundary. Tag values are fixed and grouped by family: request/response in
// 10-19, notifications in 20-29, shutdown in 90-98 and error at 99. External
// tooling filters on these ranges, so new actions must stay inside their
// family's block.
type Action int32

const (
	ActionUnset Action = 0

	// Authorization exchange.
	ActionRequestCheck Action = 10
	ActionRespondAllow Action = 11
	ActionRespondDeny  Action = 12

	// Fire-and-forget notifications.
	ActionNotifyExec     Action = 20
	ActionNotifyWrite    Action = 21
	ActionNotifyRename   Action = 22
	ActionNotifyLink     Action = 23
	ActionNotifyExchange Action = 24
	ActionNotifyDelete   Action = 25

	ActionShutdown Action = 90

	ActionError Action = 99
)

// Category groups actions by protocol role.
type Category int

const (
	CategoryInvalid Category = iota
	CategoryRequest
	CategoryResponse
	CategoryNotify
	CategoryShutdown
	CategoryError
)

// CategoryOf returns the protocol category for an action. Anything outside
// the enumerated set maps to CategoryInvalid; callers must treat that as a
// protocol error, never as something to pass through.
func CategoryOf(a Action) Category {
	switch a {
	case ActionRequestCheck:
		return CategoryRequest
	case ActionRespondAllow, ActionRespondDeny:
		return CategoryResponse
	case ActionNotifyExec, ActionNotifyWrite, ActionNotifyRename,
		ActionNotifyLink, ActionNotifyExchange, ActionNotifyDelete:
		return CategoryNotify
	case ActionShutdown:
		return CategoryShutdown
	case ActionError:
		return CategoryError
	default:
		return CategoryInvalid
	}
}

// KnownAction reports whether a is in the enumerated action set.
// ActionUnset is known but never valid on the wire.
func KnownAction(a Action) bool {
	return a == ActionUnset || CategoryOf(a) != CategoryInvalid
}

// ValidResponse reports whether resp is a valid answer to a pending req.
// Only the two check-request/verdict pairs are valid; everything else,
// including notifications and errors, must not resolve a pending request.
func ValidResponse(req, resp Action) bool {
	if req != ActionRequestCheck {
		return false
	}
	return resp == ActionRespondAllow || resp == ActionRespondDeny
}

// TwoPath reports whether the action carries a meaningful secondary path.
// Only rename, link and exchange notifications do; the codec zeroes the
// secondary path for every other action.
func TwoPath(a Action) bool {
	switch a {
	case ActionNotifyRename, ActionNotifyLink, ActionNotifyExchange:
		return true
	}
	return false
}

func (a Action) String() string {
	switch a {
	case ActionUnset:
		return "unset"
	case ActionRequestCheck:
		return "request_check"
	case ActionRespondAllow:
		return "respond_allow"
	case ActionRespondDeny:
		return "respond_deny"
	case ActionNotifyExec:
		return "notify_exec"
	case ActionNotifyWrite:
		return "notify_write"
	case ActionNotifyRename:
		return "notify_rename"
	case ActionNotifyLink:
		return "notify_link"
	case ActionNotifyExchange:
		return "notify_exchange"
	case ActionNotifyDelete:
		return "notify_delete"
	case ActionShutdown:
		return "shutdown"
	case ActionError:
		return "error"
	default:
		return "invalid"
	}
}
