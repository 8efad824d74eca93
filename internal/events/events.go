// Package events converts wire notifications into stored, publishable
// records and fans them out to in-process subscribers.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/agentsh/execgate/internal/wire"
	"github.com/agentsh/execgate/pkg/types"
)

// FromMessage converts a notification message into an event record. Only
// notify-family actions have an event form.
func FromMessage(m wire.Message) (types.Event, bool) {
	var evType string
	switch m.Action {
	case wire.ActionNotifyExec:
		evType = "exec"
	case wire.ActionNotifyWrite:
		evType = "write"
	case wire.ActionNotifyRename:
		evType = "rename"
	case wire.ActionNotifyLink:
		evType = "link"
	case wire.ActionNotifyExchange:
		evType = "exchange"
	case wire.ActionNotifyDelete:
		evType = "delete"
	default:
		return types.Event{}, false
	}
	return types.Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Type:      evType,
		VnodeID:   m.VnodeID,
		PID:       m.PID,
		PPID:      m.PPID,
		UID:       m.UID,
		GID:       m.GID,
		Path:      m.Path,
		NewPath:   m.NewPath,
	}, true
}
