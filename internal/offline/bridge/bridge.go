// Package bridge connects the sync engine to its host platform: wake signals
// flow in (connectivity restored, periodic timers, app foregrounded) and
// drain results flow out to whatever foreground contexts are listening.
//
// Two transports exist. The WebSocket server serves platforms that can hold a
// socket open; the signal-file watcher covers platforms that can only drop
// marker files. Both are feature-detected and best-effort: a missing
// transport degrades to no wake signals, never to an error.
package bridge

import (
	"encoding/json"
	"time"
)

// MessageType identifies a bus message.
type MessageType string

const (
	// MessageSyncStarted is broadcast when a drain begins.
	MessageSyncStarted MessageType = "sync_started"

	// MessageDrainCompleted is broadcast when a drain finishes, carrying a
	// DrainCompletedData payload.
	MessageDrainCompleted MessageType = "drain_completed"

	// MessageConnectivityRestored is an inbound signal that the platform
	// regained network access.
	MessageConnectivityRestored MessageType = "connectivity_restored"

	// MessagePeriodicWake is an inbound signal from the platform's
	// background scheduler.
	MessagePeriodicWake MessageType = "periodic_wake"

	// MessageForegroundRegained is an inbound signal that the app returned
	// to the foreground.
	MessageForegroundRegained MessageType = "foreground_regained"
)

// Message is the envelope crossing the bus in both directions.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// DrainCompletedData is the payload of a MessageDrainCompleted broadcast.
type DrainCompletedData struct {
	Scope     string `json:"scope"`
	Status    string `json:"status"` // success, partial, failed
	Synced    int    `json:"synced"`
	Conflicts int    `json:"conflicts"`
	Errors    int    `json:"errors"`
	Remaining int    `json:"remaining"`
}

// Capabilities describes what a bus transport can actually do on this
// platform. Callers gate registration on these instead of assuming.
type Capabilities struct {
	// Broadcast reports whether Send reaches foreground contexts.
	Broadcast bool

	// WakeSignals reports whether inbound wake messages can arrive.
	WakeSignals bool
}

// Bus is one transport to the host platform. Implementations must be safe
// for concurrent use.
type Bus interface {
	// Send delivers a message to all listening foreground contexts.
	// Best-effort: transports without broadcast capability return nil.
	Send(msg Message) error

	// OnMessage registers a handler for inbound messages. Handlers run on
	// the transport's goroutine and must not block.
	OnMessage(fn func(Message))

	// Capabilities reports what this transport supports.
	Capabilities() Capabilities
}

// NewMessage builds an envelope with the payload JSON-encoded. A nil payload
// leaves Data empty.
func NewMessage(t MessageType, payload any) (Message, error) {
	msg := Message{Type: t, Timestamp: time.Now()}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Message{}, err
		}
		msg.Data = data
	}
	return msg, nil
}
