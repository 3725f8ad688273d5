// Package session maintains the live connection to the controller: it
// authenticates, subscribes to binary status updates, decodes value batches
// and poll replies, and survives controller restarts within a bounded
// reconnect budget.
package session

import "context"

// EventKind classifies lifecycle events delivered to the event handler.
type EventKind int

const (
	// EventReconnected fires after the connection was lost and
	// re-established; subscribers should assume the controller state
	// changed while disconnected.
	EventReconnected EventKind = iota
	// EventClosed fires when the connection is gone for good, either
	// because Stop was called or the reconnect budget ran out.
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventReconnected:
		return "reconnected"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// TextOutput is one numbered output of a poll reply.
type TextOutput struct {
	Name  string
	Nr    string
	Value string
}

// TextPayload is the decoded body of a poll reply for a single control.
type TextPayload struct {
	Value   string
	Outputs []TextOutput
}

type (
	ValueHandler func(values map[string]float64)
	TextHandler  func(uuid string, payload TextPayload)
	EventHandler func(kind EventKind)
)

// Client is the session transport the bridge depends on. Handlers must be
// registered before Connect; the implementation invokes them from its own
// goroutine, one event at a time.
type Client interface {
	Connect(ctx context.Context) error
	OnValues(handler ValueHandler)
	OnText(handler TextHandler)
	OnEvent(handler EventHandler)
	SendCommand(ctx context.Context, uuid, command string) error
	SendSecuredCommand(ctx context.Context, uuid, command, visuPassword string) error
	Stop() error
}
