package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bdobrica/dockwarden/common/trace"
)

// Kind is a machine-readable event category.
type Kind string

const (
	KindDenied           Kind = "policy.denied"
	KindContainerRemoved Kind = "container.removed"
	KindContainerStopped Kind = "container.stopped"
	KindImageRemoved     Kind = "image.removed"
)

// Event carries the data that the audit notifier formats and sends.
type Event struct {
	// Kind identifies the type of event.
	Kind Kind
	// Target is the primary resource affected (container name, image ref).
	Target string
	// Message is a human-friendly description of what happened.
	Message string
	// TraceID ties the notification back to the SQLite audit record.
	// When empty the value is taken from the context.
	TraceID string
	// Timestamp defaults to time.Now() when zero.
	Timestamp time.Time
}

// Notifier sends audit room notifications for policy denials and destructive
// engine operations.
type Notifier interface {
	// Notify posts an audit event. Implementations MUST NOT block the caller
	// for longer than a short timeout; send failures should be logged, not
	// propagated.
	Notify(ctx context.Context, evt Event)
}

// Sender is the subset of the Matrix client needed by MatrixNotifier.
// Defined as an interface so the notifier can be unit-tested independently.
type Sender interface {
	SendNotice(roomID, message string) error
}

// MatrixNotifier posts formatted notices to a Matrix audit room.
type MatrixNotifier struct {
	sender Sender
	roomID string
}

// NewMatrixNotifier creates a MatrixNotifier that posts to roomID via sender.
func NewMatrixNotifier(sender Sender, roomID string) *MatrixNotifier {
	return &MatrixNotifier{sender: sender, roomID: roomID}
}

// Notify formats evt as a human-readable notice and posts it to the audit room.
// Errors are logged at WARN level; the caller is never blocked.
func (n *MatrixNotifier) Notify(ctx context.Context, evt Event) {
	if n.roomID == "" {
		return
	}

	tid := evt.TraceID
	if tid == "" {
		tid = trace.FromContext(ctx)
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	icon := kindIcon(evt.Kind)
	msg := fmt.Sprintf("%s [%s] %s", icon, evt.Kind, evt.Message)
	if evt.Target != "" {
		msg = fmt.Sprintf("%s [%s] %s: %s", icon, evt.Kind, evt.Target, evt.Message)
	}
	if tid != "" {
		msg = fmt.Sprintf("%s\n  trace: %s", msg, tid)
	}

	if err := n.sender.SendNotice(n.roomID, msg); err != nil {
		slog.Warn("audit notifier: failed to send room notice",
			"room", n.roomID, "kind", evt.Kind, "err", err)
	} else {
		slog.Debug("audit notifier: sent notice", "room", n.roomID, "kind", evt.Kind)
	}
}

// Noop is a no-op Notifier used when audit room notifications are disabled.
type Noop struct{}

// Notify does nothing.
func (Noop) Notify(_ context.Context, _ Event) {}

// kindIcon returns a Unicode icon for the event kind.
func kindIcon(k Kind) string {
	switch k {
	case KindDenied:
		return "❌"
	case KindContainerRemoved:
		return "🗑️"
	case KindContainerStopped:
		return "⏹️"
	case KindImageRemoved:
		return "🗑️"
	default:
		return "ℹ️"
	}
}
