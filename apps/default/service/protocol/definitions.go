// Package protocol defines the narrow contract this service consumes from the
// external multi-device protocol-socket library. The wire protocol, framing and
// cryptography all live behind these interfaces; the session core only ever
// sees an event stream and a small command surface.
package protocol

import (
	"context"
	"time"

	"github.com/pitabwire/frame/data"
)

// ChannelState mirrors the connection lifecycle notifications emitted by the
// protocol library on an open channel.
type ChannelState int

const (
	ChannelStateConnecting ChannelState = iota
	ChannelStateOpen
	ChannelStateClosed
)

func (s ChannelState) String() string {
	switch s {
	case ChannelStateConnecting:
		return "connecting"
	case ChannelStateOpen:
		return "open"
	case ChannelStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CloseReason classifies why the library reported a channel closure.
type CloseReason int

const (
	// CloseReasonNone is set on updates that do not carry a closure.
	CloseReasonNone CloseReason = iota

	// CloseReasonNetwork covers transient transport failures. Recoverable.
	CloseReasonNetwork

	// CloseReasonRestartRequired is emitted right after a credentials update
	// during pairing. The library expects the caller to reopen the channel
	// with the freshly saved bundle.
	CloseReasonRestartRequired

	// CloseReasonReplaced means another device took over the session.
	CloseReasonReplaced

	// CloseReasonLoggedOut means the credentials were invalidated remotely.
	CloseReasonLoggedOut
)

func (r CloseReason) String() string {
	switch r {
	case CloseReasonNone:
		return "none"
	case CloseReasonNetwork:
		return "network"
	case CloseReasonRestartRequired:
		return "restart_required"
	case CloseReasonReplaced:
		return "replaced"
	case CloseReasonLoggedOut:
		return "logged_out"
	default:
		return "unknown"
	}
}

// ConnectionUpdate is the library's connection lifecycle notification. QR and
// PairingCode are only populated while an unauthenticated channel is waiting
// for a device to pair.
type ConnectionUpdate struct {
	State       ChannelState
	QRChallenge string
	PairingCode string
	CloseReason CloseReason
}

// CredentialsUpdate carries a rotated or freshly issued authentication bundle.
// The bundle is opaque to the session core.
type CredentialsUpdate struct {
	Bundle     []byte
	Registered bool
}

// EventKind classifies inbound protocol events for capture routing.
type EventKind int

const (
	EventKindMessage EventKind = iota
	EventKindDeletion
	EventKindStatusBroadcast
)

func (k EventKind) String() string {
	switch k {
	case EventKindMessage:
		return "message"
	case EventKindDeletion:
		return "deletion"
	case EventKindStatusBroadcast:
		return "status_broadcast"
	default:
		return "unknown"
	}
}

// Event is a single inbound protocol event, already decrypted by the library.
type Event struct {
	ID       string
	Kind     EventKind
	ChatID   string
	SenderID string
	FromSelf bool
	SentAt   time.Time
	Payload  data.JSONMap
}

// EventListener receives everything the library emits on a channel. A listener
// is attached exactly once, at Dial time, and is never re-attached to the same
// handle.
type EventListener interface {
	OnConnectionUpdate(ctx context.Context, update ConnectionUpdate)
	OnCredentialsUpdate(ctx context.Context, update CredentialsUpdate)
	OnMessageBatch(ctx context.Context, events []Event)
	OnDeletionBatch(ctx context.Context, events []Event)
}

// ChannelHandle is a live authenticated (or pairing) connection owned by
// exactly one session at a time.
type ChannelHandle interface {
	// Identity returns the authenticated device identity, or the empty
	// string while the channel is unauthenticated or already dead.
	Identity() string

	// RequestPairingCode asks the library for a numeric pairing code bound
	// to the given phone number.
	RequestPairingCode(ctx context.Context, phoneNumber string) (string, error)

	// Send delivers a payload to a chat target.
	Send(ctx context.Context, target string, payload data.JSONMap) error

	// MarkRead acknowledges the given event ids in a chat.
	MarkRead(ctx context.Context, chatID string, eventIDs []string) error

	// SendPresence broadcasts an availability signal.
	SendPresence(ctx context.Context, available bool) error

	// End closes the channel gracefully. Safe to call more than once.
	End(ctx context.Context) error
}

// Dialer opens channels. A nil bundle opens an unauthenticated channel that
// will emit pairing artifacts; a saved bundle resumes the existing device
// session silently.
type Dialer interface {
	Dial(ctx context.Context, bundle []byte, listener EventListener) (ChannelHandle, error)
}
