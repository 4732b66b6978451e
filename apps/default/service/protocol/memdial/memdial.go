// Package memdial provides an in-memory protocol dialer. It stands in for the
// real protocol-socket library in tests and local development, the same way
// the mem:// queue scheme stands in for a broker.
package memdial

import (
	"context"
	"sync"

	"github.com/pitabwire/frame/data"
	"github.com/pitabwire/util"

	"github.com/orvannflatin-lang/wbot-core/apps/default/service/protocol"
)

// Option configures a Dialer.
type Option func(*Dialer)

// WithOnDial registers a callback invoked with every channel the dialer
// opens. Tests use it to capture the channel and script its behaviour.
func WithOnDial(fn func(*Channel)) Option {
	return func(d *Dialer) { d.onDial = fn }
}

// WithAutoPair makes freshly dialed channels behave like a healthy device:
// an unauthenticated dial emits a QR challenge, an authenticated one opens
// immediately.
func WithAutoPair(identity string) Option {
	return func(d *Dialer) {
		d.autoPair = true
		d.identity = identity
	}
}

// WithDialError makes Dial fail with err.
func WithDialError(err error) Option {
	return func(d *Dialer) { d.dialErr = err }
}

// Dialer opens in-memory channels.
type Dialer struct {
	mu       sync.Mutex
	onDial   func(*Channel)
	autoPair bool
	identity string
	dialErr  error
	dials    int
}

func New(opts ...Option) *Dialer {
	d := &Dialer{identity: "mem-device"}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dials returns how many channels this dialer has opened.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Dial implements protocol.Dialer.
func (d *Dialer) Dial(ctx context.Context, bundle []byte, listener protocol.EventListener) (protocol.ChannelHandle, error) {
	d.mu.Lock()
	if d.dialErr != nil {
		err := d.dialErr
		d.mu.Unlock()
		return nil, err
	}
	d.dials++
	onDial := d.onDial
	autoPair := d.autoPair
	identity := d.identity
	d.mu.Unlock()

	ch := &Channel{
		listener: listener,
		bundle:   bundle,
	}
	if onDial != nil {
		onDial(ch)
	}

	if autoPair {
		go func() {
			if len(bundle) == 0 {
				ch.EmitQR(ctx, "mem-challenge-"+util.IDString())
				return
			}
			ch.EmitOpen(ctx, identity)
		}()
	}
	return ch, nil
}

// Channel is a scriptable in-memory channel handle. Emit methods drive the
// attached listener exactly like the real library's event stream would.
type Channel struct {
	listener protocol.EventListener
	bundle   []byte

	mu          sync.Mutex
	identity    string
	pairingCode string
	ended       bool
	sent        []SentRecord
	reads       []ReadRecord
	presence    []bool
}

// SentRecord captures one Send call.
type SentRecord struct {
	Target  string
	Payload data.JSONMap
}

// ReadRecord captures one MarkRead call.
type ReadRecord struct {
	ChatID   string
	EventIDs []string
}

// SetPairingCode scripts the value RequestPairingCode returns.
func (c *Channel) SetPairingCode(code string) {
	c.mu.Lock()
	c.pairingCode = code
	c.mu.Unlock()
}

// Bundle returns the bundle the channel was dialed with.
func (c *Channel) Bundle() []byte { return c.bundle }

// Ended reports whether End was called.
func (c *Channel) Ended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ended
}

// Sent returns all Send calls observed so far.
func (c *Channel) Sent() []SentRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SentRecord(nil), c.sent...)
}

// Reads returns all MarkRead calls observed so far.
func (c *Channel) Reads() []ReadRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ReadRecord(nil), c.reads...)
}

// PresenceCount returns how many presence announcements were sent.
func (c *Channel) PresenceCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.presence)
}

// Drop severs the link without notifying the listener, simulating a
// transport that died silently. Only a structural probe can notice.
func (c *Channel) Drop() {
	c.mu.Lock()
	c.identity = ""
	c.mu.Unlock()
}

// EmitQR delivers a QR challenge on the update stream.
func (c *Channel) EmitQR(ctx context.Context, challenge string) {
	c.listener.OnConnectionUpdate(ctx, protocol.ConnectionUpdate{
		State:       protocol.ChannelStateConnecting,
		QRChallenge: challenge,
	})
}

// EmitPairingCode delivers a numeric code on the update stream.
func (c *Channel) EmitPairingCode(ctx context.Context, code string) {
	c.listener.OnConnectionUpdate(ctx, protocol.ConnectionUpdate{
		State:       protocol.ChannelStateConnecting,
		PairingCode: code,
	})
}

// EmitOpen marks the channel authenticated and open.
func (c *Channel) EmitOpen(ctx context.Context, identity string) {
	c.mu.Lock()
	c.identity = identity
	c.mu.Unlock()
	c.listener.OnConnectionUpdate(ctx, protocol.ConnectionUpdate{State: protocol.ChannelStateOpen})
}

// EmitClose reports a closure with the given reason.
func (c *Channel) EmitClose(ctx context.Context, reason protocol.CloseReason) {
	c.mu.Lock()
	c.identity = ""
	c.mu.Unlock()
	c.listener.OnConnectionUpdate(ctx, protocol.ConnectionUpdate{
		State:       protocol.ChannelStateClosed,
		CloseReason: reason,
	})
}

// EmitCredentials delivers a rotated bundle.
func (c *Channel) EmitCredentials(ctx context.Context, bundle []byte, registered bool) {
	c.listener.OnCredentialsUpdate(ctx, protocol.CredentialsUpdate{
		Bundle:     bundle,
		Registered: registered,
	})
}

// EmitMessages delivers an inbound message batch.
func (c *Channel) EmitMessages(ctx context.Context, events ...protocol.Event) {
	c.listener.OnMessageBatch(ctx, events)
}

// EmitDeletions delivers an inbound deletion batch.
func (c *Channel) EmitDeletions(ctx context.Context, events ...protocol.Event) {
	c.listener.OnDeletionBatch(ctx, events)
}

// Identity implements protocol.ChannelHandle.
func (c *Channel) Identity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return ""
	}
	return c.identity
}

// RequestPairingCode implements protocol.ChannelHandle.
func (c *Channel) RequestPairingCode(_ context.Context, _ string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pairingCode, nil
}

// Send implements protocol.ChannelHandle.
func (c *Channel) Send(_ context.Context, target string, payload data.JSONMap) error {
	c.mu.Lock()
	c.sent = append(c.sent, SentRecord{Target: target, Payload: payload})
	c.mu.Unlock()
	return nil
}

// MarkRead implements protocol.ChannelHandle.
func (c *Channel) MarkRead(_ context.Context, chatID string, eventIDs []string) error {
	c.mu.Lock()
	c.reads = append(c.reads, ReadRecord{ChatID: chatID, EventIDs: eventIDs})
	c.mu.Unlock()
	return nil
}

// SendPresence implements protocol.ChannelHandle.
func (c *Channel) SendPresence(_ context.Context, available bool) error {
	c.mu.Lock()
	c.presence = append(c.presence, available)
	c.mu.Unlock()
	return nil
}

// End implements protocol.ChannelHandle.
func (c *Channel) End(_ context.Context) error {
	c.mu.Lock()
	c.ended = true
	c.identity = ""
	c.mu.Unlock()
	return nil
}
