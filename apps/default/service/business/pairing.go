package business

import (
	"context"
	"encoding/base64"
	"sync"
	"time"

	"github.com/pitabwire/frame/cache"
	"github.com/pitabwire/util"
	"github.com/skip2/go-qrcode"

	"github.com/orvannflatin-lang/wbot-core/apps/default/service"
)

// Artifact is a pairing artifact: either a raw QR challenge string (with its
// rendered PNG data URI) or a numeric linking code.
type Artifact struct {
	QRChallenge string `json:"qr_challenge,omitempty"`
	QRImage     string `json:"qr_image,omitempty"`
	PairingCode string `json:"pairing_code,omitempty"`
	IssuedAt    int64  `json:"issued_at"`
}

// pendingArtifact is a single-resolution rendezvous between the protocol
// callback that produces an artifact and the callers waiting for one.
type pendingArtifact struct {
	once sync.Once
	ch   chan Artifact
}

func (p *pendingArtifact) resolve(artifact Artifact) bool {
	won := false
	p.once.Do(func() {
		p.ch <- artifact
		close(p.ch)
		won = true
	})
	return won
}

// PairingIssuer owns pairing artifact delivery. Artifacts arrive
// asynchronously from the protocol stream; callers block on Await with a
// bounded timeout. The first artifact resolved for a tenant wins, later ones
// for the same attempt are dropped. Resolved artifacts are also written to
// the shared cache so a process that did not originate the attempt can still
// serve status queries for it.
type PairingIssuer struct {
	artifacts cache.Cache[string, Artifact]
	ttl       time.Duration

	mu      sync.Mutex
	pending map[string]*pendingArtifact
}

func NewPairingIssuer(artifacts cache.Cache[string, Artifact], ttl time.Duration) *PairingIssuer {
	return &PairingIssuer{
		artifacts: artifacts,
		ttl:       ttl,
		pending:   make(map[string]*pendingArtifact),
	}
}

// Begin registers a pending attempt for the tenant. When an attempt already
// exists the caller joins it instead of starting another, so concurrent
// pairing requests for one tenant share a single artifact. The second return
// reports whether this call created the attempt.
func (pi *PairingIssuer) Begin(tenantID string) (*pendingArtifact, bool) {
	pi.mu.Lock()
	defer pi.mu.Unlock()

	if existing, ok := pi.pending[tenantID]; ok {
		return existing, false
	}
	p := &pendingArtifact{ch: make(chan Artifact, 1)}
	pi.pending[tenantID] = p
	return p, true
}

// Resolve delivers an artifact for the tenant's pending attempt. Returns
// false when no attempt is pending or a prior artifact already won.
func (pi *PairingIssuer) Resolve(ctx context.Context, tenantID string, artifact Artifact) bool {
	artifact.IssuedAt = time.Now().Unix()

	pi.mu.Lock()
	p, ok := pi.pending[tenantID]
	pi.mu.Unlock()
	if !ok {
		return false
	}
	if !p.resolve(artifact) {
		return false
	}

	if err := pi.artifacts.Set(ctx, tenantID, artifact, pi.ttl); err != nil {
		util.Log(ctx).WithError(err).WithField("tenant_id", tenantID).
			Warn("could not cache pairing artifact")
	}
	return true
}

// Await blocks until the tenant's attempt resolves or the timeout elapses.
// It also polls the shared cache so an artifact resolved elsewhere is picked
// up within a poll interval.
func (pi *PairingIssuer) Await(ctx context.Context, tenantID string, p *pendingArtifact, timeout time.Duration) (Artifact, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	poll := time.NewTicker(500 * time.Millisecond)
	defer poll.Stop()

	ch := p.ch
	for {
		select {
		case artifact, ok := <-ch:
			if ok {
				return artifact, nil
			}
			// Channel drained by an earlier waiter; fall back to cache polls.
			ch = nil
			if cached, found, err := pi.artifacts.Get(ctx, tenantID); err == nil && found {
				return cached, nil
			}
		case <-poll.C:
			if cached, found, err := pi.artifacts.Get(ctx, tenantID); err == nil && found {
				return cached, nil
			}
		case <-ctx.Done():
			return Artifact{}, ctx.Err()
		case <-deadline.C:
			pi.abandon(tenantID, p)
			return Artifact{}, service.ErrPairingTimeout
		}
	}
}

// Clear drops any pending attempt and cached artifact so the next pairing
// request yields a fresh challenge rather than a stale one.
func (pi *PairingIssuer) Clear(ctx context.Context, tenantID string) {
	pi.mu.Lock()
	delete(pi.pending, tenantID)
	pi.mu.Unlock()

	if err := pi.artifacts.Delete(ctx, tenantID); err != nil {
		util.Log(ctx).WithError(err).WithField("tenant_id", tenantID).
			Debug("could not clear cached pairing artifact")
	}
}

// Cached returns the most recently issued artifact for a tenant, if any.
func (pi *PairingIssuer) Cached(ctx context.Context, tenantID string) (Artifact, bool) {
	artifact, found, err := pi.artifacts.Get(ctx, tenantID)
	if err != nil || !found {
		return Artifact{}, false
	}
	return artifact, true
}

func (pi *PairingIssuer) abandon(tenantID string, p *pendingArtifact) {
	pi.mu.Lock()
	if pi.pending[tenantID] == p {
		delete(pi.pending, tenantID)
	}
	pi.mu.Unlock()
}

// RenderQR turns a raw QR challenge string into a PNG data URI suitable for
// direct embedding in an <img> tag.
func RenderQR(challenge string) (string, error) {
	png, err := qrcode.Encode(challenge, qrcode.Medium, 256)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
