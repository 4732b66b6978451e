package business

import (
	"context"
	"sync"
	"time"

	"github.com/pitabwire/frame/data"
	frevents "github.com/pitabwire/frame/events"
	"github.com/pitabwire/frame/telemetry"
	"github.com/pitabwire/frame/workerpool"
	"github.com/pitabwire/util"

	"github.com/orvannflatin-lang/wbot-core/apps/default/service"
	"github.com/orvannflatin-lang/wbot-core/apps/default/service/models"
	"github.com/orvannflatin-lang/wbot-core/apps/default/service/protocol"
	"github.com/orvannflatin-lang/wbot-core/internal"
)

var (
	//nolint:gochecknoglobals // OpenTelemetry metrics must be global for instrumentation
	sessionsConnectedCounter = telemetry.DimensionlessMeasure(
		"",
		"session.connections.established",
		"Total sessions that reached the connected state",
	)
	//nolint:gochecknoglobals // OpenTelemetry metrics must be global for instrumentation
	sessionsLostCounter = telemetry.DimensionlessMeasure(
		"",
		"session.connections.lost",
		"Total unexpected connection losses",
	)
	//nolint:gochecknoglobals // OpenTelemetry metrics must be global for instrumentation
	reconnectAttemptsCounter = telemetry.DimensionlessMeasure(
		"",
		"session.reconnect.attempts",
		"Total reconnect attempts fired",
	)
	//nolint:gochecknoglobals // OpenTelemetry metrics must be global for instrumentation
	eventsDispatchedCounter = telemetry.DimensionlessMeasure(
		"",
		"session.events.dispatched",
		"Total inbound events forwarded to capture pipelines",
	)
)

// Settings carries the tuning knobs for the session core, already converted
// from configuration into durations.
type Settings struct {
	QRPairingTimeout        time.Duration
	CodePairingTimeout      time.Duration
	LockTTL                 time.Duration
	ReconnectBaseDelay      time.Duration
	ReconnectMaxDelay       time.Duration
	ReconnectMaxAttempts    int
	HealthCheckInterval     time.Duration
	HealthFailureThreshold  int
	KeepAliveInterval       time.Duration
	ProcessedEventWindow    int
	ActivityFreshnessWindow time.Duration
}

// DefaultSettings returns the tuning used when configuration is silent.
func DefaultSettings() Settings {
	return Settings{
		QRPairingTimeout:        60 * time.Second,
		CodePairingTimeout:      10 * time.Second,
		LockTTL:                 30 * time.Second,
		ReconnectBaseDelay:      5 * time.Second,
		ReconnectMaxDelay:       5 * time.Minute,
		ReconnectMaxAttempts:    10,
		HealthCheckInterval:     30 * time.Second,
		HealthFailureThreshold:  3,
		KeepAliveInterval:       15 * time.Second,
		ProcessedEventWindow:    500,
		ActivityFreshnessWindow: 2 * time.Minute,
	}
}

// connectionSupervisor orchestrates the full connection lifecycle for every
// tenant: pairing, supervision, recovery and teardown. It is the only writer
// to the session registry; every other component observes sessions through
// it.
type connectionSupervisor struct {
	settings Settings

	dialer      protocol.Dialer
	creds       CredentialStore
	locker      Locker
	issuer      *PairingIssuer
	scheduler   *ReconnectionScheduler
	health      *HealthMonitor
	keepAlive   *PresenceKeepAlive
	router      *EventRouter
	registry    *sessionRegistry
	sessionRepo SessionStore
	evtsManager frevents.Manager
	workMan     workerpool.Manager

	// seen maps tenant to its dedup window. Kept here rather than on the
	// session so the window survives channel reopens within the process.
	seenMu sync.Mutex
	seen   map[string]*processedIDSet

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
	wg           sync.WaitGroup
}

// NewConnectionSupervisor wires the session core together.
func NewConnectionSupervisor(
	_ context.Context,
	settings Settings,
	dialer protocol.Dialer,
	creds CredentialStore,
	locker Locker,
	issuer *PairingIssuer,
	sinks CaptureSinks,
	sessionRepo SessionStore,
	evtsManager frevents.Manager,
	workMan workerpool.Manager,
) Supervisor {
	registry := newSessionRegistry()

	cs := &connectionSupervisor{
		settings:    settings,
		dialer:      dialer,
		creds:       creds,
		locker:      locker,
		issuer:      issuer,
		registry:    registry,
		sessionRepo: sessionRepo,
		evtsManager: evtsManager,
		workMan:     workMan,
		router:      NewEventRouter(sinks, sessionRepo),
		seen:        make(map[string]*processedIDSet),
		shutdownCh:  make(chan struct{}),
	}

	cs.scheduler = NewReconnectionScheduler(
		settings.ReconnectBaseDelay, settings.ReconnectMaxDelay, settings.ReconnectMaxAttempts,
		cs.reconnectAttempt)
	cs.health = NewHealthMonitor(
		settings.HealthCheckInterval, settings.HealthFailureThreshold, registry,
		cs.handleUnhealthy)
	cs.keepAlive = NewPresenceKeepAlive(settings.KeepAliveInterval, registry, sessionRepo)

	return cs
}

// StartWithQR begins (or joins) a QR pairing flow for the tenant and blocks
// until an artifact is available or the bounded wait elapses. Starting a QR
// flow is destructive: any saved credentials are purged so the challenge is
// always fresh.
func (cs *connectionSupervisor) StartWithQR(ctx context.Context, tenantID string) (*PairingResult, error) {
	if tenantID == "" {
		return nil, service.ErrTenantRequired
	}

	pending, created := cs.issuer.Begin(tenantID)
	if !created {
		// Another caller already opened the channel; share its artifact.
		artifact, err := cs.issuer.Await(ctx, tenantID, pending, cs.settings.QRPairingTimeout)
		if err != nil {
			return nil, err
		}
		return cs.pairingResult(tenantID, artifact), nil
	}

	release, err := cs.acquireLock(ctx, tenantID)
	if err != nil {
		cs.issuer.abandon(tenantID, pending)
		return nil, err
	}
	defer release()

	if err = cs.creds.Delete(ctx, tenantID); err != nil {
		cs.issuer.abandon(tenantID, pending)
		return nil, err
	}

	sess := NewSession(tenantID)
	cs.install(ctx, sess)
	if err = cs.openChannel(ctx, sess, nil); err != nil {
		cs.teardown(ctx, sess)
		cs.issuer.abandon(tenantID, pending)
		return nil, err
	}

	artifact, err := cs.issuer.Await(ctx, tenantID, pending, cs.settings.QRPairingTimeout)
	if err != nil {
		cs.teardown(ctx, sess)
		return nil, err
	}

	sess.setArtifacts(artifact.QRChallenge, artifact.QRImage, artifact.PairingCode)
	return cs.pairingResult(tenantID, artifact), nil
}

// StartWithPairingCode begins a numeric code pairing flow bound to the
// tenant's phone number. Unlike the QR flow it refuses to run for a tenant
// that already holds registered credentials.
func (cs *connectionSupervisor) StartWithPairingCode(ctx context.Context, tenantID, phoneNumber string) (*PairingResult, error) {
	if tenantID == "" {
		return nil, service.ErrTenantRequired
	}
	if phoneNumber == "" {
		return nil, service.ErrPhoneNumberRequired
	}

	registered, err := cs.creds.IsRegistered(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if registered {
		return nil, service.ErrAlreadyPaired
	}

	pending, created := cs.issuer.Begin(tenantID)
	if !created {
		artifact, waitErr := cs.issuer.Await(ctx, tenantID, pending, cs.settings.CodePairingTimeout)
		if waitErr != nil {
			return nil, waitErr
		}
		return cs.pairingResult(tenantID, artifact), nil
	}

	release, err := cs.acquireLock(ctx, tenantID)
	if err != nil {
		cs.issuer.abandon(tenantID, pending)
		return nil, err
	}
	defer release()

	sess := NewSession(tenantID)
	cs.install(ctx, sess)
	if err = cs.openChannel(ctx, sess, nil); err != nil {
		cs.teardown(ctx, sess)
		cs.issuer.abandon(tenantID, pending)
		return nil, err
	}

	handle := sess.Handle()
	code, err := handle.RequestPairingCode(ctx, phoneNumber)
	if err != nil || code == "" {
		// Some library versions deliver the code asynchronously on the
		// update stream instead of returning it here.
		artifact, waitErr := cs.issuer.Await(ctx, tenantID, pending, cs.settings.CodePairingTimeout)
		if waitErr != nil {
			cs.teardown(ctx, sess)
			if err != nil {
				return nil, err
			}
			return nil, waitErr
		}
		sess.setArtifacts("", "", artifact.PairingCode)
		return cs.pairingResult(tenantID, artifact), nil
	}

	artifact := Artifact{PairingCode: code}
	cs.issuer.Resolve(ctx, tenantID, artifact)
	sess.setArtifacts("", "", code)
	return cs.pairingResult(tenantID, artifact), nil
}

// GetStatus reports the tenant's current lifecycle state. A live session is
// snapshotted directly; otherwise the durable row answers, degraded to
// disconnected when its connected claim is stale. A stale-but-fresh connected
// row means the process restarted underneath a healthy session, so a silent
// reconnect is kicked off in the background.
func (cs *connectionSupervisor) GetStatus(ctx context.Context, tenantID string) (*Status, error) {
	if tenantID == "" {
		return nil, service.ErrTenantRequired
	}

	hasCreds := false
	if _, found, err := cs.creds.Load(ctx, tenantID); err == nil {
		hasCreds = found
	}

	if sess, ok := cs.registry.get(tenantID); ok {
		status := sess.Snapshot()
		status.HasSavedCredentials = hasCreds
		return status, nil
	}

	row, err := cs.sessionRepo.GetByTenantID(ctx, tenantID)
	if err != nil {
		if !data.ErrorIsNoRows(err) {
			return nil, err
		}
		if !hasCreds {
			return nil, service.ErrSessionNotFound
		}
		return &Status{
			TenantID:            tenantID,
			State:               models.SessionStateDisconnected,
			HasSavedCredentials: true,
		}, nil
	}

	status := &Status{
		TenantID:            tenantID,
		State:               row.State,
		Identity:            row.Identity,
		ConnectedAt:         row.ConnectedAt,
		LastActivityAt:      row.LastActivityAt,
		Conflicted:          row.Conflicted,
		HasSavedCredentials: hasCreds,
	}

	if row.State == models.SessionStateConnected {
		if hasCreds && row.HasRecentActivity(cs.settings.ActivityFreshnessWindow) {
			// The process restarted underneath a live session. Report
			// connected and quietly bring the channel back.
			cs.spawn(func() {
				cs.reconnectAttempt(context.WithoutCancel(ctx), tenantID)
			})
		} else {
			status.State = models.SessionStateDisconnected
		}
	}
	return status, nil
}

// Disconnect tears the channel down without touching credentials and disables
// automatic recovery until the next explicit start. Idempotent.
func (cs *connectionSupervisor) Disconnect(ctx context.Context, tenantID string) error {
	if tenantID == "" {
		return service.ErrTenantRequired
	}

	if sess, ok := cs.registry.get(tenantID); ok {
		cs.applyEvent(ctx, sess, evDisconnectRequested)
		return nil
	}

	cs.scheduler.Cancel(tenantID)
	cs.issuer.Clear(ctx, tenantID)
	cs.persistAudit(ctx, &models.SessionAudit{
		TenantID: tenantID,
		State:    models.SessionStateDisconnected,
	})
	return nil
}

// ManualReconnect re-enables recovery for a tenant, clearing a conflicted
// freeze, and starts a silent reconnect if saved credentials exist.
func (cs *connectionSupervisor) ManualReconnect(ctx context.Context, tenantID string) (*ReconnectResult, error) {
	if tenantID == "" {
		return nil, service.ErrTenantRequired
	}

	_, found, err := cs.creds.Load(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if !found {
		return &ReconnectResult{Started: false, Reason: "no saved credentials"}, nil
	}

	if sess, ok := cs.registry.get(tenantID); ok {
		if sess.State() == StateConnected {
			return &ReconnectResult{Started: false, Reason: "already connected"}, nil
		}
		cs.applyEvent(ctx, sess, evManualReconnect)
		if sess.State() == StateLoggedOut {
			return &ReconnectResult{Started: false, Reason: "logged out, pair again"}, nil
		}
		return &ReconnectResult{Started: true}, nil
	}

	cs.scheduler.Reset(tenantID)
	cs.spawn(func() {
		cs.reconnectAttempt(context.WithoutCancel(ctx), tenantID)
	})
	return &ReconnectResult{Started: true}, nil
}

// Logout ends the channel, purges credentials everywhere and deletes the
// durable snapshot. The tenant must pair from scratch afterwards.
func (cs *connectionSupervisor) Logout(ctx context.Context, tenantID string) error {
	if tenantID == "" {
		return service.ErrTenantRequired
	}

	cs.scheduler.Reset(tenantID)
	cs.issuer.Clear(ctx, tenantID)
	cs.dropSeen(tenantID)

	if sess := cs.registry.swap(tenantID, nil); sess != nil {
		cs.endSession(ctx, sess)
	}

	if err := cs.creds.Delete(ctx, tenantID); err != nil {
		return err
	}
	if err := cs.sessionRepo.DeleteByTenantID(ctx, tenantID); err != nil && !data.ErrorIsNoRows(err) {
		return err
	}
	return nil
}

// Send delivers a payload through the tenant's live channel.
func (cs *connectionSupervisor) Send(ctx context.Context, tenantID, target string, payload map[string]any) error {
	handle, err := cs.liveHandle(tenantID)
	if err != nil {
		return err
	}
	return handle.Send(ctx, target, data.JSONMap(payload))
}

// MarkRead acknowledges events in a chat through the tenant's live channel.
func (cs *connectionSupervisor) MarkRead(ctx context.Context, tenantID, chatID string, eventIDs []string) error {
	handle, err := cs.liveHandle(tenantID)
	if err != nil {
		return err
	}
	return handle.MarkRead(ctx, chatID, eventIDs)
}

// Rehydrate scans the durable snapshots after a restart and schedules a
// silent reconnect for every eligible tenant, fanned out on the worker pool.
func (cs *connectionSupervisor) Rehydrate(ctx context.Context) error {
	rows, err := cs.sessionRepo.GetReconnectable(ctx)
	if err != nil {
		return err
	}

	logger := util.Log(ctx).WithField("sessions", len(rows))
	logger.Info("rehydrating sessions after restart")

	for _, row := range rows {
		tenantID := row.TenantID
		job := workerpool.NewJob[any](func(ctx context.Context, resultPipe workerpool.JobResultPipe[any]) error {
			_, found, loadErr := cs.creds.Load(ctx, tenantID)
			if loadErr != nil {
				return resultPipe.WriteError(ctx, loadErr)
			}
			if !found {
				return nil
			}
			cs.reconnectAttempt(ctx, tenantID)
			return nil
		})
		if submitErr := workerpool.SubmitJob(ctx, cs.workMan, job); submitErr != nil {
			logger.WithError(submitErr).WithField("tenant_id", tenantID).
				Error("failed to submit rehydration job")
		}
	}
	return nil
}

// Shutdown ends every live session and stops all timers, waiting for the
// watchers to drain or the context to expire.
func (cs *connectionSupervisor) Shutdown(ctx context.Context) error {
	cs.shutdownOnce.Do(func() {
		close(cs.shutdownCh)
		cs.scheduler.Shutdown()

		cs.registry.forEach(func(sess *Session) {
			cs.registry.swapIfCurrent(sess.TenantID(), sess)
			cs.endSession(ctx, sess)
		})
	})

	drained := make(chan struct{})
	go func() {
		cs.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// --- internals ---

func (cs *connectionSupervisor) pairingResult(tenantID string, artifact Artifact) *PairingResult {
	result := &PairingResult{
		QRChallenge: artifact.QRChallenge,
		QRImage:     artifact.QRImage,
		PairingCode: artifact.PairingCode,
	}
	if sess, ok := cs.registry.get(tenantID); ok {
		result.SessionID = sess.ID()
	}
	return result
}

// acquireLock takes the advisory per-tenant lock and keeps extending it until
// the returned release function runs. An unreachable lock store degrades to
// single-process mode with a warning rather than failing the operation.
func (cs *connectionSupervisor) acquireLock(ctx context.Context, tenantID string) (func(), error) {
	ok, err := cs.locker.Acquire(ctx, tenantID, cs.settings.LockTTL)
	if err != nil {
		util.Log(ctx).WithError(err).WithField("tenant_id", tenantID).
			Warn("lock store unreachable, proceeding unlocked")
		return func() {}, nil
	}
	if !ok {
		return nil, service.ErrOperationInProgress
	}

	stopExtend := make(chan struct{})
	go func() {
		ticker := time.NewTicker(cs.settings.LockTTL / 2)
		defer ticker.Stop()
		for {
			select {
			case <-stopExtend:
				return
			case <-ticker.C:
				if _, extErr := cs.locker.Extend(ctx, tenantID, cs.settings.LockTTL); extErr != nil {
					util.Log(ctx).WithError(extErr).WithField("tenant_id", tenantID).
						Debug("could not extend session lock")
				}
			}
		}
	}()

	return func() {
		close(stopExtend)
		cs.locker.Release(ctx, tenantID)
	}, nil
}

// install makes sess the tenant's current session, displacing and tearing
// down any predecessor only after the swap.
func (cs *connectionSupervisor) install(ctx context.Context, sess *Session) {
	if prev := cs.registry.swap(sess.TenantID(), sess); prev != nil && prev != sess {
		cs.endSession(ctx, prev)
	}
}

// teardown removes sess from the registry if still current and ends it.
func (cs *connectionSupervisor) teardown(ctx context.Context, sess *Session) {
	cs.registry.swapIfCurrent(sess.TenantID(), sess)
	cs.endSession(ctx, sess)
}

// endSession closes a displaced or retiring aggregate and its channel.
func (cs *connectionSupervisor) endSession(ctx context.Context, sess *Session) {
	sess.close()
	if handle := sess.Handle(); handle != nil {
		if err := handle.End(ctx); err != nil {
			util.Log(ctx).WithError(err).WithField("tenant_id", sess.TenantID()).
				Debug("channel end reported an error")
		}
	}
	sess.setHandle(nil)
}

// openChannel dials the protocol library and attaches the event listener.
// The listener is bound to this exact aggregate so notifications from a
// superseded channel are recognizably stale.
func (cs *connectionSupervisor) openChannel(ctx context.Context, sess *Session, bundle []byte) error {
	listener := &channelListener{cs: cs, sess: sess}
	handle, err := cs.dialer.Dial(context.WithoutCancel(ctx), bundle, listener)
	if err != nil {
		return err
	}
	sess.setHandle(handle)
	return nil
}

// handleUnhealthy reacts to an exhausted structural probe run. The transport
// died without ever reporting a closure, so the still-connected session must
// be driven through the same loss transition a reported closure takes;
// merely scheduling a retry would be refused while the registry entry still
// claims to be connected.
func (cs *connectionSupervisor) handleUnhealthy(ctx context.Context, tenantID string) {
	if sess, ok := cs.registry.get(tenantID); ok {
		cs.applyEvent(ctx, sess, evClosedNetwork)
		return
	}
	cs.scheduler.Schedule(ctx, tenantID)
}

// reconnectAttempt is the single silent reconnect path, invoked by the
// scheduler, rehydration and manual reconnects alike.
func (cs *connectionSupervisor) reconnectAttempt(ctx context.Context, tenantID string) {
	select {
	case <-cs.shutdownCh:
		return
	default:
	}

	reconnectAttemptsCounter.Add(ctx, 1)

	if current, ok := cs.registry.get(tenantID); ok {
		if current.State() == StateConnected {
			return
		}
		// A conflicted session stays frozen until a manual reconnect
		// clears the flag.
		if current.Snapshot().Conflicted {
			return
		}
	}

	bundle, found, err := cs.creds.Load(ctx, tenantID)
	if err != nil || !found {
		util.Log(ctx).WithField("tenant_id", tenantID).
			Info("skipping reconnect, no saved credentials")
		return
	}

	sess := NewSession(tenantID)
	cs.install(ctx, sess)
	if err = cs.openChannel(ctx, sess, bundle); err != nil {
		util.Log(ctx).WithError(err).WithField("tenant_id", tenantID).
			Warn("reconnect dial failed")
		cs.teardown(ctx, sess)
		cs.scheduler.Schedule(ctx, tenantID)
		return
	}
	cs.persist(ctx, sess)
}

// liveHandle fetches the tenant's connected channel handle or the caller
// actionable reason there is none.
func (cs *connectionSupervisor) liveHandle(tenantID string) (protocol.ChannelHandle, error) {
	if tenantID == "" {
		return nil, service.ErrTenantRequired
	}
	sess, ok := cs.registry.get(tenantID)
	if !ok {
		return nil, service.ErrSessionNotFound
	}
	if sess.State() == StateConflicted {
		return nil, service.ErrSessionConflicted
	}
	handle := sess.Handle()
	if sess.State() != StateConnected || handle == nil {
		return nil, service.ErrSessionNotFound
	}
	return handle, nil
}

func (cs *connectionSupervisor) seenFor(tenantID string) *processedIDSet {
	cs.seenMu.Lock()
	defer cs.seenMu.Unlock()

	set, ok := cs.seen[tenantID]
	if !ok {
		set = newProcessedIDSet(cs.settings.ProcessedEventWindow)
		cs.seen[tenantID] = set
	}
	return set
}

// dropSeen releases a tenant's dedup window. Called when credentials are
// purged: the next pairing is a new device session, so replay protection for
// the old one no longer applies.
func (cs *connectionSupervisor) dropSeen(tenantID string) {
	cs.seenMu.Lock()
	delete(cs.seen, tenantID)
	cs.seenMu.Unlock()
}

func (cs *connectionSupervisor) spawn(fn func()) {
	cs.wg.Add(1)
	go func() {
		defer cs.wg.Done()
		fn()
	}()
}

// applyEvent runs one lifecycle transition and its side effects for sess.
func (cs *connectionSupervisor) applyEvent(ctx context.Context, sess *Session, ev machineEvent) {
	tenantID := sess.TenantID()
	next, effects := transition(sess.State(), ev)
	sess.setState(next)

	for _, fx := range effects {
		switch fx {
		case fxResetBackoff:
			cs.scheduler.Reset(tenantID)

		case fxClearArtifacts:
			sess.clearArtifacts()
			cs.issuer.Clear(ctx, tenantID)

		case fxStartMonitors:
			sessionsConnectedCounter.Add(ctx, 1)
			sess.setConnectedAt(time.Now())
			sess.TouchActivity(time.Now())
			if handle := sess.Handle(); handle != nil {
				sess.setIdentity(handle.Identity())
			}
			cs.spawn(func() { cs.health.Watch(context.WithoutCancel(ctx), sess) })
			cs.spawn(func() { cs.keepAlive.Watch(context.WithoutCancel(ctx), sess) })

		case fxTeardownChannel:
			cs.teardown(ctx, sess)

		case fxRetireChannel:
			cs.endSession(ctx, sess)

		case fxReopenChannel:
			cs.reopenChannel(ctx, tenantID)

		case fxScheduleReconnect:
			sessionsLostCounter.Add(ctx, 1)
			if sess.AutoReconnect() {
				cs.scheduler.Schedule(ctx, tenantID)
			}

		case fxCancelReconnect:
			cs.scheduler.Cancel(tenantID)

		case fxPurgeCredentials:
			if err := cs.creds.Delete(ctx, tenantID); err != nil {
				util.Log(ctx).WithError(err).WithField("tenant_id", tenantID).
					Error("could not purge credentials")
			}
			cs.dropSeen(tenantID)

		case fxDisableAutoReconnect:
			sess.setAutoReconnect(false)

		case fxEnableAutoReconnect:
			sess.setAutoReconnect(true)

		case fxMarkConflicted:
			sess.markConflicted()

		case fxClearConflicted:
			sess.clearConflicted()

		case fxAttemptReconnect:
			cs.spawn(func() { cs.reconnectAttempt(context.WithoutCancel(ctx), tenantID) })
		}
	}

	cs.persist(ctx, sess)
}

// reopenChannel redials with the freshly saved bundle after a
// restart-required closure, completing a pairing without caller involvement.
func (cs *connectionSupervisor) reopenChannel(ctx context.Context, tenantID string) {
	bundle, found, err := cs.creds.Load(ctx, tenantID)
	if err != nil || !found {
		util.Log(ctx).WithError(err).WithField("tenant_id", tenantID).
			Warn("restart requested but no credentials saved, scheduling retry")
		cs.scheduler.Schedule(ctx, tenantID)
		return
	}

	sess := NewSession(tenantID)
	cs.install(ctx, sess)
	if err = cs.openChannel(ctx, sess, bundle); err != nil {
		util.Log(ctx).WithError(err).WithField("tenant_id", tenantID).
			Warn("channel reopen failed")
		cs.teardown(ctx, sess)
		cs.scheduler.Schedule(ctx, tenantID)
	}
}

// persist emits the session's current snapshot on the audit event stream.
func (cs *connectionSupervisor) persist(ctx context.Context, sess *Session) {
	snapshot := sess.Snapshot()
	cs.persistAudit(ctx, &models.SessionAudit{
		TenantID:       snapshot.TenantID,
		State:          snapshot.State,
		Identity:       snapshot.Identity,
		ConnectedAt:    snapshot.ConnectedAt,
		LastActivityAt: snapshot.LastActivityAt,
		Conflicted:     snapshot.Conflicted,
		AutoReconnect:  sess.AutoReconnect(),
	})
}

func (cs *connectionSupervisor) persistAudit(ctx context.Context, audit *models.SessionAudit) {
	if cs.evtsManager == nil {
		return
	}
	if err := cs.evtsManager.Emit(ctx, internal.EventSessionAudit, audit); err != nil {
		util.Log(ctx).WithError(err).WithField("tenant_id", audit.TenantID).
			Error("could not emit session audit event")
	}
}

// channelListener adapts protocol notifications for one specific aggregate.
// Updates arriving after the aggregate was superseded are dropped, which is
// what keeps late close notifications from older channels harmless.
type channelListener struct {
	cs   *connectionSupervisor
	sess *Session
}

func (cl *channelListener) stale() bool {
	return !cl.cs.registry.isCurrent(cl.sess.TenantID(), cl.sess)
}

func (cl *channelListener) OnConnectionUpdate(ctx context.Context, update protocol.ConnectionUpdate) {
	cs, sess := cl.cs, cl.sess
	tenantID := sess.TenantID()

	if cl.stale() {
		util.Log(ctx).WithFields(map[string]any{
			"tenant_id": tenantID,
			"state":     update.State.String(),
		}).Debug("dropping update from superseded channel")
		return
	}

	if update.QRChallenge != "" {
		image, err := RenderQR(update.QRChallenge)
		if err != nil {
			util.Log(ctx).WithError(err).WithField("tenant_id", tenantID).
				Warn("could not render qr challenge")
		}
		artifact := Artifact{QRChallenge: update.QRChallenge, QRImage: image}
		sess.setArtifacts(artifact.QRChallenge, artifact.QRImage, "")
		cs.issuer.Resolve(ctx, tenantID, artifact)
	}
	if update.PairingCode != "" {
		sess.setArtifacts("", "", update.PairingCode)
		cs.issuer.Resolve(ctx, tenantID, Artifact{PairingCode: update.PairingCode})
	}

	switch update.State {
	case protocol.ChannelStateOpen:
		cs.applyEvent(ctx, sess, evChannelOpened)
	case protocol.ChannelStateClosed:
		cs.applyEvent(ctx, sess, closeEventFor(update.CloseReason))
	case protocol.ChannelStateConnecting:
		// Intermediate notification only.
	}
}

func closeEventFor(reason protocol.CloseReason) machineEvent {
	switch reason {
	case protocol.CloseReasonRestartRequired:
		return evClosedRestartRequired
	case protocol.CloseReasonReplaced:
		return evClosedReplaced
	case protocol.CloseReasonLoggedOut:
		return evClosedLoggedOut
	default:
		return evClosedNetwork
	}
}

func (cl *channelListener) OnCredentialsUpdate(ctx context.Context, update protocol.CredentialsUpdate) {
	cs, sess := cl.cs, cl.sess
	if cl.stale() {
		return
	}
	if err := cs.creds.Save(ctx, sess.TenantID(), update.Bundle, update.Registered); err != nil {
		util.Log(ctx).WithError(err).WithField("tenant_id", sess.TenantID()).
			Error("could not save rotated credentials")
	}
}

func (cl *channelListener) OnMessageBatch(ctx context.Context, events []protocol.Event) {
	cl.routeBatch(ctx, events)
}

func (cl *channelListener) OnDeletionBatch(ctx context.Context, events []protocol.Event) {
	cl.routeBatch(ctx, events)
}

func (cl *channelListener) routeBatch(ctx context.Context, events []protocol.Event) {
	cs, sess := cl.cs, cl.sess
	if cl.stale() {
		return
	}
	dispatched := cs.router.Route(ctx, sess, cs.seenFor(sess.TenantID()), events)
	if dispatched > 0 {
		eventsDispatchedCounter.Add(ctx, int64(dispatched))
	}
}
