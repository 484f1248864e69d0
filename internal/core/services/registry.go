package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/chrismatthieu/realsense-restapi/internal/core/domain"
	"github.com/chrismatthieu/realsense-restapi/internal/core/ports"
	"github.com/chrismatthieu/realsense-restapi/pkg/tracing"
	"github.com/chrismatthieu/realsense-restapi/pkg/utils"

	"go.uber.org/zap"
)

// RegistryConfig carries the lifecycle limits the registry enforces.
type RegistryConfig struct {
	MaxSessions        int
	IdleTimeout        time.Duration
	MaxAge             time.Duration
	NegotiationTimeout time.Duration
	DeviceTimeout      time.Duration
}

// DefaultRegistryConfig returns the limits used when the operator configures
// nothing.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		MaxSessions:        10,
		IdleTimeout:        30 * time.Minute,
		MaxAge:             60 * time.Minute,
		NegotiationTimeout: 10 * time.Second,
		DeviceTimeout:      5 * time.Second,
	}
}

// sessionRecord couples a session's public state with the private machinery
// that backs it: the peer connection, the negotiation state machine and the
// once that guards reference release.
type sessionRecord struct {
	mu      sync.Mutex
	session domain.Session

	peer        ports.PeerSession
	neg         *negotiation
	releaseOnce sync.Once
}

// snapshot returns a copy safe to hand to callers.
func (r *sessionRecord) snapshot() *domain.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.session
	s.State = r.neg.current()
	s.Connected = s.State == domain.StateConnected
	s.StreamTypes = append([]domain.StreamType(nil), r.session.StreamTypes...)
	return &s
}

func (r *sessionRecord) touch() {
	r.mu.Lock()
	r.session.LastActivity = utils.Now()
	r.mu.Unlock()
}

// SessionRegistry owns every live session and drives the open/negotiate/
// switch/close lifecycle. It is the only component that touches the
// reference counter, so reference bookkeeping stays consistent with session
// membership.
type SessionRegistry struct {
	cfg       RegistryConfig
	device    ports.DeviceController
	refs      ports.ReferenceCounter
	transport ports.TransportFactory
	metrics   ports.MetricsSink
	logger    *zap.SugaredLogger

	mu       sync.RWMutex
	sessions map[domain.SessionID]*sessionRecord
	// opening counts capacity reserved by in-flight OpenSession calls so
	// that concurrent opens cannot race past the session limit.
	opening int
}

func NewSessionRegistry(
	cfg RegistryConfig,
	device ports.DeviceController,
	refs ports.ReferenceCounter,
	transport ports.TransportFactory,
	metrics ports.MetricsSink,
	logger *zap.SugaredLogger,
) *SessionRegistry {
	if metrics == nil {
		metrics = ports.NopMetricsSink{}
	}
	return &SessionRegistry{
		cfg:       cfg,
		device:    device,
		refs:      refs,
		transport: transport,
		metrics:   metrics,
		logger:    logger,
		sessions:  make(map[domain.SessionID]*sessionRecord),
	}
}

// OpenSession creates a session against deviceID for the given stream types
// and returns the session plus the offer SDP. All-or-nothing: any failure
// rolls back every reference acquired so far and leaves no session behind.
func (r *SessionRegistry) OpenSession(ctx context.Context, deviceID domain.DeviceID, streamTypes []domain.StreamType) (*domain.Session, string, error) {
	ctx, span := tracing.TraceSignaling(ctx, "open_session", "", string(deviceID))
	defer span.End()

	if len(streamTypes) == 0 {
		return nil, "", fmt.Errorf("%w: at least one stream type is required", domain.ErrInvalidStreamType)
	}
	for _, t := range streamTypes {
		if !t.Valid() {
			return nil, "", fmt.Errorf("%w: %q", domain.ErrInvalidStreamType, t)
		}
	}

	devCtx, cancel := context.WithTimeout(ctx, r.cfg.DeviceTimeout)
	defer cancel()
	if _, err := r.device.GetDevice(devCtx, deviceID); err != nil {
		return nil, "", fmt.Errorf("%w: %s: %v", domain.ErrDeviceUnavailable, deviceID, err)
	}

	// Reserve a slot before doing any work so concurrent opens observe the
	// limit atomically.
	r.mu.Lock()
	if len(r.sessions)+r.opening >= r.cfg.MaxSessions {
		r.mu.Unlock()
		return nil, "", fmt.Errorf("%w: maximum %d concurrent sessions", domain.ErrSessionLimitExceeded, r.cfg.MaxSessions)
	}
	r.opening++
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.opening--
		r.mu.Unlock()
	}()

	acquired := make([]domain.StreamType, 0, len(streamTypes))
	for _, t := range streamTypes {
		if err := r.refs.Acquire(ctx, deviceID, t); err != nil {
			r.releaseAll(deviceID, acquired)
			tracing.RecordError(ctx, err)
			return nil, "", err
		}
		acquired = append(acquired, t)
	}

	id := domain.SessionID(utils.GenerateSessionID())
	rec := &sessionRecord{
		session: domain.Session{
			ID:           id,
			DeviceID:     deviceID,
			StreamTypes:  append([]domain.StreamType(nil), streamTypes...),
			State:        domain.StatePending,
			CreatedAt:    utils.Now(),
			LastActivity: utils.Now(),
		},
		neg: newNegotiation(),
	}

	peer, err := r.transport.NewPeerSession(ctx, deviceID, streamTypes, func() {
		r.handleTransportDisconnect(id)
	})
	if err != nil {
		r.releaseAll(deviceID, acquired)
		tracing.RecordError(ctx, err)
		return nil, "", fmt.Errorf("%w: %v", domain.ErrNegotiationFailed, err)
	}
	rec.peer = peer

	offCtx, cancelOffer := context.WithTimeout(ctx, r.cfg.NegotiationTimeout)
	defer cancelOffer()
	sdp, err := peer.CreateOffer(offCtx)
	if err != nil {
		if cerr := peer.Close(); cerr != nil {
			r.logger.Warnw("failed to close peer after offer failure", "session_id", id, "error", cerr)
		}
		r.releaseAll(deviceID, acquired)
		tracing.RecordError(ctx, err)
		return nil, "", fmt.Errorf("%w: %v", domain.ErrNegotiationFailed, err)
	}

	r.mu.Lock()
	r.sessions[id] = rec
	r.mu.Unlock()

	r.metrics.SessionOpened(deviceID)
	r.logger.Infow("session opened",
		"session_id", id, "device_id", deviceID, "stream_types", streamTypes)
	return rec.snapshot(), sdp, nil
}

// ApplyAnswer applies the client's answer SDP. Success moves the session to
// connected; failure tears the session down and releases its references.
func (r *SessionRegistry) ApplyAnswer(ctx context.Context, id domain.SessionID, sdp string) error {
	ctx, span := tracing.TraceSignaling(ctx, "apply_answer", string(id), "")
	defer span.End()

	rec, err := r.lookup(id)
	if err != nil {
		return err
	}
	rec.touch()

	if err := rec.neg.begin(); err != nil {
		return err
	}

	negCtx, cancel := context.WithTimeout(ctx, r.cfg.NegotiationTimeout)
	defer cancel()
	if err := rec.peer.ApplyAnswer(negCtx, sdp); err != nil {
		r.failSession(id, "negotiation_failure")
		tracing.RecordError(ctx, err)
		return fmt.Errorf("%w: %v", domain.ErrNegotiationFailed, err)
	}

	if err := rec.neg.connect(); err != nil {
		// The session died (close or disconnect) while the answer was in
		// flight; teardown already ran.
		return err
	}

	rec.mu.Lock()
	created := rec.session.CreatedAt
	rec.mu.Unlock()
	r.metrics.ObserveNegotiationDuration(utils.Since(created).Seconds())
	r.logger.Infow("session connected", "session_id", id)
	return nil
}

// AddICECandidate feeds a client-gathered candidate into the peer connection.
func (r *SessionRegistry) AddICECandidate(ctx context.Context, id domain.SessionID, candidate domain.ICECandidate) error {
	rec, err := r.lookup(id)
	if err != nil {
		return err
	}
	rec.touch()

	negCtx, cancel := context.WithTimeout(ctx, r.cfg.NegotiationTimeout)
	defer cancel()
	if err := rec.peer.AddICECandidate(negCtx, candidate); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrNegotiationFailed, err)
	}
	return nil
}

// ICECandidates returns the server-gathered candidates for poll-based clients.
func (r *SessionRegistry) ICECandidates(id domain.SessionID) ([]domain.ICECandidate, error) {
	rec, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	rec.touch()
	return rec.peer.LocalCandidates(), nil
}

// SwitchStreamTypes replaces the session's stream-type set. References are
// adjusted by the symmetric difference: new types are acquired first, and on
// any acquire failure the already-acquired additions are rolled back and the
// session keeps its previous set.
func (r *SessionRegistry) SwitchStreamTypes(ctx context.Context, id domain.SessionID, streamTypes []domain.StreamType) error {
	ctx, span := tracing.TraceSignaling(ctx, "switch_streams", string(id), "")
	defer span.End()

	if len(streamTypes) == 0 {
		return fmt.Errorf("%w: at least one stream type is required", domain.ErrInvalidStreamType)
	}
	for _, t := range streamTypes {
		if !t.Valid() {
			return fmt.Errorf("%w: %q", domain.ErrInvalidStreamType, t)
		}
	}

	rec, err := r.lookup(id)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	// A teardown may have completed between lookup and lock; its references
	// are gone and must not be re-acquired or re-released. terminate precedes
	// the stream-type snapshot in finish, so checking under rec.mu closes the
	// window.
	switch rec.neg.current() {
	case domain.StateFailed, domain.StateClosed:
		return fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}

	current := make(map[domain.StreamType]bool, len(rec.session.StreamTypes))
	for _, t := range rec.session.StreamTypes {
		current[t] = true
	}
	desired := make(map[domain.StreamType]bool, len(streamTypes))
	for _, t := range streamTypes {
		desired[t] = true
	}

	var added []domain.StreamType
	for _, t := range streamTypes {
		if !current[t] {
			added = append(added, t)
		}
	}
	var removed []domain.StreamType
	for _, t := range rec.session.StreamTypes {
		if !desired[t] {
			removed = append(removed, t)
		}
	}

	acquired := make([]domain.StreamType, 0, len(added))
	for _, t := range added {
		if err := r.refs.Acquire(ctx, rec.session.DeviceID, t); err != nil {
			r.releaseAll(rec.session.DeviceID, acquired)
			tracing.RecordError(ctx, err)
			return err
		}
		acquired = append(acquired, t)
	}
	for _, t := range removed {
		r.refs.Release(context.WithoutCancel(ctx), rec.session.DeviceID, t)
	}

	rec.session.StreamTypes = dedupe(streamTypes)
	rec.session.LastActivity = utils.Now()
	r.logger.Infow("session streams switched",
		"session_id", id, "added", added, "removed", removed)
	return nil
}

// CloseSession tears the session down: terminal state, peer closed,
// references released exactly once. Unknown IDs yield ErrSessionNotFound.
func (r *SessionRegistry) CloseSession(ctx context.Context, id domain.SessionID) error {
	rec := r.take(id)
	if rec == nil {
		return fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	r.finish(rec, domain.StateClosed, "closed")
	return nil
}

// CloseAllSessions closes every live session and returns how many it closed.
func (r *SessionRegistry) CloseAllSessions(ctx context.Context) (int, error) {
	r.mu.Lock()
	records := make([]*sessionRecord, 0, len(r.sessions))
	for id, rec := range r.sessions {
		records = append(records, rec)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	for _, rec := range records {
		r.finish(rec, domain.StateClosed, "closed_all")
	}
	if len(records) > 0 {
		r.logger.Infow("closed all sessions", "count", len(records))
	}
	return len(records), nil
}

// Touch refreshes the session's idle deadline. Unknown IDs are ignored:
// activity on a dead session is not an error.
func (r *SessionRegistry) Touch(id domain.SessionID) {
	r.mu.RLock()
	rec := r.sessions[id]
	r.mu.RUnlock()
	if rec != nil {
		rec.touch()
	}
}

func (r *SessionRegistry) GetSession(id domain.SessionID) (*domain.Session, error) {
	rec, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	return rec.snapshot(), nil
}

func (r *SessionRegistry) ListSessions() []*domain.Session {
	r.mu.RLock()
	records := make([]*sessionRecord, 0, len(r.sessions))
	for _, rec := range r.sessions {
		records = append(records, rec)
	}
	r.mu.RUnlock()

	sessions := make([]*domain.Session, 0, len(records))
	for _, rec := range records {
		sessions = append(sessions, rec.snapshot())
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return sessions
}

// SweepExpired closes every session past its idle or absolute deadline and
// returns the IDs it closed. Meant to be driven by a ticker.
func (r *SessionRegistry) SweepExpired(ctx context.Context) []domain.SessionID {
	now := utils.Now()

	r.mu.RLock()
	candidates := make(map[domain.SessionID]*sessionRecord, len(r.sessions))
	for id, rec := range r.sessions {
		candidates[id] = rec
	}
	r.mu.RUnlock()

	var closed []domain.SessionID
	for id, rec := range candidates {
		rec.mu.Lock()
		lastActivity := rec.session.LastActivity
		created := rec.session.CreatedAt
		rec.mu.Unlock()

		idleExpired := utils.IsExpired(lastActivity, r.cfg.IdleTimeout)
		ageExpired := utils.IsExpired(created, r.cfg.MaxAge)
		if !idleExpired && !ageExpired {
			continue
		}
		if taken := r.take(id); taken != nil {
			reason := "idle_timeout"
			if ageExpired {
				reason = "max_age"
			}
			r.finish(taken, domain.StateClosed, reason)
			closed = append(closed, id)
			r.logger.Infow("session expired",
				"session_id", id, "reason", reason,
				"idle", now.Sub(lastActivity), "age", now.Sub(created))
		}
	}
	r.metrics.RecordSweep(len(closed))
	return closed
}

// lookup returns the record for id or ErrSessionNotFound.
func (r *SessionRegistry) lookup(id domain.SessionID) (*sessionRecord, error) {
	r.mu.RLock()
	rec := r.sessions[id]
	r.mu.RUnlock()
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	return rec, nil
}

// take removes and returns the record for id, or nil if absent. Removal and
// teardown are split so that two concurrent closers cannot both tear down.
func (r *SessionRegistry) take(id domain.SessionID) *sessionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.sessions[id]
	if rec != nil {
		delete(r.sessions, id)
	}
	return rec
}

// failSession removes the session after a negotiation error and tears it down
// into the failed state.
func (r *SessionRegistry) failSession(id domain.SessionID, reason string) {
	if rec := r.take(id); rec != nil {
		r.finish(rec, domain.StateFailed, reason)
	}
}

// handleTransportDisconnect runs when the peer connection reports a terminal
// state. A connected session closes; one still negotiating fails.
func (r *SessionRegistry) handleTransportDisconnect(id domain.SessionID) {
	rec := r.take(id)
	if rec == nil {
		return
	}
	state, reason := domain.StateFailed, "transport_failure"
	if rec.neg.current() == domain.StateConnected {
		state, reason = domain.StateClosed, "disconnected"
	}
	r.finish(rec, state, reason)
	r.logger.Infow("session transport disconnected", "session_id", id, "reason", reason)
}

// finish is the single teardown path. The sync.Once on the record guarantees
// references are released exactly once no matter how many paths race here
// (explicit close, sweep, disconnect callback, negotiation failure).
func (r *SessionRegistry) finish(rec *sessionRecord, state domain.NegotiationState, reason string) {
	rec.neg.terminate(state)

	rec.releaseOnce.Do(func() {
		if rec.peer != nil {
			if err := rec.peer.Close(); err != nil {
				r.logger.Warnw("failed to close peer connection",
					"session_id", rec.session.ID, "error", err)
			}
		}

		rec.mu.Lock()
		deviceID := rec.session.DeviceID
		types := append([]domain.StreamType(nil), rec.session.StreamTypes...)
		rec.mu.Unlock()

		r.releaseAll(deviceID, types)
		r.metrics.SessionClosed(deviceID, reason)
		r.logger.Infow("session closed",
			"session_id", rec.session.ID, "device_id", deviceID, "reason", reason)
	})
}

// releaseAll releases a set of references with a context detached from the
// caller: cleanup must proceed even when the originating request is gone.
func (r *SessionRegistry) releaseAll(deviceID domain.DeviceID, types []domain.StreamType) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.DeviceTimeout)
	defer cancel()
	for _, t := range types {
		r.refs.Release(ctx, deviceID, t)
	}
}

func dedupe(types []domain.StreamType) []domain.StreamType {
	seen := make(map[domain.StreamType]bool, len(types))
	out := make([]domain.StreamType, 0, len(types))
	for _, t := range types {
		if seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
