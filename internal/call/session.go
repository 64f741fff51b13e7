// Package call implements the leaderless two-endpoint negotiation engine.
// Two clients in a room establish a direct WebRTC session by reading and
// writing one shared session document in a realtime document store; there
// is no signaling server and no coordinator. The CallSession is the owned
// handle every subsystem hangs off: role arbitration, the renegotiation
// scheduler, the candidate trickle bus, the health/recovery loop and the
// artifact garbage collector all share its single-consumer loop.
package call

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Parley/internal/core"
	"github.com/dkeye/Parley/internal/domain"
)

var (
	// ErrSessionClosed is returned by API calls after Leave.
	ErrSessionClosed = errors.New("call session closed")
	// ErrReconnectExhausted is the terminal recovery failure, carried in
	// Status.Err once the bounded reconnect attempts are spent.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// State is the user-visible call lifecycle.
type State string

const (
	StateNew          State = "new"
	StateJoining      State = "joining"
	StateWaiting      State = "waiting-for-peer"
	StateNegotiating  State = "negotiating"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
	StateLeft         State = "left"
)

// Status is the snapshot handed to UI consumers: status text, roster and
// connection indicator. No negotiation internals leak through it.
type Status struct {
	State      State
	IsOfferer  bool
	OfferRev   int64
	Roster     []domain.Presence
	Intent     domain.MediaIntent
	Reconnects int
	// Err is set once the state is terminal, ErrReconnectExhausted being
	// the one recovery produces.
	Err error
}

// CallSession drives one user's participation in one room. All mutable
// negotiation state is owned by the session loop; public methods post onto
// it and never touch fields directly.
type CallSession struct {
	cfg     Config
	store   core.DocStore
	factory core.TransportFactory
	room    domain.RoomID
	user    *domain.User

	tasks chan task
	quit  chan struct{}
	done  chan struct{}

	// Loop-owned negotiation state.
	transport     core.MediaTransport
	isOfferer     bool
	lastOfferRev  int64
	lastAnswerRev int64

	pendingReasons []Reason
	awaitingStable bool
	needsPromotion bool
	negotiating    bool
	inlineOnly     bool

	intent   domain.MediaIntent
	streamID string
	state    State
	lastErr  error
	left     bool

	// Preserved across full document replacements.
	docCreatedAt time.Time
	docCreatedBy domain.UserID

	// Trickle bus state, keyed by the structural candidate key.
	published   map[domain.CandidateKey]struct{}
	applied     map[domain.CandidateKey]struct{}
	queuedKeys  map[domain.CandidateKey]struct{}
	retried     map[domain.CandidateKey]struct{}
	queued      []domain.Candidate
	flushing    bool
	localSeq    int64
	handledReqs map[domain.UserID]string

	// Recovery state.
	policy        core.TransportPolicy
	errorStreak   int
	healthMisses  int
	reconnects    int
	lastConnected time.Time
	lastRestart   time.Time

	// Active subscriptions; replaced wholesale on renegotiation/reconnect.
	cancelSession core.CancelFunc
	cancelPres    core.CancelFunc
	cancelCands   core.CancelFunc

	// Timers, uniformly arm/cancel.
	negotiateTimer *timer
	presenceTimer  *timer
	restartTimer   *timer
	reconnectTimer *timer
	graceTimer     *timer
	healthTimer    *timer
	flushTimer     *timer

	roster map[domain.UserID]domain.Presence
	diag   *diagLog

	statusFn func(Status)
	trackFn  func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
}

// New builds a session for user in room. Join starts it.
func New(store core.DocStore, factory core.TransportFactory, room domain.RoomID, user *domain.User, cfg Config) *CallSession {
	cfg = cfg.withDefaults()
	s := &CallSession{
		cfg:         cfg,
		store:       store,
		factory:     factory,
		room:        room,
		user:        user,
		tasks:       make(chan task, inboxBuffer),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		streamID:    uuid.NewString(),
		state:       StateNew,
		intent:      domain.MediaIntent{Audio: true, Video: true},
		published:   make(map[domain.CandidateKey]struct{}),
		applied:     make(map[domain.CandidateKey]struct{}),
		queuedKeys:  make(map[domain.CandidateKey]struct{}),
		retried:     make(map[domain.CandidateKey]struct{}),
		handledReqs: make(map[domain.UserID]string),
		roster:      make(map[domain.UserID]domain.Presence),
		diag:        newDiagLog(cfg.DiagCapacity),
	}
	s.negotiateTimer = s.newTimer()
	s.presenceTimer = s.newTimer()
	s.restartTimer = s.newTimer()
	s.reconnectTimer = s.newTimer()
	s.graceTimer = s.newTimer()
	s.healthTimer = s.newTimer()
	s.flushTimer = s.newTimer()
	go s.run()
	return s
}

// SetStatusFunc registers the UI status sink. Call before Join.
func (s *CallSession) SetStatusFunc(fn func(Status)) { s.statusFn = fn }

// SetTrackFunc registers the inbound-track sink. Call before Join.
func (s *CallSession) SetTrackFunc(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	s.trackFn = fn
}

// Join reads the session document, arbitrates the local role and starts
// negotiating. It returns once the initial offer or answer is published.
func (s *CallSession) Join(ctx context.Context) error {
	return s.call(func() error { return s.join(ctx) })
}

// Leave tears the session down: timers, watches, transport, presence and
// owned artifacts. Blocks until the loop exits.
func (s *CallSession) Leave(ctx context.Context) error {
	err := s.call(func() error { return s.leave(ctx) })
	close(s.quit)
	<-s.done
	return err
}

// Done closes when the session loop has exited.
func (s *CallSession) Done() <-chan struct{} { return s.done }

// SetAudio flips the local mute intent and schedules a renegotiation.
func (s *CallSession) SetAudio(on bool) error {
	return s.call(func() error { return s.applyIntentChange(ReasonMuteChanged, func(i *domain.MediaIntent) { i.Audio = on }) })
}

// SetVideo flips the local camera intent and schedules a renegotiation.
func (s *CallSession) SetVideo(on bool) error {
	r := ReasonCameraOff
	if on {
		r = ReasonCameraOn
	}
	return s.call(func() error { return s.applyIntentChange(r, func(i *domain.MediaIntent) { i.Video = on }) })
}

// SetSharing flips the screen-share intent and schedules a renegotiation.
func (s *CallSession) SetSharing(on bool) error {
	r := ReasonShareStopped
	if on {
		r = ReasonShareStarted
	}
	return s.call(func() error { return s.applyIntentChange(r, func(i *domain.MediaIntent) { i.Sharing = on }) })
}

// Kick marks another participant's presence record removed.
func (s *CallSession) Kick(ctx context.Context, uid domain.UserID) error {
	return s.call(func() error {
		return s.store.UpdatePresence(ctx, s.room, uid, func(p *domain.Presence) {
			p.Status = domain.StatusRemoved
		})
	})
}

// Snapshot returns the current UI-facing status.
func (s *CallSession) Snapshot() Status {
	var st Status
	if err := s.call(func() error {
		st = s.snapshotLocked()
		return nil
	}); err != nil {
		return Status{State: StateLeft}
	}
	return st
}

// Diagnostics returns the bounded diagnostic log, oldest first.
func (s *CallSession) Diagnostics() []string { return s.diag.Snapshot() }

// snapshotLocked runs on the loop.
func (s *CallSession) snapshotLocked() Status {
	st := Status{
		State:      s.state,
		IsOfferer:  s.isOfferer,
		OfferRev:   s.lastOfferRev,
		Intent:     s.intent,
		Reconnects: s.reconnects,
		Err:        s.lastErr,
	}
	for _, p := range s.roster {
		st.Roster = append(st.Roster, p)
	}
	return st
}

func (s *CallSession) setState(st State) {
	if s.state == st {
		return
	}
	s.state = st
	log.Debug().Str("module", "call").Str("room", string(s.room)).Str("state", string(st)).Msg("state change")
	if s.statusFn != nil {
		s.statusFn(s.snapshotLocked())
	}
}

func (s *CallSession) role() domain.Role {
	if s.isOfferer {
		return domain.RoleOfferer
	}
	return domain.RoleAnswerer
}

// applyIntentChange runs on the loop: update intent, reconcile the
// transport's transceivers, debounce the presence update and schedule the
// renegotiation. A transport error rolls the intent back so UI state keeps
// matching actual capability.
func (s *CallSession) applyIntentChange(reason Reason, mutate func(*domain.MediaIntent)) error {
	if s.left {
		return ErrSessionClosed
	}
	prev := s.intent
	mutate(&s.intent)
	if s.transport != nil {
		if err := s.transport.ApplyIntent(s.intent); err != nil {
			s.intent = prev
			return err
		}
	}
	s.schedulePresenceUpdate()
	s.requestNegotiation(reason)
	return nil
}

// wireTransport attaches every transport callback; each one funnels back
// into the session loop.
func (s *CallSession) wireTransport(t core.MediaTransport) {
	t.OnSignalingStateChange(func(st webrtc.SignalingState) {
		s.post(func() { s.onSignalingState(st) })
	})
	t.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		s.post(func() { s.onConnectionState(st) })
	})
	t.OnICEConnectionStateChange(func(st webrtc.ICEConnectionState) {
		s.post(func() { s.onICEConnectionState(st) })
	})
	t.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		s.post(func() { s.onLocalCandidate(ci) })
	})
	t.OnTrack(func(_ context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		if s.trackFn != nil {
			s.trackFn(track, receiver)
		}
	})
}

// ensureTransport builds the transport lazily under the current policy.
func (s *CallSession) ensureTransport() error {
	if s.transport != nil {
		return nil
	}
	t, err := s.factory(s.policy)
	if err != nil {
		return err
	}
	s.wireTransport(t)
	if err := t.ApplyIntent(s.intent); err != nil {
		_ = t.Close()
		return err
	}
	s.transport = t
	s.healthTimer.Arm(s.cfg.HealthInterval, s.healthCheck)
	return nil
}

// dropTransport closes the transport and invalidates everything scoped to
// it: health checks, pending restart/reconnect fuses, candidate state.
func (s *CallSession) dropTransport() {
	s.healthTimer.Cancel()
	s.restartTimer.Cancel()
	s.graceTimer.Cancel()
	s.flushTimer.Cancel()
	s.flushing = false
	s.healthMisses = 0
	if s.transport != nil {
		if err := s.transport.Close(); err != nil {
			log.Warn().Err(err).Str("module", "call").Msg("transport close")
		}
		s.transport = nil
	}
	s.resetCandidateState()
}

func (s *CallSession) stopWatches() {
	if s.cancelSession != nil {
		s.cancelSession()
		s.cancelSession = nil
	}
	if s.cancelPres != nil {
		s.cancelPres()
		s.cancelPres = nil
	}
	s.stopCandidateWatch()
}

func (s *CallSession) stopCandidateWatch() {
	if s.cancelCands != nil {
		s.cancelCands()
		s.cancelCands = nil
	}
}
