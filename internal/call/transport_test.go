package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/Parley/internal/core"
	"github.com/dkeye/Parley/internal/domain"
)

const testRoom = domain.RoomID("room-1")

// fakeTransport stands in for the pion peer connection: it tracks the
// offer/answer exchange and the signaling state machine but moves no
// packets.
type fakeTransport struct {
	mu         sync.Mutex
	policy     core.TransportPolicy
	offers     int
	answers    int
	restarts   []bool
	local      *webrtc.SessionDescription
	remote     *webrtc.SessionDescription
	added      []webrtc.ICECandidateInit
	failAdds   map[string]int
	signaling  webrtc.SignalingState
	connState  webrtc.PeerConnectionState
	activePair bool
	intent     domain.MediaIntent
	closed     bool

	onSig  func(webrtc.SignalingState)
	onConn func(webrtc.PeerConnectionState)
	onICE  func(webrtc.ICEConnectionState)
	onCand func(webrtc.ICECandidateInit)
}

func (f *fakeTransport) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers++
	f.restarts = append(f.restarts, iceRestart)
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  fmt.Sprintf("v=0\r\no=- fake-offer-%d\r\n", f.offers),
	}, nil
}

func (f *fakeTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers++
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  fmt.Sprintf("v=0\r\no=- fake-answer-%d\r\n", f.answers),
	}, nil
}

func (f *fakeTransport) SetLocalDescription(d webrtc.SessionDescription) error {
	f.mu.Lock()
	f.local = &d
	if d.Type == webrtc.SDPTypeOffer {
		f.signaling = webrtc.SignalingStateHaveLocalOffer
	} else {
		f.signaling = webrtc.SignalingStateStable
	}
	cb, st := f.onSig, f.signaling
	f.mu.Unlock()
	if cb != nil {
		cb(st)
	}
	return nil
}

func (f *fakeTransport) SetRemoteDescription(d webrtc.SessionDescription) error {
	f.mu.Lock()
	f.remote = &d
	if d.Type == webrtc.SDPTypeOffer {
		f.signaling = webrtc.SignalingStateHaveRemoteOffer
	} else {
		f.signaling = webrtc.SignalingStateStable
	}
	cb, st := f.onSig, f.signaling
	f.mu.Unlock()
	if cb != nil {
		cb(st)
	}
	return nil
}

func (f *fakeTransport) AddICECandidate(ci webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n := f.failAdds[ci.Candidate]; n > 0 {
		f.failAdds[ci.Candidate] = n - 1
		return errors.New("transient add failure")
	}
	f.added = append(f.added, ci)
	return nil
}

func (f *fakeTransport) SignalingState() webrtc.SignalingState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signaling
}

func (f *fakeTransport) ConnectionState() webrtc.PeerConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connState
}

func (f *fakeTransport) RemoteDescriptionSet() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remote != nil
}

func (f *fakeTransport) Stats() core.TransportStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return core.TransportStats{ActivePair: f.activePair}
}

func (f *fakeTransport) ApplyIntent(intent domain.MediaIntent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.intent = intent
	return nil
}

func (f *fakeTransport) OnSignalingStateChange(fn func(webrtc.SignalingState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onSig = fn
}

func (f *fakeTransport) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onConn = fn
}

func (f *fakeTransport) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onICE = fn
}

func (f *fakeTransport) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onCand = fn
}

func (f *fakeTransport) OnTrack(func(context.Context, *webrtc.TrackRemote, *webrtc.RTPReceiver)) {}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) fireCandidate(ci webrtc.ICECandidateInit) {
	f.mu.Lock()
	cb := f.onCand
	f.mu.Unlock()
	if cb != nil {
		cb(ci)
	}
}

func (f *fakeTransport) setConnected(pair bool) {
	f.mu.Lock()
	f.connState = webrtc.PeerConnectionStateConnected
	f.activePair = pair
	f.mu.Unlock()
}

func (f *fakeTransport) addedCandidates() []webrtc.ICECandidateInit {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]webrtc.ICECandidateInit, len(f.added))
	copy(out, f.added)
	return out
}

func (f *fakeTransport) sawRestart() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.restarts {
		if r {
			return true
		}
	}
	return false
}

func (f *fakeTransport) offerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offers
}

type fakeFactory struct {
	mu         sync.Mutex
	policies   []core.TransportPolicy
	transports []*fakeTransport
	failAfter  int
}

func (f *fakeFactory) build(p core.TransportPolicy) (core.MediaTransport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAfter > 0 && len(f.transports) >= f.failAfter {
		return nil, errors.New("factory exhausted")
	}
	t := &fakeTransport{policy: p, failAdds: make(map[string]int)}
	f.policies = append(f.policies, p)
	f.transports = append(f.transports, t)
	return t, nil
}

func (f *fakeFactory) last() *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.transports) == 0 {
		return nil
	}
	return f.transports[len(f.transports)-1]
}

// testConfig shrinks every timing knob so event-driven assertions settle
// in milliseconds. DeleteDocAfterFailures is parked high so recovery
// tests control document deletion explicitly.
func testConfig() Config {
	return Config{
		NegotiationDebounce:     5 * time.Millisecond,
		PresenceDebounce:        5 * time.Millisecond,
		CandidateFlushDelay:     time.Millisecond,
		RestartMinSpacing:       10 * time.Millisecond,
		ConnectedCooldown:       time.Millisecond,
		HealthInterval:          5 * time.Millisecond,
		HealthStrikes:           2,
		ReconnectBase:           5 * time.Millisecond,
		ReconnectCap:            20 * time.Millisecond,
		FailedReconnectDelay:    time.Millisecond,
		DisconnectedGrace:       250 * time.Millisecond,
		MaxReconnectAttempts:    8,
		DeleteDocAfterFailures:  99,
		RelayOnlyAfterErrors:    2,
		FallbackTURNAfterErrors: 3,
		AnswerAttempts:          3,
		OversizedDocBytes:       256 << 10,
		DiagCapacity:            64,
	}
}

type harness struct {
	sess    *CallSession
	factory *fakeFactory
	user    *domain.User
	closed  bool
}

func newHarness(t *testing.T, store core.DocStore, uid, name string, cfg Config) *harness {
	t.Helper()
	h := &harness{
		factory: &fakeFactory{},
		user:    &domain.User{ID: domain.UserID(uid), Username: name},
	}
	h.sess = New(store, h.factory.build, testRoom, h.user, cfg)
	t.Cleanup(func() { h.leave(t) })
	return h
}

func (h *harness) join(t *testing.T) {
	t.Helper()
	if err := h.sess.Join(context.Background()); err != nil {
		t.Fatalf("join: %v", err)
	}
}

func (h *harness) leave(t *testing.T) {
	t.Helper()
	if h.closed {
		return
	}
	h.closed = true
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.sess.Leave(ctx); err != nil && !errors.Is(err, ErrSessionClosed) {
		t.Errorf("leave: %v", err)
	}
}

// inspect runs fn on the session loop, so loop-owned fields can be read
// without racing.
func (h *harness) inspect(t *testing.T, fn func(*CallSession)) {
	t.Helper()
	if err := h.sess.call(func() error {
		fn(h.sess)
		return nil
	}); err != nil {
		t.Fatalf("inspect: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// peerAnswer publishes an answer as if a remote endpoint wrote it.
func peerAnswer(t *testing.T, store core.DocStore, rev int64, uid string) {
	t.Helper()
	err := store.PublishAnswer(context.Background(), testRoom, &domain.Description{
		Type:      domain.DescriptionAnswer,
		SDP:       fmt.Sprintf("v=0\r\no=- peer-answer-%d\r\n", rev),
		Revision:  rev,
		UpdatedAt: time.Now(),
		UpdatedBy: domain.UserID(uid),
	})
	if err != nil {
		t.Fatalf("peer answer rev %d: %v", rev, err)
	}
}

// peerOffer replaces the session document as if a remote endpoint took the
// offerer role.
func peerOffer(t *testing.T, store core.DocStore, rev int64, uid string) {
	t.Helper()
	err := store.PutSession(context.Background(), testRoom, &domain.SessionDoc{
		Offer: &domain.Description{
			Type:      domain.DescriptionOffer,
			SDP:       fmt.Sprintf("v=0\r\no=- peer-offer-%d\r\n", rev),
			Revision:  rev,
			UpdatedAt: time.Now(),
			UpdatedBy: domain.UserID(uid),
		},
		CreatedAt: time.Now(),
		CreatedBy: domain.UserID(uid),
	})
	if err != nil {
		t.Fatalf("peer offer rev %d: %v", rev, err)
	}
}
