// Package rtc adapts pion PeerConnections to the engine's MediaTransport
// interface. The engine never sees pion lifecycle details; policy
// escalation (relay-only, fallback TURN) is applied here when a transport
// is built.
package rtc

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Parley/internal/core"
	"github.com/dkeye/Parley/internal/domain"
)

// TURNServer is one relay endpoint plus credentials.
type TURNServer struct {
	URLs       []string
	Username   string
	Credential string
}

// Config is the static connectivity configuration; the per-connect policy
// comes from the engine.
type Config struct {
	STUNServers  []string
	TURNServers  []TURNServer
	FallbackTURN *TURNServer
}

func DefaultConfig() Config {
	return Config{
		STUNServers: []string{"stun:stun.l.google.com:19302"},
	}
}

func (c Config) webrtcConfiguration(policy core.TransportPolicy) webrtc.Configuration {
	cfg := webrtc.Configuration{}
	if len(c.STUNServers) > 0 {
		cfg.ICEServers = append(cfg.ICEServers, webrtc.ICEServer{URLs: c.STUNServers})
	}
	for _, t := range c.TURNServers {
		cfg.ICEServers = append(cfg.ICEServers, webrtc.ICEServer{
			URLs:       t.URLs,
			Username:   t.Username,
			Credential: t.Credential,
		})
	}
	if policy.FallbackTURN && c.FallbackTURN != nil {
		cfg.ICEServers = append(cfg.ICEServers, webrtc.ICEServer{
			URLs:       c.FallbackTURN.URLs,
			Username:   c.FallbackTURN.Username,
			Credential: c.FallbackTURN.Credential,
		})
	}
	if policy.RelayOnly {
		cfg.ICETransportPolicy = webrtc.ICETransportPolicyRelay
	}
	return cfg
}

// NewFactory returns the TransportFactory the engine calls on every
// connect and reconnect.
func NewFactory(cfg Config) core.TransportFactory {
	return func(policy core.TransportPolicy) (core.MediaTransport, error) {
		pc, err := webrtc.NewPeerConnection(cfg.webrtcConfiguration(policy))
		if err != nil {
			return nil, err
		}
		log.Debug().Str("module", "rtc").Bool("relay_only", policy.RelayOnly).Bool("fallback_turn", policy.FallbackTURN).Msg("peer connection created")
		return &Transport{pc: pc}, nil
	}
}

// Transport wraps one PeerConnection.
type Transport struct {
	pc *webrtc.PeerConnection

	mu      sync.Mutex
	audioTx *webrtc.RTPTransceiver
	videoTx *webrtc.RTPTransceiver
	shareTx *webrtc.RTPTransceiver
	closed  bool
}

func (t *Transport) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	return t.pc.CreateOffer(opts)
}

func (t *Transport) CreateAnswer() (webrtc.SessionDescription, error) {
	return t.pc.CreateAnswer(nil)
}

func (t *Transport) SetLocalDescription(d webrtc.SessionDescription) error {
	return t.pc.SetLocalDescription(d)
}

func (t *Transport) SetRemoteDescription(d webrtc.SessionDescription) error {
	return t.pc.SetRemoteDescription(d)
}

func (t *Transport) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(ci)
}

func (t *Transport) SignalingState() webrtc.SignalingState {
	return t.pc.SignalingState()
}

func (t *Transport) ConnectionState() webrtc.PeerConnectionState {
	return t.pc.ConnectionState()
}

func (t *Transport) RemoteDescriptionSet() bool {
	return t.pc.RemoteDescription() != nil
}

// Stats reduces pion's report to what the health check needs: whether a
// nominated, succeeded candidate pair is active.
func (t *Transport) Stats() core.TransportStats {
	report := t.pc.GetStats()
	out := core.TransportStats{}
	for _, v := range report {
		pair, ok := v.(webrtc.ICECandidatePairStats)
		if !ok {
			continue
		}
		if pair.State == webrtc.StatsICECandidatePairStateSucceeded && pair.Nominated {
			out.ActivePair = true
			out.SelectedPairID = pair.ID
			return out
		}
	}
	return out
}

// ApplyIntent reconciles transceivers with the user's media intent. Audio
// and video lanes exist from the first call; a screen-share lane is added
// when sharing first turns on. Capture is out of scope, so lanes are
// receive-only (pion's AddTransceiverFromKind supports recvonly and
// sendrecv) and a mute toggle changes presence flags, not the transport.
func (t *Transport) ApplyIntent(intent domain.MediaIntent) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	var err error
	if t.audioTx == nil {
		t.audioTx, err = t.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		})
		if err != nil {
			return err
		}
	}
	if t.videoTx == nil {
		t.videoTx, err = t.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		})
		if err != nil {
			return err
		}
	}
	if intent.Sharing && t.shareTx == nil {
		t.shareTx, err = t.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *Transport) OnSignalingStateChange(fn func(webrtc.SignalingState)) {
	t.pc.OnSignalingStateChange(fn)
}

func (t *Transport) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	t.pc.OnConnectionStateChange(fn)
}

func (t *Transport) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	t.pc.OnICEConnectionStateChange(fn)
}

func (t *Transport) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	t.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c != nil {
			fn(c.ToJSON())
		}
	})
}

func (t *Transport) OnTrack(fn func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)) {
	t.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		fn(context.Background(), track, receiver)
	})
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	if err := t.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "rtc").Msg("close error")
		return err
	}
	log.Debug().Str("module", "rtc").Msg("peer connection closed")
	return nil
}
