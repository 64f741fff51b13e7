package core

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/Parley/internal/domain"
)

// TransportPolicy is the connectivity policy applied when a transport is
// built. Escalated by the recovery loop after repeated failures; a policy
// change takes effect on the next reconnect, never on a live transport.
type TransportPolicy struct {
	RelayOnly    bool
	FallbackTURN bool
}

// TransportStats is the slice of get-statistics the periodic health check
// inspects. ActivePair is true when a succeeded, nominated candidate pair
// currently carries traffic.
type TransportStats struct {
	ActivePair     bool
	SelectedPairID string
}

// MediaTransport is the connectivity agent seen by the engine: an opaque
// async service reached only through these operations and callbacks.
// Owned by the adapter; the adapter must Close() it.
type MediaTransport interface {
	CreateOffer(iceRestart bool) (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	// AddICECandidate applies a remote connectivity candidate.
	AddICECandidate(webrtc.ICECandidateInit) error

	SignalingState() webrtc.SignalingState
	ConnectionState() webrtc.PeerConnectionState
	RemoteDescriptionSet() bool
	Stats() TransportStats

	// ApplyIntent reconciles transceiver directions with the user's current
	// mute/camera/share intent. Direction changes surface as a negotiation
	// trigger, not here.
	ApplyIntent(intent domain.MediaIntent) error

	OnSignalingStateChange(func(webrtc.SignalingState))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	OnICEConnectionStateChange(func(webrtc.ICEConnectionState))
	// OnICECandidate sets a callback for newly gathered local candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnTrack sets a callback invoked when a remote track arrives.
	OnTrack(func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver))

	Close() error
}

// TransportFactory builds a fresh transport for each connect and reconnect
// under the policy in force at that moment.
type TransportFactory func(policy TransportPolicy) (MediaTransport, error)
