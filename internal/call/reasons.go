package call

// Reason tags one renegotiation trigger. Reasons are coalesced into a
// single debounced cycle; RequireOfferer marks triggers only the offerer
// may act on, ICERestart requests a connectivity restart inside the next
// offer.
type Reason struct {
	Tag            string
	RequireOfferer bool
	ICERestart     bool
}

var (
	ReasonCameraOn      = Reason{Tag: "camera-on"}
	ReasonCameraOff     = Reason{Tag: "camera-off"}
	ReasonMuteChanged   = Reason{Tag: "mute-changed"}
	ReasonShareStarted  = Reason{Tag: "share-started"}
	ReasonShareStopped  = Reason{Tag: "share-stopped"}
	ReasonRosterChange  = Reason{Tag: "roster-change"}
	ReasonRecovery      = Reason{Tag: "recovery", RequireOfferer: true, ICERestart: true}
	ReasonPeerRequested = Reason{Tag: "peer-requested"}
)

// pushReason appends r to the pending set unless an equal tag is already
// queued; order of first arrival is preserved.
func (s *CallSession) pushReason(r Reason) {
	for i := range s.pendingReasons {
		if s.pendingReasons[i].Tag == r.Tag {
			return
		}
	}
	s.pendingReasons = append(s.pendingReasons, r)
}

// takeReasons drains the pending set, reporting whether any queued reason
// asked for an ICE restart.
func (s *CallSession) takeReasons() (tags []string, iceRestart bool) {
	for _, r := range s.pendingReasons {
		tags = append(tags, r.Tag)
		if r.ICERestart {
			iceRestart = true
		}
	}
	s.pendingReasons = s.pendingReasons[:0]
	return tags, iceRestart
}
