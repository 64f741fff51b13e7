package domain

import "time"

// PresenceStatus is the lifecycle of a participant record. A record is
// soft-deleted ("left") when the store denies a hard delete, and "removed"
// when another participant kicks the user.
type PresenceStatus string

const (
	StatusActive  PresenceStatus = "active"
	StatusLeft    PresenceStatus = "left"
	StatusRemoved PresenceStatus = "removed"
)

// RenegRequest is the out-of-band ask a non-offerer writes onto its own
// presence record when only the offerer may touch the session document's
// offer. The offerer watches for id changes and runs the cycle on the
// requester's behalf.
type RenegRequest struct {
	ID          string    `json:"id"`
	Reason      string    `json:"reason"`
	RequestedAt time.Time `json:"requestedAt"`
}

// Presence is one user's participation record in a room: capability flags
// for the roster, a stream id correlating transport-level media to this
// participant, and the renegotiation-request side channel.
// No negotiation logic here.
type Presence struct {
	UID      UserID         `json:"uid"`
	Username string         `json:"username"`
	HasAudio bool           `json:"hasAudio"`
	HasVideo bool           `json:"hasVideo"`
	Sharing  bool           `json:"sharing"`
	Status   PresenceStatus `json:"status"`
	StreamID string         `json:"streamId,omitempty"`
	Reneg    *RenegRequest  `json:"reneg,omitempty"`
	JoinedAt time.Time      `json:"joinedAt"`
}

// Active reports whether the record still counts toward room occupancy.
func (p *Presence) Active() bool {
	return p != nil && p.Status == StatusActive
}

// NewPresence keeps construction in one place so adapters never build raw
// literals.
func NewPresence(user *User, streamID string) *Presence {
	return &Presence{
		UID:      user.ID,
		Username: user.Username,
		HasAudio: true,
		HasVideo: true,
		Status:   StatusActive,
		StreamID: streamID,
		JoinedAt: time.Now(),
	}
}

// MediaIntent is the user's desired local media configuration. It survives
// full reconnects: after a rejoin the engine re-applies the last intent.
type MediaIntent struct {
	Audio   bool
	Video   bool
	Sharing bool
}
