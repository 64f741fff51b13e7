package domain

import (
	"time"
)

// DescriptionType mirrors the SDP type of a stored description.
type DescriptionType string

const (
	DescriptionOffer  DescriptionType = "offer"
	DescriptionAnswer DescriptionType = "answer"
)

// Description is one half of an offer/answer exchange as stored in the
// session document. SDP is the inline payload; Ref optionally points at a
// side-channel blob holding the same payload (the inline copy is the
// fallback when the side channel is unreadable).
type Description struct {
	Type      DescriptionType `json:"type"`
	SDP       string          `json:"sdp,omitempty"`
	Ref       string          `json:"ref,omitempty"`
	Revision  int64           `json:"revision"`
	UpdatedAt time.Time       `json:"updatedAt"`
	UpdatedBy UserID          `json:"updatedBy"`
}

// SessionDoc is the single shared record through which two endpoints in a
// room exchange signaling state. There is exactly one per room; it is the
// signaling channel.
//
// Invariants: Offer.Revision strictly increases across renegotiations, and
// an Answer is valid only while Answer.Revision == Offer.Revision.
type SessionDoc struct {
	Offer     *Description `json:"offer,omitempty"`
	Answer    *Description `json:"answer,omitempty"`
	CreatedAt time.Time    `json:"createdAt"`
	CreatedBy UserID       `json:"createdBy"`
}

// HasOffer reports whether the document carries a usable offer.
func (d *SessionDoc) HasOffer() bool {
	return d != nil && d.Offer != nil && (d.Offer.SDP != "" || d.Offer.Ref != "")
}

// AnswerCurrent reports whether the stored answer matches the stored offer's
// revision. A stale answer is treated as absent.
func (d *SessionDoc) AnswerCurrent() bool {
	return d != nil && d.Offer != nil && d.Answer != nil &&
		d.Answer.Revision == d.Offer.Revision
}

// SelfAuthored reports whether both halves of the document were written by
// uid. This is the rejoin-against-own-stale-state case: negotiating against
// it would deadlock, so the caller must reset the document first.
func (d *SessionDoc) SelfAuthored(uid UserID) bool {
	if d == nil || d.Offer == nil {
		return false
	}
	if d.Offer.UpdatedBy != uid {
		return false
	}
	return d.Answer == nil || d.Answer.UpdatedBy == uid
}

// PayloadSize returns the stored SDP byte count across both descriptions.
// Used by the oversized-document guard before joining.
func (d *SessionDoc) PayloadSize() int {
	if d == nil {
		return 0
	}
	n := 0
	if d.Offer != nil {
		n += len(d.Offer.SDP)
	}
	if d.Answer != nil {
		n += len(d.Answer.SDP)
	}
	return n
}
