package core

import (
	"context"

	"github.com/dkeye/Parley/internal/domain"
)

// SessionEvent is a change notification for a room's session document.
// Doc is nil when Deleted is set.
type SessionEvent struct {
	Doc     *domain.SessionDoc
	Deleted bool
}

// PresenceEventKind mirrors the store's added/modified/removed collection
// subscription semantics.
type PresenceEventKind int

const (
	PresenceAdded PresenceEventKind = iota
	PresenceModified
	PresenceRemoved
)

type PresenceEvent struct {
	Kind     PresenceEventKind
	Presence domain.Presence
}

// CandidateEvent delivers one appended candidate from a revision subtree.
type CandidateEvent struct {
	Role      domain.Role
	Candidate domain.Candidate
}

// CancelFunc detaches a subscription. Safe to call more than once.
type CancelFunc func()

// DocStore is the realtime shared document store the engine signals
// through: per-document subscriptions, per-collection added/removed
// subscriptions, and one transactional conditional write guarding answer
// publication. Implementations must deliver events for a given room in the
// order the writes were applied.
type DocStore interface {
	// Session document.
	GetSession(ctx context.Context, room domain.RoomID) (*domain.SessionDoc, error)
	PutSession(ctx context.Context, room domain.RoomID, doc *domain.SessionDoc) error
	DeleteSession(ctx context.Context, room domain.RoomID) error
	// PublishAnswer writes the answer only if the stored offer's revision
	// still equals answer.Revision; otherwise ErrRevisionMismatch.
	PublishAnswer(ctx context.Context, room domain.RoomID, answer *domain.Description) error
	WatchSession(ctx context.Context, room domain.RoomID, fn func(SessionEvent)) (CancelFunc, error)

	// Revision subtrees.
	AddCandidate(ctx context.Context, room domain.RoomID, role domain.Role, cand domain.Candidate) error
	WatchCandidates(ctx context.Context, room domain.RoomID, revision int64, role domain.Role, fn func(CandidateEvent)) (CancelFunc, error)
	ListRevisions(ctx context.Context, room domain.RoomID) ([]int64, error)
	DeleteRevision(ctx context.Context, room domain.RoomID, revision int64) error

	// Presence registry.
	PutPresence(ctx context.Context, room domain.RoomID, p *domain.Presence) error
	UpdatePresence(ctx context.Context, room domain.RoomID, uid domain.UserID, mutate func(*domain.Presence)) error
	DeletePresence(ctx context.Context, room domain.RoomID, uid domain.UserID) error
	ListPresence(ctx context.Context, room domain.RoomID) ([]domain.Presence, error)
	WatchPresence(ctx context.Context, room domain.RoomID, fn func(PresenceEvent)) (CancelFunc, error)

	// Side-channel description blobs, keyed by ref. May return
	// ErrPermission; callers fall back to the inline copy.
	PutDescription(ctx context.Context, room domain.RoomID, ref string, sdp string) error
	GetDescription(ctx context.Context, room domain.RoomID, ref string) (string, error)
	DeleteDescriptions(ctx context.Context, room domain.RoomID) error

	Close() error
}
