package call

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Parley/internal/core"
	"github.com/dkeye/Parley/internal/domain"
	"github.com/dkeye/Parley/internal/store/memstore"
)

func TestJoinEmptyRoomBecomesOfferer(t *testing.T) {
	st := memstore.New()
	defer st.Close()
	ctx := context.Background()

	h := newHarness(t, st, "alice", "Alice", testConfig())
	h.join(t)

	snap := h.sess.Snapshot()
	if !snap.IsOfferer {
		t.Fatal("first joiner must take the offerer role")
	}
	if snap.OfferRev != 1 {
		t.Fatalf("initial offer revision = %d, want 1", snap.OfferRev)
	}
	if snap.State != StateWaiting {
		t.Fatalf("state = %s, want %s", snap.State, StateWaiting)
	}

	doc, err := st.GetSession(ctx, testRoom)
	if err != nil {
		t.Fatalf("session document: %v", err)
	}
	if doc.Offer == nil || doc.Offer.Revision != 1 || doc.Offer.UpdatedBy != "alice" {
		t.Fatalf("unexpected offer: %+v", doc.Offer)
	}
	if doc.Answer != nil {
		t.Fatal("fresh offer must not carry an answer")
	}
	if doc.Offer.Ref == "" {
		t.Fatal("offer should reference a side-channel blob")
	}
	sdp, err := st.GetDescription(ctx, testRoom, doc.Offer.Ref)
	if err != nil {
		t.Fatalf("side-channel blob: %v", err)
	}
	if sdp != doc.Offer.SDP {
		t.Fatal("side-channel blob and inline SDP diverged")
	}

	list, err := st.ListPresence(ctx, testRoom)
	if err != nil {
		t.Fatalf("presence: %v", err)
	}
	if len(list) != 1 || list[0].UID != "alice" || !list[0].Active() {
		t.Fatalf("unexpected presence: %+v", list)
	}
}

func TestSecondJoinerAnswers(t *testing.T) {
	st := memstore.New()
	defer st.Close()
	ctx := context.Background()

	a := newHarness(t, st, "alice", "Alice", testConfig())
	a.join(t)
	b := newHarness(t, st, "bob", "Bob", testConfig())
	b.join(t)

	snap := b.sess.Snapshot()
	if snap.IsOfferer {
		t.Fatal("second joiner must answer, not offer")
	}
	if snap.OfferRev != 1 {
		t.Fatalf("answerer tracked revision = %d, want 1", snap.OfferRev)
	}

	doc, err := st.GetSession(ctx, testRoom)
	if err != nil {
		t.Fatalf("session document: %v", err)
	}
	if !doc.AnswerCurrent() || doc.Answer.UpdatedBy != "bob" {
		t.Fatalf("unexpected answer: %+v", doc.Answer)
	}

	// The offerer applies the answer off its document watch.
	waitFor(t, "offerer to apply the answer", func() bool {
		return a.sess.Snapshot().State == StateConnecting
	})
	if !a.factory.last().RemoteDescriptionSet() {
		t.Fatal("offerer transport has no remote description")
	}
}

func TestOfferRevisionsStrictlyIncrease(t *testing.T) {
	st := memstore.New()
	defer st.Close()
	ctx := context.Background()

	a := newHarness(t, st, "alice", "Alice", testConfig())
	a.join(t)
	b := newHarness(t, st, "bob", "Bob", testConfig())
	b.join(t)

	var revs []int64
	cancel, err := st.WatchSession(ctx, testRoom, func(ev core.SessionEvent) {
		if ev.Doc != nil && ev.Doc.Offer != nil {
			revs = append(revs, ev.Doc.Offer.Revision)
		}
	})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer cancel()

	waitFor(t, "initial exchange to settle", func() bool {
		return a.sess.Snapshot().State == StateConnecting
	})

	if err := a.sess.SetVideo(false); err != nil {
		t.Fatalf("set video: %v", err)
	}
	waitFor(t, "renegotiated revision 2", func() bool {
		doc, err := st.GetSession(ctx, testRoom)
		return err == nil && doc.Offer.Revision == 2 && doc.AnswerCurrent()
	})
	if err := a.sess.SetSharing(true); err != nil {
		t.Fatalf("set sharing: %v", err)
	}
	waitFor(t, "renegotiated revision 3", func() bool {
		doc, err := st.GetSession(ctx, testRoom)
		return err == nil && doc.Offer.Revision == 3 && doc.AnswerCurrent()
	})

	for i := 1; i < len(revs); i++ {
		if revs[i] < revs[i-1] {
			t.Fatalf("offer revision regressed: %v", revs)
		}
	}
}

func TestSelfAuthoredDocumentResetOnRejoin(t *testing.T) {
	st := memstore.New()
	defer st.Close()
	ctx := context.Background()

	// A crashed endpoint left behind a document it wrote both halves of.
	err := st.PutSession(ctx, testRoom, &domain.SessionDoc{
		Offer: &domain.Description{
			Type: domain.DescriptionOffer, SDP: "v=0 stale offer", Revision: 5,
			UpdatedAt: time.Now(), UpdatedBy: "alice",
		},
		Answer: &domain.Description{
			Type: domain.DescriptionAnswer, SDP: "v=0 stale answer", Revision: 5,
			UpdatedAt: time.Now(), UpdatedBy: "alice",
		},
		CreatedAt: time.Now(), CreatedBy: "alice",
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := st.AddCandidate(ctx, testRoom, domain.RoleOfferer, domain.Candidate{Revision: 5, Candidate: "candidate:stale"}); err != nil {
		t.Fatalf("seed candidate: %v", err)
	}
	if err := st.PutDescription(ctx, testRoom, "offer-5-alice", "v=0 stale offer"); err != nil {
		t.Fatalf("seed blob: %v", err)
	}

	h := newHarness(t, st, "alice", "Alice", testConfig())
	h.join(t)

	doc, err := st.GetSession(ctx, testRoom)
	if err != nil {
		t.Fatalf("session document: %v", err)
	}
	if doc.Offer.Revision != 1 || doc.Answer != nil {
		t.Fatalf("rejoin did not reset the document: %+v", doc)
	}
	revs, _ := st.ListRevisions(ctx, testRoom)
	for _, r := range revs {
		if r == 5 {
			t.Fatal("stale revision subtree survived the reset")
		}
	}
	if _, err := st.GetDescription(ctx, testRoom, "offer-5-alice"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("stale blob survived the reset: %v", err)
	}
}

func TestOffererCollisionLowerIDKeepsRole(t *testing.T) {
	st := memstore.New()
	defer st.Close()
	ctx := context.Background()

	a := newHarness(t, st, "alice", "Alice", testConfig())
	a.join(t)
	peerAnswer(t, st, 1, "zed")
	waitFor(t, "answer applied", func() bool {
		return a.sess.Snapshot().State == StateConnecting
	})

	// A concurrent initializer with a higher id replaces the offer.
	peerOffer(t, st, 2, "zed")

	waitFor(t, "lower id to republish above the intruding revision", func() bool {
		doc, err := st.GetSession(ctx, testRoom)
		return err == nil && doc.Offer.UpdatedBy == "alice" && doc.Offer.Revision == 3
	})
	if !a.sess.Snapshot().IsOfferer {
		t.Fatal("lower id must keep the offerer role")
	}
}

func TestOffererCollisionHigherIDDemotes(t *testing.T) {
	st := memstore.New()
	defer st.Close()
	ctx := context.Background()

	z := newHarness(t, st, "zed", "Zed", testConfig())
	z.join(t)

	peerOffer(t, st, 2, "alice")

	waitFor(t, "higher id to demote and answer", func() bool {
		doc, err := st.GetSession(ctx, testRoom)
		return err == nil && doc.AnswerCurrent() &&
			doc.Offer.UpdatedBy == "alice" && doc.Answer.UpdatedBy == "zed"
	})
	if z.sess.Snapshot().IsOfferer {
		t.Fatal("higher id must yield the offerer role")
	}
}

func TestKickedEndpointLeaves(t *testing.T) {
	st := memstore.New()
	defer st.Close()
	ctx := context.Background()

	a := newHarness(t, st, "alice", "Alice", testConfig())
	a.join(t)
	b := newHarness(t, st, "bob", "Bob", testConfig())
	b.join(t)

	if err := a.sess.Kick(ctx, "bob"); err != nil {
		t.Fatalf("kick: %v", err)
	}
	waitFor(t, "kicked endpoint to tear down", func() bool {
		return b.sess.Snapshot().State == StateLeft
	})
	waitFor(t, "kicked presence to disappear", func() bool {
		list, err := st.ListPresence(ctx, testRoom)
		if err != nil {
			return false
		}
		for _, p := range list {
			if p.UID == "bob" {
				return false
			}
		}
		return true
	})
}

func TestOversizedDocumentPurgedBeforeJoin(t *testing.T) {
	st := memstore.New()
	defer st.Close()
	ctx := context.Background()

	err := st.PutSession(ctx, testRoom, &domain.SessionDoc{
		Offer: &domain.Description{
			Type: domain.DescriptionOffer, SDP: strings.Repeat("a=candidate\r\n", 50),
			Revision: 9, UpdatedAt: time.Now(), UpdatedBy: "zed",
		},
		CreatedAt: time.Now(), CreatedBy: "zed",
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	cfg := testConfig()
	cfg.OversizedDocBytes = 64
	h := newHarness(t, st, "alice", "Alice", cfg)
	h.join(t)

	doc, err := st.GetSession(ctx, testRoom)
	if err != nil {
		t.Fatalf("session document: %v", err)
	}
	if doc.Offer.Revision != 1 || doc.Offer.UpdatedBy != "alice" {
		t.Fatalf("oversized document not replaced: %+v", doc.Offer)
	}
}

func TestInlineFallbackWhenSideChannelDenied(t *testing.T) {
	st := memstore.New()
	defer st.Close()
	st.DenyDescriptions(true)
	ctx := context.Background()

	a := newHarness(t, st, "alice", "Alice", testConfig())
	a.join(t)

	doc, err := st.GetSession(ctx, testRoom)
	if err != nil {
		t.Fatalf("session document: %v", err)
	}
	if doc.Offer.Ref != "" {
		t.Fatal("denied side channel must leave Ref empty")
	}
	if doc.Offer.SDP == "" {
		t.Fatal("inline SDP must carry the payload when the side channel is denied")
	}

	// The peer can still answer off the inline copy.
	b := newHarness(t, st, "bob", "Bob", testConfig())
	b.join(t)
	doc, err = st.GetSession(ctx, testRoom)
	if err != nil {
		t.Fatalf("session document: %v", err)
	}
	if !doc.AnswerCurrent() {
		t.Fatalf("inline-only exchange did not complete: %+v", doc)
	}
}

func TestLeaveReturnsErrAfterClose(t *testing.T) {
	st := memstore.New()
	defer st.Close()

	h := newHarness(t, st, "alice", "Alice", testConfig())
	h.join(t)
	h.leave(t)

	if err := h.sess.SetAudio(false); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("post-leave call returned %v, want ErrSessionClosed", err)
	}
}

func TestSnapshotRosterTracksPeers(t *testing.T) {
	st := memstore.New()
	defer st.Close()

	a := newHarness(t, st, "alice", "Alice", testConfig())
	a.join(t)
	b := newHarness(t, st, "bob", "Bob", testConfig())
	b.join(t)

	waitFor(t, "roster to include both endpoints", func() bool {
		snap := a.sess.Snapshot()
		names := make(map[domain.UserID]bool, len(snap.Roster))
		for _, p := range snap.Roster {
			names[p.UID] = true
		}
		return names["alice"] && names["bob"]
	})

	b.leave(t)
	waitFor(t, "roster to drop the departed peer", func() bool {
		for _, p := range a.sess.Snapshot().Roster {
			if p.UID == "bob" {
				return false
			}
		}
		return true
	})
}

func TestJoinStateTransitions(t *testing.T) {
	st := memstore.New()
	defer st.Close()

	var mu sync.Mutex
	var states []State
	h := newHarness(t, st, "alice", "Alice", testConfig())
	h.sess.SetStatusFunc(func(s Status) {
		mu.Lock()
		states = append(states, s.State)
		mu.Unlock()
	})
	h.join(t)

	// Presence events may interleave extra snapshots, so check the
	// ordered subsequence rather than the exact sequence.
	want := []State{StateJoining, StateNegotiating, StateWaiting}
	waitFor(t, "join state sequence", func() bool {
		mu.Lock()
		defer mu.Unlock()
		i := 0
		for _, s := range states {
			if i < len(want) && s == want[i] {
				i++
			}
		}
		return i == len(want)
	})
}

func TestStaleCollisionEventNeverAnswersSelf(t *testing.T) {
	st := memstore.New()
	defer st.Close()
	ctx := context.Background()

	h := newHarness(t, st, "zed", "Zed", testConfig())
	h.join(t)
	peerAnswer(t, st, 1, "alice")
	waitFor(t, "first answer applied", func() bool {
		return h.sess.Snapshot().State == StateConnecting
	})
	if err := h.sess.SetVideo(false); err != nil {
		t.Fatalf("set video: %v", err)
	}
	waitFor(t, "renegotiated offer", func() bool {
		doc, err := st.GetSession(ctx, testRoom)
		return err == nil && doc.Offer.Revision == 2
	})

	// A stale foreign-offer event arrives after our own offer already
	// replaced it in the store. Demotion must not end with this endpoint
	// answering its own offer.
	stale := &domain.SessionDoc{Offer: &domain.Description{
		Type:      domain.DescriptionOffer,
		SDP:       "v=0\r\no=- stale-intruder\r\n",
		Revision:  1,
		UpdatedAt: time.Now(),
		UpdatedBy: domain.UserID("alice"),
	}}
	h.inspect(t, func(s *CallSession) { s.onSessionEvent(core.SessionEvent{Doc: stale}) })

	waitFor(t, "offerer role reclaimed", func() bool {
		var off bool
		h.inspect(t, func(s *CallSession) { off = s.isOfferer })
		doc, err := st.GetSession(ctx, testRoom)
		return off && err == nil && doc.Offer.UpdatedBy == h.user.ID && doc.Offer.Revision >= 3
	})
	doc, err := st.GetSession(ctx, testRoom)
	if err != nil {
		t.Fatalf("session document: %v", err)
	}
	if doc.Answer != nil && doc.Answer.UpdatedBy == h.user.ID && doc.Offer.UpdatedBy == h.user.ID {
		t.Fatalf("endpoint answered its own offer at rev %d", doc.Answer.Revision)
	}
}

func TestCollisionRepublishWithUnansweredOffer(t *testing.T) {
	st := memstore.New()
	defer st.Close()

	h := newHarness(t, st, "alice", "Alice", testConfig())
	h.join(t)

	// The local offer at rev 1 is still unanswered, so signaling never
	// reaches stable; the collision republish must not wait for it.
	peerOffer(t, st, 2, "zed")

	waitFor(t, "republish above the intruding revision", func() bool {
		doc, err := st.GetSession(context.Background(), testRoom)
		return err == nil && doc.Offer.Revision >= 3 && doc.Offer.UpdatedBy == h.user.ID
	})
}
