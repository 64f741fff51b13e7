package call

import (
	"context"
	"errors"
	"testing"

	"github.com/dkeye/Parley/internal/core"
	"github.com/dkeye/Parley/internal/domain"
	"github.com/dkeye/Parley/internal/store/memstore"
)

func TestLastLeaverDeletesEverything(t *testing.T) {
	st := memstore.New()
	defer st.Close()
	ctx := context.Background()

	a, b := connectPair(t, st)

	// Candidates on the active revision, so there is a subtree to collect.
	if err := st.AddCandidate(ctx, testRoom, domain.RoleAnswerer, remoteCandidate(1, "candidate:gc")); err != nil {
		t.Fatalf("add candidate: %v", err)
	}

	b.leave(t)

	// One endpoint still active: the shared document must survive.
	if _, err := st.GetSession(ctx, testRoom); err != nil {
		t.Fatalf("document deleted while a peer is still present: %v", err)
	}

	a.leave(t)

	if _, err := st.GetSession(ctx, testRoom); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("document survived the last leaver: %v", err)
	}
	revs, err := st.ListRevisions(ctx, testRoom)
	if err != nil {
		t.Fatalf("list revisions: %v", err)
	}
	if len(revs) != 0 {
		t.Fatalf("candidate subtrees survived: %v", revs)
	}
	list, err := st.ListPresence(ctx, testRoom)
	if err != nil {
		t.Fatalf("presence: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("presence records survived: %+v", list)
	}
}

func TestRenegotiationPurgesSupersededRevisions(t *testing.T) {
	st := memstore.New()
	defer st.Close()
	ctx := context.Background()

	a, _ := connectPair(t, st)

	if err := st.AddCandidate(ctx, testRoom, domain.RoleAnswerer, remoteCandidate(1, "candidate:old")); err != nil {
		t.Fatalf("add candidate: %v", err)
	}
	if err := a.sess.SetVideo(false); err != nil {
		t.Fatalf("set video: %v", err)
	}

	waitFor(t, "superseded revision subtree to vanish", func() bool {
		revs, err := st.ListRevisions(ctx, testRoom)
		if err != nil {
			return false
		}
		for _, r := range revs {
			if r == 1 {
				return false
			}
		}
		doc, err := st.GetSession(ctx, testRoom)
		return err == nil && doc.Offer.Revision == 2
	})
}

func TestSoftDeleteWhenPresenceDeleteDenied(t *testing.T) {
	st := memstore.New()
	defer st.Close()
	st.DenyPresenceDeletes(true)
	ctx := context.Background()

	h := newHarness(t, st, "alice", "Alice", testConfig())
	h.join(t)
	h.leave(t)

	list, err := st.ListPresence(ctx, testRoom)
	if err != nil {
		t.Fatalf("presence: %v", err)
	}
	if len(list) != 1 || list[0].Status != domain.StatusLeft {
		t.Fatalf("expected a soft-deleted record, got %+v", list)
	}
	// A left record does not count toward occupancy, so the document is
	// still collected.
	if _, err := st.GetSession(ctx, testRoom); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("document survived an empty room: %v", err)
	}
}
