package domain

// Role distinguishes the two candidate sequences inside a revision subtree.
type Role string

const (
	RoleOfferer  Role = "offerer"
	RoleAnswerer Role = "answerer"
)

// Other returns the opposite role; an endpoint consumes the sequence its
// peer produces.
func (r Role) Other() Role {
	if r == RoleOfferer {
		return RoleAnswerer
	}
	return RoleOfferer
}

// Candidate is one trickled connectivity candidate, tagged with the offer
// revision it belongs to. Candidates from superseded revisions are dropped
// on sight, never applied.
type Candidate struct {
	Revision      int64  `json:"revision"`
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
	Candidate     string `json:"candidate"`
	Seq           int64  `json:"seq"`
}

// Key is the structural dedup key: applying the same (revision, mid, index,
// candidate-string) tuple twice must be a no-op.
type CandidateKey struct {
	Revision      int64
	SDPMid        string
	SDPMLineIndex uint16
	Candidate     string
}

func (c Candidate) Key() CandidateKey {
	return CandidateKey{
		Revision:      c.Revision,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
		Candidate:     c.Candidate,
	}
}
