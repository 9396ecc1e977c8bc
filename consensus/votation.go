package consensus

import (
	"errors"
	"time"

	"github.com/luca-patrignani/code-votation/domain/code"
	"github.com/luca-patrignani/code-votation/verifier"
)

// ErrAlreadyResolved is returned when a votation is resolved twice.
var ErrAlreadyResolved = errors.New("votation already resolved")

// Votation is a proposal to validate one scanned code.
//
// A votation is opened, then resolved with a consensus and a verification,
// then closed. Consensus and verification are immutable once resolved.
type Votation struct {
	ID         string    `json:"id,omitempty"`
	OpenedBy   string    `json:"opened_by"`
	Code       string    `json:"code"`
	ScanMode   string    `json:"scan_mode"`
	OpenedAt   time.Time `json:"opened_at"`
	ClosedAt   time.Time `json:"closed_at"`
	Offline    bool      `json:"offline,omitempty"`
	CodeSearch bool      `json:"code_search,omitempty"`

	// Solver resolves the votation on the node that runs its emit task. It
	// never travels on the wire.
	Solver Solver `json:"-"`

	Resolved     bool                  `json:"resolved"`
	Consensus    code.Code             `json:"consensus"`
	Verification verifier.Verification `json:"verification,omitempty"`
	Message      string                `json:"message,omitempty"`

	// InCollection is the collection type key of the node that claimed a
	// searched code.
	InCollection string `json:"in_collection,omitempty"`
}

// NewVotation returns an open votation for code proposed by nodeID.
func NewVotation(nodeID, raw, scanMode string, offline, codeSearch bool) Votation {
	return Votation{
		OpenedBy:   nodeID,
		Code:       raw,
		ScanMode:   scanMode,
		OpenedAt:   time.Now().UTC(),
		Offline:    offline,
		CodeSearch: codeSearch,
	}
}

// Resolve records the consensus reached on v and its verdict. An absent
// consensus leaves the verification unset.
func (v *Votation) Resolve(consensus code.Code, verdict verifier.Verdict) error {
	if v.Resolved {
		return ErrAlreadyResolved
	}
	v.Resolved = true
	v.Consensus = consensus
	if consensus.Exists() {
		v.Verification = verdict.Verification
		v.Message = verdict.Message
	}
	return nil
}

// Valid reports whether the votation resolved to a valid verification.
func (v Votation) Valid() bool {
	return v.Verification == verifier.Valid
}

// Elapsed returns the time between opening and closing.
func (v Votation) Elapsed() time.Duration {
	if v.ClosedAt.IsZero() {
		return 0
	}
	return v.ClosedAt.Sub(v.OpenedAt)
}
