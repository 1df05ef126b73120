package api

import (
	"encoding/hex"
	"time"

	"github.com/punchamoorthee/commitfund/internal/domain"
)

// displayPrecision is how many fractional digits amount_display keeps.
const displayPrecision = 6

type commitmentView struct {
	ID               uint64              `json:"id"`
	Creator          string              `json:"creator"`
	Recipient        string              `json:"recipient"`
	Amount           string              `json:"amount"`
	AmountDisplay    string              `json:"amount_display"`
	Deadline         uint64              `json:"deadline"`
	CooldownSeconds  uint64              `json:"cooldown_seconds"`
	CreatedAt        uint64              `json:"created_at"`
	Status           string              `json:"status"`
	StatusCode       uint8               `json:"status_code"`
	Title            string              `json:"title"`
	ProofURL         string              `json:"proof_url,omitempty"`
	ProofHash        string              `json:"proof_hash,omitempty"`
	ProofSubmittedAt uint64              `json:"proof_submitted_at"`
	FinalizedAt      uint64              `json:"finalized_at"`
	ClaimableAt      uint64              `json:"claimable_at,omitempty"`
	Eligibility      *domain.Eligibility `json:"eligibility,omitempty"`
}

func newCommitmentView(c domain.Commitment) commitmentView {
	v := commitmentView{
		ID:               c.ID,
		Creator:          c.Creator.String(),
		Recipient:        c.Recipient.String(),
		AmountDisplay:    domain.FormatUnits(c.Amount, displayPrecision),
		Deadline:         c.Deadline,
		CooldownSeconds:  c.CooldownSeconds,
		CreatedAt:        c.CreatedAt,
		Status:           c.Status.String(),
		StatusCode:       uint8(c.Status),
		Title:            c.Title,
		ProofURL:         c.ProofURL,
		ProofSubmittedAt: c.ProofSubmittedAt,
		FinalizedAt:      c.FinalizedAt,
	}
	if c.Amount != nil {
		v.Amount = c.Amount.String()
	}
	if len(c.ProofHash) > 0 {
		v.ProofHash = "0x" + hex.EncodeToString(c.ProofHash)
	}
	if c.Status == domain.StatusFailed {
		v.ClaimableAt = c.ClaimableAt()
	}
	return v
}

func newCommitmentViews(cs []domain.Commitment) []commitmentView {
	out := make([]commitmentView, 0, len(cs))
	for _, c := range cs {
		out = append(out, newCommitmentView(c))
	}
	return out
}

type entryView struct {
	ID           int64     `json:"id"`
	TransferID   string    `json:"transfer_id"`
	CommitmentID uint64    `json:"commitment_id"`
	Account      string    `json:"account"`
	Delta        string    `json:"delta"`
	Kind         string    `json:"kind"`
	CreatedAt    time.Time `json:"created_at"`
}

func newEntryViews(es []domain.LedgerEntry) []entryView {
	out := make([]entryView, 0, len(es))
	for _, e := range es {
		delta := "0"
		if e.Delta != nil {
			delta = e.Delta.String()
		}
		out = append(out, entryView{
			ID:           e.ID,
			TransferID:   e.TransferID,
			CommitmentID: e.CommitmentID,
			Account:      e.Account.String(),
			Delta:        delta,
			Kind:         string(e.Kind),
			CreatedAt:    e.CreatedAt,
		})
	}
	return out
}
