package domain

import (
	"math"
	"math/big"
	"strings"
	"time"
)

const (
	// MinDeadlineBuffer is how far past creation time a deadline must lie, in seconds.
	MinDeadlineBuffer uint64 = 300

	// DefaultCooldown applies when a creator does not choose a claim cooldown.
	DefaultCooldown uint64 = 86_400
)

const (
	MaxTitleBytes    = 64
	MaxProofURLBytes = 512
	ProofHashSize    = 32
)

// EscrowAccount is the ledger account holding locked commitment funds.
const EscrowAccount Address = "escrow"

// Address is an opaque account identifier.
type Address string

// IsZero reports whether a is the null identity: empty, or only zero digits
// after an optional 0x prefix.
func (a Address) IsZero() bool {
	s := strings.TrimSpace(string(a))
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	return strings.Trim(s, "0") == ""
}

func (a Address) String() string { return string(a) }

// Status is the lifecycle state of a commitment. Values match the
// on-wire encoding used by existing clients.
type Status uint8

const (
	StatusActive Status = iota
	StatusCompleted
	StatusFailed
	StatusRefunded
	StatusClaimed
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "ACTIVE"
	case StatusCompleted:
		return "COMPLETED"
	case StatusFailed:
		return "FAILED"
	case StatusRefunded:
		return "REFUNDED"
	case StatusClaimed:
		return "CLAIMED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusRefunded || s == StatusClaimed
}

// Commitment is one locked-fund pledge and its lifecycle.
type Commitment struct {
	ID               uint64
	Creator          Address
	Recipient        Address
	Amount           *big.Int
	Deadline         uint64
	CooldownSeconds  uint64
	CreatedAt        uint64
	Status           Status
	Title            string
	ProofURL         string
	ProofHash        []byte
	ProofSubmittedAt uint64
	FinalizedAt      uint64
}

// Clone returns a deep copy so callers never share the amount or hash buffers
// with the owning store.
func (c Commitment) Clone() Commitment {
	out := c
	if c.Amount != nil {
		out.Amount = new(big.Int).Set(c.Amount)
	}
	if c.ProofHash != nil {
		out.ProofHash = append([]byte(nil), c.ProofHash...)
	}
	return out
}

// ClaimableAt is the first instant a failed commitment may be claimed.
// Zero until the commitment has been finalized; saturates instead of
// wrapping for very large cooldowns.
func (c Commitment) ClaimableAt() uint64 {
	if c.FinalizedAt == 0 {
		return 0
	}
	if c.CooldownSeconds > math.MaxUint64-c.FinalizedAt {
		return math.MaxUint64
	}
	return c.FinalizedAt + c.CooldownSeconds
}

// EventKind names a state change notification.
type EventKind string

const (
	EventCommitmentCreated EventKind = "CommitmentCreated"
	EventProofSubmitted    EventKind = "ProofSubmitted"
	EventFailedFinalized   EventKind = "FailedFinalized"
	EventRefunded          EventKind = "Refunded"
	EventClaimed           EventKind = "Claimed"
	EventCancelled         EventKind = "Cancelled"
)

// Event is a durable, ordered notification. Seq is assigned by the store.
// Amount is a decimal string and ProofHash is hex so the payload survives
// JSON round trips unchanged.
type Event struct {
	Seq          uint64    `json:"seq"`
	Kind         EventKind `json:"kind"`
	CommitmentID uint64    `json:"commitment_id"`
	At           uint64    `json:"at"`
	Creator      Address   `json:"creator,omitempty"`
	Recipient    Address   `json:"recipient,omitempty"`
	Amount       string    `json:"amount,omitempty"`
	Deadline     uint64    `json:"deadline,omitempty"`
	Cooldown     uint64    `json:"cooldown,omitempty"`
	ProofHash    string    `json:"proof_hash,omitempty"`
}

// EntryKind distinguishes the reason for a ledger movement.
type EntryKind string

const (
	EntryDeposit EntryKind = "deposit"
	EntryPayout  EntryKind = "payout"
)

// LedgerEntry represents one leg of a double-entry transfer.
// The sum of Deltas for a given TransferID must always equal 0.
type LedgerEntry struct {
	ID           int64     `json:"id"`
	TransferID   string    `json:"transfer_id"`
	CommitmentID uint64    `json:"commitment_id"`
	Account      Address   `json:"account"`
	Delta        *big.Int  `json:"-"`
	Kind         EntryKind `json:"kind"`
	CreatedAt    time.Time `json:"created_at"`
}

// IdempotencyRecord binds a client key to the commitment it created.
type IdempotencyRecord struct {
	Key          string
	RequestHash  string
	CommitmentID uint64
	CreatedAt    time.Time
}
