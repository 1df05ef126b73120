package registry

import (
	"context"
	"crypto/sha256"
	"errors"
	"math/big"
	"time"

	"github.com/punchamoorthee/commitfund/internal/domain"
)

// Clock returns the current time in seconds. Successive calls never go
// backwards.
type Clock interface {
	Now() uint64
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() uint64

func (f ClockFunc) Now() uint64 { return f() }

// SystemClock reads wall-clock unix seconds.
type SystemClock struct{}

func (SystemClock) Now() uint64 { return uint64(time.Now().Unix()) }

// CallerIdentity resolves who invoked the current operation.
type CallerIdentity interface {
	Current(ctx context.Context) (domain.Address, error)
}

// ErrDuplicatePayout is returned by stores that already hold a payout for the
// commitment. The state machine never asks twice; stores enforce it anyway.
var ErrDuplicatePayout = errors.New("payout already recorded for commitment")

// Payout moves a commitment's locked funds out of escrow.
type Payout struct {
	CommitmentID uint64
	To           domain.Address
	Amount       *big.Int
	Kind         domain.EventKind
}

// FundTransfer moves value to an address. It either fully succeeds or
// returns an error that aborts the enclosing operation.
type FundTransfer interface {
	Send(ctx context.Context, p Payout) error
}

// EventSink appends a durable notification.
type EventSink interface {
	Emit(ctx context.Context, e domain.Event) error
}

// Digest hashes a submitted proof reference.
type Digest func([]byte) [32]byte

// SHA256 is the default proof digest.
func SHA256(b []byte) [32]byte { return sha256.Sum256(b) }

// Tx is one all-or-nothing unit of work. Transfers and events written
// through a Tx commit or roll back together with the commitment rows.
type Tx interface {
	FundTransfer
	EventSink

	// Load returns the commitment, locked until the transaction ends.
	// Missing ids yield domain.ErrCommitmentNotFound.
	Load(ctx context.Context, id uint64) (domain.Commitment, error)
	// NextID allocates the next identifier. Rolled back with the transaction.
	NextID(ctx context.Context) (uint64, error)
	// Insert stores a new commitment and records its deposit into escrow.
	Insert(ctx context.Context, c domain.Commitment) error
	Update(ctx context.Context, c domain.Commitment) error

	Idempotency(ctx context.Context, key string) (domain.IdempotencyRecord, bool, error)
	SaveIdempotency(ctx context.Context, rec domain.IdempotencyRecord) error
}

// Store owns every commitment record.
type Store interface {
	// InTx runs fn in a transaction, committing only if fn returns nil.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	Get(ctx context.Context, id uint64) (domain.Commitment, error)
	Count(ctx context.Context) (uint64, error)
	// ListIDs returns ids in creation order starting at the zero-based offset.
	ListIDs(ctx context.Context, start, limit uint64) ([]uint64, error)
	// GetMany returns the commitments that exist, in request order.
	GetMany(ctx context.Context, ids []uint64) ([]domain.Commitment, error)
	All(ctx context.Context) ([]domain.Commitment, error)

	Events(ctx context.Context, afterSeq uint64, limit int) ([]domain.Event, error)
	Entries(ctx context.Context, account domain.Address) ([]domain.LedgerEntry, error)

	Ping(ctx context.Context) error
}
