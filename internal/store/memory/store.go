// Package memory provides an in-process commitment store. Transactions
// stage their writes in an overlay that is applied only on commit.
package memory

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/punchamoorthee/commitfund/internal/domain"
	"github.com/punchamoorthee/commitfund/internal/registry"
)

// Store keeps every commitment, event and ledger entry in memory.
type Store struct {
	mu          sync.RWMutex
	nextID      uint64
	commitments map[uint64]domain.Commitment
	ids         []uint64
	events      []domain.Event
	entries     []domain.LedgerEntry
	payouts     map[uint64]registry.Payout
	idem        map[string]domain.IdempotencyRecord

	transfer registry.FundTransfer
	now      func() time.Time
}

type Option func(*Store)

// WithTransfer forwards every payout to a host transfer primitive inside the
// transaction. A failing transfer aborts the operation.
func WithTransfer(t registry.FundTransfer) Option { return func(s *Store) { s.transfer = t } }

func WithNow(now func() time.Time) Option { return func(s *Store) { s.now = now } }

func New(opts ...Option) *Store {
	s := &Store{
		nextID:      1,
		commitments: make(map[uint64]domain.Commitment),
		payouts:     make(map[uint64]registry.Payout),
		idem:        make(map[string]domain.IdempotencyRecord),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx registry.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &tx{
		s:       s,
		nextID:  s.nextID,
		puts:    make(map[uint64]domain.Commitment),
		payouts: make(map[uint64]registry.Payout),
		idem:    make(map[string]domain.IdempotencyRecord),
	}
	if err := fn(ctx, t); err != nil {
		return err
	}
	t.commit()
	return nil
}

func (s *Store) Get(ctx context.Context, id uint64) (domain.Commitment, error) {
	if err := ctx.Err(); err != nil {
		return domain.Commitment{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.commitments[id]
	if !ok {
		return domain.Commitment{}, domain.ErrCommitmentNotFound
	}
	return c.Clone(), nil
}

func (s *Store) Count(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.ids)), nil
}

func (s *Store) ListIDs(ctx context.Context, start, limit uint64) ([]uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := uint64(len(s.ids))
	if limit == 0 || start >= total {
		return []uint64{}, nil
	}
	end := total
	if limit < total-start {
		end = start + limit
	}
	return append([]uint64(nil), s.ids[start:end]...), nil
}

func (s *Store) GetMany(ctx context.Context, ids []uint64) ([]domain.Commitment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Commitment, 0, len(ids))
	for _, id := range ids {
		if c, ok := s.commitments[id]; ok {
			out = append(out, c.Clone())
		}
	}
	return out, nil
}

func (s *Store) All(ctx context.Context) ([]domain.Commitment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Commitment, 0, len(s.ids))
	for _, id := range s.ids {
		out = append(out, s.commitments[id].Clone())
	}
	return out, nil
}

func (s *Store) Events(ctx context.Context, afterSeq uint64, limit int) ([]domain.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []domain.Event{}
	for _, e := range s.events {
		if e.Seq <= afterSeq {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) Entries(ctx context.Context, account domain.Address) ([]domain.LedgerEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []domain.LedgerEntry{}
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if e.Account != account {
			continue
		}
		e.Delta = new(big.Int).Set(e.Delta)
		out = append(out, e)
	}
	return out, nil
}

// Payouts returns every payout recorded so far, keyed by commitment id.
func (s *Store) Payouts() map[uint64]registry.Payout {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[uint64]registry.Payout, len(s.payouts))
	for id, p := range s.payouts {
		p.Amount = new(big.Int).Set(p.Amount)
		out[id] = p
	}
	return out
}

func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

type tx struct {
	s        *Store
	nextID   uint64
	puts     map[uint64]domain.Commitment
	inserted []uint64
	events   []domain.Event
	entries  []domain.LedgerEntry
	payouts  map[uint64]registry.Payout
	idem     map[string]domain.IdempotencyRecord
}

func (t *tx) Load(ctx context.Context, id uint64) (domain.Commitment, error) {
	if c, ok := t.puts[id]; ok {
		return c.Clone(), nil
	}
	c, ok := t.s.commitments[id]
	if !ok {
		return domain.Commitment{}, domain.ErrCommitmentNotFound
	}
	return c.Clone(), nil
}

func (t *tx) NextID(ctx context.Context) (uint64, error) {
	id := t.nextID
	t.nextID++
	return id, nil
}

func (t *tx) Insert(ctx context.Context, c domain.Commitment) error {
	if _, ok := t.s.commitments[c.ID]; ok {
		return fmt.Errorf("commitment %d already exists", c.ID)
	}
	if _, ok := t.puts[c.ID]; ok {
		return fmt.Errorf("commitment %d already exists", c.ID)
	}
	t.puts[c.ID] = c.Clone()
	t.inserted = append(t.inserted, c.ID)
	t.transferLegs(c.ID, c.Creator, domain.EscrowAccount, c.Amount, domain.EntryDeposit)
	return nil
}

func (t *tx) Update(ctx context.Context, c domain.Commitment) error {
	if _, err := t.Load(ctx, c.ID); err != nil {
		return err
	}
	t.puts[c.ID] = c.Clone()
	return nil
}

func (t *tx) Send(ctx context.Context, p registry.Payout) error {
	if _, ok := t.s.payouts[p.CommitmentID]; ok {
		return registry.ErrDuplicatePayout
	}
	if _, ok := t.payouts[p.CommitmentID]; ok {
		return registry.ErrDuplicatePayout
	}
	if t.s.transfer != nil {
		if err := t.s.transfer.Send(ctx, p); err != nil {
			return err
		}
	}
	p.Amount = new(big.Int).Set(p.Amount)
	t.payouts[p.CommitmentID] = p
	t.transferLegs(p.CommitmentID, domain.EscrowAccount, p.To, p.Amount, domain.EntryPayout)
	return nil
}

func (t *tx) Emit(ctx context.Context, e domain.Event) error {
	e.Seq = uint64(len(t.s.events)+len(t.events)) + 1
	t.events = append(t.events, e)
	return nil
}

func (t *tx) Idempotency(ctx context.Context, key string) (domain.IdempotencyRecord, bool, error) {
	if rec, ok := t.idem[key]; ok {
		return rec, true, nil
	}
	rec, ok := t.s.idem[key]
	return rec, ok, nil
}

func (t *tx) SaveIdempotency(ctx context.Context, rec domain.IdempotencyRecord) error {
	if _, ok := t.s.idem[rec.Key]; ok {
		return fmt.Errorf("idempotency key %q already recorded", rec.Key)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = t.s.now().UTC()
	}
	t.idem[rec.Key] = rec
	return nil
}

// transferLegs stages the debit and credit of one transfer.
func (t *tx) transferLegs(commitmentID uint64, from, to domain.Address, amount *big.Int, kind domain.EntryKind) {
	transferID := uuid.NewString()
	now := t.s.now().UTC()
	base := int64(len(t.s.entries) + len(t.entries))
	t.entries = append(t.entries,
		domain.LedgerEntry{
			ID:           base + 1,
			TransferID:   transferID,
			CommitmentID: commitmentID,
			Account:      from,
			Delta:        new(big.Int).Neg(amount),
			Kind:         kind,
			CreatedAt:    now,
		},
		domain.LedgerEntry{
			ID:           base + 2,
			TransferID:   transferID,
			CommitmentID: commitmentID,
			Account:      to,
			Delta:        new(big.Int).Set(amount),
			Kind:         kind,
			CreatedAt:    now,
		},
	)
}

func (t *tx) commit() {
	s := t.s
	s.nextID = t.nextID
	for id, c := range t.puts {
		s.commitments[id] = c
	}
	s.ids = append(s.ids, t.inserted...)
	s.events = append(s.events, t.events...)
	s.entries = append(s.entries, t.entries...)
	for id, p := range t.payouts {
		s.payouts[id] = p
	}
	for k, rec := range t.idem {
		s.idem[k] = rec
	}
}
