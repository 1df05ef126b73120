package sqlite

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/commitfund/internal/auth"
	"github.com/punchamoorthee/commitfund/internal/domain"
	"github.com/punchamoorthee/commitfund/internal/registry"
)

const (
	alice domain.Address = "erd1alice"
	bob   domain.Address = "erd1bob"
)

type fixedCaller struct{ addr *domain.Address }

func (c fixedCaller) Current(context.Context) (domain.Address, error) { return *c.addr, nil }

func openTempStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "commitfund.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})
	return store
}

func newRegistry(t *testing.T, store registry.Store, now *uint64, caller *domain.Address) *registry.Registry {
	t.Helper()
	return registry.New(store, fixedCaller{addr: caller},
		registry.WithClock(registry.ClockFunc(func() uint64 { return *now })))
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "commitfund.db")
	first, err := Open(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := Open(context.Background(), path)
	require.NoError(t, err)
	defer second.Close()

	n, err := second.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRefundScenario(t *testing.T) {
	ctx := context.Background()
	store := openTempStore(t)
	now, caller := uint64(1_000), alice
	reg := newRegistry(t, store, &now, &caller)

	res, err := reg.Create(ctx, registry.CreateRequest{Title: "run", Recipient: bob, Amount: big.NewInt(500), Deadline: 5_000})
	require.NoError(t, err)
	require.Equal(t, uint64(1), res.ID)

	_, err = reg.SubmitProof(ctx, res.ID, "https://example.com/p")
	require.NoError(t, err)

	now = 5_001
	c, err := reg.Finalize(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRefunded, c.Status)

	got, err := store.Get(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRefunded, got.Status)
	assert.Equal(t, uint64(5_001), got.FinalizedAt)
	assert.Equal(t, "https://example.com/p", got.ProofURL)
	assert.Len(t, got.ProofHash, domain.ProofHashSize)
	assert.Equal(t, 0, got.Amount.Cmp(big.NewInt(500)))

	events, err := store.Events(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, []domain.EventKind{domain.EventCommitmentCreated, domain.EventProofSubmitted, domain.EventRefunded},
		[]domain.EventKind{events[0].Kind, events[1].Kind, events[2].Kind})
	assert.Equal(t, uint64(3), events[2].Seq)
	assert.Equal(t, "500", events[0].Amount)

	escrow, err := store.Entries(ctx, domain.EscrowAccount)
	require.NoError(t, err)
	require.Len(t, escrow, 2)
	sum := new(big.Int)
	for _, e := range escrow {
		sum.Add(sum, e.Delta)
	}
	assert.Zero(t, sum.Sign(), "escrow drains to zero after refund")
}

func TestClaimScenarioAndDuplicatePayout(t *testing.T) {
	ctx := context.Background()
	store := openTempStore(t)
	now, caller := uint64(1_000), alice
	reg := newRegistry(t, store, &now, &caller)

	cooldown := uint64(60)
	res, err := reg.Create(ctx, registry.CreateRequest{Recipient: bob, Amount: big.NewInt(7), Deadline: 2_000, CooldownSeconds: &cooldown})
	require.NoError(t, err)

	now = 2_001
	_, err = reg.Finalize(ctx, res.ID)
	require.NoError(t, err)

	caller = bob
	now = 2_061
	c, err := reg.Claim(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClaimed, c.Status)

	err = store.InTx(ctx, func(ctx context.Context, tx registry.Tx) error {
		return tx.Send(ctx, registry.Payout{CommitmentID: res.ID, To: bob, Amount: big.NewInt(7), Kind: domain.EventClaimed})
	})
	require.ErrorIs(t, err, registry.ErrDuplicatePayout)

	entries, err := store.Entries(ctx, bob)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.EntryPayout, entries[0].Kind)
}

func TestRejectedCreateDoesNotConsumeID(t *testing.T) {
	ctx := context.Background()
	store := openTempStore(t)
	now, caller := uint64(1_000), alice
	reg := newRegistry(t, store, &now, &caller)

	_, err := reg.Create(ctx, registry.CreateRequest{Recipient: bob, Amount: big.NewInt(0), Deadline: 5_000})
	require.ErrorIs(t, err, domain.ErrAmountNotPositive)

	res, err := reg.Create(ctx, registry.CreateRequest{Recipient: bob, Amount: big.NewInt(1), Deadline: 5_000})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.ID)
}

func TestIdempotentCreateReplays(t *testing.T) {
	ctx := context.Background()
	store := openTempStore(t)
	now, caller := uint64(1_000), alice
	reg := newRegistry(t, store, &now, &caller)

	req := registry.CreateRequest{Recipient: bob, Amount: big.NewInt(3), Deadline: 5_000, IdempotencyKey: "abc"}
	first, err := reg.Create(ctx, req)
	require.NoError(t, err)
	again, err := reg.Create(ctx, req)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.ID, again.ID)

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)
}

func TestListIDsAndGetMany(t *testing.T) {
	ctx := context.Background()
	store := openTempStore(t)
	now, caller := uint64(1_000), alice
	reg := newRegistry(t, store, &now, &caller)

	for i := 0; i < 5; i++ {
		_, err := reg.Create(ctx, registry.CreateRequest{Recipient: bob, Amount: big.NewInt(1), Deadline: 5_000})
		require.NoError(t, err)
	}

	ids, err := store.ListIDs(ctx, 3, 10)
	require.NoError(t, err)
	assert.Equal(t, []uint64{4, 5}, ids)

	ids, err = store.ListIDs(ctx, 5, 10)
	require.NoError(t, err)
	assert.Empty(t, ids)

	many, err := store.GetMany(ctx, []uint64{5, 42, 2})
	require.NoError(t, err)
	require.Len(t, many, 2)
	assert.Equal(t, uint64(5), many[0].ID)
	assert.Equal(t, uint64(2), many[1].ID)
}

func TestHostTransferFailureRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	failing := transferFunc(func(context.Context, registry.Payout) error { return errors.New("host refused") })
	store := New(db, WithTransfer(failing))

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO payouts").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectRollback()

	err = store.InTx(context.Background(), func(ctx context.Context, tx registry.Tx) error {
		return tx.Send(ctx, registry.Payout{CommitmentID: 1, To: bob, Amount: big.NewInt(9), Kind: domain.EventClaimed})
	})
	require.EqualError(t, err, "host refused")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadMissingCommitment(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := New(db)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM commitments WHERE id = \\?").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	err = store.InTx(context.Background(), func(ctx context.Context, tx registry.Tx) error {
		_, err := tx.Load(ctx, 7)
		return err
	})
	require.ErrorIs(t, err, domain.ErrCommitmentNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

type transferFunc func(context.Context, registry.Payout) error

func (f transferFunc) Send(ctx context.Context, p registry.Payout) error { return f(ctx, p) }

func TestConcurrentCancelPaysOutOnce(t *testing.T) {
	ctx := context.Background()
	store := openTempStore(t)
	now := uint64(1_000)
	reg := registry.New(store, auth.ContextIdentity{},
		registry.WithClock(registry.ClockFunc(func() uint64 { return now })))
	asAlice := auth.WithCaller(ctx, alice)

	var ids []uint64
	for i := 0; i < 10; i++ {
		res, err := reg.Create(asAlice, registry.CreateRequest{Recipient: bob, Amount: big.NewInt(5), Deadline: 5_000})
		require.NoError(t, err)
		ids = append(ids, res.ID)
	}

	var (
		mu   sync.Mutex
		wins = make(map[uint64]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, id := range ids {
				if _, err := reg.Cancel(asAlice, id); err == nil {
					mu.Lock()
					wins[id]++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, 1, wins[id], "cancel wins for %d", id)
	}

	var payouts int
	entries, err := store.Entries(ctx, alice)
	require.NoError(t, err)
	for _, e := range entries {
		if e.Kind == domain.EntryPayout {
			payouts++
		}
	}
	assert.Equal(t, len(ids), payouts)

	events, err := store.Events(ctx, 0, 100)
	require.NoError(t, err)
	var cancels int
	for _, e := range events {
		if e.Kind == domain.EventCancelled {
			cancels++
		}
	}
	assert.Equal(t, len(ids), cancels)
}
