package postgres

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"os"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/commitfund/internal/domain"
	"github.com/punchamoorthee/commitfund/internal/registry"
	"github.com/punchamoorthee/commitfund/internal/store/postgres/migrations"
)

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		unique    bool
		retryable bool
	}{
		{name: "unique violation", err: &pgconn.PgError{Code: "23505"}, unique: true},
		{name: "wrapped unique violation", err: fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"}), unique: true},
		{name: "serialization failure", err: &pgconn.PgError{Code: "40001"}, retryable: true},
		{name: "deadlock", err: &pgconn.PgError{Code: "40P01"}, retryable: true},
		{name: "foreign key violation", err: &pgconn.PgError{Code: "23503"}},
		{name: "plain error", err: errors.New("boom")},
		{name: "nil", err: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.unique, isUniqueViolation(tt.err))
			assert.Equal(t, tt.retryable, isRetryable(tt.err))
		})
	}
}

func TestMigrationsHaveUpSections(t *testing.T) {
	files, err := fs.Glob(migrations.FS, "*.sql")
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for _, f := range files {
		raw, err := fs.ReadFile(migrations.FS, f)
		require.NoError(t, err)
		up := upSection(string(raw))
		assert.Contains(t, up, "CREATE TABLE", f)
		assert.NotContains(t, up, "DROP TABLE", f)
	}
}

func TestUpSection(t *testing.T) {
	assert.Equal(t, "\nA;\n", upSection("-- +migrate Up\nA;\n-- +migrate Down\nB;"))
	assert.Equal(t, "plain", upSection("plain"))
	assert.Equal(t, "\nA;", upSection("-- +migrate Up\nA;"))
}

// openTestStore connects to COMMITFUND_TEST_POSTGRES_DSN and truncates the
// schema. Tests using it are skipped without a database.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("COMMITFUND_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("COMMITFUND_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	store, err := Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	_, err = store.Db.Exec(ctx, `
TRUNCATE idempotency_keys, payouts, ledger_entries, events, accounts, commitments;
UPDATE registry_counter SET next_id = 1, next_seq = 1 WHERE id = 1;`)
	require.NoError(t, err)
	return store
}

type fixedCaller struct{ addr *domain.Address }

func (c fixedCaller) Current(context.Context) (domain.Address, error) { return *c.addr, nil }

func TestPostgresClaimScenario(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now, caller := uint64(1_000), domain.Address("erd1alice")
	reg := registry.New(store, fixedCaller{addr: &caller},
		registry.WithClock(registry.ClockFunc(func() uint64 { return now })))

	amount, _ := new(big.Int).SetString("123456789012345678901234567890", 10)
	cooldown := uint64(10)
	res, err := reg.Create(ctx, registry.CreateRequest{
		Recipient: "erd1bob", Amount: amount, Deadline: 2_000, CooldownSeconds: &cooldown, IdempotencyKey: "pg-1",
	})
	require.NoError(t, err)
	require.Equal(t, uint64(1), res.ID)

	now = 2_001
	_, err = reg.Finalize(ctx, res.ID)
	require.NoError(t, err)

	caller, now = "erd1bob", 2_011
	c, err := reg.Claim(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClaimed, c.Status)
	assert.Equal(t, 0, c.Amount.Cmp(amount))

	err = store.InTx(ctx, func(ctx context.Context, tx registry.Tx) error {
		return tx.Send(ctx, registry.Payout{CommitmentID: res.ID, To: "erd1bob", Amount: amount, Kind: domain.EventClaimed})
	})
	require.ErrorIs(t, err, registry.ErrDuplicatePayout)

	bal, err := store.Balance(ctx, "erd1bob")
	require.NoError(t, err)
	assert.Equal(t, 0, bal.Cmp(amount))
	escrow, err := store.Balance(ctx, domain.EscrowAccount)
	require.NoError(t, err)
	assert.Zero(t, escrow.Sign())

	events, err := store.Events(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, e := range events {
		assert.Equal(t, uint64(i+1), e.Seq)
	}

	replay, err := reg.Create(ctx, registry.CreateRequest{
		Recipient: "erd1bob", Amount: amount, Deadline: 2_000, CooldownSeconds: &cooldown, IdempotencyKey: "pg-1",
	})
	// The replay is keyed on the original creator.
	require.ErrorIs(t, err, domain.ErrIdempotencyMismatch)
	assert.Zero(t, replay.ID)
}
