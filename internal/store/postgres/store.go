// Package postgres stores commitments in PostgreSQL through pgx. Every
// mutation runs in a REPEATABLE READ transaction that row-locks the
// commitment, the id counter and the touched accounts, so every side effect
// of a transition commits together with the state change.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/punchamoorthee/commitfund/internal/domain"
	"github.com/punchamoorthee/commitfund/internal/registry"
	"github.com/punchamoorthee/commitfund/internal/store/postgres/migrations"
)

var ErrIdempotencyConflict = errors.New("idempotency key claimed by a concurrent request")

// maxTxAttempts bounds retries of serialization failures and deadlocks.
const maxTxAttempts = 3

type Store struct {
	Db *pgxpool.Pool
}

// Open connects, pings and migrates.
func Open(ctx context.Context, connString string) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	if err := applyMigrations(ctx, pool, migrations.FS); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{Db: pool}, nil
}

func (s *Store) Close() {
	s.Db.Close()
}

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx registry.Tx) error) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = s.inTxOnce(ctx, fn)
		if !isRetryable(err) {
			return err
		}
	}
	return err
}

func (s *Store) inTxOnce(ctx context.Context, fn func(ctx context.Context, tx registry.Tx) error) error {
	pgTx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer pgTx.Rollback(ctx)

	if err := fn(ctx, &tx{tx: pgTx}); err != nil {
		return err
	}
	if err := pgTx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

// querier is the subset of pgx shared by pools and transactions.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const commitmentColumns = `id, creator, recipient, amount::text, deadline, cooldown_seconds, created_at,
	status, title, proof_url, proof_hash, proof_submitted_at, finalized_at`

func scanCommitment(row pgx.Row) (domain.Commitment, error) {
	var (
		c                                               domain.Commitment
		id, deadline, cooldown, createdAt, proofAt, fin int64
		creator, recipient, amount                      string
		status                                          int16
	)
	if err := row.Scan(&id, &creator, &recipient, &amount, &deadline, &cooldown, &createdAt,
		&status, &c.Title, &c.ProofURL, &c.ProofHash, &proofAt, &fin); err != nil {
		return domain.Commitment{}, err
	}
	amt, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return domain.Commitment{}, fmt.Errorf("commitment %d: corrupt amount %q", id, amount)
	}
	c.ID = uint64(id)
	c.Creator = domain.Address(creator)
	c.Recipient = domain.Address(recipient)
	c.Amount = amt
	c.Deadline = uint64(deadline)
	c.CooldownSeconds = uint64(cooldown)
	c.CreatedAt = uint64(createdAt)
	c.Status = domain.Status(status)
	c.ProofSubmittedAt = uint64(proofAt)
	c.FinalizedAt = uint64(fin)
	if len(c.ProofHash) == 0 {
		c.ProofHash = nil
	}
	return c, nil
}

func getCommitment(ctx context.Context, q querier, id uint64, lock bool) (domain.Commitment, error) {
	query := "SELECT " + commitmentColumns + " FROM commitments WHERE id = $1"
	if lock {
		query += " FOR UPDATE"
	}
	c, err := scanCommitment(q.QueryRow(ctx, query, int64(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Commitment{}, domain.ErrCommitmentNotFound
	}
	if err != nil {
		return domain.Commitment{}, fmt.Errorf("commitment query failed: %w", err)
	}
	return c, nil
}

func (s *Store) Get(ctx context.Context, id uint64) (domain.Commitment, error) {
	return getCommitment(ctx, s.Db, id, false)
}

func (s *Store) Count(ctx context.Context) (uint64, error) {
	var next int64
	if err := s.Db.QueryRow(ctx, "SELECT next_id FROM registry_counter WHERE id = 1").Scan(&next); err != nil {
		return 0, fmt.Errorf("counter query failed: %w", err)
	}
	return uint64(next) - 1, nil
}

func (s *Store) ListIDs(ctx context.Context, start, limit uint64) ([]uint64, error) {
	total, err := s.Count(ctx)
	if err != nil {
		return nil, err
	}
	if limit == 0 || start >= total {
		return []uint64{}, nil
	}
	limit = min(limit, total-start)

	rows, err := s.Db.Query(ctx, "SELECT id FROM commitments ORDER BY id LIMIT $1 OFFSET $2", int64(limit), int64(start))
	if err != nil {
		return nil, fmt.Errorf("id query failed: %w", err)
	}
	ids, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (uint64, error) {
		var id int64
		err := row.Scan(&id)
		return uint64(id), err
	})
	if err != nil {
		return nil, fmt.Errorf("id scan failed: %w", err)
	}
	return ids, nil
}

func (s *Store) GetMany(ctx context.Context, ids []uint64) ([]domain.Commitment, error) {
	keys := make([]int64, len(ids))
	for i, id := range ids {
		keys[i] = int64(id)
	}
	rows, err := s.Db.Query(ctx, "SELECT "+commitmentColumns+" FROM commitments WHERE id = ANY($1)", keys)
	if err != nil {
		return nil, fmt.Errorf("batch query failed: %w", err)
	}
	found, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Commitment, error) {
		return scanCommitment(row)
	})
	if err != nil {
		return nil, fmt.Errorf("batch scan failed: %w", err)
	}

	byID := make(map[uint64]domain.Commitment, len(found))
	for _, c := range found {
		byID[c.ID] = c
	}
	out := make([]domain.Commitment, 0, len(found))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *Store) All(ctx context.Context) ([]domain.Commitment, error) {
	rows, err := s.Db.Query(ctx, "SELECT "+commitmentColumns+" FROM commitments ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("commitment list failed: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Commitment, error) {
		return scanCommitment(row)
	})
}

func (s *Store) Events(ctx context.Context, afterSeq uint64, limit int) ([]domain.Event, error) {
	query := "SELECT seq, payload FROM events WHERE seq > $1 ORDER BY seq"
	args := []any{int64(afterSeq)}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}
	rows, err := s.Db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("event query failed: %w", err)
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Event, error) {
		var (
			seq     int64
			payload []byte
			e       domain.Event
		)
		if err := row.Scan(&seq, &payload); err != nil {
			return e, err
		}
		if err := json.Unmarshal(payload, &e); err != nil {
			return e, fmt.Errorf("decode event %d: %w", seq, err)
		}
		e.Seq = uint64(seq)
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []domain.Event{}
	}
	return events, nil
}

// Entries retrieves ledger entries for an account, newest first.
func (s *Store) Entries(ctx context.Context, account domain.Address) ([]domain.LedgerEntry, error) {
	rows, err := s.Db.Query(ctx, `
SELECT id, transfer_id::text, commitment_id, account, delta::text, kind, created_at
FROM ledger_entries
WHERE account = $1
ORDER BY id DESC`, string(account))
	if err != nil {
		return nil, fmt.Errorf("entry query failed: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.LedgerEntry, error) {
		var (
			e            domain.LedgerEntry
			commitmentID int64
			acct, delta  string
			kind         string
		)
		if err := row.Scan(&e.ID, &e.TransferID, &commitmentID, &acct, &delta, &kind, &e.CreatedAt); err != nil {
			return e, err
		}
		d, ok := new(big.Int).SetString(delta, 10)
		if !ok {
			return e, fmt.Errorf("entry %d: corrupt delta %q", e.ID, delta)
		}
		e.CommitmentID = uint64(commitmentID)
		e.Account = domain.Address(acct)
		e.Delta = d
		e.Kind = domain.EntryKind(kind)
		e.CreatedAt = e.CreatedAt.UTC()
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []domain.LedgerEntry{}
	}
	return entries, nil
}

// Balance returns the running balance of an account, zero if it never moved.
func (s *Store) Balance(ctx context.Context, account domain.Address) (*big.Int, error) {
	var balance string
	err := s.Db.QueryRow(ctx, "SELECT balance::text FROM accounts WHERE address = $1", string(account)).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("balance query failed: %w", err)
	}
	b, ok := new(big.Int).SetString(balance, 10)
	if !ok {
		return nil, fmt.Errorf("account %s: corrupt balance %q", account, balance)
	}
	return b, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.Db.Ping(ctx)
}

type tx struct {
	tx pgx.Tx
}

func (t *tx) Load(ctx context.Context, id uint64) (domain.Commitment, error) {
	return getCommitment(ctx, t.tx, id, true)
}

func (t *tx) NextID(ctx context.Context) (uint64, error) {
	var id int64
	err := t.tx.QueryRow(ctx,
		"UPDATE registry_counter SET next_id = next_id + 1 WHERE id = 1 RETURNING next_id - 1").Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("id allocation failed: %w", err)
	}
	return uint64(id), nil
}

func (t *tx) Insert(ctx context.Context, c domain.Commitment) error {
	_, err := t.tx.Exec(ctx, `
INSERT INTO commitments (id, creator, recipient, amount, deadline, cooldown_seconds, created_at,
	status, title, proof_url, proof_hash, proof_submitted_at, finalized_at)
VALUES ($1, $2, $3, $4::text::numeric, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		int64(c.ID), string(c.Creator), string(c.Recipient), c.Amount.String(),
		int64(c.Deadline), int64(c.CooldownSeconds), int64(c.CreatedAt),
		int16(c.Status), c.Title, c.ProofURL, c.ProofHash,
		int64(c.ProofSubmittedAt), int64(c.FinalizedAt),
	)
	if err != nil {
		return fmt.Errorf("commitment insert failed: %w", err)
	}
	return t.transfer(ctx, uuid.New(), c.ID, c.Creator, domain.EscrowAccount, c.Amount, domain.EntryDeposit)
}

func (t *tx) Update(ctx context.Context, c domain.Commitment) error {
	tag, err := t.tx.Exec(ctx, `
UPDATE commitments
SET status = $1, proof_url = $2, proof_hash = $3, proof_submitted_at = $4, finalized_at = $5, updated_at = now()
WHERE id = $6`,
		int16(c.Status), c.ProofURL, c.ProofHash, int64(c.ProofSubmittedAt), int64(c.FinalizedAt), int64(c.ID))
	if err != nil {
		return fmt.Errorf("commitment update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrCommitmentNotFound
	}
	return nil
}

func (t *tx) Send(ctx context.Context, p registry.Payout) error {
	transferID := uuid.New()
	_, err := t.tx.Exec(ctx, `
INSERT INTO payouts (commitment_id, beneficiary, amount, kind, transfer_id)
VALUES ($1, $2, $3::text::numeric, $4, $5)`,
		int64(p.CommitmentID), string(p.To), p.Amount.String(), string(p.Kind), transferID)
	if err != nil {
		if isUniqueViolation(err) {
			return registry.ErrDuplicatePayout
		}
		return fmt.Errorf("payout insert failed: %w", err)
	}
	return t.transfer(ctx, transferID, p.CommitmentID, domain.EscrowAccount, p.To, p.Amount, domain.EntryPayout)
}

func (t *tx) Emit(ctx context.Context, e domain.Event) error {
	// The counter row lock orders sequence numbers by commit.
	var seq int64
	if err := t.tx.QueryRow(ctx,
		"UPDATE registry_counter SET next_seq = next_seq + 1 WHERE id = 1 RETURNING next_seq - 1").Scan(&seq); err != nil {
		return fmt.Errorf("sequence allocation failed: %w", err)
	}
	e.Seq = uint64(seq)
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("event encode failed: %w", err)
	}
	if _, err := t.tx.Exec(ctx,
		"INSERT INTO events (seq, kind, commitment_id, payload) VALUES ($1, $2, $3, $4)",
		seq, string(e.Kind), int64(e.CommitmentID), payload); err != nil {
		return fmt.Errorf("event insert failed: %w", err)
	}
	return nil
}

func (t *tx) Idempotency(ctx context.Context, key string) (domain.IdempotencyRecord, bool, error) {
	rec := domain.IdempotencyRecord{Key: key}
	var commitmentID int64
	err := t.tx.QueryRow(ctx,
		"SELECT request_hash, commitment_id, created_at FROM idempotency_keys WHERE key = $1", key,
	).Scan(&rec.RequestHash, &commitmentID, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.IdempotencyRecord{}, false, nil
	}
	if err != nil {
		return domain.IdempotencyRecord{}, false, fmt.Errorf("idempotency query failed: %w", err)
	}
	rec.CommitmentID = uint64(commitmentID)
	return rec, true, nil
}

func (t *tx) SaveIdempotency(ctx context.Context, rec domain.IdempotencyRecord) error {
	_, err := t.tx.Exec(ctx,
		"INSERT INTO idempotency_keys (key, request_hash, commitment_id) VALUES ($1, $2, $3)",
		rec.Key, rec.RequestHash, int64(rec.CommitmentID))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrIdempotencyConflict
		}
		return fmt.Errorf("key reservation failed: %w", err)
	}
	return nil
}

// transfer writes both legs of a double-entry transfer and moves the
// account balances. Account rows are locked in address order so concurrent
// transfers over the same pair cannot deadlock.
func (t *tx) transfer(ctx context.Context, transferID uuid.UUID, commitmentID uint64, from, to domain.Address, amount *big.Int, kind domain.EntryKind) error {
	if _, err := t.tx.Exec(ctx,
		"INSERT INTO accounts (address) VALUES ($1), ($2) ON CONFLICT (address) DO NOTHING",
		string(from), string(to)); err != nil {
		return fmt.Errorf("account upsert failed: %w", err)
	}

	ordered := []string{string(from), string(to)}
	sort.Strings(ordered)
	for _, addr := range ordered {
		if _, err := t.tx.Exec(ctx, "SELECT 1 FROM accounts WHERE address = $1 FOR UPDATE", addr); err != nil {
			return fmt.Errorf("lock acquisition failed: %w", err)
		}
	}

	debit := new(big.Int).Neg(amount).String()
	credit := amount.String()
	_, err := t.tx.Exec(ctx, `
INSERT INTO ledger_entries (transfer_id, commitment_id, account, delta, kind)
VALUES ($1, $2, $3, $4::text::numeric, $6), ($1, $2, $5, $7::text::numeric, $6)`,
		transferID, int64(commitmentID), string(from), debit, string(to), string(kind), credit)
	if err != nil {
		return fmt.Errorf("ledger entry failed: %w", err)
	}

	if _, err := t.tx.Exec(ctx,
		"UPDATE accounts SET balance = balance + $1::text::numeric, updated_at = now() WHERE address = $2", debit, string(from)); err != nil {
		return fmt.Errorf("balance update failed: %w", err)
	}
	if _, err := t.tx.Exec(ctx,
		"UPDATE accounts SET balance = balance + $1::text::numeric, updated_at = now() WHERE address = $2", credit, string(to)); err != nil {
		return fmt.Errorf("balance update failed: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// isRetryable reports serialization failures and deadlocks, which a fresh
// transaction can resolve.
func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}
