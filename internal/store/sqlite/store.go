// Package sqlite provides a single-file commitment store on modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/punchamoorthee/commitfund/internal/domain"
	"github.com/punchamoorthee/commitfund/internal/registry"
	"github.com/punchamoorthee/commitfund/internal/store/sqlite/migrations"
)

// Store persists commitments, events and ledger entries in SQLite.
type Store struct {
	db       *sql.DB
	transfer registry.FundTransfer
	now      func() time.Time
}

type Option func(*Store)

// WithTransfer forwards every payout to a host transfer primitive inside the
// transaction. A failing transfer rolls the transaction back.
func WithTransfer(t registry.FundTransfer) Option { return func(s *Store) { s.transfer = t } }

func WithNow(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// Open opens the database at path and applies migrations.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := "file:" + filepath.Clean(path) +
		"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer at a time; SQLite serializes anyway and this keeps
	// transactions from failing with SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return New(db, opts...), nil
}

// New wraps an already migrated database.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx registry.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(ctx, &tx{s: s, tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

const commitmentColumns = `id, creator, recipient, amount, deadline, cooldown_seconds, created_at,
	status, title, proof_url, proof_hash, proof_submitted_at, finalized_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommitment(row rowScanner) (domain.Commitment, error) {
	var (
		c                                               domain.Commitment
		id, deadline, cooldown, createdAt, proofAt, fin int64
		creator, recipient, amount                      string
		status                                          int64
	)
	if err := row.Scan(&id, &creator, &recipient, &amount, &deadline, &cooldown, &createdAt,
		&status, &c.Title, &c.ProofURL, &c.ProofHash, &proofAt, &fin); err != nil {
		return domain.Commitment{}, err
	}
	amt, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return domain.Commitment{}, fmt.Errorf("commitment %d: corrupt amount %q", id, amount)
	}
	c.ID = fromDB(id)
	c.Creator = domain.Address(creator)
	c.Recipient = domain.Address(recipient)
	c.Amount = amt
	c.Deadline = fromDB(deadline)
	c.CooldownSeconds = fromDB(cooldown)
	c.CreatedAt = fromDB(createdAt)
	c.Status = domain.Status(status)
	c.ProofSubmittedAt = fromDB(proofAt)
	c.FinalizedAt = fromDB(fin)
	if len(c.ProofHash) == 0 {
		c.ProofHash = nil
	}
	return c, nil
}

func (s *Store) Get(ctx context.Context, id uint64) (domain.Commitment, error) {
	c, err := scanCommitment(s.db.QueryRowContext(ctx,
		"SELECT "+commitmentColumns+" FROM commitments WHERE id = ?", toDB(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Commitment{}, domain.ErrCommitmentNotFound
	}
	if err != nil {
		return domain.Commitment{}, fmt.Errorf("get commitment: %w", err)
	}
	return c, nil
}

func (s *Store) Count(ctx context.Context) (uint64, error) {
	var next int64
	if err := s.db.QueryRowContext(ctx, "SELECT next_id FROM registry_counter WHERE id = 1").Scan(&next); err != nil {
		return 0, fmt.Errorf("count commitments: %w", err)
	}
	return fromDB(next) - 1, nil
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

	rows, err := s.db.QueryContext(ctx, "SELECT id FROM commitments ORDER BY id LIMIT ? OFFSET ?", int64(limit), int64(start))
	if err != nil {
		return nil, fmt.Errorf("list ids: %w", err)
	}
	defer rows.Close()

	ids := make([]uint64, 0, limit)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, fromDB(id))
	}
	return ids, rows.Err()
}

func (s *Store) GetMany(ctx context.Context, ids []uint64) ([]domain.Commitment, error) {
	out := make([]domain.Commitment, 0, len(ids))
	for _, id := range ids {
		c, err := s.Get(ctx, id)
		if errors.Is(err, domain.ErrCommitmentNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *Store) All(ctx context.Context) ([]domain.Commitment, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+commitmentColumns+" FROM commitments ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list commitments: %w", err)
	}
	defer rows.Close()

	var out []domain.Commitment
	for rows.Next() {
		c, err := scanCommitment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan commitment: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) Events(ctx context.Context, afterSeq uint64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = math.MaxInt32
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT seq, payload FROM events WHERE seq > ? ORDER BY seq LIMIT ?", toDB(afterSeq), limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	out := []domain.Event{}
	for rows.Next() {
		var (
			seq     int64
			payload string
		)
		if err := rows.Scan(&seq, &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var e domain.Event
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			return nil, fmt.Errorf("decode event %d: %w", seq, err)
		}
		e.Seq = uint64(seq)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) Entries(ctx context.Context, account domain.Address) ([]domain.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, transfer_id, commitment_id, account, delta, kind, created_at
FROM ledger_entries
WHERE account = ?
ORDER BY id DESC`, string(account))
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	out := []domain.LedgerEntry{}
	for rows.Next() {
		var (
			e            domain.LedgerEntry
			commitmentID int64
			acct, delta  string
			kind         string
			createdAt    int64
		)
		if err := rows.Scan(&e.ID, &e.TransferID, &commitmentID, &acct, &delta, &kind, &createdAt); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		d, ok := new(big.Int).SetString(delta, 10)
		if !ok {
			return nil, fmt.Errorf("entry %d: corrupt delta %q", e.ID, delta)
		}
		e.CommitmentID = fromDB(commitmentID)
		e.Account = domain.Address(acct)
		e.Delta = d
		e.Kind = domain.EntryKind(kind)
		e.CreatedAt = time.UnixMilli(createdAt).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type tx struct {
	s  *Store
	tx *sql.Tx
}

func (t *tx) Load(ctx context.Context, id uint64) (domain.Commitment, error) {
	c, err := scanCommitment(t.tx.QueryRowContext(ctx,
		"SELECT "+commitmentColumns+" FROM commitments WHERE id = ?", toDB(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Commitment{}, domain.ErrCommitmentNotFound
	}
	if err != nil {
		return domain.Commitment{}, fmt.Errorf("load commitment: %w", err)
	}
	return c, nil
}

func (t *tx) NextID(ctx context.Context) (uint64, error) {
	var next int64
	if err := t.tx.QueryRowContext(ctx,
		"UPDATE registry_counter SET next_id = next_id + 1 WHERE id = 1 RETURNING next_id - 1").Scan(&next); err != nil {
		return 0, fmt.Errorf("allocate id: %w", err)
	}
	return fromDB(next), nil
}

func (t *tx) Insert(ctx context.Context, c domain.Commitment) error {
	_, err := t.tx.ExecContext(ctx, `
INSERT INTO commitments (`+commitmentColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		toDB(c.ID), string(c.Creator), string(c.Recipient), c.Amount.String(),
		toDB(c.Deadline), toDB(c.CooldownSeconds), toDB(c.CreatedAt),
		int64(c.Status), c.Title, c.ProofURL, c.ProofHash,
		toDB(c.ProofSubmittedAt), toDB(c.FinalizedAt),
	)
	if err != nil {
		return fmt.Errorf("insert commitment: %w", err)
	}
	return t.transferLegs(ctx, uuid.NewString(), c.ID, c.Creator, domain.EscrowAccount, c.Amount, domain.EntryDeposit)
}

func (t *tx) Update(ctx context.Context, c domain.Commitment) error {
	res, err := t.tx.ExecContext(ctx, `
UPDATE commitments
SET status = ?, proof_url = ?, proof_hash = ?, proof_submitted_at = ?, finalized_at = ?
WHERE id = ?`,
		int64(c.Status), c.ProofURL, c.ProofHash, toDB(c.ProofSubmittedAt), toDB(c.FinalizedAt), toDB(c.ID))
	if err != nil {
		return fmt.Errorf("update commitment: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ErrCommitmentNotFound
	}
	return nil
}

func (t *tx) Send(ctx context.Context, p registry.Payout) error {
	transferID := uuid.NewString()
	_, err := t.tx.ExecContext(ctx, `
INSERT INTO payouts (commitment_id, beneficiary, amount, kind, transfer_id, created_at)
VALUES (?, ?, ?, ?, ?, ?)`,
		toDB(p.CommitmentID), string(p.To), p.Amount.String(), string(p.Kind), transferID, t.s.now().UTC().UnixMilli())
	if isConstraintError(err) {
		return registry.ErrDuplicatePayout
	}
	if err != nil {
		return fmt.Errorf("record payout: %w", err)
	}
	if t.s.transfer != nil {
		if err := t.s.transfer.Send(ctx, p); err != nil {
			return err
		}
	}
	return t.transferLegs(ctx, transferID, p.CommitmentID, domain.EscrowAccount, p.To, p.Amount, domain.EntryPayout)
}

func (t *tx) Emit(ctx context.Context, e domain.Event) error {
	e.Seq = 0
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if _, err := t.tx.ExecContext(ctx,
		"INSERT INTO events (kind, commitment_id, payload) VALUES (?, ?, ?)",
		string(e.Kind), toDB(e.CommitmentID), string(payload)); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (t *tx) Idempotency(ctx context.Context, key string) (domain.IdempotencyRecord, bool, error) {
	var (
		rec          = domain.IdempotencyRecord{Key: key}
		commitmentID int64
		createdAt    int64
	)
	err := t.tx.QueryRowContext(ctx,
		"SELECT request_hash, commitment_id, created_at FROM idempotency_keys WHERE key = ?", key,
	).Scan(&rec.RequestHash, &commitmentID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.IdempotencyRecord{}, false, nil
	}
	if err != nil {
		return domain.IdempotencyRecord{}, false, fmt.Errorf("lookup idempotency key: %w", err)
	}
	rec.CommitmentID = fromDB(commitmentID)
	rec.CreatedAt = time.UnixMilli(createdAt).UTC()
	return rec, true, nil
}

func (t *tx) SaveIdempotency(ctx context.Context, rec domain.IdempotencyRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = t.s.now().UTC()
	}
	_, err := t.tx.ExecContext(ctx,
		"INSERT INTO idempotency_keys (key, request_hash, commitment_id, created_at) VALUES (?, ?, ?, ?)",
		rec.Key, rec.RequestHash, toDB(rec.CommitmentID), rec.CreatedAt.UnixMilli())
	if isConstraintError(err) {
		return fmt.Errorf("idempotency key %q already recorded", rec.Key)
	}
	if err != nil {
		return fmt.Errorf("save idempotency key: %w", err)
	}
	return nil
}

// transferLegs writes the debit and credit of one transfer.
func (t *tx) transferLegs(ctx context.Context, transferID string, commitmentID uint64, from, to domain.Address, amount *big.Int, kind domain.EntryKind) error {
	now := t.s.now().UTC().UnixMilli()
	legs := []struct {
		account domain.Address
		delta   *big.Int
	}{
		{from, new(big.Int).Neg(amount)},
		{to, amount},
	}
	for _, leg := range legs {
		if _, err := t.tx.ExecContext(ctx, `
INSERT INTO ledger_entries (transfer_id, commitment_id, account, delta, kind, created_at)
VALUES (?, ?, ?, ?, ?, ?)`,
			transferID, toDB(commitmentID), string(leg.account), leg.delta.String(), string(kind), now); err != nil {
			return fmt.Errorf("insert ledger entry: %w", err)
		}
	}
	return nil
}

func isConstraintError(err error) bool {
	var sqliteErr *msqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

// SQLite integers are signed; uint64 values keep their bit pattern.
func toDB(v uint64) int64   { return int64(v) }
func fromDB(v int64) uint64 { return uint64(v) }
