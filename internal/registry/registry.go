// Package registry implements the commitment lifecycle: creation, proof
// submission, finalization, claims and cancellation, plus the read-only
// query surface over the commitment set.
//
// Every mutating operation runs inside a single store transaction and
// behind the registry mutex, so at most one mutation is in flight per
// registry and each REFUNDED or CLAIMED transition pays out exactly once.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"strconv"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/punchamoorthee/commitfund/internal/domain"
)

const tracerName = "github.com/punchamoorthee/commitfund/internal/registry"

// Registry is the CommitmentRegistry.
type Registry struct {
	mu     sync.Mutex
	store  Store
	caller CallerIdentity
	clock  Clock
	digest Digest
	logger *slog.Logger
	tracer trace.Tracer
}

type Option func(*Registry)

func WithClock(c Clock) Option { return func(r *Registry) { r.clock = c } }

func WithDigest(d Digest) Option { return func(r *Registry) { r.digest = d } }

func WithLogger(l *slog.Logger) Option { return func(r *Registry) { r.logger = l } }

func WithTracer(t trace.Tracer) Option { return func(r *Registry) { r.tracer = t } }

func New(store Store, caller CallerIdentity, opts ...Option) *Registry {
	r := &Registry{
		store:  store,
		caller: caller,
		clock:  SystemClock{},
		digest: SHA256,
		logger: slog.Default(),
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Now exposes the registry clock to read paths such as eligibility views.
func (r *Registry) Now() uint64 { return r.clock.Now() }

// CreateRequest carries the creator's terms. The caller is the creator.
type CreateRequest struct {
	Title     string
	Recipient domain.Address
	Amount    *big.Int
	Deadline  uint64
	// CooldownSeconds defaults to domain.DefaultCooldown when nil.
	CooldownSeconds *uint64
	// IdempotencyKey, when set, makes retries of the same request return
	// the original id instead of locking funds twice.
	IdempotencyKey string
}

// CreateResult reports the allocated id. Replayed is true when an earlier
// request with the same idempotency key already created it.
type CreateResult struct {
	ID       uint64
	Replayed bool
}

// Create validates the terms, allocates an id and locks the funds.
func (r *Registry) Create(ctx context.Context, req CreateRequest) (CreateResult, error) {
	ctx, span := r.tracer.Start(ctx, "registry.Create")
	defer span.End()

	creator, err := r.currentCaller(ctx)
	if err != nil {
		return CreateResult{}, r.reject(span, "create", 0, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var res CreateResult
	var created domain.Commitment
	err = r.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		reqHash := RequestHash(creator, req)
		if req.IdempotencyKey != "" {
			rec, found, err := tx.Idempotency(ctx, req.IdempotencyKey)
			if err != nil {
				return fmt.Errorf("idempotency lookup failed: %w", err)
			}
			if found {
				if rec.RequestHash != reqHash {
					return domain.ErrIdempotencyMismatch
				}
				res = CreateResult{ID: rec.CommitmentID, Replayed: true}
				return nil
			}
		}

		now := r.clock.Now()
		c, err := newCommitment(creator, req, now)
		if err != nil {
			return err
		}

		// Allocation happens only after every guard passed so a rejected
		// creation never consumes an id.
		id, err := tx.NextID(ctx)
		if err != nil {
			return fmt.Errorf("id allocation failed: %w", err)
		}
		c.ID = id

		if err := tx.Insert(ctx, c); err != nil {
			return fmt.Errorf("commitment insert failed: %w", err)
		}
		if req.IdempotencyKey != "" {
			if err := tx.SaveIdempotency(ctx, domain.IdempotencyRecord{
				Key:          req.IdempotencyKey,
				RequestHash:  reqHash,
				CommitmentID: id,
			}); err != nil {
				return fmt.Errorf("idempotency save failed: %w", err)
			}
		}
		if err := tx.Emit(ctx, domain.Event{
			Kind:         domain.EventCommitmentCreated,
			CommitmentID: id,
			At:           now,
			Creator:      c.Creator,
			Recipient:    c.Recipient,
			Amount:       c.Amount.String(),
			Deadline:     c.Deadline,
			Cooldown:     c.CooldownSeconds,
		}); err != nil {
			return fmt.Errorf("event emit failed: %w", err)
		}
		res = CreateResult{ID: id}
		created = c
		return nil
	})
	if err != nil {
		return CreateResult{}, r.reject(span, "create", 0, err)
	}
	span.SetAttributes(attribute.Int64("commitment.id", int64(res.ID)), attribute.Bool("replayed", res.Replayed))
	if res.Replayed {
		transitionsTotal.WithLabelValues("create", "replayed").Inc()
		r.logger.InfoContext(ctx, "commitment create replayed", "commitment_id", res.ID, "idempotency_key", req.IdempotencyKey)
		return res, nil
	}
	r.accept(ctx, "create", created)
	return res, nil
}

func newCommitment(creator domain.Address, req CreateRequest, now uint64) (domain.Commitment, error) {
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return domain.Commitment{}, domain.ErrAmountNotPositive
	}
	if req.Recipient.IsZero() {
		return domain.Commitment{}, domain.ErrRecipientZero
	}
	if len(req.Title) > domain.MaxTitleBytes {
		return domain.Commitment{}, domain.ErrTitleTooLong
	}
	if req.Deadline <= addSat(now, domain.MinDeadlineBuffer) {
		return domain.Commitment{}, domain.ErrDeadlineTooSoon
	}
	cooldown := domain.DefaultCooldown
	if req.CooldownSeconds != nil {
		cooldown = *req.CooldownSeconds
	}
	if cooldown == 0 {
		return domain.Commitment{}, domain.ErrCooldownNotPositive
	}
	return domain.Commitment{
		Creator:         creator,
		Recipient:       req.Recipient,
		Amount:          new(big.Int).Set(req.Amount),
		Deadline:        req.Deadline,
		CooldownSeconds: cooldown,
		CreatedAt:       now,
		Status:          domain.StatusActive,
		Title:           req.Title,
	}, nil
}

// SubmitProof records the creator's proof and completes the commitment.
func (r *Registry) SubmitProof(ctx context.Context, id uint64, proofURL string) (domain.Commitment, error) {
	ctx, span := r.tracer.Start(ctx, "registry.SubmitProof", trace.WithAttributes(attribute.Int64("commitment.id", int64(id))))
	defer span.End()

	c, err := r.mutate(ctx, id, func(ctx context.Context, tx Tx, c *domain.Commitment) error {
		caller, err := r.currentCaller(ctx)
		if err != nil {
			return err
		}
		if caller != c.Creator {
			return domain.ErrOnlyCreatorProof
		}
		if c.Status != domain.StatusActive {
			return domain.ErrNotActive
		}
		if len(proofURL) == 0 {
			return domain.ErrProofURLEmpty
		}
		if len(proofURL) > domain.MaxProofURLBytes {
			return domain.ErrProofURLTooLong
		}
		now := r.clock.Now()
		if now > c.Deadline {
			return domain.ErrDeadlinePassed
		}
		if c.ProofURL != "" || c.ProofSubmittedAt != 0 {
			return domain.ErrProofAlreadySubmitted
		}

		hash := r.digest([]byte(proofURL))
		c.ProofURL = proofURL
		c.ProofHash = hash[:]
		c.ProofSubmittedAt = now
		c.Status = domain.StatusCompleted

		if err := tx.Update(ctx, *c); err != nil {
			return fmt.Errorf("commitment update failed: %w", err)
		}
		return tx.Emit(ctx, domain.Event{
			Kind:         domain.EventProofSubmitted,
			CommitmentID: c.ID,
			At:           now,
			ProofHash:    hex.EncodeToString(c.ProofHash),
		})
	})
	if err != nil {
		return domain.Commitment{}, r.reject(span, "submit_proof", id, err)
	}
	r.accept(ctx, "submit_proof", c)
	return c, nil
}

// Finalize settles a commitment whose deadline has passed. Anyone may call
// it. A completed commitment is refunded to its creator; an active one fails
// and starts the recipient's cooldown.
func (r *Registry) Finalize(ctx context.Context, id uint64) (domain.Commitment, error) {
	ctx, span := r.tracer.Start(ctx, "registry.Finalize", trace.WithAttributes(attribute.Int64("commitment.id", int64(id))))
	defer span.End()

	c, err := r.mutate(ctx, id, func(ctx context.Context, tx Tx, c *domain.Commitment) error {
		now := r.clock.Now()
		if now <= c.Deadline {
			return domain.ErrDeadlineNotReached
		}
		if c.Status != domain.StatusActive && c.Status != domain.StatusCompleted {
			return domain.ErrNotFinalizable
		}
		c.FinalizedAt = now

		if c.Status == domain.StatusCompleted {
			if err := tx.Send(ctx, Payout{CommitmentID: c.ID, To: c.Creator, Amount: c.Amount, Kind: domain.EventRefunded}); err != nil {
				return fmt.Errorf("refund transfer failed: %w", err)
			}
			c.Status = domain.StatusRefunded
			if err := tx.Update(ctx, *c); err != nil {
				return fmt.Errorf("commitment update failed: %w", err)
			}
			return tx.Emit(ctx, domain.Event{Kind: domain.EventRefunded, CommitmentID: c.ID, At: now})
		}

		c.Status = domain.StatusFailed
		if err := tx.Update(ctx, *c); err != nil {
			return fmt.Errorf("commitment update failed: %w", err)
		}
		return tx.Emit(ctx, domain.Event{Kind: domain.EventFailedFinalized, CommitmentID: c.ID, At: now})
	})
	if err != nil {
		return domain.Commitment{}, r.reject(span, "finalize", id, err)
	}
	r.accept(ctx, "finalize", c)
	return c, nil
}

// Claim pays a failed commitment to its recipient once the cooldown elapsed.
func (r *Registry) Claim(ctx context.Context, id uint64) (domain.Commitment, error) {
	ctx, span := r.tracer.Start(ctx, "registry.Claim", trace.WithAttributes(attribute.Int64("commitment.id", int64(id))))
	defer span.End()

	c, err := r.mutate(ctx, id, func(ctx context.Context, tx Tx, c *domain.Commitment) error {
		caller, err := r.currentCaller(ctx)
		if err != nil {
			return err
		}
		if caller != c.Recipient {
			return domain.ErrOnlyRecipientClaim
		}
		if c.Status != domain.StatusFailed {
			return domain.ErrNotFailed
		}
		if c.FinalizedAt == 0 {
			return domain.ErrNotFinalized
		}
		now := r.clock.Now()
		if now < c.ClaimableAt() {
			return domain.ErrCooldownNotReached
		}

		if err := tx.Send(ctx, Payout{CommitmentID: c.ID, To: c.Recipient, Amount: c.Amount, Kind: domain.EventClaimed}); err != nil {
			return fmt.Errorf("claim transfer failed: %w", err)
		}
		c.Status = domain.StatusClaimed
		if err := tx.Update(ctx, *c); err != nil {
			return fmt.Errorf("commitment update failed: %w", err)
		}
		return tx.Emit(ctx, domain.Event{Kind: domain.EventClaimed, CommitmentID: c.ID, At: now})
	})
	if err != nil {
		return domain.Commitment{}, r.reject(span, "claim", id, err)
	}
	r.accept(ctx, "claim", c)
	return c, nil
}

// Cancel returns the funds of an active, unproven commitment to its creator
// before the deadline.
func (r *Registry) Cancel(ctx context.Context, id uint64) (domain.Commitment, error) {
	ctx, span := r.tracer.Start(ctx, "registry.Cancel", trace.WithAttributes(attribute.Int64("commitment.id", int64(id))))
	defer span.End()

	c, err := r.mutate(ctx, id, func(ctx context.Context, tx Tx, c *domain.Commitment) error {
		caller, err := r.currentCaller(ctx)
		if err != nil {
			return err
		}
		if caller != c.Creator {
			return domain.ErrOnlyCreatorCancel
		}
		if c.Status != domain.StatusActive {
			return domain.ErrNotActive
		}
		now := r.clock.Now()
		if now >= c.Deadline {
			return domain.ErrDeadlineReached
		}
		if c.ProofSubmittedAt != 0 {
			return domain.ErrProofAlreadySubmitted
		}

		if err := tx.Send(ctx, Payout{CommitmentID: c.ID, To: c.Creator, Amount: c.Amount, Kind: domain.EventCancelled}); err != nil {
			return fmt.Errorf("cancel transfer failed: %w", err)
		}
		c.Status = domain.StatusRefunded
		c.FinalizedAt = now
		if err := tx.Update(ctx, *c); err != nil {
			return fmt.Errorf("commitment update failed: %w", err)
		}
		return tx.Emit(ctx, domain.Event{Kind: domain.EventCancelled, CommitmentID: c.ID, At: now})
	})
	if err != nil {
		return domain.Commitment{}, r.reject(span, "cancel", id, err)
	}
	r.accept(ctx, "cancel", c)
	return c, nil
}

// mutate loads id inside a serialized transaction and hands a working copy
// to fn. The copy is returned only if the transaction committed.
func (r *Registry) mutate(ctx context.Context, id uint64, fn func(ctx context.Context, tx Tx, c *domain.Commitment) error) (domain.Commitment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out domain.Commitment
	err := r.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		c, err := tx.Load(ctx, id)
		if err != nil {
			return err
		}
		c = c.Clone()
		if err := fn(ctx, tx, &c); err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return domain.Commitment{}, err
	}
	return out, nil
}

func (r *Registry) currentCaller(ctx context.Context) (domain.Address, error) {
	if r.caller == nil {
		return "", domain.ErrCallerRequired
	}
	addr, err := r.caller.Current(ctx)
	if err != nil {
		return "", err
	}
	if addr.IsZero() {
		return "", domain.ErrCallerRequired
	}
	return addr, nil
}

func (r *Registry) accept(ctx context.Context, op string, c domain.Commitment) {
	transitionsTotal.WithLabelValues(op, "ok").Inc()
	if c.Status == domain.StatusRefunded || c.Status == domain.StatusClaimed {
		payoutsTotal.WithLabelValues(strings.ToLower(c.Status.String())).Inc()
	}
	r.logger.InfoContext(ctx, "commitment transition",
		"operation", op,
		"commitment_id", c.ID,
		"status", c.Status.String(),
	)
}

func (r *Registry) reject(span trace.Span, op string, id uint64, err error) error {
	code := domain.CodeOf(err)
	if code == "" {
		code = "internal"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Error("commitment operation failed", "operation", op, "commitment_id", id, "error", err)
	} else {
		r.logger.Debug("commitment operation rejected", "operation", op, "commitment_id", id, "code", code)
	}
	transitionsTotal.WithLabelValues(op, code).Inc()
	return err
}

// RequestHash fingerprints a create request for idempotent replay.
func RequestHash(creator domain.Address, req CreateRequest) string {
	// An omitted cooldown and an explicit default describe the same request.
	cooldown := strconv.FormatUint(domain.DefaultCooldown, 10)
	if req.CooldownSeconds != nil {
		cooldown = strconv.FormatUint(*req.CooldownSeconds, 10)
	}
	amount := "<nil>"
	if req.Amount != nil {
		amount = req.Amount.String()
	}
	h := sha256.New()
	for _, part := range []string{
		string(creator),
		req.Title,
		string(req.Recipient),
		amount,
		strconv.FormatUint(req.Deadline, 10),
		cooldown,
	} {
		h.Write([]byte(strconv.Itoa(len(part))))
		h.Write([]byte{':'})
		h.Write([]byte(part))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// IsRejection reports whether err is a named precondition violation rather
// than an infrastructure failure.
func IsRejection(err error) bool {
	var de *domain.Error
	return errors.As(err, &de)
}

func addSat(a, b uint64) uint64 {
	if a > math.MaxUint64-b {
		return math.MaxUint64
	}
	return a + b
}
