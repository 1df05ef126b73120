package domain

import "errors"

// Kind classifies a rejected operation.
type Kind string

const (
	KindNotFound        Kind = "not_found"
	KindUnauthorized    Kind = "unauthorized"
	KindInvalidArgument Kind = "invalid_argument"
	KindTimingViolation Kind = "timing_violation"
	KindInvalidState    Kind = "invalid_state"
)

// Error is a named precondition violation. Each exported Err value is a
// distinct invariant; compare with errors.Is.
type Error struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

func newError(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind, true
	}
	return "", false
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

var (
	ErrCommitmentNotFound = newError(KindNotFound, "commitment_not_found", "commitment not found")

	ErrCallerRequired     = newError(KindUnauthorized, "caller_required", "caller identity is required")
	ErrOnlyCreatorProof   = newError(KindUnauthorized, "only_creator_submit_proof", "only creator can submit proof")
	ErrOnlyCreatorCancel  = newError(KindUnauthorized, "only_creator_cancel", "only creator can cancel")
	ErrOnlyRecipientClaim = newError(KindUnauthorized, "only_recipient_claim", "only recipient can claim")

	ErrAmountNotPositive   = newError(KindInvalidArgument, "amount_not_positive", "amount must be > 0")
	ErrRecipientZero       = newError(KindInvalidArgument, "recipient_zero", "recipient cannot be zero address")
	ErrTitleTooLong        = newError(KindInvalidArgument, "title_too_long", "title too long")
	ErrCooldownNotPositive = newError(KindInvalidArgument, "cooldown_not_positive", "cooldown must be > 0")
	ErrProofURLEmpty       = newError(KindInvalidArgument, "proof_url_empty", "proof url is empty")
	ErrProofURLTooLong     = newError(KindInvalidArgument, "proof_url_too_long", "proof url too long")
	ErrIdempotencyMismatch = newError(KindInvalidArgument, "idempotency_key_mismatch", "idempotency key reused with a different request")

	ErrDeadlineTooSoon    = newError(KindTimingViolation, "deadline_too_soon", "deadline too soon")
	ErrDeadlinePassed     = newError(KindTimingViolation, "deadline_passed", "deadline passed")
	ErrDeadlineNotReached = newError(KindTimingViolation, "deadline_not_reached", "deadline not reached")
	ErrDeadlineReached    = newError(KindTimingViolation, "deadline_already_reached", "deadline already reached")
	ErrCooldownNotReached = newError(KindTimingViolation, "cooldown_not_reached", "cooldown not reached")

	ErrNotActive             = newError(KindInvalidState, "not_active", "commitment is not active")
	ErrNotFinalizable        = newError(KindInvalidState, "not_finalizable", "commitment cannot be finalized")
	ErrNotFailed             = newError(KindInvalidState, "not_failed", "commitment is not failed")
	ErrNotFinalized          = newError(KindInvalidState, "not_finalized", "commitment not finalized")
	ErrProofAlreadySubmitted = newError(KindInvalidState, "proof_already_submitted", "proof already submitted")
)
