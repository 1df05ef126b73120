package domain

// Bucket groups statuses the way listings present them.
type Bucket string

const (
	BucketAll       Bucket = "all"
	BucketActive    Bucket = "active"
	BucketCompleted Bucket = "completed"
	BucketFailed    Bucket = "failed"
)

// ParseBucket maps a query value to a Bucket, falling back to BucketAll.
func ParseBucket(s string) Bucket {
	switch Bucket(s) {
	case BucketActive, BucketCompleted, BucketFailed:
		return Bucket(s)
	}
	return BucketAll
}

// BucketOf places a status in its listing bucket.
func BucketOf(s Status) Bucket {
	switch s {
	case StatusActive:
		return BucketActive
	case StatusCompleted, StatusRefunded:
		return BucketCompleted
	}
	return BucketFailed
}

// Eligibility lists which operations a viewer could perform right now.
type Eligibility struct {
	IsCreator      bool `json:"is_creator"`
	IsRecipient    bool `json:"is_recipient"`
	CanSubmitProof bool `json:"can_submit_proof"`
	CanFinalize    bool `json:"can_finalize"`
	CanClaim       bool `json:"can_claim"`
	CanCancel      bool `json:"can_cancel"`
}

// EligibilityFor evaluates the transition guards for viewer at now without
// mutating anything. An empty viewer is neither creator nor recipient.
func EligibilityFor(c Commitment, viewer Address, now uint64) Eligibility {
	isCreator := viewer != "" && viewer == c.Creator
	isRecipient := viewer != "" && viewer == c.Recipient
	active := c.Status == StatusActive

	return Eligibility{
		IsCreator:      isCreator,
		IsRecipient:    isRecipient,
		CanSubmitProof: isCreator && active && now <= c.Deadline && c.ProofSubmittedAt == 0,
		CanFinalize:    (active || c.Status == StatusCompleted) && now > c.Deadline,
		CanClaim:       isRecipient && c.Status == StatusFailed && c.FinalizedAt > 0 && now >= c.ClaimableAt(),
		CanCancel:      isCreator && active && now < c.Deadline && c.ProofSubmittedAt == 0,
	}
}
