package registry

import (
	"context"
	"fmt"
	"sort"

	"github.com/punchamoorthee/commitfund/internal/domain"
)

const (
	DefaultPageLimit = 20
	MaxPageLimit     = 200
)

// Get returns one commitment or domain.ErrCommitmentNotFound.
func (r *Registry) Get(ctx context.Context, id uint64) (domain.Commitment, error) {
	return r.store.Get(ctx, id)
}

// Count returns how many ids have ever been allocated.
func (r *Registry) Count(ctx context.Context) (uint64, error) {
	return r.store.Count(ctx)
}

// ListIDs returns up to limit ids in creation order from the zero-based
// start offset. Out-of-range starts and a zero limit yield an empty page.
func (r *Registry) ListIDs(ctx context.Context, start, limit uint64) ([]uint64, error) {
	if limit == 0 {
		return []uint64{}, nil
	}
	return r.store.ListIDs(ctx, start, limit)
}

// GetMany looks up a batch of ids, silently skipping those that do not exist.
func (r *Registry) GetMany(ctx context.Context, ids []uint64) ([]domain.Commitment, error) {
	if len(ids) == 0 {
		return []domain.Commitment{}, nil
	}
	return r.store.GetMany(ctx, ids)
}

// Events reads the notification log after the given sequence number.
func (r *Registry) Events(ctx context.Context, afterSeq uint64, limit int) ([]domain.Event, error) {
	if limit <= 0 || limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	return r.store.Events(ctx, afterSeq, limit)
}

// Entries returns the ledger legs touching account, newest first.
func (r *Registry) Entries(ctx context.Context, account domain.Address) ([]domain.LedgerEntry, error) {
	return r.store.Entries(ctx, account)
}

// Eligibility reports which operations viewer could perform on id now.
func (r *Registry) Eligibility(ctx context.Context, id uint64, viewer domain.Address) (domain.Commitment, domain.Eligibility, error) {
	c, err := r.store.Get(ctx, id)
	if err != nil {
		return domain.Commitment{}, domain.Eligibility{}, err
	}
	return c, domain.EligibilityFor(c, viewer, r.clock.Now()), nil
}

// Filter selects a listing page.
type Filter struct {
	Bucket domain.Bucket
	// Mine keeps commitments where the address is creator or recipient.
	Mine   domain.Address
	Cursor int
	Limit  int
}

// Page is one listing page. NextCursor is nil on the last page.
type Page struct {
	Items      []domain.Commitment
	Total      int
	NextCursor *int
}

// Query filters, sorts and pages the full commitment set.
func (r *Registry) Query(ctx context.Context, f Filter) (Page, error) {
	all, err := r.store.All(ctx)
	if err != nil {
		return Page{}, fmt.Errorf("load commitments: %w", err)
	}
	if f.Bucket == "" {
		f.Bucket = domain.BucketAll
	}
	if f.Limit <= 0 {
		f.Limit = DefaultPageLimit
	}
	if f.Limit > MaxPageLimit {
		f.Limit = MaxPageLimit
	}
	if f.Cursor < 0 {
		f.Cursor = 0
	}

	filtered := make([]domain.Commitment, 0, len(all))
	for _, c := range all {
		if f.Bucket != domain.BucketAll && domain.BucketOf(c.Status) != f.Bucket {
			continue
		}
		if f.Mine != "" && c.Creator != f.Mine && c.Recipient != f.Mine {
			continue
		}
		filtered = append(filtered, c)
	}
	sortForBucket(filtered, f.Bucket)

	page := Page{Total: len(filtered), Items: []domain.Commitment{}}
	if f.Cursor >= len(filtered) {
		return page, nil
	}
	end := min(f.Cursor+f.Limit, len(filtered))
	page.Items = filtered[f.Cursor:end]
	if end < len(filtered) {
		page.NextCursor = &end
	}
	return page, nil
}

func sortForBucket(items []domain.Commitment, b domain.Bucket) {
	switch b {
	case domain.BucketActive:
		sort.SliceStable(items, func(i, j int) bool {
			if items[i].Deadline != items[j].Deadline {
				return items[i].Deadline < items[j].Deadline
			}
			return items[i].CreatedAt > items[j].CreatedAt
		})
	case domain.BucketCompleted, domain.BucketFailed:
		settled := func(c domain.Commitment) uint64 {
			if c.FinalizedAt != 0 {
				return c.FinalizedAt
			}
			return c.CreatedAt
		}
		sort.SliceStable(items, func(i, j int) bool {
			a, b := settled(items[i]), settled(items[j])
			if a != b {
				return a > b
			}
			return items[i].ID > items[j].ID
		})
	default:
		sort.SliceStable(items, func(i, j int) bool {
			if items[i].CreatedAt != items[j].CreatedAt {
				return items[i].CreatedAt > items[j].CreatedAt
			}
			return items[i].ID > items[j].ID
		})
	}
}

// Ping checks that the backing store is reachable.
func (r *Registry) Ping(ctx context.Context) error {
	return r.store.Ping(ctx)
}
