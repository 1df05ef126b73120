package registry_test

import (
	"context"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/commitfund/internal/auth"
	"github.com/punchamoorthee/commitfund/internal/domain"
	"github.com/punchamoorthee/commitfund/internal/registry"
	"github.com/punchamoorthee/commitfund/internal/store/memory"
)

type atomicClock struct{ now atomic.Uint64 }

func (c *atomicClock) Now() uint64 { return c.now.Load() }

type countingTransfer struct {
	mu    sync.Mutex
	calls map[uint64]int
}

func (c *countingTransfer) Send(_ context.Context, p registry.Payout) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[p.CommitmentID]++
	return nil
}

// race runs fn for every id from workers goroutines at once and returns how
// many calls succeeded per id.
func race(workers int, ids []uint64, fn func(id uint64) error) map[uint64]int {
	var (
		mu   sync.Mutex
		wins = make(map[uint64]int)
		wg   sync.WaitGroup
	)
	start := make(chan struct{})
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for _, id := range ids {
				if err := fn(id); err == nil {
					mu.Lock()
					wins[id]++
					mu.Unlock()
				}
			}
		}()
	}
	close(start)
	wg.Wait()
	return wins
}

func TestConcurrentTransitionsPayOutOnce(t *testing.T) {
	const (
		perGroup = 20
		workers  = 16
		cooldown = uint64(60)
	)
	ctx := context.Background()
	transfer := &countingTransfer{calls: make(map[uint64]int)}
	store := memory.New(memory.WithTransfer(transfer))
	clock := &atomicClock{}
	clock.now.Store(initTS)
	reg := registry.New(store, auth.ContextIdentity{}, registry.WithClock(clock))

	asCreator := auth.WithCaller(ctx, creator)
	asRecipient := auth.WithCaller(ctx, recipient)
	deadline := initTS + 1_000

	var cancelIDs, settleIDs []uint64
	for i := 0; i < 2*perGroup; i++ {
		cd := cooldown
		res, err := reg.Create(asCreator, registry.CreateRequest{
			Recipient:       recipient,
			Amount:          big.NewInt(int64(i + 1)),
			Deadline:        deadline,
			CooldownSeconds: &cd,
		})
		require.NoError(t, err)
		if i < perGroup {
			cancelIDs = append(cancelIDs, res.ID)
			continue
		}
		settleIDs = append(settleIDs, res.ID)
		if i%2 == 0 {
			_, err = reg.SubmitProof(asCreator, res.ID, "https://example.com/proof")
			require.NoError(t, err)
		}
	}

	cancelled := race(workers, cancelIDs, func(id uint64) error {
		_, err := reg.Cancel(asCreator, id)
		return err
	})

	clock.now.Store(deadline + 1)
	finalized := race(workers, settleIDs, func(id uint64) error {
		if _, err := reg.Cancel(asCreator, id); err == nil {
			return nil
		}
		_, err := reg.Finalize(ctx, id)
		return err
	})

	clock.now.Store(deadline + 1 + cooldown)
	claimed := race(workers, settleIDs, func(id uint64) error {
		_, err := reg.Claim(asRecipient, id)
		return err
	})

	for _, id := range cancelIDs {
		assert.Equal(t, 1, cancelled[id], "cancel wins for %d", id)
		assert.Equal(t, domain.StatusRefunded, mustGet(t, reg, id).Status)
	}
	for _, id := range settleIDs {
		assert.Equal(t, 1, finalized[id], "finalize wins for %d", id)
		c := mustGet(t, reg, id)
		if c.ProofSubmittedAt != 0 {
			assert.Equal(t, domain.StatusRefunded, c.Status)
			assert.Zero(t, claimed[id])
		} else {
			assert.Equal(t, domain.StatusClaimed, c.Status)
			assert.Equal(t, 1, claimed[id], "claim wins for %d", id)
		}
	}

	transfer.mu.Lock()
	defer transfer.mu.Unlock()
	require.Len(t, transfer.calls, 2*perGroup)
	for id, n := range transfer.calls {
		assert.Equal(t, 1, n, "transfers for %d", id)
	}
	assert.Len(t, store.Payouts(), 2*perGroup)
}

func mustGet(t *testing.T, reg *registry.Registry, id uint64) domain.Commitment {
	t.Helper()
	c, err := reg.Get(context.Background(), id)
	require.NoError(t, err)
	return c
}
