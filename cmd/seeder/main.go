package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"time"

	"github.com/punchamoorthee/commitfund/internal/auth"
	"github.com/punchamoorthee/commitfund/internal/config"
	"github.com/punchamoorthee/commitfund/internal/domain"
	"github.com/punchamoorthee/commitfund/internal/registry"
	"github.com/punchamoorthee/commitfund/internal/store"
	"github.com/punchamoorthee/commitfund/internal/telemetry"
)

var (
	total     int
	creator   string
	recipient string
	amount    string
	proofEach int
)

func init() {
	flag.IntVar(&total, "count", 50, "Number of commitments to create")
	flag.StringVar(&creator, "creator", "erd1seedcreator", "Creator address")
	flag.StringVar(&recipient, "recipient", "erd1seedrecipient", "Recipient address")
	flag.StringVar(&amount, "amount", "1000000", "Amount per commitment, in base units")
	flag.IntVar(&proofEach, "proof-every", 3, "Submit a proof for every Nth commitment (0 disables)")
}

func main() {
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	logger := telemetry.NewLogger(os.Stderr, cfg.Env, cfg.LogLevel)

	if err := seed(context.Background(), cfg, logger); err != nil {
		logger.Error("seeding failed", "error", err)
		os.Exit(1)
	}
}

func seed(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	value, err := domain.ParseAmount(amount)
	if err != nil {
		return err
	}

	backend, closeStore, err := store.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	reg := registry.New(backend, auth.ContextIdentity{}, registry.WithLogger(logger))
	ctx = auth.WithCaller(ctx, domain.Address(creator))

	existing, err := reg.Count(ctx)
	if err != nil {
		return err
	}
	if existing >= uint64(total) {
		logger.Info("registry already seeded, skipping", "commitments", existing)
		return nil
	}

	logger.Info("seeding commitments", "count", total, "store", cfg.StoreDriver)
	now := uint64(time.Now().Unix())
	var created, replayed, proofs int
	for i := 0; i < total; i++ {
		res, err := reg.Create(ctx, registry.CreateRequest{
			Title:          fmt.Sprintf("Seed commitment #%d", i+1),
			Recipient:      domain.Address(recipient),
			Amount:         new(big.Int).Set(value),
			Deadline:       now + uint64(i+1)*uint64(time.Hour/time.Second),
			IdempotencyKey: fmt.Sprintf("seed-%s-%d", creator, i),
		})
		if err != nil {
			return fmt.Errorf("create #%d: %w", i+1, err)
		}
		if res.Replayed {
			replayed++
			continue
		}
		created++

		if proofEach > 0 && i%proofEach == 0 {
			if _, err := reg.SubmitProof(ctx, res.ID, fmt.Sprintf("https://example.com/proof/%d", res.ID)); err != nil {
				return fmt.Errorf("submit proof for %d: %w", res.ID, err)
			}
			proofs++
		}
	}

	logger.Info("seeding complete", "created", created, "replayed", replayed, "proofs", proofs)
	return nil
}
