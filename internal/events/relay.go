// Package events relays the committed notification log to external
// subscribers. The relay reads events after a persisted cursor and publishes
// them in sequence order, so delivery is at-least-once.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/punchamoorthee/commitfund/internal/domain"
	"github.com/punchamoorthee/commitfund/internal/registry"
)

var (
	relayPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "commitfund_relay_published_total",
		Help: "Events published by the outbox relay",
	}, []string{"kind"})

	relayErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "commitfund_relay_errors_total",
		Help: "Outbox relay failures by stage",
	}, []string{"stage"})
)

const (
	defaultInterval  = time.Second
	defaultBatchSize = 100
)

// Source reads the ordered event log. *registry.Registry satisfies it.
type Source interface {
	Events(ctx context.Context, afterSeq uint64, limit int) ([]domain.Event, error)
}

// Publisher delivers one event downstream.
type Publisher interface {
	Publish(ctx context.Context, e domain.Event) error
}

// Cursor persists the sequence number of the last published event.
type Cursor interface {
	Load(ctx context.Context) (uint64, error)
	Save(ctx context.Context, seq uint64) error
}

type Relay struct {
	source    Source
	publisher Publisher
	cursor    Cursor
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
}

type Option func(*Relay)

func WithInterval(d time.Duration) Option { return func(r *Relay) { r.interval = d } }

func WithBatchSize(n int) Option { return func(r *Relay) { r.batchSize = n } }

func WithLogger(l *slog.Logger) Option { return func(r *Relay) { r.logger = l } }

func NewRelay(source Source, publisher Publisher, cursor Cursor, opts ...Option) *Relay {
	r := &Relay{
		source:    source,
		publisher: publisher,
		cursor:    cursor,
		interval:  defaultInterval,
		batchSize: defaultBatchSize,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.interval <= 0 {
		r.interval = defaultInterval
	}
	if r.batchSize <= 0 {
		r.batchSize = defaultBatchSize
	}
	// The registry never returns more than one page per read; a larger batch
	// would look like a short page and end the drain early.
	if r.batchSize > registry.MaxPageLimit {
		r.batchSize = registry.MaxPageLimit
	}
	return r
}

// Run drains the log every interval until ctx is cancelled. Failures are
// logged and retried on the next tick.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if n, err := r.Drain(ctx); err != nil {
			r.logger.WarnContext(ctx, "outbox relay failed", "error", err)
		} else if n > 0 {
			r.logger.DebugContext(ctx, "outbox relay published", "count", n)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Drain publishes every event after the cursor and returns how many were
// published. The cursor advances after each successful publish.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	after, err := r.cursor.Load(ctx)
	if err != nil {
		relayErrors.WithLabelValues("cursor_load").Inc()
		return 0, fmt.Errorf("load cursor: %w", err)
	}

	published := 0
	for {
		batch, err := r.source.Events(ctx, after, r.batchSize)
		if err != nil {
			relayErrors.WithLabelValues("read").Inc()
			return published, fmt.Errorf("read events after %d: %w", after, err)
		}
		for _, e := range batch {
			if err := r.publisher.Publish(ctx, e); err != nil {
				relayErrors.WithLabelValues("publish").Inc()
				return published, fmt.Errorf("publish event %d: %w", e.Seq, err)
			}
			if err := r.cursor.Save(ctx, e.Seq); err != nil {
				relayErrors.WithLabelValues("cursor_save").Inc()
				return published, fmt.Errorf("save cursor %d: %w", e.Seq, err)
			}
			relayPublished.WithLabelValues(string(e.Kind)).Inc()
			after = e.Seq
			published++
		}
		if len(batch) < r.batchSize {
			return published, nil
		}
	}
}
