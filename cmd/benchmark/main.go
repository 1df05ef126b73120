package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"math/big"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/punchamoorthee/commitfund/internal/auth"
	"github.com/punchamoorthee/commitfund/internal/domain"
	"github.com/punchamoorthee/commitfund/internal/registry"
	"github.com/punchamoorthee/commitfund/internal/store/memory"
)

// Config holds the benchmark settings
var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
	poolSize    int
)

// Metrics
var (
	totalRequests uint64
	success200    uint64 // Replays and successful transitions
	success201    uint64 // Created
	fail409       uint64 // Lost races (invalid state)
	failOther     uint64
	duplicates    uint64 // More than one successful cancel for the same id
)

// cancelled records which commitment ids have already paid out once.
var (
	cancelledMu sync.Mutex
	cancelled   = map[uint64]bool{}
)

const creator = "erd1benchcreator"

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | hotspot | settle")
	flag.IntVar(&poolSize, "pool", 20, "Commitments shared by all workers in the hotspot workload")
}

func main() {
	flag.Parse()
	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s", workload, concurrency, duration)

	if workload == "settle" {
		start := time.Now()
		settle()
		printResults(time.Since(start))
		return
	}

	client := &http.Client{Timeout: 5 * time.Second}
	var pool []uint64
	if workload == "hotspot" {
		for i := 0; i < poolSize; i++ {
			id, _, err := create(client, fmt.Sprintf("bench-pool-%d-%d", time.Now().UnixNano(), i))
			if err != nil {
				log.Fatalf("seed hotspot pool: %v", err)
			}
			pool = append(pool, id)
		}
	}

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, start, client, pool)
	}

	wg.Wait()
	printResults(time.Since(start))
}

func worker(wg *sync.WaitGroup, start time.Time, client *http.Client, pool []uint64) {
	defer wg.Done()

	for time.Since(start) < duration {
		var id uint64
		if len(pool) > 0 && rand.Float32() < 0.90 {
			// Hotspot: most traffic races to cancel the same few commitments.
			id = pool[rand.Intn(len(pool))]
		} else {
			// Reusing a key now and then exercises the replay path.
			key := fmt.Sprintf("bench-%d", time.Now().UnixNano())
			if rand.Float32() < 0.05 {
				key = "bench-replay"
			}
			created, status, err := create(client, key)
			if err != nil {
				atomic.AddUint64(&failOther, 1)
				continue
			}
			record(status)
			if status != http.StatusCreated {
				continue
			}
			id = created
		}

		status, err := cancel(client, id)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}
		record(status)
		if status == http.StatusOK {
			cancelledMu.Lock()
			if cancelled[id] {
				atomic.AddUint64(&duplicates, 1)
			}
			cancelled[id] = true
			cancelledMu.Unlock()
		}
	}
}

// settle runs in process against a memory store with a controlled clock, so
// deadlines and cooldowns can pass without waiting. Workers race finalize and
// cancel on every commitment, then race claims once the cooldown elapsed.
func settle() {
	var clock atomic.Uint64
	clock.Store(uint64(time.Now().Unix()))
	store := memory.New()
	reg := registry.New(store, auth.ContextIdentity{},
		registry.WithClock(registry.ClockFunc(clock.Load)),
		registry.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	ctx := context.Background()
	asCreator := auth.WithCaller(ctx, creator)
	asRecipient := auth.WithCaller(ctx, "erd1benchrecipient")
	cooldown := uint64(60)
	deadline := clock.Load() + 3_600

	ids := make([]uint64, 0, poolSize)
	for i := 0; i < poolSize; i++ {
		res, err := reg.Create(asCreator, registry.CreateRequest{
			Title:           "benchmark",
			Recipient:       "erd1benchrecipient",
			Amount:          big.NewInt(100),
			Deadline:        deadline,
			CooldownSeconds: &cooldown,
		})
		if err != nil {
			log.Fatalf("create: %v", err)
		}
		if i%2 == 0 {
			if _, err := reg.SubmitProof(asCreator, res.ID, "https://example.com/bench"); err != nil {
				log.Fatalf("submit proof: %v", err)
			}
		}
		ids = append(ids, res.ID)
	}

	clock.Store(deadline + 1)
	raceAll(ids, func(id uint64) error {
		if _, err := reg.Cancel(asCreator, id); err == nil {
			return nil
		}
		_, err := reg.Finalize(ctx, id)
		return err
	})

	clock.Store(deadline + 1 + cooldown)
	raceAll(ids, func(id uint64) error {
		_, err := reg.Claim(asRecipient, id)
		return err
	})

	payouts := store.Payouts()
	for _, id := range ids {
		c, err := reg.Get(ctx, id)
		if err != nil {
			log.Fatalf("get %d: %v", id, err)
		}
		if c.Status != domain.StatusRefunded && c.Status != domain.StatusClaimed {
			log.Printf("commitment %d left in %s", id, c.Status)
			atomic.AddUint64(&failOther, 1)
		}
		if _, ok := payouts[id]; !ok {
			log.Printf("commitment %d has no payout", id)
			atomic.AddUint64(&failOther, 1)
		}
	}
}

// raceAll runs fn for every id from every worker at once. The first success
// per id counts as 200; later successes are duplicate payouts.
func raceAll(ids []uint64, fn func(id uint64) error) {
	var (
		mu   sync.Mutex
		wins = map[uint64]bool{}
		wg   sync.WaitGroup
	)
	wg.Add(concurrency)
	for w := 0; w < concurrency; w++ {
		go func() {
			defer wg.Done()
			for _, id := range ids {
				err := fn(id)
				switch {
				case err == nil:
					mu.Lock()
					if wins[id] {
						atomic.AddUint64(&duplicates, 1)
					}
					wins[id] = true
					mu.Unlock()
					record(http.StatusOK)
				case registry.IsRejection(err):
					record(http.StatusConflict)
				default:
					record(http.StatusInternalServerError)
				}
			}
		}()
	}
	wg.Wait()
}

func record(status int) {
	atomic.AddUint64(&totalRequests, 1)
	switch status {
	case 201:
		atomic.AddUint64(&success201, 1)
	case 200:
		atomic.AddUint64(&success200, 1)
	case 409:
		atomic.AddUint64(&fail409, 1)
	default:
		atomic.AddUint64(&failOther, 1)
	}
}

func create(client *http.Client, key string) (uint64, int, error) {
	payload := map[string]interface{}{
		"title":     "benchmark",
		"recipient": "erd1benchrecipient",
		"amount":    "100",
		"deadline":  time.Now().Add(24 * time.Hour).Unix(),
	}
	body, _ := json.Marshal(payload)

	req, _ := http.NewRequest("POST", targetURL+"/api/v1/commitments", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", key)
	req.Header.Set("X-Caller-Address", creator)

	resp, err := client.Do(req)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()

	var out struct {
		ID uint64 `json:"id"`
	}
	if resp.StatusCode == 200 || resp.StatusCode == 201 {
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return 0, resp.StatusCode, err
		}
	}
	return out.ID, resp.StatusCode, nil
}

func cancel(client *http.Client, id uint64) (int, error) {
	req, _ := http.NewRequest("POST", fmt.Sprintf("%s/api/v1/commitments/%d/cancel", targetURL, id), nil)
	req.Header.Set("X-Caller-Address", creator)
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	s201 := atomic.LoadUint64(&success201)
	s200 := atomic.LoadUint64(&success200)
	f409 := atomic.LoadUint64(&fail409)
	fErr := atomic.LoadUint64(&failOther)
	dup := atomic.LoadUint64(&duplicates)

	tps := float64(total) / d.Seconds()
	var conflictRate float64
	if total > 0 {
		conflictRate = float64(f409) / float64(total) * 100
	}

	results := map[string]interface{}{
		"workload":          workload,
		"duration_sec":      d.Seconds(),
		"total_requests":    total,
		"throughput_tps":    tps,
		"success_created":   s201,
		"success_ok":        s200,
		"conflicts":         f409,
		"conflict_rate_pct": conflictRate,
		"errors":            fErr,
		"duplicate_payouts": dup,
	}

	// Print JSON for the python plotter to consume
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	filename := fmt.Sprintf("results_%s.json", workload)
	file, err := os.Create(filename)
	if err != nil {
		log.Printf("write %s: %v", filename, err)
		return
	}
	defer file.Close()
	json.NewEncoder(file).Encode(results)

	if dup > 0 {
		log.Printf("FAIL: %d duplicate payouts observed", dup)
		os.Exit(1)
	}
}
