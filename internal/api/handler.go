package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/punchamoorthee/commitfund/internal/auth"
	"github.com/punchamoorthee/commitfund/internal/domain"
	"github.com/punchamoorthee/commitfund/internal/registry"
)

// Metrics
var (
	httpReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "commitfund_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "endpoint", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "commitfund_http_request_duration_seconds",
		Help:    "Request latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"method", "endpoint"})
)

// maxBodyBytes bounds request bodies. Proof URLs are the largest field.
const maxBodyBytes = 64 << 10

type Handler struct {
	reg    *registry.Registry
	logger *slog.Logger
}

func NewHandler(reg *registry.Registry, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{reg: reg, logger: logger}
}

type createCommitmentRequest struct {
	Title           string  `json:"title"`
	Recipient       string  `json:"recipient"`
	Amount          string  `json:"amount"`
	AmountDisplay   string  `json:"amount_display,omitempty"`
	Deadline        uint64  `json:"deadline"`
	CooldownSeconds *uint64 `json:"cooldown_seconds,omitempty"`
}

type proofRequest struct {
	ProofURL string `json:"proof_url"`
}

func (h *Handler) CreateCommitment(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/commitments"
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	var req createCommitmentRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid JSON", "malformed_body", "POST", endpoint)
		return
	}
	amount, err := parseRequestAmount(req)
	if err != nil {
		h.respondError(w, http.StatusUnprocessableEntity, err.Error(), "invalid_amount", "POST", endpoint)
		return
	}

	res, err := h.reg.Create(r.Context(), registry.CreateRequest{
		Title:           req.Title,
		Recipient:       domain.Address(strings.TrimSpace(req.Recipient)),
		Amount:          amount,
		Deadline:        req.Deadline,
		CooldownSeconds: req.CooldownSeconds,
		IdempotencyKey:  strings.TrimSpace(r.Header.Get("Idempotency-Key")),
	})
	if err != nil {
		h.respondRegistryError(w, r, err, "POST", endpoint)
		return
	}

	code := http.StatusCreated
	if res.Replayed {
		code = http.StatusOK
	}
	w.Header().Set("Location", fmt.Sprintf("/api/v1/commitments/%d", res.ID))
	h.respondJSON(w, code, map[string]any{"id": res.ID, "replayed": res.Replayed}, "POST", endpoint)
}

func (h *Handler) SubmitProof(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/commitments/{id}/proof"
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	id, ok := h.commitmentID(w, r, "POST", endpoint)
	if !ok {
		return
	}
	var req proofRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid JSON", "malformed_body", "POST", endpoint)
		return
	}

	c, err := h.reg.SubmitProof(r.Context(), id, req.ProofURL)
	if err != nil {
		h.respondRegistryError(w, r, err, "POST", endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, h.view(r.Context(), c), "POST", endpoint)
}

func (h *Handler) Finalize(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "/commitments/{id}/finalize", h.reg.Finalize)
}

func (h *Handler) Claim(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "/commitments/{id}/claim", h.reg.Claim)
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "/commitments/{id}/cancel", h.reg.Cancel)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, endpoint string, op func(context.Context, uint64) (domain.Commitment, error)) {
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	id, ok := h.commitmentID(w, r, "POST", endpoint)
	if !ok {
		return
	}
	c, err := op(r.Context(), id)
	if err != nil {
		h.respondRegistryError(w, r, err, "POST", endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, h.view(r.Context(), c), "POST", endpoint)
}

func (h *Handler) commitmentID(w http.ResponseWriter, r *http.Request, method, endpoint string) (uint64, bool) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid commitment id", "invalid_id", method, endpoint)
		return 0, false
	}
	return id, true
}

// parseRequestAmount prefers the base-unit amount and falls back to a
// display amount such as "1.5".
func parseRequestAmount(req createCommitmentRequest) (*big.Int, error) {
	if strings.TrimSpace(req.Amount) == "" && strings.TrimSpace(req.AmountDisplay) != "" {
		return domain.ParseUnits(req.AmountDisplay)
	}
	return domain.ParseAmount(req.Amount)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// Helpers
func (h *Handler) respondJSON(w http.ResponseWriter, code int, payload any, method, endpoint string) {
	httpReqTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Handler) respondError(w http.ResponseWriter, code int, msg, errCode, method, endpoint string) {
	h.respondJSON(w, code, map[string]string{"error": msg, "code": errCode}, method, endpoint)
}

// respondRegistryError maps a registry error to its HTTP status. Anything
// outside the domain taxonomy is an infrastructure failure and is logged.
func (h *Handler) respondRegistryError(w http.ResponseWriter, r *http.Request, err error, method, endpoint string) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed", "method", method, "endpoint", endpoint, "error", err)
		h.respondError(w, status, "Internal Server Error", "internal", method, endpoint)
		return
	}
	var de *domain.Error
	errors.As(err, &de)
	h.respondError(w, status, de.Message, de.Code, method, endpoint)
}

func statusFor(err error) int {
	kind, ok := domain.KindOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch kind {
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindUnauthorized:
		if errors.Is(err, domain.ErrCallerRequired) {
			return http.StatusUnauthorized
		}
		return http.StatusForbidden
	case domain.KindInvalidArgument:
		return http.StatusUnprocessableEntity
	case domain.KindTimingViolation, domain.KindInvalidState:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (h *Handler) view(ctx context.Context, c domain.Commitment) commitmentView {
	viewer, _ := auth.CallerFromContext(ctx)
	v := newCommitmentView(c)
	elig := domain.EligibilityFor(c, viewer, h.reg.Now())
	v.Eligibility = &elig
	return v
}
