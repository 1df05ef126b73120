package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/punchamoorthee/commitfund/internal/auth"
	"github.com/punchamoorthee/commitfund/internal/domain"
	"github.com/punchamoorthee/commitfund/internal/registry"
)

// maxBatchIDs bounds POST /commitments/batch.
const maxBatchIDs = registry.MaxPageLimit

type listResponse struct {
	Items      []commitmentView `json:"items"`
	Total      int              `json:"total"`
	NextCursor *int             `json:"next_cursor"`
	Now        uint64           `json:"now"`
}

func (h *Handler) GetCommitment(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/commitments/{id}"
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("GET", endpoint))
	defer timer.ObserveDuration()

	id, ok := h.commitmentID(w, r, "GET", endpoint)
	if !ok {
		return
	}
	viewer, _ := auth.CallerFromContext(r.Context())
	c, elig, err := h.reg.Eligibility(r.Context(), id, viewer)
	if err != nil {
		h.respondRegistryError(w, r, err, "GET", endpoint)
		return
	}
	v := newCommitmentView(c)
	v.Eligibility = &elig
	h.respondJSON(w, http.StatusOK, v, "GET", endpoint)
}

// ListCommitments serves the bucketed listing. mine=true filters on the
// caller; any other non-empty value is taken as an address.
func (h *Handler) ListCommitments(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/commitments"
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("GET", endpoint))
	defer timer.ObserveDuration()

	q := r.URL.Query()
	f := registry.Filter{Bucket: domain.ParseBucket(strings.ToLower(q.Get("status")))}
	switch mine := strings.TrimSpace(q.Get("mine")); mine {
	case "", "false", "0":
	case "true", "1":
		caller, ok := auth.CallerFromContext(r.Context())
		if !ok {
			h.respondError(w, http.StatusUnauthorized, domain.ErrCallerRequired.Message, domain.ErrCallerRequired.Code, "GET", endpoint)
			return
		}
		f.Mine = caller
	default:
		f.Mine = domain.Address(mine)
	}
	var err error
	if f.Cursor, err = intParam(q.Get("cursor"), 0); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid cursor", "invalid_query", "GET", endpoint)
		return
	}
	if f.Limit, err = intParam(q.Get("limit"), registry.DefaultPageLimit); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid limit", "invalid_query", "GET", endpoint)
		return
	}

	page, err := h.reg.Query(r.Context(), f)
	if err != nil {
		h.respondRegistryError(w, r, err, "GET", endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, listResponse{
		Items:      newCommitmentViews(page.Items),
		Total:      page.Total,
		NextCursor: page.NextCursor,
		Now:        h.reg.Now(),
	}, "GET", endpoint)
}

func (h *Handler) CountCommitments(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/commitments/count"
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("GET", endpoint))
	defer timer.ObserveDuration()

	n, err := h.reg.Count(r.Context())
	if err != nil {
		h.respondRegistryError(w, r, err, "GET", endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]uint64{"count": n}, "GET", endpoint)
}

func (h *Handler) ListCommitmentIDs(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/commitment-ids"
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("GET", endpoint))
	defer timer.ObserveDuration()

	q := r.URL.Query()
	start, err := uintParam(q.Get("start"), 0)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid start", "invalid_query", "GET", endpoint)
		return
	}
	limit, err := uintParam(q.Get("limit"), registry.DefaultPageLimit)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid limit", "invalid_query", "GET", endpoint)
		return
	}
	ids, err := h.reg.ListIDs(r.Context(), start, limit)
	if err != nil {
		h.respondRegistryError(w, r, err, "GET", endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string][]uint64{"ids": ids}, "GET", endpoint)
}

func (h *Handler) BatchCommitments(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/commitments/batch"
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	var req struct {
		IDs []uint64 `json:"ids"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid JSON", "malformed_body", "POST", endpoint)
		return
	}
	if len(req.IDs) > maxBatchIDs {
		h.respondError(w, http.StatusUnprocessableEntity, "Too many ids", "batch_too_large", "POST", endpoint)
		return
	}
	cs, err := h.reg.GetMany(r.Context(), req.IDs)
	if err != nil {
		h.respondRegistryError(w, r, err, "POST", endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string][]commitmentView{"items": newCommitmentViews(cs)}, "POST", endpoint)
}

func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/events"
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("GET", endpoint))
	defer timer.ObserveDuration()

	q := r.URL.Query()
	after, err := uintParam(q.Get("after"), 0)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid after", "invalid_query", "GET", endpoint)
		return
	}
	limit, err := intParam(q.Get("limit"), registry.MaxPageLimit)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid limit", "invalid_query", "GET", endpoint)
		return
	}
	events, err := h.reg.Events(r.Context(), after, limit)
	if err != nil {
		h.respondRegistryError(w, r, err, "GET", endpoint)
		return
	}
	if events == nil {
		events = []domain.Event{}
	}
	h.respondJSON(w, http.StatusOK, map[string][]domain.Event{"events": events}, "GET", endpoint)
}

func (h *Handler) GetEntries(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/accounts/{address}/entries"
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("GET", endpoint))
	defer timer.ObserveDuration()

	addr := domain.Address(strings.TrimSpace(mux.Vars(r)["address"]))
	entries, err := h.reg.Entries(r.Context(), addr)
	if err != nil {
		h.respondRegistryError(w, r, err, "GET", endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string][]entryView{"entries": newEntryViews(entries)}, "GET", endpoint)
}

func intParam(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	return strconv.Atoi(s)
}

func uintParam(s string, def uint64) (uint64, error) {
	if s == "" {
		return def, nil
	}
	return strconv.ParseUint(s, 10, 64)
}
