// Package dashboard provides a read-only JSON API for monitoring streams
// over the server's HTTP listener.
package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/fluxora/streamledger/internal/app"
	"github.com/fluxora/streamledger/internal/domain"
)

// StreamReader is the read side of the stream engine.
type StreamReader interface {
	GetConfig(ctx context.Context) (*domain.Config, error)
	GetStreamState(ctx context.Context, id uint64) (*domain.Stream, error)
}

// StreamSnapshot is the JSON response from /api/streams/{id}.
type StreamSnapshot struct {
	Timestamp uint64          `json:"timestamp"`
	Stream    *domain.Stream  `json:"stream"`
	Accrued   decimal.Decimal `json:"accrued"`
	Payable   decimal.Decimal `json:"payable"`
	// Effective schedule after pause shifts.
	EffectiveStart uint64 `json:"effective_start"`
	EffectiveCliff uint64 `json:"effective_cliff"`
	EffectiveEnd   uint64 `json:"effective_end"`
}

// Handler holds dependencies for dashboard HTTP handlers.
type Handler struct {
	streams StreamReader
	clock   app.Clock
}

// HandlerOption configures optional dependencies for the dashboard handler.
type HandlerOption func(*Handler)

// WithClock overrides the clock used for accrual snapshots.
func WithClock(c app.Clock) HandlerOption {
	return func(h *Handler) { h.clock = c }
}

// NewHandler creates a dashboard handler.
func NewHandler(streams StreamReader, opts ...HandlerOption) *Handler {
	h := &Handler{streams: streams, clock: app.SystemClock{}}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes adds dashboard routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/config", h.handleAPIConfig)
	mux.HandleFunc("GET /api/streams/{id}", h.handleAPIStream)
}

func (h *Handler) handleAPIConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.streams.GetConfig(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (h *Handler) handleAPIStream(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid stream id"})
		return
	}
	s, err := h.streams.GetStreamState(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	now := h.clock.Now()
	writeJSON(w, http.StatusOK, StreamSnapshot{
		Timestamp:      now,
		Stream:         s,
		Accrued:        s.AccruedAt(now),
		Payable:        s.Payable(now),
		EffectiveStart: s.EffectiveStart(),
		EffectiveCliff: s.EffectiveCliff(),
		EffectiveEnd:   s.EffectiveEnd(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrNotInitialized):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
