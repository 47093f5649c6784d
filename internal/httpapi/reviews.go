// Package httpapi exposes the review engine over HTTP: a synchronous JSON
// endpoint plus SSE and WebSocket streaming variants.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/scivet/revaudit/internal/engine"
	"github.com/scivet/revaudit/internal/models"
	"github.com/scivet/revaudit/internal/streaming"
)

// ReviewHandler serves the review endpoints.
type ReviewHandler struct {
	engine  *engine.Engine
	streams *streaming.Manager
	logger  *zap.Logger
}

func NewReviewHandler(e *engine.Engine, streams *streaming.Manager, logger *zap.Logger) *ReviewHandler {
	return &ReviewHandler{engine: e, streams: streams, logger: logger}
}

// RegisterRoutes registers review routes on the provided mux.
func (h *ReviewHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/reviews", h.handleReview)
	mux.HandleFunc("/api/v1/reviews/stream", h.handleReviewSSE)
	h.RegisterWebSocket(mux)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
}

func (h *ReviewHandler) decodeManuscript(w http.ResponseWriter, r *http.Request) (*models.Manuscript, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return nil, false
	}
	var m models.Manuscript
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 8<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&m); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid manuscript payload: %v", err))
		return nil, false
	}
	return &m, true
}

// handleReview runs a full review synchronously.
// POST /api/v1/reviews
func (h *ReviewHandler) handleReview(w http.ResponseWriter, r *http.Request) {
	m, ok := h.decodeManuscript(w, r)
	if !ok {
		return
	}

	result, err := h.engine.Review(r.Context(), m)
	if err != nil {
		if errors.Is(err, models.ErrInvalidManuscript) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		h.logger.Error("review failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "review failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(result); err != nil {
		h.logger.Warn("failed to write review response", zap.Error(err))
	}
}

// handleReviewSSE runs a review and streams its events via Server-Sent
// Events. The request body carries the manuscript; the response carries the
// run's ordered event sequence, ending with the terminal event.
// POST /api/v1/reviews/stream
func (h *ReviewHandler) handleReviewSSE(w http.ResponseWriter, r *http.Request) {
	m, ok := h.decodeManuscript(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	runID := uuid.New().String()
	s := h.streams.Open(runID)
	defer h.streams.Close(runID)
	defer s.Cancel()

	go func() {
		if _, err := h.engine.ReviewStream(r.Context(), runID, m, s); err != nil &&
			!errors.Is(err, streaming.ErrConsumerGone) {
			h.logger.Debug("streamed review ended with error",
				zap.String("run_id", runID), zap.Error(err))
		}
	}()

	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	fmt.Fprintf(w, ": run %s\n\n", runID)
	flusher.Flush()

	hb := time.NewTicker(15 * time.Second)
	defer hb.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("SSE client disconnected", zap.String("run_id", runID))
			return
		case evt, open := <-s.Events():
			if !open {
				return
			}
			fmt.Fprintf(w, "id: %d\n", evt.Seq)
			fmt.Fprintf(w, "event: %s\n", evt.Type)
			fmt.Fprintf(w, "data: %s\n\n", string(evt.Marshal()))
			flusher.Flush()
		case <-hb.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
