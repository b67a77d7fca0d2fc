package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// PointSink accepts validated track point batches. The Kafka PointProducer and the
// in-process Ingestor both implement it.
type PointSink interface {
	Write(ctx context.Context, points []TrackPoint) error
}

// Handler processes incoming GPS data.
type Handler struct {
	sink PointSink
}

func NewHandler(sink PointSink) *Handler {
	return &Handler{sink: sink}
}

// ServeHTTP handles POST /track.
// Always expects an array of TrackPoints. The batch is rejected as a whole if any
// point is invalid, so a fence never sees half a batch.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}

	var points []TrackPoint
	if err := json.NewDecoder(r.Body).Decode(&points); err != nil {
		http.Error(w, "invalid JSON: expected array", http.StatusBadRequest)
		return
	}

	for i, tp := range points {
		if err := tp.Valid(); err != nil {
			http.Error(w, fmt.Sprintf("point %d: %v", i, err), http.StatusBadRequest)
			return
		}
	}

	if len(points) == 0 {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if err := h.sink.Write(r.Context(), points); err != nil {
		slog.Error("track write failed",
			"error", err,
			"count", len(points),
			"request_id", r.Header.Get("X-Request-ID"),
		)
		writeError(w, http.StatusServiceUnavailable, "service temporarily unavailable")
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler reports 503 while the database is unreachable.
func HealthHandler(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(r.Context()); err != nil {
			http.Error(w, "database unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}
}
