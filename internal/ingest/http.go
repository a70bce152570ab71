package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/harbor_sink/internal/store"
)

// EnqueueRequest is the body of POST /v1/records. A null or missing key
// routes the record to the insert URL.
type EnqueueRequest struct {
	Key  *string `json:"key"`
	Body string  `json:"body"`
}

type EnqueueResponse struct {
	ID         string `json:"id"`
	EnqueuedAt string `json:"enqueued_at"`
}

// DeliveryView is one delivery log row as served by GET /v1/deliveries.
type DeliveryView struct {
	ID         uuid.UUID `json:"id"`
	RecordID   string    `json:"record_id,omitempty"`
	RecordKey  *string   `json:"record_key"`
	Route      string    `json:"route"`
	Outcome    string    `json:"outcome"`
	HTTPStatus int       `json:"http_status,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

type ListResponse struct {
	Deliveries []DeliveryView `json:"deliveries"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Handler serves the ingest API.
func (s *Service) Handler(maxBodyBytes int64) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/records", s.handleEnqueue(maxBodyBytes))
	mux.HandleFunc("GET /v1/deliveries", s.handleList)
	return mux
}

func (s *Service) handleEnqueue(maxBodyBytes int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if maxBodyBytes > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}
		var req EnqueueRequest
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "request body too large"})
				return
			}
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid request: %v", err)})
			return
		}

		rec, err := s.Enqueue(r.Context(), req.Key, req.Body)
		switch {
		case errors.Is(err, ErrInvalidRecord):
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		case err != nil:
			s.logger.WithContext(r.Context()).WithError(err).Error("enqueue failed")
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "queue unavailable"})
			return
		}
		writeJSON(w, http.StatusAccepted, EnqueueResponse{ID: rec.ID, EnqueuedAt: rec.EnqueuedAt})
	}
}

func (s *Service) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.ListFilter{
		RecordID: q.Get("record_id"),
		Outcome:  q.Get("outcome"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a non-negative integer"})
			return
		}
		f.Limit = n
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "since must be an RFC3339 time"})
			return
		}
		f.Since = t
	}

	rows, err := s.ListDeliveries(r.Context(), f)
	switch {
	case errors.Is(err, ErrLogDisabled):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	case err != nil:
		s.logger.WithContext(r.Context()).WithError(err).Error("list deliveries failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "delivery log unavailable"})
		return
	}

	resp := ListResponse{Deliveries: make([]DeliveryView, 0, len(rows))}
	for _, d := range rows {
		resp.Deliveries = append(resp.Deliveries, DeliveryView{
			ID:         d.ID,
			RecordID:   d.RecordID,
			RecordKey:  d.RecordKey,
			Route:      d.Route,
			Outcome:    d.Outcome,
			HTTPStatus: d.HTTPStatus,
			LastError:  d.LastError,
			DurationMS: d.Duration.Milliseconds(),
			CreatedAt:  d.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
