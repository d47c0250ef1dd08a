package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rickgao/pushsession/internal/connection"
	"github.com/rickgao/pushsession/internal/metrics"
	"github.com/rickgao/pushsession/internal/version"
)

// sessionStatus is the part of connection.Manager the health check reads.
type sessionStatus interface {
	ID() uuid.UUID
	State() connection.State
	Attempt() int
	QueueLen() int
	LastHeartbeatAck() time.Time
}

type healthResponse struct {
	Status           string           `json:"status"`
	Version          string           `json:"version"`
	SessionID        uuid.UUID        `json:"session_id"`
	State            connection.State `json:"state"`
	Attempt          int              `json:"attempt"`
	QueueLen         int              `json:"queue_len"`
	LastHeartbeatAck *time.Time       `json:"last_heartbeat_ack,omitempty"`
}

func newHTTPHandler(s sessionStatus, g prometheus.Gatherer, metricsPath string) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/health", healthHandler(s))
	mux.Handle(metricsPath, metrics.Handler(g))
	return mux
}

func healthHandler(s sessionStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state := s.State()
		resp := healthResponse{
			Status:    "healthy",
			Version:   version.Version,
			SessionID: s.ID(),
			State:     state,
			Attempt:   s.Attempt(),
			QueueLen:  s.QueueLen(),
		}
		if ack := s.LastHeartbeatAck(); !ack.IsZero() {
			resp.LastHeartbeatAck = &ack
		}

		switch {
		case state == connection.StateOpen:
		case state.Terminal():
			resp.Status = "unhealthy"
		default:
			resp.Status = "degraded"
		}

		w.Header().Set("Content-Type", "application/json")
		if resp.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(resp)
	}
}
