package api

import (
	"encoding/json"
	"net/http"

	"github.com/llmgateway/gateway/pkg/gwerrors"
	"github.com/llmgateway/gateway/pkg/types"
)

type registerRequest struct {
	WorkerID          string                  `json:"worker_id"`
	Address           string                  `json:"address"`
	Models            []types.ModelDescriptor `json:"models"`
	MaxConcurrency    int                     `json:"max_concurrency"`
	SupportsStreaming bool                    `json:"supports_streaming"`
}

type registerResponse struct {
	Token string `json:"token"`
}

func (s *Server) handleWorkerRegister(w http.ResponseWriter, r *http.Request) {
	var body registerRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, gwerrors.Validation("body", "malformed JSON body"))
		return
	}
	if body.WorkerID == "" || body.Address == "" {
		writeError(w, gwerrors.Validation("worker_id", "worker_id and address are required"))
		return
	}

	caps := types.Capabilities{
		Models:            body.Models,
		MaxConcurrency:    body.MaxConcurrency,
		SupportsStreaming: body.SupportsStreaming,
	}

	token, err := s.registry.Register(types.WorkerID(body.WorkerID), body.Address, caps)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, registerResponse{Token: token})
}

type heartbeatRequest struct {
	WorkerID string `json:"worker_id"`
	Token    string `json:"token"`
	InFlight int    `json:"in_flight"`
}

func (s *Server) handleWorkerHeartbeat(w http.ResponseWriter, r *http.Request) {
	var body heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, gwerrors.Validation("body", "malformed JSON body"))
		return
	}

	if err := s.registry.Heartbeat(types.WorkerID(body.WorkerID), body.Token, body.InFlight); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type deregisterRequest struct {
	WorkerID string `json:"worker_id"`
}

func (s *Server) handleWorkerDeregister(w http.ResponseWriter, r *http.Request) {
	var body deregisterRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, gwerrors.Validation("body", "malformed JSON body"))
		return
	}

	if err := s.registry.Deregister(types.WorkerID(body.WorkerID)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleWorkerDrain is the operator-facing trigger for the ready->draining
// transition.
func (s *Server) handleWorkerDrain(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, gwerrors.Validation("id", "worker id is required"))
		return
	}

	if err := s.registry.Drain(types.WorkerID(id)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "draining"})
}

// WorkerSummary is the observability view of one registered worker.
type WorkerSummary struct {
	ID            string   `json:"id" yaml:"id"`
	Address       string   `json:"address" yaml:"address"`
	Liveness      string   `json:"liveness" yaml:"liveness"`
	InFlight      int      `json:"in_flight" yaml:"in_flight"`
	MaxConcurrent int      `json:"max_concurrency" yaml:"max_concurrency"`
	Models        []string `json:"models" yaml:"models"`
}

// StatusSummary is the gateway-wide snapshot served at /internal/status.
type StatusSummary struct {
	Queued   int             `json:"queued" yaml:"queued"`
	InFlight int             `json:"in_flight" yaml:"in_flight"`
	Workers  []WorkerSummary `json:"workers" yaml:"workers"`
}

func (s *Server) workerSummaries() []WorkerSummary {
	workers := s.registry.ListWorkers()
	out := make([]WorkerSummary, 0, len(workers))
	for _, w := range workers {
		models := make([]string, 0, len(w.Capabilities.Models))
		for _, m := range w.Capabilities.Models {
			models = append(models, m.Name)
		}
		out = append(out, WorkerSummary{
			ID:            string(w.ID),
			Address:       w.Address,
			Liveness:      string(w.Liveness),
			InFlight:      w.InFlight,
			MaxConcurrent: w.Capabilities.MaxConcurrency,
			Models:        models,
		})
	}
	return out
}

func (s *Server) handleWorkerList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.workerSummaries())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	queued, inFlight := s.dispatcher.Stats()
	writeJSON(w, http.StatusOK, StatusSummary{
		Queued:   queued,
		InFlight: inFlight,
		Workers:  s.workerSummaries(),
	})
}
