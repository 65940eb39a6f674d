// Package api is the HTTP client request surface that exercises the
// scheduler core: native endpoints, the OpenAI-compatible completions
// endpoint, and the worker control plane. It performs request validation
// and protocol translation but contains no scheduling logic of its own.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/llmgateway/gateway/internal/dispatcher"
	"github.com/llmgateway/gateway/internal/registry"
	"github.com/llmgateway/gateway/pkg/gwerrors"
	"github.com/llmgateway/gateway/pkg/types"
)

var log = slog.Default()

// Server wires the HTTP surface to the scheduler core.
type Server struct {
	registry       *registry.Registry
	dispatcher     *dispatcher.Dispatcher
	defaultTimeout time.Duration
}

// New builds a Server.
func New(reg *registry.Registry, disp *dispatcher.Dispatcher, defaultTimeout time.Duration) *Server {
	return &Server{registry: reg, dispatcher: disp, defaultTimeout: defaultTimeout}
}

// Handler returns the full route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/generate", s.handleNative(types.RequestGenerate))
	mux.HandleFunc("POST /api/chat", s.handleNative(types.RequestChat))
	mux.HandleFunc("POST /api/embeddings", s.handleNative(types.RequestEmbed))

	mux.HandleFunc("POST /v1/completions", s.handleCompletions)
	mux.HandleFunc("GET /v1/models", s.handleModels)

	mux.HandleFunc("POST /internal/workers/register", s.handleWorkerRegister)
	mux.HandleFunc("POST /internal/workers/heartbeat", s.handleWorkerHeartbeat)
	mux.HandleFunc("POST /internal/workers/deregister", s.handleWorkerDeregister)
	mux.HandleFunc("POST /internal/workers/{id}/drain", s.handleWorkerDrain)
	mux.HandleFunc("GET /internal/workers", s.handleWorkerList)
	mux.HandleFunc("GET /internal/status", s.handleStatus)

	return mux
}

func newJobID() types.JobID {
	return types.JobID(uuid.NewString())
}

func clientMeta(r *http.Request, protocol string) types.SubmissionMeta {
	return types.SubmissionMeta{
		ClientIP:            r.RemoteAddr,
		UserAgent:           r.UserAgent(),
		SubmittedAt:         time.Now(),
		OriginatingProtocol: protocol,
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Param   string `json:"param,omitempty"`
}

// writeError maps a gwerrors.Kind to the client-facing error shape and
// HTTP status.
func writeError(w http.ResponseWriter, err error) {
	gerr, ok := gwerrors.As(err)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: errorDetail{
			Message: err.Error(),
			Type:    "server_error",
			Code:    "internal_error",
		}})
		return
	}

	switch gerr.Kind {
	case gwerrors.KindValidation:
		writeJSON(w, http.StatusBadRequest, errorBody{Error: errorDetail{
			Message: gerr.Message,
			Type:    "invalid_request_error",
			Param:   gerr.Param,
		}})
	case gwerrors.KindModelUnavailable:
		writeJSON(w, http.StatusNotFound, errorBody{Error: errorDetail{
			Message: gerr.Message,
			Type:    "invalid_request_error",
			Code:    "model_unavailable",
		}})
	case gwerrors.KindQueueFull:
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: errorDetail{
			Message: gerr.Message,
			Type:    "server_error",
			Code:    "queue_full",
		}})
	case gwerrors.KindCancelled:
		writeJSON(w, http.StatusBadRequest, errorBody{Error: errorDetail{
			Message: gerr.Message,
			Type:    "invalid_request_error",
			Code:    "cancelled",
		}})
	case gwerrors.KindUnknownWorker, gwerrors.KindStaleSession, gwerrors.KindDuplicateWorker:
		writeJSON(w, http.StatusBadRequest, errorBody{Error: errorDetail{
			Message: gerr.Message,
			Type:    "invalid_request_error",
			Code:    string(gerr.Kind),
		}})
	default:
		log.Error("request failed", "kind", gerr.Kind, "error", gerr.Message)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: errorDetail{
			Message: gerr.Message,
			Type:    "server_error",
			Code:    string(gerr.Kind),
		}})
	}
}

// checkModelAvailable enforces the synchronous model-availability check
// before a request is accepted onto the queue.
func (s *Server) checkModelAvailable(model string) error {
	for _, m := range s.registry.AllAvailableModels() {
		if m.Name == model {
			return nil
		}
	}
	return gwerrors.New(gwerrors.KindModelUnavailable, "no ready worker carries model "+model)
}
