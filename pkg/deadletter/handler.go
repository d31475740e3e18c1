package deadletter

import (
	"context"
	"net/http"

	"github.com/telefold/telefold/pkg/config"
	"github.com/telefold/telefold/pkg/httpx"
)

// Handler serves the dead-letter inspection and replay endpoints.
type Handler struct {
	store  Store
	router *Router
}

// NewHandler creates a dead-letter HTTP handler.
func NewHandler(store Store, router *Router) *Handler {
	return &Handler{store: store, router: router}
}

// ListResponse is the payload of GET /v1/dlq.
type ListResponse struct {
	Envelopes []Envelope `json:"envelopes"`
	Count     int        `json:"count"`
}

// HandleList serves GET /v1/dlq. Query parameters: stage, tenant, reason,
// include_exhausted, limit.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpx.RespondErrorString(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	f := filterFromParams(r)
	envs, err := h.store.ListDeadLetters(r.Context(), f)
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	if envs == nil {
		envs = []Envelope{}
	}
	httpx.RespondJSON(w, http.StatusOK, ListResponse{Envelopes: envs, Count: len(envs)})
}

// ReplayRequest is the payload of POST /v1/dlq/replay. An empty filter
// replays every non-exhausted envelope.
type ReplayRequest struct {
	Filter
}

// ReplayResponse reports how many envelopes were republished.
type ReplayResponse struct {
	Replayed int `json:"replayed"`
}

// HandleReplay serves POST /v1/dlq/replay.
func (h *Handler) HandleReplay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpx.RespondErrorString(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req ReplayRequest
	if r.ContentLength != 0 {
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.RespondError(w, http.StatusBadRequest, err)
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.DLQReplayTimeout)
	defer cancel()

	n, err := h.router.Replay(ctx, req.Filter)
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, ReplayResponse{Replayed: n})
}

func filterFromParams(r *http.Request) Filter {
	params := r.URL.Query()
	f := Filter{
		Stage:            Stage(params.Get("stage")),
		TenantID:         params.Get("tenant"),
		Reason:           params.Get("reason"),
		IncludeExhausted: params.Get("include_exhausted") == "true",
		Limit:            config.DLQListLimit,
	}
	return f
}
