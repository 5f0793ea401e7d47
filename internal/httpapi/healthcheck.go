package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"climalog/internal/modules/climate/service"
	"climalog/internal/modules/climate/types"
	"climalog/internal/utils"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type StatusSource interface {
	Status() []service.Status
}

type sourceHealth struct {
	Source      types.Source  `json:"source"`
	State       service.State `json:"state"`
	LastSuccess time.Time     `json:"lastSuccess,omitzero"`
	LastError   string        `json:"lastError,omitempty"`
}

type healthResponse struct {
	Status  string         `json:"status"`
	Sources []sourceHealth `json:"sources"`
}

type healthchecker interface {
	handleHealthz(w http.ResponseWriter, r *http.Request)
}

type healthcheckerImpl struct {
	db     Pinger
	status StatusSource
}

func NewHealthchecker(db Pinger, status StatusSource) healthchecker {
	return &healthcheckerImpl{db: db, status: status}
}

// handleHealthz fails only when the database is unreachable. A faulted device
// degrades the report but the service itself is still up.
func (h *healthcheckerImpl) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.db.Ping(ctx); err != nil {
		slog.Error("failed to check database connectivity", "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to check database connectivity")
		return
	}

	resp := healthResponse{Status: "ok", Sources: []sourceHealth{}}
	if h.status != nil {
		for _, s := range h.status.Status() {
			if s.State == service.StateFaulted {
				resp.Status = "degraded"
			}
			resp.Sources = append(resp.Sources, sourceHealth{
				Source:      s.Source,
				State:       s.State,
				LastSuccess: s.LastSuccess,
				LastError:   s.LastError,
			})
		}
	}
	utils.WriteJSON(w, http.StatusOK, resp)
}

func registerHealthcheck(mux *http.ServeMux, db Pinger, status StatusSource) {
	healthchecker := NewHealthchecker(db, status)
	mux.HandleFunc("GET /healthz", healthchecker.handleHealthz)
}
