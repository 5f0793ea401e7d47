package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"climalog/internal/config"
)

func NewServer(cfg config.Config, handler http.Handler, logger *slog.Logger) *http.Server {
	return &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           LogRequests(logger, handler),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Manual polls hold the request open for a whole device pipeline.
		WriteTimeout: cfg.PollTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}
}
