package httpapi

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func NewMux(db Pinger, status StatusSource) *http.ServeMux {
	mux := http.NewServeMux()
	registerHealthcheck(mux, db, status)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}
