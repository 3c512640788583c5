package api

import (
	"net/http"

	"github.com/example/inventory-ledger/internal/api/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

func NewRouter(handlers *Handlers, log *logrus.Entry) http.Handler {
	mux := http.NewServeMux()

	// Events
	mux.HandleFunc("POST /inventory/events/sync", handlers.SubmitSync)
	mux.HandleFunc("POST /inventory/events/async", handlers.SubmitAsync)

	// Snapshots
	mux.HandleFunc("GET /inventory/snapshots/sync/{partitionKey}", handlers.GetSyncSnapshot)
	mux.HandleFunc("GET /inventory/snapshots/async/{partitionKey}", handlers.GetAsyncSnapshot)

	// Operations
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", handlers.Health)

	return middleware.Logging(log)(middleware.Metrics(mux))
}
