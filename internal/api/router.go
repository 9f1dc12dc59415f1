package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/taskhub/reminder-worker/internal/api/handler"
	apimw "github.com/taskhub/reminder-worker/internal/api/middleware"
)

// NewRouter wires the operational HTTP surface: health checks, the Prometheus
// scrape endpoint and a JSON status snapshot.
func NewRouter(
	lifecycle handler.Lifecycle,
	broker handler.Connectivity,
	ledger handler.DedupeStore,
	reg prometheus.Gatherer,
	logger *zap.Logger,
) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(apimw.CorrelationID(logger))
	r.Use(apimw.RequestLogger())

	hh := handler.NewHealthHandler(lifecycle, broker)
	sh := handler.NewStatusHandler(lifecycle, broker, ledger)

	r.Get("/health", hh.Health)
	r.Get("/ready", hh.Ready)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", sh.GetStatus)
	})

	return r
}
