/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed in error logs
  2. Logger:     Structured request logging (zap)
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the billing frontend

ROUTE GROUPS:
  /api/payments/*    Payment ledger events
  /api/invoices/*    Invoice issuance and lookup
  /api/patients/*    Per-patient views
  /api/statements/*  Monthly and financial statements, exports
  /api/admin/*       Statement materialization
  /metrics           Prometheus exposition
  /healthz           Liveness

SECURITY NOTE:
  No authentication middleware. Deploy behind an authenticating proxy.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/rxbilling/serve.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	AllowedOrigins []string
	Metrics        http.Handler // nil disables /metrics
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:3000"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(requestLogger(h.Log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Disposition"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/payments", func(r chi.Router) {
			r.Post("/", h.SubmitPayment)
			r.Get("/{id}", h.GetPayment)
			r.Patch("/{id}", h.AmendPayment)
			r.Delete("/{id}", h.RetractPayment)
		})

		r.Route("/invoices", func(r chi.Router) {
			r.Post("/", h.IssueInvoice)
			r.Get("/{id}", h.GetInvoice)
		})

		r.Route("/patients/{id}", func(r chi.Router) {
			r.Get("/invoices", h.ListPatientInvoices)
			r.Get("/account-statement", h.GetAccountStatement)
		})

		r.Route("/statements", func(r chi.Router) {
			r.Get("/monthly/patient/{patientId}", h.ListMonthlyStatements)
			r.Get("/monthly/patient/{patientId}/{year}/{month}", h.GetMonthlyStatement)
			r.Get("/monthly/patient/{patientId}/{year}/{month}/export", h.ExportMonthlyStatement)

			r.Get("/financial", h.ListFinancialStatements)
			r.Get("/financial/latest", h.GetLatestFinancialStatement)
			r.Get("/financial/{year}/{month}", h.GetFinancialStatement)
			r.Get("/financial/{year}/{month}/export", h.ExportFinancialStatement)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/statements/materialize", h.MaterializeStatements)
		})
	})

	return r
}

// requestLogger logs one line per request with zap.
func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				log.Info("http request",
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("elapsed", time.Since(start)))
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
