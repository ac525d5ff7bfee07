package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"gorm.io/gorm"

	"github.com/openledgerhq/ledgersync/internal/config"
	"github.com/openledgerhq/ledgersync/internal/crypto"
	"github.com/openledgerhq/ledgersync/internal/provider"
	"github.com/openledgerhq/ledgersync/internal/syncer"
)

// NewRouter creates a new HTTP router
func NewRouter(cfg *config.Config, db *gorm.DB, registry *provider.Registry, cipher crypto.TokenCipher, dispatcher syncer.Dispatcher) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(SecurityHeadersMiddleware(cfg))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Internal-Api-Key"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	limiter := NewRateLimiter(20, 40)
	limiter.CleanupOldLimiters()

	// Internal API: every route requires the shared-secret header
	r.Route("/internal", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(cfg))
		r.Use(RateLimitMiddleware(limiter))

		r.Route("/oauth/{provider}", func(r chi.Router) {
			r.Post("/authorize-url", HandleAuthorizeURL(db, registry))
			r.Post("/exchange", HandleExchange(db, registry, cipher))
			r.Get("/status", HandleStatus(db))
			r.Post("/disconnect", HandleDisconnect(db, registry, cipher))
		})

		r.Post("/sync/{provider}", HandleTriggerSync(dispatcher))
		r.Get("/sync-runs", HandleGetSyncRun(db))

		r.Get("/data/bank-transactions", HandleListBankTransactions(db))
		r.Get("/data/invoices", HandleListInvoices(db))
	})

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return r
}
