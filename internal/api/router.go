/**
 * @description
 * HTTP router for the delivery service. Public endpoints live under
 * /deliveries behind bearer authentication; the wallet top-up hook is
 * guarded by the internal API key.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: routing and standard middleware.
 * - github.com/go-chi/cors: CORS handling.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig carries the credentials and origins the router enforces.
type RouterConfig struct {
	JWTSecret      string
	InternalAPIKey string
	AllowedOrigins []string
}

// DeliveryRoutes creates and returns the router for the delivery service.
func DeliveryRoutes(h *DeliveryHandlers, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"https://*", "http://*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	r.Route("/deliveries", func(r chi.Router) {
		r.Route("/internal", func(r chi.Router) {
			r.Use(InternalAuthMiddleware(cfg.InternalAPIKey))
			r.Post("/wallet/topup", h.InternalTopUpHandler)
		})

		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(cfg.JWTSecret))

			r.Post("/listings", h.CreateListingHandler)
			r.Get("/listings", h.ListListingsHandler)
			r.Route("/listings/{listingID}", func(r chi.Router) {
				r.Get("/", h.GetListingHandler)
				r.Post("/cancel", h.CancelListingHandler)
				r.Get("/bids", h.ListBidsHandler)
				r.Post("/bids", h.SubmitBidHandler)
				r.Post("/direct-accept", h.DirectAcceptHandler)
				r.Post("/bids/{bidID}/accept", h.AcceptBidHandler)
				r.Post("/bids/{bidID}/decline", h.DeclineBidHandler)
				r.Post("/otp", h.SubmitOtpHandler)
				r.Post("/ratings", h.SubmitRatingHandler)
			})

			r.Put("/availability", h.UpdateAvailabilityHandler)
			r.Post("/location", h.PushLocationHandler)

			r.Get("/wallet", h.GetWalletHandler)
			r.Get("/wallet/entries", h.ListWalletEntriesHandler)

			r.Post("/conversation", h.ConversationHandler)
		})
	})

	return r
}
