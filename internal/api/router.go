package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

type RouterConfig struct {
	JWTSecret   string
	CORSOrigins []string
}

func NewRouter(h *Handler, cfg RouterConfig, log *zap.Logger) http.Handler {
	standardMiddleware := alice.New(recoverPanic(log), requestID, logRequest(log), secureHeaders)
	authMiddleware := alice.New(authenticate(cfg.JWTSecret, log))

	r := mux.NewRouter()
	r.Use(instrument)
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.HealthCheckHandler).Methods("GET")

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	route := func(method, path string, fn http.HandlerFunc) {
		apiV1.Handle(path, authMiddleware.ThenFunc(fn)).Methods(method)
	}

	route("POST", "/accounts", h.CreateAccountHandler)
	route("GET", "/accounts/{id}", h.GetAccountHandler)
	route("GET", "/accounts/{id}/entries", h.GetAccountEntriesHandler)
	route("POST", "/transfers", h.CreateTransferHandler)
	route("POST", "/assets", h.MintAssetHandler)

	route("POST", "/escrows", h.InitializeEscrowHandler)
	route("GET", "/escrows", h.ListEscrowsHandler)
	route("GET", "/escrows/{id}", h.GetEscrowHandler)
	route("GET", "/escrows/{id}/quote", h.QuoteEscrowHandler)
	route("POST", "/escrows/{id}/request", h.RequestEscrowHandler)
	route("POST", "/escrows/{id}/accept", h.AcceptEscrowHandler)
	route("POST", "/escrows/{id}/return", h.ReturnEscrowHandler)

	c := cors.New(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization", "Idempotency-Key", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID", "Location"},
	})

	return standardMiddleware.Then(c.Handler(r))
}
