// payment-core/internal/httpapi/server.go
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

type Deps struct {
	Payments Payments
	Webhooks Webhooks
	Auth     *Authenticator
	// Ready backs /healthz; nil means always healthy.
	Ready func(ctx context.Context) error
	Log   *zap.Logger
}

func NewRouter(d Deps) http.Handler {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("http")
	h := &handlers{svc: d.Payments, log: log}

	r := mux.NewRouter()
	r.Use(metricsMiddleware)

	// metrics & health
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", healthHandler(d.Ready)).Methods(http.MethodGet)

	// processor callbacks authenticate by signature
	r.HandleFunc("/webhooks/processor", WebhookHandler(d.Webhooks, log)).Methods(http.MethodPost)

	// API
	api := r.PathPrefix("/payments").Subrouter()
	api.Use(d.Auth.Middleware(log))
	api.HandleFunc("", h.create).Methods(http.MethodPost)
	api.HandleFunc("/pending", h.pending).Methods(http.MethodGet)
	api.HandleFunc("/{id}", h.get).Methods(http.MethodGet)
	api.HandleFunc("/{id}/audit", h.audit).Methods(http.MethodGet)
	api.HandleFunc("/{id}/approve", h.approve).Methods(http.MethodPost)
	api.HandleFunc("/{id}/submit", h.submit).Methods(http.MethodPost)
	api.HandleFunc("/{id}/cancel", h.cancel).Methods(http.MethodPost)
	api.HandleFunc("/{id}/refund", h.refund).Methods(http.MethodPost)

	return cors.New(cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}).Handler(r)
}

func healthHandler(ready func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		body := map[string]any{
			"ok":      true,
			"service": serviceName,
			"ts":      time.Now().UTC(),
		}
		if ready != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := ready(ctx); err != nil {
				status = http.StatusServiceUnavailable
				body["ok"] = false
				body["error"] = err.Error()
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}

// Serve runs the HTTP server until ctx is cancelled, then drains in-flight
// requests for up to ten seconds.
func Serve(ctx context.Context, addr string, handler http.Handler, log *zap.Logger) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("addr", addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
