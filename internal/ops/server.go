// Package ops поднимает служебный HTTP-сервер: проверка живости для
// оркестратора и счётчики для Prometheus.
package ops

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alfredwatch/gatekeeper/internal/config"
	"github.com/alfredwatch/gatekeeper/internal/metrics"
)

// Server служебный HTTP-сервер.
type Server struct {
	srv *http.Server
	log *slog.Logger
}

// New собирает маршруты /healthz и /metrics.
func New(cfg config.OpsServer, db *sql.DB, m *metrics.Metrics, log *slog.Logger) *Server {
	router := chi.NewRouter()

	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			render.Status(r, http.StatusServiceUnavailable)
			render.JSON(w, r, map[string]string{"status": "degraded", "error": err.Error()})
			return
		}
		render.JSON(w, r, map[string]string{"status": "ok"})
	})

	router.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))

	return &Server{
		srv: &http.Server{
			Addr:         cfg.AddressOps,
			Handler:      router,
			ReadTimeout:  cfg.TimeoutOps,
			WriteTimeout: cfg.TimeoutOps,
		},
		log: log,
	}
}

// Run блокируется до отмены контекста, после чего гасит сервер мягко.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("ops server starting", slog.String("address", s.srv.Addr))
		err := s.srv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
		} else {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		timeoutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		s.log.Info("shutting down ops server gracefully")
		return s.srv.Shutdown(timeoutCtx)
	}
}
