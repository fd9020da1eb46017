package app

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/research/internal/httpapi"
)

// AdminHandler serves metrics, health and run event streams.
func (a *App) AdminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	httpapi.NewHealthHandler(a.Provider.Breaker()).RegisterRoutes(mux)
	httpapi.NewStreamingHandler(a.Events, a.logger).RegisterRoutes(mux)
	return mux
}

// ServeAdmin runs the admin server on the metrics port until ctx ends.
// It returns immediately when metrics are disabled.
func (a *App) ServeAdmin(ctx context.Context) error {
	if !a.Config.Metrics.Enabled {
		return nil
	}
	srv := &http.Server{
		Addr:        ":" + strconv.Itoa(a.Config.Metrics.Port),
		Handler:     a.AdminHandler(),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	a.logger.Info("Admin HTTP server listening", zap.String("address", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
