package network

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/MRamiBalles/cadence/internal/infra/storage"
	"github.com/MRamiBalles/cadence/internal/platform/logger"
	"github.com/MRamiBalles/cadence/internal/platform/metrics"
)

// ServerConfig wires the HTTP surface.
type ServerConfig struct {
	Addr string
	// H2C serves HTTP/2 without TLS alongside HTTP/1.1. WebSocket upgrades
	// keep using HTTP/1.1.
	H2C     bool
	Hub     *Hub
	Control Controller
	// Events is optional; without it the replay endpoints serve memory only.
	Events  storage.EventRepository
	Metrics *metrics.Collector
	Logger  *logger.Logger
}

// NewRouter builds the request multiplexer.
func NewRouter(cfg ServerConfig) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ServeWs(cfg.Hub, w, r)
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		jsonSuccess(w, map[string]any{"ok": true, "all_clear": cfg.Control.Status().AllClear})
	})

	NewControlBridge(cfg.Control, cfg.Logger).RegisterRoutes(mux)
	NewEventReplayHandler(cfg.Control, cfg.Events, cfg.Logger).RegisterRoutes(mux)

	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics.PrometheusHandler())
		mux.Handle("GET /metrics.json", cfg.Metrics.Handler())
	}
	return mux
}

// Serve runs the HTTP server until ctx is done, then shuts it down
// gracefully.
func Serve(ctx context.Context, cfg ServerConfig) error {
	var handler http.Handler = NewRouter(cfg)
	if cfg.H2C {
		handler = h2c.NewHandler(handler, &http2.Server{})
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		cfg.Logger.Info("telemetry server listening", zap.String("addr", cfg.Addr), zap.Bool("h2c", cfg.H2C))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
