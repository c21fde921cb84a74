// Package httpfront is the loopback HTTP front-end for the kernel: a
// single JSON-RPC 2.0 endpoint plus a health check, grounded on
// pkg/transport/jsonrpc_handler.go's Start/Stop shape and rebuilt on
// chi (pkg/transport/http_metrics_middleware.go's router) instead of
// net/http's bare ServeMux, since chi's RouteContext is what lets
// CORS/logging middleware see the matched pattern rather than the raw path.
package httpfront

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/kiwi-run/kiwi/pkg/harness"
	"github.com/kiwi-run/kiwi/pkg/kernel"
	"github.com/kiwi-run/kiwi/pkg/observability"
	"github.com/kiwi-run/kiwi/pkg/transport"
)

// Config configures the HTTP front-end. Addr defaults to a
// loopback-only address — this front-end has no auth layer of its own,
// so it is meant to sit behind a trusted local caller, not the network.
type Config struct {
	Addr           string // default "127.0.0.1:8765"
	AllowedOrigins []string

	// Metrics, when non-nil, is mounted at MetricsPath (default
	// "/metrics") and recorded against on every request.
	Metrics     *observability.Metrics
	MetricsPath string
}

// Server wraps an http.Server dispatching every request through
// transport.Dispatch against one kernel.Kernel.
type Server struct {
	httpServer *http.Server
	log        *slog.Logger
}

// New builds a Server dispatching the kernel's four meta-operations.
// h is optional: pass nil to omit the "thread.*" methods entirely (a
// caller with no need to spawn directive threads never links
// pkg/harness's process-management surface).
func New(k *kernel.Kernel, h *harness.Harness, cfg Config, log *slog.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8765"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if log == nil {
		log = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(log, cfg.Metrics))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: orDefault(cfg.AllowedOrigins, []string{"http://localhost:*"}),
		AllowedMethods: []string{"POST", "GET", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	}))

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	r.Post("/rpc", rpcHandler(k, h))
	if cfg.Metrics != nil {
		r.Handle(cfg.MetricsPath, cfg.Metrics.Handler())
	}

	return &Server{
		httpServer: &http.Server{Addr: cfg.Addr, Handler: r},
		log:        log,
	}
}

func orDefault(v, def []string) []string {
	if len(v) == 0 {
		return def
	}
	return v
}

func requestLogger(log *slog.Logger, metrics *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			elapsed := time.Since(start)
			log.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration_ms", elapsed.Milliseconds(),
			)
			metrics.RecordHTTPRequest(r.Method, r.URL.Path, ww.Status(), elapsed)
		})
	}
}

func rpcHandler(k *kernel.Kernel, h *harness.Harness) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		var req transport.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeResponse(w, transport.Response{
				Error: &transport.RPCError{Code: transport.ParseError, Message: err.Error()},
			})
			return
		}

		var result interface{}
		var rpcErr *transport.RPCError
		if h != nil && transport.HarnessMethod(req.Method) {
			result, rpcErr = transport.DispatchHarness(r.Context(), h, req)
		} else {
			result, rpcErr = transport.Dispatch(r.Context(), k, req)
		}
		writeResponse(w, transport.Response{JSONRPC: "2.0", ID: req.ID, Result: result, Error: rpcErr})
	}
}

func writeResponse(w http.ResponseWriter, resp transport.Response) {
	_ = json.NewEncoder(w).Encode(resp)
}

// Start runs the HTTP server until ctx is canceled, then shuts it down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http front-end listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http front-end: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
