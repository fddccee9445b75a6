package cli

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ambiyansyah-risyal/revalida"
)

var flagAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve cached fetches over a local HTTP endpoint",
	Long: `Serve exposes the cache on a local address:

  GET /fetch?url=URL[&method=HEAD|OPTIONS]  fetch URL through the cache
  GET /metrics                              Prometheus metrics
  GET /healthz                              liveness probe
  GET /version                              build information as JSON`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&flagAddr, "addr", "", "Listen address (overrides serve.addr)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if flagAddr != "" {
		cfg.Serve.Addr = flagAddr
	}

	logger := newLogger(cmd.ErrOrStderr())
	registry := prometheus.NewRegistry()
	client, err := newClient(cmd.Context(), cfg, logger, registry)
	if err != nil {
		return err
	}
	defer client.Close()

	server := &http.Server{
		Addr:              cfg.Serve.Addr,
		Handler:           newRouter(client, registry, cfg.Headers, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Serve.Addr).Str("store", cfg.Store.Kind).Msg("serving")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	logger.Info().Msg("shutting down")
	return server.Shutdown(shutdownCtx)
}

// newRouter builds the serve handler. headers are sent with every fetch.
func newRouter(client *revalida.Client, registry *prometheus.Registry, headers map[string]string, logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(revalida.ReadBuildInfo())
	})
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	r.Get("/fetch", func(w http.ResponseWriter, r *http.Request) {
		target := r.URL.Query().Get("url")
		method := strings.ToUpper(r.URL.Query().Get("method"))
		if method == "" {
			method = http.MethodGet
		}
		if method != http.MethodGet && method != http.MethodHead && method != http.MethodOptions {
			writeError(w, http.StatusBadRequest, "method must be GET, HEAD or OPTIONS")
			return
		}

		resp, err := client.Do(r.Context(), &revalida.Request{Method: method, URL: target, Header: headers})
		if err != nil {
			logger.Debug().Err(err).Str("url", target).Msg("fetch failed")
			var clientErr *revalida.ClientError
			if errors.As(err, &clientErr) && clientErr.Type == revalida.ErrorTypeValidation {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}

		for name, value := range resp.Header {
			switch name {
			// The body has already been inflated and is re-framed here.
			case "Content-Encoding", "Content-Length", "Transfer-Encoding", "Connection":
				continue
			}
			w.Header().Set(name, value)
		}
		w.WriteHeader(resp.StatusCode)
		w.Write(resp.Body)
	})

	return r
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
