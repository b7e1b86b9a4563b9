package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/companyid/internal/model"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the resolution HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initResolver(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		go watchReload(ctx, env)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           buildRouter(&apiServer{env: env, maxRows: cfg.Server.MaxBatchRows}, cfg.Server.AllowedOrigins),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx) //nolint:errcheck
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

// watchReload reloads the override table on SIGHUP.
func watchReload(ctx context.Context, env *resolverEnv) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := env.Overrides.Reload(); err != nil {
				zap.L().Error("override reload failed", zap.Error(err))
				continue
			}
			zap.L().Info("overrides reloaded", zap.Int("entries", env.Overrides.Len()))
		}
	}
}

// apiServer serves the resolution endpoints.
type apiServer struct {
	env     *resolverEnv
	maxRows int
}

func buildRouter(s *apiServer, origins []string) http.Handler {
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/v1", func(r chi.Router) {
		r.Post("/resolve", s.resolve)
		r.Get("/cache/stats", s.cacheStats)
		r.Get("/pending", s.listPending)
		r.Post("/overrides/reload", s.reloadOverrides)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *apiServer) health(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok"}
	if s.env != nil && s.env.Store != nil {
		if err := s.env.Store.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "store": err.Error()})
			return
		}
		status["store"] = "ok"
	}
	writeJSON(w, http.StatusOK, status)
}

type resolveRequest struct {
	Rows           []model.Row `json:"rows"`
	LookupOrder    []string    `json:"lookup_order,omitempty"`
	EnableRegistry *bool       `json:"enable_registry,omitempty"`
	SourceTable    string      `json:"source_table,omitempty"`
}

func (s *apiServer) resolve(w http.ResponseWriter, r *http.Request) {
	if s.env == nil {
		writeError(w, http.StatusServiceUnavailable, "resolver not initialized")
		return
	}

	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Rows) == 0 {
		writeError(w, http.StatusBadRequest, "rows are required")
		return
	}
	if s.maxRows > 0 && len(req.Rows) > s.maxRows {
		writeError(w, http.StatusRequestEntityTooLarge, "too many rows (max "+strconv.Itoa(s.maxRows)+")")
		return
	}

	strategy := s.env.Strategy
	if len(req.LookupOrder) > 0 {
		strategy.LookupOrder = nil
		for _, name := range req.LookupOrder {
			lt, err := model.ParseLookupType(name)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			strategy.LookupOrder = append(strategy.LookupOrder, lt)
		}
	}
	if req.EnableRegistry != nil {
		strategy.EnableRegistry = *req.EnableRegistry
	}
	if req.SourceTable != "" {
		strategy.SourceTable = req.SourceTable
	}

	resolver, _ := s.env.NewResolver()
	res, err := resolver.Resolve(r.Context(), req.Rows, strategy)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case model.IsConfiguration(err):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "request cancelled")
	default:
		zap.L().Error("resolve request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "resolve failed")
	}
}

func (s *apiServer) cacheStats(w http.ResponseWriter, r *http.Request) {
	if s.env == nil || s.env.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "store not initialized")
		return
	}
	stats, err := s.env.Store.CacheStats(r.Context())
	if err != nil {
		zap.L().Error("cache stats failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "cache stats failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"types": stats})
}

func (s *apiServer) listPending(w http.ResponseWriter, r *http.Request) {
	if s.env == nil || s.env.Queue == nil {
		writeError(w, http.StatusServiceUnavailable, "queue not initialized")
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	entries, err := s.env.Queue.ListPending(r.Context(), limit)
	if err != nil {
		zap.L().Error("list pending failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list pending failed")
		return
	}
	total, err := s.env.Queue.CountPending(r.Context())
	if err != nil {
		zap.L().Error("count pending failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "count pending failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"total": total, "entries": entries})
}

func (s *apiServer) reloadOverrides(w http.ResponseWriter, r *http.Request) {
	if s.env == nil || s.env.Overrides == nil {
		writeError(w, http.StatusServiceUnavailable, "overrides not initialized")
		return
	}
	if err := s.env.Overrides.Reload(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": s.env.Overrides.Len()})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
