package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/visibility-cli/internal/model"
	"github.com/sells-group/visibility-cli/internal/orchestrator"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the job ingress server",
	Long:  "Accepts prompt and cluster-scan jobs over HTTP and enqueues them. Use --work to also run the worker pool in-process.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		startMonitoring(ctx, env.Store)

		if work, _ := cmd.Flags().GetBool("work"); work {
			w := newWorker(env)
			go func() {
				if err := w.Run(ctx); err != nil {
					zap.L().Error("worker stopped", zap.Error(err))
				}
			}()
		}

		return startServer(ctx, buildMux(ctx, env.Queue, env.Store), resolvePort(servePort, cfg.Server.Port))
	},
}

// healthChecker reports store reachability for /health.
type healthChecker interface {
	Ping(ctx context.Context) error
}

// buildMux wires the HTTP routes. A nil enqueuer rejects job submissions
// and a nil checker reports healthy without a store probe.
func buildMux(ctx context.Context, enq orchestrator.Enqueuer, hc healthChecker) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		if hc != nil {
			pctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
			defer cancel()
			if err := hc.Ping(pctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/jobs/prompt", func(w http.ResponseWriter, req *http.Request) {
		var job model.PromptJob
		if err := json.NewDecoder(req.Body).Decode(&job); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		if err := job.Validate(); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		enqueueJob(req.Context(), w, enq, job.IdempotencyKey, job)
	})

	r.Post("/jobs/cluster-scan", func(w http.ResponseWriter, req *http.Request) {
		var job model.ClusterScanJob
		if err := json.NewDecoder(req.Body).Decode(&job); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		if err := job.Validate(); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		enqueueJob(req.Context(), w, enq, job.IdempotencyKey, job)
	})

	return r
}

func enqueueJob(ctx context.Context, w http.ResponseWriter, enq orchestrator.Enqueuer, key string, payload any) {
	if enq == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "queue unavailable"})
		return
	}
	created, err := enq.Enqueue(ctx, key, payload)
	if err != nil {
		zap.L().Error("enqueue failed", zap.String("key", key), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "enqueue failed"})
		return
	}
	status := "accepted"
	if !created {
		status = "duplicate"
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": status, "idempotency_key": key})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// resolvePort prefers the flag value over the configured port.
func resolvePort(flag, configured int) int {
	if flag != 0 {
		return flag
	}
	return configured
}

// startServer serves h on port until ctx is cancelled, then shuts down.
func startServer(ctx context.Context, h http.Handler, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		zap.L().Info("shutting down server")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	zap.L().Info("starting server", zap.Int("port", port))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return eris.Wrap(err, "server listen")
	}
	return nil
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().Bool("work", false, "also run the worker pool in this process")
	rootCmd.AddCommand(serveCmd)
}
