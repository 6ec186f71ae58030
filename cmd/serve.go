package main

import (
	"context"
	"encoding/json"
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

	"github.com/turfline/racedata-cli/internal/supervise"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Expose backfill status over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		mgr, err := initManager()
		if err != nil {
			return err
		}
		cps, err := initCheckpoints()
		if err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		r := chi.NewRouter()
		r.Use(middleware.RequestID)
		r.Use(middleware.Recoverer)
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST"},
		}))

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
		})

		r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
			snap, err := supervise.Collect(r.Context(), mgr, cps, st)
			if err != nil {
				zap.L().Error("collect status", zap.Error(err))
				http.Error(w, `{"error":"status unavailable"}`, http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(snap)
		})

		r.Post("/stop", func(w http.ResponseWriter, r *http.Request) {
			for _, role := range []string{"ingest", "enrich"} {
				if err := mgr.Stop(role, 30*time.Second); err != nil {
					zap.L().Error("stop worker", zap.String("role", role), zap.Error(err))
					http.Error(w, `{"error":"stop failed"}`, http.StatusInternalServerError)
					return
				}
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]string{"status": "stopped"})
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: r,
		}

		go gracefulShutdown(ctx, srv, 10*time.Second)

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

// gracefulShutdown waits for the signal context to cancel, then drains the
// server on a fresh timeout so in-flight requests get a grace window instead
// of inheriting the already-canceled context.
func gracefulShutdown(ctx context.Context, srv *http.Server, grace time.Duration) {
	<-ctx.Done()
	zap.L().Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zap.L().Error("server shutdown", zap.Error(err))
	}
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
