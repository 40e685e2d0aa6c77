package main

import (
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

	"github.com/meridian-health/vitals-cli/internal/model"
	"github.com/meridian-health/vitals-cli/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the job status and timeline API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           newRouter(env.store),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			srv.Shutdown(ctx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func newRouter(st store.Store) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/jobs", func(w http.ResponseWriter, r *http.Request) {
		jobs, err := st.ListJobs(r.Context(), store.JobFilter{
			UserID: r.URL.Query().Get("user"),
			Status: model.JobStatus(r.URL.Query().Get("status")),
			Limit:  50,
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		views := make([]model.JobStatusView, 0, len(jobs))
		for _, j := range jobs {
			views = append(views, j.StatusView())
		}
		writeJSON(w, http.StatusOK, views)
	})

	r.Get("/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		jb, err := st.GetJob(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, jb.StatusView())
	})

	r.Post("/jobs/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := st.RequestJobCancel(r.Context(), id); err != nil {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancel_requested", "id": id})
	})

	r.Get("/timeline", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		cat := model.Category(q.Get("category"))
		if !cat.Valid() {
			writeError(w, http.StatusBadRequest, eris.Errorf("unknown category %q", q.Get("category")))
			return
		}
		from, err := time.Parse(time.RFC3339, q.Get("from"))
		if err != nil {
			writeError(w, http.StatusBadRequest, eris.Wrap(err, "parse from"))
			return
		}
		to, err := time.Parse(time.RFC3339, q.Get("to"))
		if err != nil {
			writeError(w, http.StatusBadRequest, eris.Wrap(err, "parse to"))
			return
		}

		records, err := st.Query(r.Context(), q.Get("user"), cat, from, to)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		// The timeline surfaces the canonical view: primaries only.
		if q.Get("all") != "true" {
			primaries := records[:0]
			for _, rec := range records {
				if rec.IsPrimary {
					primaries = append(primaries, rec)
				}
			}
			records = primaries
		}
		writeJSON(w, http.StatusOK, records)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
