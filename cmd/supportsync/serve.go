package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/supportsync/internal/logging"
	"github.com/kimhsiao/supportsync/internal/stats"
	syncpkg "github.com/kimhsiao/supportsync/internal/sync"
	"github.com/kimhsiao/supportsync/internal/sync/scheduler"
	"github.com/kimhsiao/supportsync/internal/telemetry"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd(flags *globalFlags) *cobra.Command {
	var offline bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run background delivery with health and metrics endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := openApp(flags)
			if err != nil {
				return err
			}
			defer a.Close()

			reg := telemetry.NewRegistry(a.stats)
			orch, err := a.orchestrator(syncpkg.WithObserver(reg.Metrics))
			if err != nil {
				return err
			}

			if _, err := orch.Recover(ctx); err != nil {
				return err
			}
			reachable := orch.TestConnections(ctx)
			for dest, ok := range reachable {
				if !ok {
					logging.Warn("Destination unreachable at startup", map[string]interface{}{"destination": dest})
				}
			}

			sched := scheduler.NewScheduler(orch, a.cleanup, &scheduler.SchedulerConfig{
				SyncInterval:    a.cfg.SyncInterval(),
				CleanupInterval: a.cfg.CleanupInterval(),
			})
			sched.Start(ctx)
			defer sched.Stop()
			if offline {
				sched.SetOnlineStatus(false)
			}

			var srv *http.Server
			if a.cfg.MetricsAddr != "" {
				srv = &http.Server{
					Addr:              a.cfg.MetricsAddr,
					Handler:           newMux(reg, sched, a.stats),
					ReadHeaderTimeout: 5 * time.Second,
				}
				go func() {
					if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logging.Error("HTTP server stopped", err, map[string]interface{}{"addr": a.cfg.MetricsAddr})
						cancel()
					}
				}()
			}

			logging.Info("supportsync serving", map[string]interface{}{
				"version":      Version,
				"storage":      a.database.Path,
				"destinations": len(reachable),
				"metrics_addr": a.cfg.MetricsAddr,
			})

			<-ctx.Done()
			logging.Info("Shutting down")

			if srv != nil {
				shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
				defer done()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					logging.Warn("HTTP shutdown incomplete", map[string]interface{}{"error": err.Error()})
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "Start with the sync timer paused; cleanup still runs")
	return cmd
}

// syncTrigger is the part of the scheduler the HTTP surface uses.
type syncTrigger interface {
	GetStatus() scheduler.SchedulerStatus
	TriggerSync(ctx context.Context) bool
	SetOnlineStatus(online bool)
}

// healthResponse is the /healthz document.
type healthResponse struct {
	Status    string                    `json:"status"`
	Version   string                    `json:"version"`
	Scheduler scheduler.SchedulerStatus `json:"scheduler"`
	Queue     *stats.Stats              `json:"queue,omitempty"`
	Error     string                    `json:"error,omitempty"`
}

func newMux(reg *telemetry.Registry, sched syncTrigger, agg *stats.Aggregator) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", reg.Handler())
	mux.HandleFunc("/healthz", healthHandler(sched, agg))
	mux.HandleFunc("/sync", syncHandler(sched))
	mux.HandleFunc("/online", onlineHandler(sched))
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func healthHandler(sched syncTrigger, agg *stats.Aggregator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		resp := healthResponse{Status: "ok", Version: Version, Scheduler: sched.GetStatus()}
		s, err := agg.Compute(r.Context(), time.Now())
		if err != nil {
			resp.Status = "degraded"
			resp.Error = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
		resp.Queue = &s
		writeJSON(w, http.StatusOK, resp)
	}
}

// syncHandler starts an on-demand pass. It answers 202 when a pass was
// started and 409 while the scheduler is offline.
func syncHandler(sched syncTrigger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !sched.TriggerSync(context.WithoutCancel(r.Context())) {
			writeJSON(w, http.StatusConflict, map[string]string{"status": "offline"})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
	}
}

// onlineHandler pauses or resumes the sync timer: POST /online?state=off.
func onlineHandler(sched syncTrigger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		switch r.URL.Query().Get("state") {
		case "on", "":
			sched.SetOnlineStatus(true)
		case "off":
			sched.SetOnlineStatus(false)
		default:
			http.Error(w, "state must be on or off", http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, sched.GetStatus())
	}
}
