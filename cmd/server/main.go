// Command server runs the HTTP control plane, run registry and cron
// scheduler as one long-lived daemon. Grounded on the teacher's
// services/orchestrator/main.go graceful-shutdown pattern via
// signal.NotifyContext.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/scriptguard/runner/internal/alert"
	"github.com/scriptguard/runner/internal/config"
	"github.com/scriptguard/runner/internal/engine"
	"github.com/scriptguard/runner/internal/execctl"
	"github.com/scriptguard/runner/internal/history"
	"github.com/scriptguard/runner/internal/httpapi"
	"github.com/scriptguard/runner/internal/notify"
	"github.com/scriptguard/runner/internal/platform/logging"
	"github.com/scriptguard/runner/internal/platform/telemetry"
	"github.com/scriptguard/runner/internal/runregistry"
	"github.com/scriptguard/runner/internal/scheduler"
	"github.com/scriptguard/runner/internal/workflow"
)

func main() {
	addr := flag.String("addr", ":8080", "HTTP listen address")
	configPath := flag.String("config", "", "path to YAML configuration")
	flag.Parse()

	log := logging.Init("scriptguard-server")
	telem := telemetry.Init("scriptguard-server")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		return
	}

	hist, err := history.Open(cfg.HistoryDBPath)
	if err != nil {
		log.Error("failed to open history store", "error", err)
		return
	}
	defer hist.Close()

	registry, err := runregistry.Open(cfg.RunDBPath)
	if err != nil {
		log.Error("failed to open run registry", "error", err)
		return
	}
	defer registry.Close()

	sinks := notify.Registry{"stdout": notify.StdoutSink{Log: log}}
	if cfg.Notifications.SlackWebhookURL != "" {
		sinks["chat_webhook"] = notify.NewChatWebhookSink(cfg.Notifications.SlackWebhookURL)
	}
	if cfg.Notifications.EmailTo != "" {
		sinks["email"] = notify.NewEmailSink()
	}
	evaluator := alert.New(cfg.Alerts, sinks, log)

	validator := execctl.NewValidator(cfg.AllowedScriptRoot)
	ctrl := execctl.New(validator, log)
	eng := engine.New(ctrl, hist, registry, evaluator, log)

	sched, err := scheduler.Open(cfg.ScheduleDBPath, eng, log)
	if err != nil {
		log.Error("failed to open scheduler", "error", err)
		return
	}
	if err := sched.Start(); err != nil {
		log.Error("failed to start scheduler", "error", err)
		return
	}
	defer sched.Stop()

	workflowExec := workflow.NewExecutor(ctrl, 4)
	server := httpapi.New(registry, hist, eng, workflowExec, log)

	mux := http.NewServeMux()
	mux.Handle("/", server)
	mux.Handle("/metrics", telem.MetricsHandler())

	httpServer := &http.Server{Addr: *addr, Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info("http server listening", "addr", *addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server error", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	_ = telemetry.Shutdown(shutdownCtx)
}
