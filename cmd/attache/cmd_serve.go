package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/attache/internal/budget"
	"github.com/user/attache/internal/bus"
	"github.com/user/attache/internal/canvas"
	"github.com/user/attache/internal/compact"
	"github.com/user/attache/internal/config"
	"github.com/user/attache/internal/httpapi"
	"github.com/user/attache/internal/orchestrator"
	"github.com/user/attache/internal/permission"
	"github.com/user/attache/internal/provider"
	"github.com/user/attache/internal/scheduler"
	"github.com/user/attache/internal/specialist"
	"github.com/user/attache/internal/state"
	"github.com/user/attache/internal/triage"
	"github.com/user/attache/internal/types"
	"github.com/user/attache/pkg/llm"
	"github.com/user/attache/pkg/llm/openai"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the attache daemon",
	RunE:  runServe,
}

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, "attache.pid")
	pid := os.Getpid()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

// stack is the fully wired agent core.
type stack struct {
	harness     *orchestrator.Harness
	queue       *orchestrator.Queue
	gateway     *provider.Gateway
	automations *state.AutomationStore
	registry    *specialist.Registry
}

// buildStack wires every component from config: stores, permission
// engine, tool gateway, specialist executor, router, orchestrator, and
// the harness on top.
func buildStack(cfg *config.Config) (*stack, error) {
	sessions := state.NewSessionStore(cfg.DataDir)
	audit := state.NewAuditLog(cfg.DataDir)
	handoff := state.NewHandoffStore(cfg.DataDir)
	prefs := state.NewPreferenceStore(filepath.Join(cfg.DataDir, "preferences.json"))
	automations := state.NewAutomationStore(filepath.Join(cfg.DataDir, "automations.json"))

	events := bus.New()

	model := openai.New(&llm.Config{
		BaseURL:     cfg.Generation.BaseURL,
		APIKey:      cfg.Generation.APIKey,
		Model:       cfg.Generation.Model,
		MaxTokens:   cfg.Generation.MaxTokens,
		Temperature: cfg.Generation.Temperature,
	})

	counter, err := compact.NewCounter(cfg.Generation.Model)
	if err != nil {
		return nil, fmt.Errorf("create token counter: %w", err)
	}

	engine := permission.New(permission.Options{
		BlockPatterns: cfg.Permission.BlockPatterns,
		AllowTools:    cfg.Permission.AllowTools,
		HookTimeout:   time.Duration(cfg.Permission.HookTimeout) * time.Second,
	})

	gateway := provider.NewGateway(engine, audit, events, time.Duration(cfg.Tools.CacheTTL)*time.Second)
	gateway.Register(provider.NewWebProvider())

	registry, err := specialist.LoadRegistry(
		cfg.Specialists.Dir,
		time.Duration(cfg.Specialists.DefaultTimeout)*time.Second,
		time.Duration(cfg.Specialists.MaxTimeout)*time.Second,
	)
	if err != nil {
		return nil, fmt.Errorf("load specialists: %w", err)
	}

	ledger := budget.NewLedger(cfg.Budget.SessionTokens)
	executor := specialist.NewExecutor(registry, model, gateway, ledger, handoff, cfg.Specialists.MaxParallel)
	router := orchestrator.NewRouter(registry, model, cfg.Routing.ConfidenceThreshold, cfg.Routing.ClarifyMargin)
	canvases := canvas.New(events, time.Duration(cfg.Canvas.CollapseAfter)*time.Second)

	orch := orchestrator.New(orchestrator.Deps{
		Config:   cfg,
		Sessions: sessions,
		Prefs:    prefs,
		Handoff:  handoff,
		Events:   events,
		Gateway:  gateway,
		Engine:   engine,
		Executor: executor,
		Registry: registry,
		Router:   router,
		Model:    model,
		Ledger:   ledger,
		Counter:  counter,
		Canvases: canvases,
	})

	queue := orchestrator.NewQueue(int64(cfg.MaxConcurrent))
	scorer := triage.NewScorer(nil)
	harness := orchestrator.NewHarness(orch, queue, scorer, audit)

	return &stack{
		harness:     harness,
		queue:       queue,
		gateway:     gateway,
		automations: automations,
		registry:    registry,
	}, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	st, err := buildStack(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st.queue.Start(ctx)
	defer st.queue.Stop()

	slog.Info("attache started",
		"data_dir", cfg.DataDir,
		"log_level", cfg.LogLevel,
		"max_concurrent", cfg.MaxConcurrent,
		"specialists", len(st.registry.All()),
		"model", cfg.Generation.Model,
		"pid_file", pidPath,
	)

	// Scheduler: cron automations plus the deferred tool-call drain.
	sched := scheduler.New(st.automations, st.gateway, func(sessionKey, prompt string) {
		response, err := st.harness.SubmitTurnAndWait(ctx, &types.InboundTurn{
			SessionKey: types.SessionKey(sessionKey),
			Kind:       types.SessionOngoing,
			UserID:     "system",
			Text:       prompt,
		})
		if err != nil {
			slog.Error("cron automation failed", "session_key", sessionKey, "error", err)
			return
		}
		slog.Info("cron automation completed", "session_key", sessionKey, "response_len", len(response))
	})
	if err := sched.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()
	slog.Info("scheduler started")

	// HTTP command surface.
	if cfg.HTTP.Enabled {
		api := httpapi.NewServer(st.harness, st.automations)
		httpServer := &http.Server{
			Addr:    cfg.HTTP.Listen,
			Handler: api,
		}
		go func() {
			slog.Info("http server started", "listen", cfg.HTTP.Listen)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("http server error", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			httpServer.Close()
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan
		if sig == syscall.SIGHUP {
			slog.Info("received SIGHUP, restarting")
			execPath, err := os.Executable()
			if err != nil {
				slog.Error("failed to get executable path", "error", err)
				continue
			}
			// Clean up PID file before re-exec
			os.Remove(pidPath)
			if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
				slog.Error("failed to re-exec", "error", err)
				// Re-write PID file since we failed to re-exec
				if _, writeErr := writePIDFile(cfg.DataDir); writeErr != nil {
					slog.Error("failed to re-write PID file", "error", writeErr)
				}
				continue
			}
		}
		// SIGINT or SIGTERM
		slog.Info("shutting down", "signal", sig)
		return nil
	}
}
