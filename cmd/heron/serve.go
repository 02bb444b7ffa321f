package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/heron/internal/api"
	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/rulestore"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API, the worker and the poller",
		Long: `Start the HTTP API together with the triage worker. When a mail source
is configured the poller runs as well, and with rules.watch set the rules
directory is reloaded whenever a document changes.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := currentConfig()
			flags := cmd.Flags()
			if flags.Changed("host") {
				cfg.Server.Host, _ = flags.GetString("host")
			}
			if flags.Changed("port") {
				cfg.Server.Port, _ = flags.GetInt("port")
			}
			if flags.Changed("watch") {
				cfg.Rules.Watch, _ = flags.GetBool("watch")
			}
			applyDryRunFlag(cmd, cfg)
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().String("host", "", "listen host (overrides server.host)")
	cmd.Flags().Int("port", 0, "listen port (overrides server.port)")
	cmd.Flags().Bool("watch", false, "reload rules when the rules directory changes")
	addDryRunFlag(cmd)

	return cmd
}

func runServe(ctx context.Context, cfg *domain.Config) error {
	slog.Info("starting heron",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"source", cfg.Source.Type,
		"dry_run", cfg.Triage.DryRun,
	)

	s, err := openStack(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	if cfg.Rules.Watch {
		watcher, err := rulestore.NewWatcher(cfg.Rules.Dir, 0, func() {
			loaded, err := s.categories.Reload()
			if err != nil {
				slog.Error("failed to reload rules", "error", err)
				return
			}
			slog.Info("rules reloaded", "rules_count", len(loaded))
		})
		if err != nil {
			return err
		}
		watcher.Start(ctx)
		defer watcher.Stop()
		slog.Info("watching rules directory", "dir", cfg.Rules.Dir)
	}

	if err := s.startWorker(); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}

	pollDone := make(chan struct{})
	if s.source != nil {
		p, err := s.newPoller(0)
		if err != nil {
			return err
		}
		go func() {
			defer close(pollDone)
			if err := p.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("poller stopped", "error", err)
			}
		}()
	} else {
		close(pollDone)
		slog.Info("no mail source configured; scoring through the API only")
	}

	srv := api.NewServer(cfg.Server, s.repo, s.cache, s.bus, s.engine, s.categories, Version)

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	slog.Info("heron is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"rules_count", s.engine.RulesCount(),
	)
	printBanner(cfg, Version)

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		slog.Error("server failed", "error", err)
		return err
	}
	slog.Info("shutting down...")

	<-pollDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("heron shutdown complete")
	return nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  HERON - rule-driven mail triage")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("  Rules:    %s\n", cfg.Rules.Dir)
	fmt.Printf("  Mailbox:  %s (dry run: %v)\n", cfg.Triage.Mailbox, cfg.Triage.DryRun)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /score                   - Score a JSON message")
	fmt.Println("    POST /score/raw               - Score an RFC 5322 message")
	fmt.Println("    GET  /evaluations/{id}        - Get evaluation by ID")
	fmt.Println("    GET  /messages/{id}           - Get message by ID")
	fmt.Println("    POST /messages/{id}/rescore   - Queue a message for scoring again")
	fmt.Println("    GET  /rules                   - List loaded rules")
	fmt.Println("    POST /rules                   - Create a rule")
	fmt.Println("    POST /rules/reload            - Reload rules from disk")
	fmt.Println("    POST /rules/review            - Review rules for problems")
	fmt.Println("    GET  /health                  - Health check")
	fmt.Println("    GET  /metrics                 - Prometheus metrics")
	fmt.Println()
}
