package main

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/opensource-finance/heron/internal/bus"
	"github.com/opensource-finance/heron/internal/cache"
	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/poller"
	"github.com/opensource-finance/heron/internal/repository"
	"github.com/opensource-finance/heron/internal/rules"
	"github.com/opensource-finance/heron/internal/rulestore"
	"github.com/opensource-finance/heron/internal/source"
	"github.com/opensource-finance/heron/internal/triage"
	"github.com/opensource-finance/heron/internal/worker"
)

// currentConfig returns the configuration resolved by initConfig.
func currentConfig() *domain.Config {
	return loadConfig(viper.GetViper())
}

func addDryRunFlag(cmd *cobra.Command) {
	cmd.Flags().Bool("dry-run", true, "log label decisions without applying them (overrides triage.dryRun)")
}

func applyDryRunFlag(cmd *cobra.Command, cfg *domain.Config) {
	if cmd.Flags().Changed("dry-run") {
		cfg.Triage.DryRun, _ = cmd.Flags().GetBool("dry-run")
	}
}

// loadRules opens the rules directory and loads it into a fresh engine.
// The returned service keeps the engine in sync with every change.
func loadRules(cfg *domain.Config) (*rules.Engine, *rulestore.Service, error) {
	store, err := rulestore.NewStore(cfg.Rules.Dir)
	if err != nil {
		return nil, nil, err
	}

	engine := rules.NewEngine(nil, cfg.Triage.Workers)
	categories := rulestore.NewService(store, engine.ReloadRules)

	loaded, err := categories.Reload()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load rules: %w", err)
	}

	slog.Info("rules loaded",
		"dir", cfg.Rules.Dir,
		"rules_count", len(loaded),
	)
	return engine, categories, nil
}

// mailSource is a configured mail source. closer is nil when the source
// holds no connection.
type mailSource struct {
	source  domain.Source
	labeler domain.Labeler
	closer  io.Closer
}

func (m *mailSource) Close() error {
	if m == nil || m.closer == nil {
		return nil
	}
	return m.closer.Close()
}

// openSource builds the source named by cfg.Source.Type. It returns nil
// for "none".
func openSource(cfg domain.SourceConfig) (*mailSource, error) {
	switch cfg.Type {
	case "", "none":
		return nil, nil
	case "dir":
		if cfg.Dir == "" {
			return nil, fmt.Errorf("source.dir is required for the dir source")
		}
		src, err := source.NewDirSource(cfg.Dir)
		if err != nil {
			return nil, err
		}
		return &mailSource{source: src, labeler: src}, nil
	case "imap":
		if cfg.IMAP.Addr == "" {
			return nil, fmt.Errorf("source.imap.addr is required for the imap source")
		}
		src := source.NewIMAPSource(cfg.IMAP)
		return &mailSource{source: src, labeler: src, closer: src}, nil
	default:
		return nil, fmt.Errorf("unsupported source type: %s", cfg.Type)
	}
}

// stack is the long-running service graph shared by serve and poll.
type stack struct {
	cfg        *domain.Config
	repo       domain.Repository
	cache      domain.Cache
	bus        domain.EventBus
	engine     *rules.Engine
	categories *rulestore.Service
	source     *mailSource
	worker     *worker.Worker
}

func openStack(cfg *domain.Config) (*stack, error) {
	s := &stack{cfg: cfg}

	var err error
	s.repo, err = repository.New(cfg.Repository)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize repository: %w", err)
	}
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	s.cache, err = cache.New(cfg.Cache)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	s.bus, err = bus.New(cfg.EventBus)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to initialize event bus: %w", err)
	}
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	s.engine, s.categories, err = loadRules(cfg)
	if err != nil {
		s.Close()
		return nil, err
	}

	s.source, err = openSource(cfg.Source)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to open mail source: %w", err)
	}

	var labeler domain.Labeler
	if s.source != nil {
		labeler = s.source.labeler
	}
	s.worker = worker.NewWorker(s.bus, s.repo, s.cache, s.engine, triage.NewProcessor(cfg.Triage.DryRun), labeler)

	return s, nil
}

// startWorker subscribes the worker to the configured mailbox.
func (s *stack) startWorker() error {
	return s.worker.Start(worker.Config{
		Mailboxes: []string{s.cfg.Triage.Mailbox},
		ClaimTTL:  s.cfg.Cache.ClaimTTL,
	})
}

// newPoller builds a poller over the configured source.
func (s *stack) newPoller(backfill time.Duration) (*poller.Poller, error) {
	if s.source == nil {
		return nil, fmt.Errorf("no mail source configured (source.type is %q)", s.cfg.Source.Type)
	}
	return poller.New(s.source.source, s.repo, s.bus, poller.Config{
		Mailbox:   s.cfg.Triage.Mailbox,
		Interval:  s.cfg.Triage.PollInterval,
		RateLimit: s.cfg.Triage.RateLimit,
		Backfill:  backfill,
	})
}

// Close stops the worker, then releases resources in reverse order.
func (s *stack) Close() {
	if s.worker != nil {
		if err := s.worker.Stop(); err != nil {
			slog.Error("failed to stop worker", "error", err)
		}
	}
	if err := s.source.Close(); err != nil {
		slog.Warn("failed to close mail source", "error", err)
	}
	if s.engine != nil {
		_ = s.engine.Close()
	}
	if s.bus != nil {
		_ = s.bus.Close()
	}
	if s.cache != nil {
		_ = s.cache.Close()
	}
	if s.repo != nil {
		_ = s.repo.Close()
	}
}
