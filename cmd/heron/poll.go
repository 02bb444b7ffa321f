package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/heron/internal/domain"
)

func pollCmd() *cobra.Command {
	var (
		once  bool
		since time.Duration
		wait  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Poll the mail source and triage new messages",
		Long: `Fetch messages newer than the stored cursor from the configured mail
source and score them with the in-process worker.

On the very first run the cursor is set to now, so only mail that arrives
afterwards is processed. Use --since to look back further on that first run.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := currentConfig()
			applyDryRunFlag(cmd, cfg)

			s, err := openStack(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.startWorker(); err != nil {
				return fmt.Errorf("failed to start worker: %w", err)
			}

			p, err := s.newPoller(since)
			if err != nil {
				return err
			}

			if !once {
				err := p.Run(cmd.Context())
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			}

			return pollOnce(cmd, s, p.RunOnce, wait)
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "poll a single time and exit")
	cmd.Flags().DurationVar(&since, "since", 0, "on the first run, also process mail received this long ago")
	cmd.Flags().DurationVar(&wait, "wait", 30*time.Second, "with --once, how long to wait for the worker to finish")
	addDryRunFlag(cmd)

	return cmd
}

// pollOnce runs one poll and waits until the worker has scored every
// published message.
func pollOnce(cmd *cobra.Command, s *stack, runOnce func(context.Context) (int, error), wait time.Duration) error {
	ctx := cmd.Context()
	mailbox := s.cfg.Triage.Mailbox

	var scored, applied atomic.Int64
	done := make(chan struct{}, 1)
	sub, err := s.bus.Subscribe(ctx, mailbox, domain.TopicMessageScored, func(ctx context.Context, m *domain.Message) error {
		var eval domain.Evaluation
		if err := json.Unmarshal(m.Payload, &eval); err == nil {
			applied.Add(int64(len(eval.Applied)))
		}
		scored.Add(1)
		select {
		case done <- struct{}{}:
		default:
		}
		return nil
	})
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	n, err := runOnce(ctx)
	if err != nil {
		return fmt.Errorf("poll failed: %w", err)
	}

	timeout := time.After(wait)
	for scored.Load() < int64(n) {
		select {
		case <-done:
		case <-timeout:
			slog.Warn("timed out waiting for the worker",
				"published", n,
				"scored", scored.Load(),
			)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	verb := "labelled"
	if s.cfg.Triage.DryRun {
		verb = "would label"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "polled %d message(s), %s %d\n", n, verb, applied.Load())
	return nil
}
