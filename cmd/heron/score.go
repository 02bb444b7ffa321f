package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/mailmsg"
	"github.com/opensource-finance/heron/internal/rules"
)

type scoreOptions struct {
	subject     string
	body        string
	sender      string
	attachments []string
	asJSON      bool
	all         bool
}

func scoreCmd() *cobra.Command {
	var opts scoreOptions

	cmd := &cobra.Command{
		Use:   "score [file.eml|-]...",
		Short: "Score messages against the rules without labelling them",
		Long: `Score one or more messages and explain each decision.

Messages are read from .eml files, from stdin with "-", or built from the
--subject, --body, --sender and --attachment flags.`,
		Example: `  heron score invoice.eml
  cat message.eml | heron score -
  heron score --subject "Invoice 4411" --body "Total due \$1,925.00" --all`,
		RunE: func(cmd *cobra.Command, args []string) error {
			messages, err := scoreInputs(cmd.InOrStdin(), args, opts)
			if err != nil {
				return err
			}

			engine, _, err := loadRules(currentConfig())
			if err != nil {
				return err
			}
			defer engine.Close()

			return printScores(cmd, engine, messages, opts)
		},
	}

	cmd.Flags().StringVar(&opts.subject, "subject", "", "message subject")
	cmd.Flags().StringVar(&opts.body, "body", "", "message body")
	cmd.Flags().StringVar(&opts.sender, "sender", "", "sender address")
	cmd.Flags().StringSliceVar(&opts.attachments, "attachment", nil, "attachment file name (repeatable)")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "print results as JSON")
	cmd.Flags().BoolVar(&opts.all, "all", false, "also show categories that were not applied")

	return cmd
}

func scoreInputs(stdin io.Reader, args []string, opts scoreOptions) ([]*domain.EmailMessage, error) {
	var messages []*domain.EmailMessage

	if opts.subject != "" || opts.body != "" {
		messages = append(messages, &domain.EmailMessage{
			ID:              "cli",
			Subject:         opts.subject,
			Body:            opts.body,
			SenderEmail:     opts.sender,
			AttachmentNames: opts.attachments,
		})
	}

	for _, arg := range args {
		var (
			msg *domain.EmailMessage
			err error
		)
		if arg == "-" {
			msg, err = mailmsg.Parse(stdin)
		} else {
			msg, err = parseFile(arg)
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", arg, err)
		}
		if msg.ID == "" {
			msg.ID = arg
		}
		messages = append(messages, msg)
	}

	if len(messages) == 0 {
		return nil, errors.New("nothing to score: pass .eml files, - for stdin, or --subject/--body")
	}
	return messages, nil
}

func parseFile(path string) (*domain.EmailMessage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return mailmsg.Parse(f)
}

type scoredMessage struct {
	MessageID string                 `json:"messageId"`
	Subject   string                 `json:"subject"`
	Results   []domain.ScoringResult `json:"results"`
}

func printScores(cmd *cobra.Command, engine *rules.Engine, messages []*domain.EmailMessage, opts scoreOptions) error {
	out := cmd.OutOrStdout()
	var scored []scoredMessage

	for _, msg := range messages {
		results := engine.Score(cmd.Context(), msg)

		shown := make([]domain.ScoringResult, 0, len(results))
		for _, res := range results {
			if opts.all || res.ShouldApply {
				shown = append(shown, res)
			}
		}

		if opts.asJSON {
			scored = append(scored, scoredMessage{MessageID: msg.ID, Subject: msg.Subject, Results: shown})
			continue
		}

		fmt.Fprintf(out, "== %s\n", msg.Subject)
		if len(shown) == 0 {
			fmt.Fprintln(out, "No category applies")
		}
		for i := range shown {
			fmt.Fprintln(out, shown[i].Explanation())
			fmt.Fprintln(out)
		}
	}

	if opts.asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(scored)
	}
	return nil
}
