package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/heron/internal/benchmark"
)

func benchmarkCmd() *cobra.Command {
	var (
		csvPath string
		workers int
		verbose bool
	)

	cmd := &cobra.Command{
		Use:   "benchmark",
		Short: "Measure rule accuracy against a labelled CSV",
		Long: `Score every row of a labelled CSV in-process and report a confusion
matrix with precision, recall, F1 and accuracy for each category.

CSV columns: subject,body,sender,attachments,expected
attachments and expected are ';'-separated lists.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if csvPath == "" {
				return errors.New("--csv is required")
			}

			f, err := os.Open(csvPath)
			if err != nil {
				return err
			}
			defer f.Close()

			cases, err := benchmark.ReadCSV(f)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", csvPath, err)
			}

			engine, _, err := loadRules(currentConfig())
			if err != nil {
				return err
			}
			defer engine.Close()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Loaded %d messages, %d rules, %d workers\n\n", len(cases), engine.RulesCount(), workers)

			var mu sync.Mutex
			opts := benchmark.Options{Workers: workers}
			if verbose {
				opts.OnOutcome = func(o benchmark.Outcome) {
					mu.Lock()
					defer mu.Unlock()
					status := "✓"
					if !o.Correct() {
						status = "✗"
					}
					fmt.Fprintf(out, "%s line %-5d %-40.40s predicted=[%s] missed=[%s] spurious=[%s]\n",
						status,
						o.Case.Line,
						o.Case.Message.Subject,
						strings.Join(o.Predicted, ";"),
						strings.Join(o.Missed, ";"),
						strings.Join(o.Spurious, ";"),
					)
				}
			}

			report, err := benchmark.Run(cmd.Context(), engine, cases, opts)
			if err != nil {
				return err
			}

			fmt.Fprintln(out)
			report.Print(out)
			return nil
		},
	}

	cmd.Flags().StringVar(&csvPath, "csv", "", "path to the labelled CSV")
	cmd.Flags().IntVar(&workers, "workers", 4, "number of concurrent scorers")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "print the outcome of every message")

	return cmd
}
