package main

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/rules"
	"github.com/opensource-finance/heron/internal/rulestore"
)

func rulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage category rule documents",
		Long:  `List, validate, review, migrate, enable, disable and delete the YAML rule documents in the rules directory.`,
	}

	cmd.AddCommand(listRulesCmd())
	cmd.AddCommand(validateRulesCmd())
	cmd.AddCommand(reviewRulesCmd())
	cmd.AddCommand(migrateRulesCmd())
	cmd.AddCommand(setEnabledCmd("enable", true))
	cmd.AddCommand(setEnabledCmd("disable", false))
	cmd.AddCommand(deleteRuleCmd())

	return cmd
}

func openStore() (*rulestore.Store, error) {
	return rulestore.NewStore(currentConfig().Rules.Dir)
}

func openService() (*rulestore.Service, error) {
	store, err := openStore()
	if err != nil {
		return nil, err
	}
	return rulestore.NewService(store, nil), nil
}

func listRulesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all categories",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}

			loaded, err := store.LoadAll()
			if err != nil {
				return err
			}
			if len(loaded) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No rules found in %s.\n", store.Dir())
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			defer w.Flush()

			fmt.Fprintln(w, "NAME\tLABEL\tMETHOD\tTHRESHOLD\tENABLED\tSIGNALS")
			for _, r := range loaded {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%v\t%d\n",
					r.CategoryName,
					r.OutlookCategory,
					r.ScoringMethod,
					r.Threshold,
					r.Enabled,
					signalCount(r),
				)
			}
			return nil
		},
	}
}

func signalCount(r *domain.CategoryRule) int {
	n := 0
	for _, tier := range domain.Tiers {
		n += len(r.SignalsFor(tier))
	}
	return n
}

func validateRulesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check that every rule document loads",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}

			results, err := store.Scan()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			failed := 0
			for _, res := range results {
				switch {
				case res.Err != nil:
					failed++
					fmt.Fprintf(out, "FAIL  %s: %v\n", res.Path, res.Err)
				case res.Duplicate:
					failed++
					fmt.Fprintf(out, "DUP   %s: category %q is already defined\n", res.Path, res.Rule.CategoryName)
				default:
					fmt.Fprintf(out, "OK    %s (%s, v%s)\n", res.Path, res.Rule.CategoryName, res.Version)
				}
			}

			fmt.Fprintf(out, "\n%d document(s), %d failed\n", len(results), failed)
			if failed > 0 {
				return fmt.Errorf("%d rule document(s) failed validation", failed)
			}
			return nil
		},
	}
}

func reviewRulesCmd() *cobra.Command {
	var labels []string

	cmd := &cobra.Command{
		Use:   "review",
		Short: "Report advisory problems in every rule",
		Long: `Run every validation check on each rule and report all problems, not
just the first. Regex patterns are compiled, and with --labels the target
label of each rule must be one of the given labels.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}

			results, err := store.Scan()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			total := 0
			for _, res := range results {
				if res.Err != nil {
					total++
					fmt.Fprintf(out, "%s\n  - %v\n", res.Path, res.Err)
					continue
				}
				problems := rules.Review(res.Rule, labels)
				if len(problems) == 0 {
					continue
				}
				total += len(problems)
				fmt.Fprintf(out, "%s (%s)\n", res.Path, res.Rule.CategoryName)
				for _, p := range problems {
					fmt.Fprintf(out, "  - %v\n", p)
				}
			}

			if total == 0 {
				fmt.Fprintln(out, "No problems found.")
			} else {
				fmt.Fprintf(out, "\n%d problem(s) found\n", total)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&labels, "labels", nil, "labels that exist in the mail source")
	return cmd
}

func migrateRulesCmd() *cobra.Command {
	var backup bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Rewrite older rule documents in the current version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}

			results, err := store.Scan()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			migrated, failed := 0, 0
			for _, res := range results {
				ok, err := store.Migrate(res.Path, backup)
				switch {
				case err != nil:
					failed++
					fmt.Fprintf(out, "FAIL     %s: %v\n", res.Path, err)
				case ok:
					migrated++
					fmt.Fprintf(out, "MIGRATED %s (v%s -> v%s)\n", res.Path, res.Version, rulestore.CurrentVersion)
				}
			}

			fmt.Fprintf(out, "%d migrated, %d already current, %d failed\n",
				migrated, len(results)-migrated-failed, failed)
			if failed > 0 {
				return fmt.Errorf("%d document(s) could not be migrated", failed)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&backup, "backup", false, "copy each document to <file>.backup before rewriting it")
	return cmd
}

func setEnabledCmd(use string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <name>",
		Short: strings.ToUpper(use[:1]) + use[1:] + " a category",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openService()
			if err != nil {
				return err
			}
			if err := svc.SetEnabled(args[0], enabled); err != nil {
				return ruleError(args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %sd\n", args[0], use)
			return nil
		},
	}
}

func deleteRuleCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a category document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openService()
			if err != nil {
				return err
			}
			if !force {
				if _, err := svc.Get(args[0]); err != nil {
					return ruleError(args[0], err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Delete %s? [y/N] ", args[0])
				var answer string
				_, _ = fmt.Fscanln(cmd.InOrStdin(), &answer)
				if !strings.EqualFold(strings.TrimSpace(answer), "y") {
					fmt.Fprintln(cmd.OutOrStdout(), "aborted")
					return nil
				}
			}
			if err := svc.Delete(args[0]); err != nil {
				return ruleError(args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s deleted\n", args[0])
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "delete without asking")
	return cmd
}

func ruleError(name string, err error) error {
	if errors.Is(err, rulestore.ErrCategoryNotFound) {
		return fmt.Errorf("no category named %q in %s", name, currentConfig().Rules.Dir)
	}
	return err
}
