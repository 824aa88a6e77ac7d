package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func (c *cli) newRulesCommand() *cobra.Command {
	var userID string

	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage a user's enhancement rules",
	}
	cmd.PersistentFlags().StringVar(&userID, "user", "", "rule owner (required)")
	_ = cmd.MarkPersistentFlagRequired("user")

	cmd.AddCommand(
		c.newRulesListCommand(&userID),
		c.newRulesImportCommand(&userID),
		c.newRulesLearnCommand(&userID),
		c.newRulesDeleteCommand(&userID),
	)
	return cmd
}

func (c *cli) newRulesListCommand(userID *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List rules in precedence order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			user, err := parseUUID("user", *userID)
			if err != nil {
				return err
			}
			rules, err := c.deps.RuleService.ListRules(cmd.Context(), user)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tMATCH\tPATTERN\tCATEGORY\tCOUNTERPARTY\tSOURCE")
			for _, r := range rules {
				fmt.Fprintf(w, "%s\t%s\t%q\t%s\t%s\t%s\n",
					r.ID, r.MatchType, r.Pattern, idOrDash(r.CategoryID), idOrDash(r.CounterpartyAccountID), r.Source)
			}
			return w.Flush()
		},
	}
}

func (c *cli) newRulesImportCommand(userID *string) *cobra.Command {
	return &cobra.Command{
		Use:   "import <rules.csv>",
		Short: "Create rules from a CSV file",
		Long: "The file needs a header with pattern, match_type, category_id and " +
			"counterparty_account_id columns; min_amount, max_amount, start_date " +
			"and end_date are optional.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := parseUUID("user", *userID)
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("opening %s: %w", args[0], err)
			}
			defer f.Close()

			created, rejected, err := c.deps.RuleService.ImportRulesCSV(cmd.Context(), user, f)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, r := range rejected {
				fmt.Fprintf(out, "skipped %v\n", r)
			}
			fmt.Fprintf(out, "created %d rules, skipped %d\n", created, len(rejected))
			return nil
		},
	}
}

func (c *cli) newRulesLearnCommand(userID *string) *cobra.Command {
	var description, categoryID, counterpartyID string

	cmd := &cobra.Command{
		Use:   "learn",
		Short: "Create an exact rule from a manual assignment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			user, err := parseUUID("user", *userID)
			if err != nil {
				return err
			}
			category, err := parseOptionalUUID("category", categoryID)
			if err != nil {
				return err
			}
			counterparty, err := parseOptionalUUID("counterparty", counterpartyID)
			if err != nil {
				return err
			}

			rule, err := c.deps.RuleService.LearnFromManualAssignment(cmd.Context(), user, description, category, counterparty)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rule %s matches %q\n", rule.ID, rule.Pattern)
			return nil
		},
	}

	cmd.Flags().StringVar(&description, "description", "", "raw transaction description (required)")
	cmd.Flags().StringVar(&categoryID, "category", "", "category id")
	cmd.Flags().StringVar(&counterpartyID, "counterparty", "", "counterparty account id")
	_ = cmd.MarkFlagRequired("description")
	return cmd
}

func (c *cli) newRulesDeleteCommand(userID *string) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <rule-id>",
		Short: "Delete a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := parseUUID("user", *userID)
			if err != nil {
				return err
			}
			id, err := parseUUID("rule-id", args[0])
			if err != nil {
				return err
			}
			return c.deps.RuleService.DeleteRule(cmd.Context(), user, id)
		},
	}
}

func idOrDash(id *uuid.UUID) string {
	if id == nil {
		return "-"
	}
	return id.String()
}
