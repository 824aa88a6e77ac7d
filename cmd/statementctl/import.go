package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	importservice "github.com/FACorreiaa/statement-pipeline/internal/domain/import/service"
	"github.com/FACorreiaa/statement-pipeline/internal/domain/jobs"
)

func (c *cli) newAnalyzeCommand() *cobra.Command {
	var accountID string

	cmd := &cobra.Command{
		Use:   "analyze <file>",
		Short: "Detect the layout of a statement file and show sample rows",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			account, err := parseUUID("account", accountID)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading %s: %w", args[0], err)
			}

			result, err := c.deps.ImportService.Analyze(cmd.Context(), importservice.AnalyzeRequest{
				AccountID: account,
				Filename:  filepath.Base(args[0]),
				Data:      data,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}

	cmd.Flags().StringVar(&accountID, "account", "", "account id (required)")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}

func (c *cli) newImportCommand() *cobra.Command {
	var (
		userID     string
		accountID  string
		currency   string
		numbers    string
		monthFirst bool
	)

	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import a statement file into an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := parseUUID("user", userID)
			if err != nil {
				return err
			}
			account, err := parseUUID("account", accountID)
			if err != nil {
				return err
			}
			european, err := parseNumberFormat(numbers)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading %s: %w", args[0], err)
			}

			result, err := c.deps.ImportService.Persist(cmd.Context(), importservice.PersistRequest{
				UserID:         user,
				AccountID:      account,
				Filename:       filepath.Base(args[0]),
				Data:           data,
				CurrencyCode:   currency,
				EuropeanFormat: european,
				MonthFirst:     monthFirst,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "owner of the enhancement rules (required)")
	cmd.Flags().StringVar(&accountID, "account", "", "account id (required)")
	cmd.Flags().StringVar(&currency, "currency", "", "ISO 4217 code; detected from the file when empty")
	cmd.Flags().StringVar(&numbers, "numbers", "auto", "number format: auto, european or us")
	cmd.Flags().BoolVar(&monthFirst, "month-first", false, "read ambiguous dates as MM/DD")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}

// parseNumberFormat maps --numbers to the import option; auto is nil.
func parseNumberFormat(s string) (*bool, error) {
	switch strings.ToLower(s) {
	case "", "auto":
		return nil, nil
	case "european", "eu":
		v := true
		return &v, nil
	case "us":
		v := false
		return &v, nil
	}
	return nil, fmt.Errorf("invalid --numbers %q: want auto, european or us", s)
}

func (c *cli) newEnqueueCommand() *cobra.Command {
	var userID, accountID, statementID string

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue a batch enhancement for an account or one statement",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := parseUUID("user", userID); err != nil {
				return err
			}
			if _, err := parseUUID("account", accountID); err != nil {
				return err
			}
			if _, err := parseOptionalUUID("statement", statementID); err != nil {
				return err
			}

			payload := map[string]any{"user_id": userID, "account_id": accountID}
			if statementID != "" {
				payload["statement_id"] = statementID
			}
			id, err := c.deps.ImportService.EnqueueJob(cmd.Context(), jobs.TypeBatchEnhancement, payload)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "owner of the enhancement rules (required)")
	cmd.Flags().StringVar(&accountID, "account", "", "account id (required)")
	cmd.Flags().StringVar(&statementID, "statement", "", "limit the job to one statement")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}
