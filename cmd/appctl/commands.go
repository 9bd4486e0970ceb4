package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/scholarstream/application-service/internal/domain"
	"github.com/scholarstream/application-service/internal/store"
	"github.com/spf13/cobra"
)

type repositoryOpener func(ctx context.Context) (store.Repository, func(), error)

func newRootCmd(open repositoryOpener) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "appctl",
		Short:         "Operate the application-service checkout and application records",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	attemptsCmd := &cobra.Command{
		Use:   "attempts",
		Short: "Inspect and resolve checkout attempts",
	}
	attemptsCmd.AddCommand(attemptsListCmd(open))
	attemptsCmd.AddCommand(attemptsRetryCmd(open))
	attemptsCmd.AddCommand(attemptsAbandonCmd(open))

	applicationsCmd := &cobra.Command{
		Use:   "applications",
		Short: "Inspect application records",
	}
	applicationsCmd.AddCommand(applicationsShowCmd(open))

	rootCmd.AddCommand(attemptsCmd)
	rootCmd.AddCommand(applicationsCmd)
	return rootCmd
}

func attemptsListCmd(open repositoryOpener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List checkout attempts, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			statusFlag, _ := cmd.Flags().GetString("status")
			limit, _ := cmd.Flags().GetInt("limit")

			var status *domain.AttemptStatus
			if statusFlag != "" {
				s := domain.AttemptStatus(strings.ToLower(statusFlag))
				status = &s
			}

			repo, closeRepo, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeRepo()

			attempts, err := repo.ListCheckoutAttempts(cmd.Context(), status, limit)
			if err != nil {
				return err
			}
			printAttempts(cmd.OutOrStdout(), attempts)
			return nil
		},
	}
	cmd.Flags().StringP("status", "s", "", "Filter by status (awaiting_confirmation, confirmed, persisting, persisted, abandoned, amount_mismatch)")
	cmd.Flags().IntP("limit", "n", 50, "Maximum attempts")
	return cmd
}

func attemptsRetryCmd(open repositoryOpener) *cobra.Command {
	return &cobra.Command{
		Use:   "retry [attempt-id]",
		Short: "Make a confirmed attempt eligible for immediate persistence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid attempt id: %w", err)
			}
			repo, closeRepo, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeRepo()

			if err := repo.RequeueAttempt(cmd.Context(), id); err != nil {
				return fmt.Errorf("requeue %s: %w", id, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "attempt %s requeued\n", id)
			return nil
		},
	}
}

func attemptsAbandonCmd(open repositoryOpener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "abandon [attempt-id]",
		Short: "Close an attempt that is still awaiting processor confirmation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid attempt id: %w", err)
			}
			reason, _ := cmd.Flags().GetString("reason")

			repo, closeRepo, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeRepo()

			attempt, err := repo.FindCheckoutAttemptByID(cmd.Context(), id)
			if err != nil {
				return err
			}
			if _, err := repo.MarkAttemptAbandoned(cmd.Context(), attempt.IntentID, reason); err != nil {
				return fmt.Errorf("abandon %s (status %s): %w", id, attempt.Status, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "attempt %s abandoned\n", id)
			return nil
		},
	}
	cmd.Flags().StringP("reason", "r", "abandoned by operator", "Reason recorded on the attempt")
	return cmd
}

func applicationsShowCmd(open repositoryOpener) *cobra.Command {
	return &cobra.Command{
		Use:   "show [application-id | transaction-id]",
		Short: "Print one application as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, closeRepo, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeRepo()

			var app *domain.Application
			if id, parseErr := uuid.Parse(args[0]); parseErr == nil {
				app, err = repo.FindApplicationByID(cmd.Context(), id)
			} else {
				app, err = repo.FindApplicationByTransactionRef(cmd.Context(), args[0])
			}
			if err != nil {
				return err
			}

			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(app)
		},
	}
}

func printAttempts(out io.Writer, attempts []domain.CheckoutAttempt) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tINTENT\tSTATUS\tAMOUNT\tTRANSACTION\tTRIES\tEMAIL\tUPDATED")
	for _, a := range attempts {
		txRef := "-"
		if a.TransactionRef != nil {
			txRef = *a.TransactionRef
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d %s\t%s\t%d\t%s\t%s\n",
			a.ID, a.IntentID, a.Status, a.Amount, strings.ToUpper(a.Currency), txRef, a.Attempts, a.ApplicantEmail, a.UpdatedAt.Format(time.RFC3339))
	}
	w.Flush()
}
