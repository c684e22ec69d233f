package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"payflow/internal/bootstrap"
	"payflow/internal/config"
	"payflow/internal/payment"
	"payflow/internal/router"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the webhook receiver and the reconcile scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()

			a, err := newApp(cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := bootstrap.MigrateAndSeed(a.db, nil); err != nil {
				return err
			}

			// --- Echo ---
			e := echo.New()
			e.HideBanner = true
			router.Setup(e, logger, cfg.API.Key, a.paymentHandler(), a.webhookHandler())

			// --- Cron Scheduler ---
			if err := a.scheduler.Start(); err != nil {
				return err
			}

			// --- Start Server ---
			addr := fmt.Sprintf(":%d", cfg.Server.Port)
			go func() {
				logger.Info("Starting payflow server", zap.String("addr", addr))
				if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("Server stopped", zap.Error(err))
				}
			}()

			// --- Graceful Shutdown ---
			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit

			logger.Info("Shutting down...")

			ctx := a.scheduler.Stop()
			<-ctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := e.Shutdown(shutdownCtx); err != nil {
				logger.Error("Server forced to shutdown", zap.Error(err))
			}

			logger.Info("Server exited")
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	var seeds []string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the schema and seed opening wallet balances",
		RunE: func(cmd *cobra.Command, args []string) error {
			wallets, err := bootstrap.ParseWalletSeeds(seeds)
			if err != nil {
				return err
			}
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()

			db, err := config.NewDatabase(&cfg.Database, cfg.Server.IsDevelopment(), logger)
			if err != nil {
				return err
			}
			if err := bootstrap.MigrateAndSeed(db, wallets); err != nil {
				return err
			}
			logger.Info("Schema migration completed", zap.Int("wallets", len(wallets)))
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&seeds, "seed-wallet", nil, "opening wallet balance as user:amount (repeatable)")
	return cmd
}

func verifyCmd() *cobra.Command {
	var concurrency int

	cmd := &cobra.Command{
		Use:   "verify <order-id>...",
		Short: "Verify orders against the gateway and apply the results",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()

			a, err := newApp(cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			results := a.verifier.BatchVerify(ctx, args, concurrency)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ORDER\tGATEWAY\tSTATUS\tATTEMPTS\tERROR")
			for _, res := range results {
				status, err := a.orchestrator.Reconcile(ctx, res)
				errText := ""
				switch {
				case errors.Is(err, payment.ErrUnknownOrder):
					errText = "unknown order"
				case err != nil:
					errText = err.Error()
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", res.OrderID, res.PaymentStatus, status, res.AttemptCount, errText)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", 5, "parallel status queries")
	return cmd
}

func statusCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show attempt counts, recent reconcile runs and pending manual settlements",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()

			a, err := newApp(cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			counts, err := a.attempts.CountByStatus(ctx)
			if err != nil {
				return err
			}
			statuses := make([]string, 0, len(counts))
			for s := range counts {
				statuses = append(statuses, s)
			}
			sort.Strings(statuses)

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ATTEMPT STATUS\tCOUNT")
			for _, s := range statuses {
				fmt.Fprintf(w, "%s\t%d\n", s, counts[s])
			}

			runs, err := a.runs.Latest(limit)
			if err != nil {
				return err
			}
			fmt.Fprintln(w, "\nRUN\tKIND\tSTATUS\tTOTAL\tPROCESSED\tFAILED\tSTARTED")
			for _, r := range runs {
				fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\t%d\t%s\n",
					r.ID, r.Kind, r.Status, r.TotalItems, r.ProcessedItems, r.FailedItems, r.CreatedAt.Format(time.RFC3339))
			}

			pending, err := a.settlements.FindPending(ctx, limit)
			if err != nil {
				return err
			}
			fmt.Fprintln(w, "\nSETTLEMENT ORDER\tUSER\tAMOUNT\tREASON")
			for _, s := range pending {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.OrderID, s.UserID, s.Amount.StringFixed(2), s.Reason)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "rows per section")
	return cmd
}

func settleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "settle <order-id>",
		Short: "Mark a pending manual settlement as settled",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()

			a, err := newApp(cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.settlements.MarkSettled(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "order %s settled\n", args[0])
			return nil
		},
	}
}
