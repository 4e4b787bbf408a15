package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/noah-isme/pix-storefront/internal/payment"
	"github.com/noah-isme/pix-storefront/internal/poller"
	"github.com/noah-isme/pix-storefront/internal/resilience"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "pixpoll",
		Short:   "Watch PIX charges on a running API",
		Version: Version,
	}
	rootCmd.PersistentFlags().String("api", envOr("PIXPOLL_API", "http://localhost:8080"), "API base URL")
	rootCmd.PersistentFlags().String("log-level", "warn", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(statusCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func watchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch [chargeId]",
		Short: "Poll a charge until it is paid, canceled or expired",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			interval, _ := cmd.Flags().GetDuration("interval")
			timeout, _ := cmd.Flags().GetDuration("timeout")
			maxAttempts, _ := cmd.Flags().GetInt("max-attempts")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			p := poller.Poller{
				Fetcher:     fetcher(cmd),
				Interval:    interval,
				Timeout:     timeout,
				MaxAttempts: maxAttempts,
				Logger:      logger(cmd),
				OnUpdate: func(s poller.Snapshot) {
					fmt.Fprintf(out, "%s  %s\n", time.Now().Format(time.TimeOnly), s.Status)
				},
			}
			res := p.Run(ctx, args[0])
			printResult(cmd, res)
			if res.Status != payment.StatusPaid {
				return fmt.Errorf("charge %s: %s", res.ChargeID, res.Message())
			}
			return nil
		},
	}
	cmd.Flags().Duration("interval", poller.DefaultInterval, "Delay between polls")
	cmd.Flags().Duration("timeout", poller.DefaultTimeout, "Give up after this long")
	cmd.Flags().Int("max-attempts", 0, "Cap on fetches (0 means no cap)")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [chargeId]",
		Short: "Fetch the current status of a charge once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()
			snap, err := fetcher(cmd).Fetch(ctx, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "id:      %s\n", snap.ChargeID)
			fmt.Fprintf(out, "status:  %s\n", snap.Status)
			if snap.PaidAt != nil {
				fmt.Fprintf(out, "paid at: %s\n", snap.PaidAt.Format(time.RFC3339))
			}
			if snap.DeliverableURL != "" {
				fmt.Fprintf(out, "url:     %s\n", snap.DeliverableURL)
			}
			return nil
		},
	}
}

func fetcher(cmd *cobra.Command) poller.HTTPFetcher {
	base, _ := cmd.Flags().GetString("api")
	return poller.HTTPFetcher{
		BaseURL: base,
		HTTP: resilience.HTTPClient{
			Client:  &http.Client{},
			Timeout: 10 * time.Second,
		},
	}
}

// logger writes to stderr so stdout stays clean for the status lines.
func logger(cmd *cobra.Command) zerolog.Logger {
	level, _ := cmd.Flags().GetString("log-level")
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.WarnLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr(), TimeFormat: time.TimeOnly}).
		Level(lvl).With().Timestamp().Logger()
}

func printResult(cmd *cobra.Command, res poller.Result) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s (%d attempts)\n", res.Message(), res.Attempts)
	if res.DeliverableURL != "" {
		fmt.Fprintf(out, "deliverable: %s\n", res.DeliverableURL)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
