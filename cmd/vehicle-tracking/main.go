package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	tracking "github.com/fleetwise/vehicle-tracking"
	"github.com/fleetwise/vehicle-tracking/internal/config"
	"github.com/fleetwise/vehicle-tracking/internal/logging"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// runtime is what every command needs before it starts
type runtime struct {
	cfg    *config.Config
	logger *slog.Logger
	flush  func() error
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "vehicle-tracking",
		Short: "Vehicle tracking workers and tools",
		Long: `vehicle-tracking runs the vehicle event subscriber and the vehicle filter
RPC worker, and offers commands to query, ping and health-check them.
Configuration is read from the environment and an optional .env file.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	var (
		envFiles []string
		logLevel string
	)

	rootCmd.PersistentFlags().StringSliceVarP(&envFiles, "env-file", "e", nil, "env files to load (default .env)")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "override LOG_LEVEL")

	load := func() (*runtime, error) {
		cfg, err := config.Load(envFiles...)
		if err != nil {
			return nil, fmt.Errorf("failed to load configuration: %w", err)
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}

		logger, flush, err := logging.New(cfg.LogLevel)
		if err != nil {
			return nil, err
		}
		slog.SetDefault(logger)
		return &runtime{cfg: cfg, logger: logger, flush: flush}, nil
	}

	// Serve command
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the subscriber and RPC workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := load()
			if err != nil {
				return err
			}
			defer rt.flush()

			return serve(cmd.Context(), rt)
		},
	}

	// Query command
	var customerID string
	queryCmd := &cobra.Command{
		Use:   "query",
		Short: "Ask the filter worker for a customer's vehicles",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := load()
			if err != nil {
				return err
			}
			defer rt.flush()

			client, err := tracking.NewClient(cmd.Context(), rt.cfg.RequestBroker(),
				tracking.WithLogger(rt.logger),
				tracking.WithTimeout(rt.cfg.Timeout))
			if err != nil {
				return err
			}
			defer client.Close()

			vehicles, err := client.QueryVehicles(cmd.Context(), customerID)
			if err != nil {
				return fmt.Errorf("failed to query vehicles: %w", err)
			}
			if len(vehicles) == 0 {
				fmt.Printf("No vehicles found for customer %s\n", customerID)
				return nil
			}

			out, err := json.MarshalIndent(vehicles, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	queryCmd.Flags().StringVarP(&customerID, "customer", "c", "", "customer id")
	queryCmd.MarkFlagRequired("customer")

	// Ping command
	pingCmd := &cobra.Command{
		Use:   "ping",
		Short: "Publish a ping envelope to the publisher route",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := load()
			if err != nil {
				return err
			}
			defer rt.flush()

			client, err := tracking.NewClient(cmd.Context(), rt.cfg.PublisherBroker(), tracking.WithLogger(rt.logger))
			if err != nil {
				return err
			}
			defer client.Close()

			ping := map[string]any{"ping": time.Now().UTC().Format(time.RFC3339), "version": version}
			if err := client.Publish(cmd.Context(), ping); err != nil {
				return fmt.Errorf("failed to publish ping: %w", err)
			}
			fmt.Printf("Ping published to %s\n", rt.cfg.PublisherRoute)
			return nil
		},
	}

	// Health command
	var healthTimeout time.Duration
	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Check the broker queues, cache and store",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := load()
			if err != nil {
				return err
			}
			defer rt.flush()

			ctx, cancel := context.WithTimeout(cmd.Context(), healthTimeout)
			defer cancel()

			return checkHealth(ctx, rt, os.Stdout)
		},
	}
	healthCmd.Flags().DurationVarP(&healthTimeout, "timeout", "t", 10*time.Second, "overall check timeout")

	rootCmd.AddCommand(serveCmd, queryCmd, pingCmd, healthCmd)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
