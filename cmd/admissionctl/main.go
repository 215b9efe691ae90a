// Command admissionctl operates the admission outbox and workflow from a shell.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-admission-api/internal/bootstrap"
	"github.com/noah-isme/sma-admission-api/pkg/config"
	"github.com/noah-isme/sma-admission-api/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:   "admissionctl",
	Short: "Operate the admission workflow and its outbox",
	Long: `admissionctl runs outbox maintenance and automated transitions against the
same database and broker as the API server.

Examples:
  admissionctl dispatch --once           # drain one batch and exit
  admissionctl sweep                     # release abandoned claims
  admissionctl reprocess --all           # retry every quarantined event
  admissionctl purge --older-than 720h   # delete delivered rows
  admissionctl expire <application-id>   # system driven AUTO_EXPIRE`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(dispatchCmd, sweepCmd, reprocessCmd, statsCmd, purgeCmd, failedCmd)
	rootCmd.AddCommand(policyCmd, tokenCmd, expireCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error: "+err.Error())
		os.Exit(1)
	}
}

// withContainer loads configuration, connects every dependency and runs fn.
func withContainer(cmd *cobra.Command, fn func(ctx context.Context, c *bootstrap.Container) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logr, err := logger.New(cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logr.Sync() //nolint:errcheck

	ctx := cmd.Context()
	container, err := bootstrap.New(ctx, cfg, logr.Named("admissionctl"))
	if err != nil {
		return err
	}
	defer func() {
		if cerr := container.Close(); cerr != nil {
			logr.Warn("close dependencies", zap.Error(cerr))
		}
	}()
	return fn(ctx, container)
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
