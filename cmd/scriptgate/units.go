package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/caffeineduck/scriptgate/config"
	"github.com/caffeineduck/scriptgate/executor"
	"github.com/caffeineduck/scriptgate/internal/logging"
	"github.com/caffeineduck/scriptgate/unit"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newUnitsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "units",
		Short: "Load the configured units and report which ones register",
		Long: `Load every configured unit exactly as serve would and print a table of
the results. Units that fail to load are reported and skipped; the command
fails only when no unit loads at all.`,
		Args: cobra.NoArgs,
		RunE: runUnits,
	}
}

func runUnits(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := logging.NewWriter(cmd.ErrOrStderr(), cfg.Verbose)
	defer func() { _ = logger.Sync() }()

	exec, err := newExecutor(cfg, logger)
	if err != nil {
		return err
	}
	defer exec.Close()

	ids, err := preloadList(cfg, exec)
	if err != nil {
		return err
	}

	reg := unit.Load(cmd.Context(), exec.Loader(cfg.UnitsDir), ids, logger)

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "UNIT\tSTATUS")
	for _, id := range ids {
		status := "loaded"
		if _, ok := reg.Lookup(id); !ok {
			status = "failed"
		}
		fmt.Fprintf(tw, "%s\t%s\n", id, status)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if reg.Len() == 0 {
		return errors.New("no units loaded")
	}
	return nil
}

func newExecutor(cfg *config.Config, logger *zap.Logger) (*executor.Executor, error) {
	opts, err := cfg.ExecutorOptions()
	if err != nil {
		return nil, err
	}
	opts = append(opts, executor.WithLogger(logger))
	return executor.New(opts...)
}

// preloadList returns the configured identifiers, or every unit in the
// units directory when none are configured.
func preloadList(cfg *config.Config, exec *executor.Executor) ([]string, error) {
	if len(cfg.Preload) > 0 {
		return cfg.Preload, nil
	}
	return exec.Discover(cfg.UnitsDir)
}
