package main

import (
	"github.com/caffeineduck/scriptgate/config"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "scriptgate",
		Short: "Serve precompiled WebAssembly units over HTTP",
		Long: `scriptgate - Map HTTP requests onto precompiled WebAssembly units.

Each request path is resolved against the units registered at startup.
A match runs the unit in an isolated, request-scoped context on a bounded
worker pool; everything else falls through to static files or 404.

Settings come from scriptgate.{yaml,toml,json}, SCRIPTGATE_* environment
variables and flags, in increasing precedence.`,
		SilenceUsage: true,
	}

	// Add persistent flags that apply to every command
	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "Config file (default: ./scriptgate.{yaml,toml,json})")
	pf.BoolP("verbose", "v", false, "Debug logging")
	pf.String("units-dir", "units", "Directory holding <id>.wasm units")
	pf.StringSlice("preload", nil, "Unit identifiers to register (default: every unit in --units-dir)")
	pf.Bool("no-cache", false, "Disable compilation cache")
	pf.String("cache-dir", "", "Compilation cache directory (default: $XDG_CACHE_HOME/scriptgate)")
	pf.String("memory-limit", "", "Per-instance memory limit: 1mb, 16mb, 64mb, 256mb, 1gb")

	rootCmd.AddCommand(newServeCmd(), newUnitsCmd(), newVersionCmd())
	return rootCmd
}

func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(cmd.Context(), config.LoadOptions{
		ConfigFilePath: path,
		Flags:          cmd.Flags(),
	})
}
