package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var cfgPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "porthole",
	Short: "Porthole - interactive IDE sessions on HPC clusters",
	Long: `Porthole launches interactive IDEs (code editor, RStudio, Jupyter)
as containerized batch jobs on HPC clusters and routes browser traffic
to them through per-session SSH tunnels and reverse proxies.

A single binary runs the whole control plane: submission, allocation
tracking, tunnel management, and the authenticated HTTP front door.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Porthole version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c",
		"/etc/porthole/config.yaml", "path to the config file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
}
