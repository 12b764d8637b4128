package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/porthole-hpc/porthole/pkg/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the deployment configuration",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the config file and print a summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}

		fmt.Printf("Config OK: %s\n", cfgPath)
		fmt.Printf("  Listen address: %s\n", cfg.ListenAddr)
		fmt.Printf("  State directory: %s\n", cfg.StateDir)
		fmt.Printf("  Idle threshold: %s\n", cfg.IdleThreshold.Std())

		clusters := make([]string, 0, len(cfg.Clusters))
		for name := range cfg.Clusters {
			clusters = append(clusters, name)
		}
		sort.Strings(clusters)
		for _, name := range clusters {
			cc := cfg.Clusters[name]
			fmt.Printf("  Cluster %s: head node %s, %d release image(s)\n",
				name, cc.HeadNode, len(cc.Images))
		}
		for ide, ic := range cfg.IDEs {
			fmt.Printf("  IDE %s: base path %s, default port %d\n",
				ide, ic.BasePath, ic.DefaultPort)
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configValidateCmd)
}
