package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yayoboy/oxide-mesh/internal/config"
)

func newRoutingRulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "routing-rules",
		Short: "print the effective routing rules from the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			configureLogging()
			cfg, err := config.Load(configPath)
			if err != nil {
				cfg = config.Default()
			}
			for cat, rule := range cfg.RoutingRules {
				fmt.Printf("%-20s primary=%-15s fallbacks=%v timeout=%ds\n", cat, rule.Primary, rule.Fallbacks, rule.TimeoutSeconds)
			}
			return nil
		},
	}
	return cmd
}
