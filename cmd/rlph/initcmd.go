package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bazelment/rlph/sources"
)

// initCmd bootstraps the task source (creates the filter label).
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the configured task source (create labels)",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}

		switch a.cfg.Source {
		case "linear":
			apiKey := os.Getenv(a.cfg.Linear.APIKeyEnv)
			if a.cfg.Linear.APIKeyEnv == "" {
				apiKey = os.Getenv("LINEAR_API_KEY")
			}
			if apiKey == "" {
				return fmt.Errorf("linear API key not found in environment")
			}
			client := &sources.DefaultLinearClient{APIKey: apiKey}
			return sources.InitLinearLabel(client, a.cfg.Linear.Team, a.cfg.Label, a.logger)
		default:
			return sources.InitGitHubLabel(nil, a.cfg.Label, a.logger)
		}
	},
}
