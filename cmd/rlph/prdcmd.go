package main

import (
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bazelment/rlph/prd"
)

// prdCmd launches an interactive PRD-writing session.
var prdCmd = &cobra.Command{
	Use:   "prd [description]",
	Short: "Launch an interactive PRD-writing session",
	Args:  cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}

		description := strings.Join(args, " ")
		code, err := prd.Run(cmd.Context(), a.cfg, a.prompts, description, a.logger)
		if err != nil {
			return err
		}
		if code != 0 {
			os.Exit(code)
		}
		return nil
	},
}
