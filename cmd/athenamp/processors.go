package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nemanja-m/athenamp/pkg/processor"
)

var processorsCmd = &cobra.Command{
	Use:   "processors",
	Short: "List the registered event processors",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, name := range processor.List() {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
		return nil
	},
}
