package cmd

import (
	"github.com/spf13/cobra"
)

var categoriesCmd = &cobra.Command{
	Use:   "categories",
	Short: "List failure categories and their remediation options",
	RunE: func(cmd *cobra.Command, args []string) error {
		cats, err := newClient().Categories(cmd.Context())
		if err != nil {
			return err
		}
		return NewPrinter(cmd.OutOrStdout()).PrintCategories(cats)
	},
}

func init() {
	rootCmd.AddCommand(categoriesCmd)
}
