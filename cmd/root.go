package cmd

import (
	"github.com/spf13/cobra"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "compsync",
	Short: "Federated compensation queries over a relational and a search store",
	Long: `compsync keeps a search index synchronized with the compensation_records
table and answers queries from the search store, falling back to the
relational store when the search store cannot answer.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and runs it.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
}
