package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"sapiremote/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

var configInitCmd = &cobra.Command{
	Use:   "init [PATH]",
	Short: "Write a config file with every default",
	Long: `Write a config file listing every setting with its default value.
PATH defaults to ./sapi.yaml. An existing file is never overwritten.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "sapi.yaml"
		if len(args) == 1 {
			path = args[0]
		}
		if err := config.WriteDefault(path); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file in use",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if file := cfgManager.ConfigFile(); file != "" {
			fmt.Fprintln(cmd.OutOrStdout(), file)
			return
		}
		fmt.Fprintln(cmd.OutOrStdout(), "(none, using defaults)")
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
}
