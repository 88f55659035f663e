package main

import (
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/spf13/cobra"

	"github.com/fornellas/cncctl/config"
)

func printConfig(w io.Writer, path string, cfg config.Config) error {
	if _, err := fmt.Fprintf(w, "# %s\nPortName: %s\nBaudRate: %d\nPollingInterval: %s\n", path, cfg.PortName, cfg.BaudRate, cfg.PollingInterval); err != nil {
		return err
	}
	for _, name := range slices.Sorted(maps.Keys(cfg.MachineSettings)) {
		if _, err := fmt.Fprintf(w, "%s: %s\n", name, cfg.MachineSettings[name]); err != nil {
			return err
		}
	}
	return nil
}

var ConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the config file.",
	Args:  cobra.NoArgs,
}

var ConfigShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the config, creating it with defaults when missing.",
	Args:  cobra.NoArgs,
	Run: GetRunFn(func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd.Context())
		if err != nil {
			return err
		}
		return printConfig(cmd.OutOrStdout(), configPath, cfg)
	}),
}

var ConfigSetCmd = &cobra.Command{
	Use:   "set KEY VALUE",
	Short: "Set a config value.",
	Long:  "Set a config value. KEY is PortName, BaudRate, PollingInterval (a duration such as 500ms, or milliseconds) or the name of a machine setting.",
	Args:  cobra.ExactArgs(2),
	Run: GetRunFn(func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Update(cmd.Context(), configPath, args[0], args[1])
		if err != nil {
			return err
		}
		return printConfig(cmd.OutOrStdout(), configPath, cfg)
	}),
}

var ConfigResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Overwrite the config with the defaults.",
	Args:  cobra.NoArgs,
	Run: GetRunFn(func(cmd *cobra.Command, args []string) error {
		cfg, err := config.ResetToDefaults(cmd.Context(), configPath)
		if err != nil {
			return err
		}
		return printConfig(cmd.OutOrStdout(), configPath, cfg)
	}),
}

func init() {
	ConfigCmd.AddCommand(ConfigShowCmd)
	ConfigCmd.AddCommand(ConfigSetCmd)
	ConfigCmd.AddCommand(ConfigResetCmd)
	RootCmd.AddCommand(ConfigCmd)
}
