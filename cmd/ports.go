package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fornellas/cncctl/transport"
)

var PortsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List available serial ports.",
	Args:  cobra.NoArgs,
	Run: GetRunFn(func(cmd *cobra.Command, args []string) error {
		t := transport.NewTransport(transport.OpenSerialPort, nil)
		defer t.Close()
		for _, port := range t.GetAvailablePorts(cmd.Context()) {
			if _, err := fmt.Fprintln(cmd.OutOrStdout(), port); err != nil {
				return err
			}
		}
		return nil
	}),
}

func init() {
	RootCmd.AddCommand(PortsCmd)
}
