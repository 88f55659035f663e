package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var SendCmd = &cobra.Command{
	Use:   "send COMMAND...",
	Short: "Send a raw command and print its response.",
	Long:  "Send a raw command line to the machine and wait for a response line. Arguments are joined with spaces.",
	Args:  cobra.MinimumNArgs(1),
	Run: GetRunFn(func(cmd *cobra.Command, args []string) (err error) {
		command := strings.Join(args, " ")

		ctx, t, _, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { err = errors.Join(err, t.Disconnect(ctx)) }()
		response, ok, err := t.SendCommandResponse(ctx, command, commandTimeout)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("no response to %#v within %s", command, commandTimeout)
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), response)
		return err
	}),
}

func init() {
	AddControllerFlags(SendCmd)
	RootCmd.AddCommand(SendCmd)
}
