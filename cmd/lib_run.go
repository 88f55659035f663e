package main

import (
	"os"

	"github.com/fornellas/slogxt/log"
	"github.com/spf13/cobra"

	"github.com/fornellas/cncctl/errhandler"
)

// Exit terminates the process. Tests replace it to observe the exit code.
var Exit = os.Exit

// GetRunFn adapts fn to cobra's Run: a returned error is logged and the process exits with 1.
func GetRunFn(fn func(cmd *cobra.Command, args []string) error) func(cmd *cobra.Command, args []string) {
	return func(cmd *cobra.Command, args []string) {
		if err := fn(cmd, args); err != nil {
			logger := log.MustLogger(cmd.Context())
			logger.Error("Failed", errhandler.ErrAttrs(err)...)
			Exit(1)
		}
	}
}
