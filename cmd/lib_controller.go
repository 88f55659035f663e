package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fornellas/cncctl/cnc"
	"github.com/fornellas/cncctl/errhandler"
	"github.com/fornellas/cncctl/worker"
)

var commandTimeout time.Duration
var defaultCommandTimeout = cnc.DefaultControllerOptions.CommandTimeout

func AddControllerFlags(cmd *cobra.Command) {
	AddPortFlags(cmd)
	cmd.PersistentFlags().DurationVarP(&commandTimeout, "command-timeout", "t", defaultCommandTimeout, "How long to wait for the machine to acknowledge each command")
}

// runWithController connects to the machine, runs fn with a controller processing telemetry, and
// prints the resulting status.
func runWithController(
	cmd *cobra.Command,
	fn func(ctx context.Context, controller *cnc.Controller) error,
) (err error) {
	ctx, transport, _, err := connect(cmd.Context())
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, transport.Disconnect(ctx)) }()

	controller := cnc.NewController(
		transport,
		errhandler.NewSlogErrorHandler(),
		&cnc.ControllerOptions{CommandTimeout: commandTimeout},
	)
	defer controller.Close()

	workerManager := worker.NewWorkerManager(ctx)
	workerManager.StartWorker("Telemetry", controller.Worker)
	defer func() {
		workerManager.Cancel()
		err = errors.Join(err, workerManager.Wait())
	}()

	err = fn(ctx, controller)
	if _, printErr := fmt.Fprintln(cmd.OutOrStdout(), controller.GetCurrentStatus()); printErr != nil {
		err = errors.Join(err, printErr)
	}
	return err
}

func init() {
	resetFlagsFns = append(resetFlagsFns, func() {
		commandTimeout = defaultCommandTimeout
	})
}
