package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fornellas/slogxt/log"
	"github.com/spf13/cobra"

	"github.com/fornellas/cncctl/cnc"
	"github.com/fornellas/cncctl/errhandler"
	"github.com/fornellas/cncctl/transport"
	"github.com/fornellas/cncctl/worker"
)

var pollingInterval time.Duration
var defaultPollingInterval time.Duration

func printEvents(
	output io.Writer,
	controllerCh <-chan cnc.Event,
	transportCh <-chan transport.Event,
	errorCh <-chan string,
) func(context.Context) error {
	return func(ctx context.Context) error {
		for {
			var line string
			select {
			case <-ctx.Done():
				return ctx.Err()
			case event, ok := <-controllerCh:
				if !ok {
					return fmt.Errorf("controller event channel closed")
				}
				line = event.String()
			case event, ok := <-transportCh:
				if !ok {
					return fmt.Errorf("transport event channel closed")
				}
				line = event.String()
			case message, ok := <-errorCh:
				if !ok {
					return fmt.Errorf("error channel closed")
				}
				line = message
			}
			if _, err := fmt.Fprintf(output, "%s %s\n", time.Now().Format(time.TimeOnly), line); err != nil {
				return err
			}
		}
	}
}

func printStatus(output io.Writer, controller *cnc.Controller, interval time.Duration) func(context.Context) error {
	return func(ctx context.Context) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				if _, err := fmt.Fprintf(output, "%s %s\n", time.Now().Format(time.TimeOnly), controller.GetCurrentStatus()); err != nil {
					return err
				}
			}
		}
	}
}

var MonitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Print machine events and status until interrupted.",
	Long:  "Connects to the machine and prints every status change, received line and error, plus the current status every polling interval (default from config).",
	Args:  cobra.NoArgs,
	Run: GetRunFn(func(cmd *cobra.Command, args []string) (err error) {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		output, err := outputValue.WriteCloser(cmd)
		if err != nil {
			return err
		}
		defer func() { err = errors.Join(err, output.Close()) }()

		ctx, t, cfg, err := connect(ctx)
		if err != nil {
			return err
		}
		defer func() { err = errors.Join(err, t.Disconnect(ctx)) }()

		interval := cfg.PollingInterval
		if pollingInterval > 0 {
			interval = pollingInterval
		}
		ctx, logger := log.MustWithAttrs(ctx, "polling-interval", interval)

		errorHandler := errhandler.NewSlogErrorHandler()
		defer errorHandler.Close()
		controller := cnc.NewController(
			t,
			errorHandler,
			&cnc.ControllerOptions{CommandTimeout: commandTimeout},
		)
		defer controller.Close()

		controllerCh := controller.Subscribe("monitor", 100)
		transportCh := t.Subscribe("monitor", 100)
		defer t.Unsubscribe("monitor")
		errorCh := errorHandler.Subscribe("monitor", 100)

		logger.Info("Monitoring, interrupt to stop")
		workerManager := worker.NewWorkerManager(ctx)
		workerManager.StartWorker("Telemetry", controller.Worker)
		workerManager.StartWorker("Events", printEvents(output, controllerCh, transportCh, errorCh))
		workerManager.StartWorker("Status", printStatus(output, controller, interval))
		return workerManager.Wait()
	}),
}

func init() {
	AddControllerFlags(MonitorCmd)
	AddOutputFlags(MonitorCmd)
	MonitorCmd.PersistentFlags().DurationVarP(&pollingInterval, "polling-interval", "i", defaultPollingInterval, "How often to print the status (default from config)")
	RootCmd.AddCommand(MonitorCmd)

	resetFlagsFns = append(resetFlagsFns, func() {
		pollingInterval = defaultPollingInterval
	})
}
