package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/fornellas/cncctl/cnc"
)

func newOperationCmd(use, short string, operation func(*cnc.Controller, context.Context) error) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		Run: GetRunFn(func(cmd *cobra.Command, args []string) error {
			return runWithController(cmd, func(ctx context.Context, controller *cnc.Controller) error {
				return operation(controller, ctx)
			})
		}),
	}
	AddControllerFlags(cmd)
	return cmd
}

var JogCmd = &cobra.Command{
	Use:   "jog DIRECTION DISTANCE",
	Short: "Move an axis relative to the current position.",
	Long:  "Move an axis relative to the current position. DIRECTION is the axis word (eg: X, Y, Z) and DISTANCE may be negative.",
	Args:  cobra.ExactArgs(2),
	Run: GetRunFn(func(cmd *cobra.Command, args []string) error {
		direction := args[0]
		distance, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return fmt.Errorf("invalid distance: %#v: %w", args[1], err)
		}
		return runWithController(cmd, func(ctx context.Context, controller *cnc.Controller) error {
			return controller.Jog(ctx, direction, distance)
		})
	}),
}

var ToolCmd = &cobra.Command{
	Use:   "tool NUMBER",
	Short: "Change to the given tool.",
	Args:  cobra.ExactArgs(1),
	Run: GetRunFn(func(cmd *cobra.Command, args []string) error {
		toolNumber, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid tool number: %#v: %w", args[0], err)
		}
		return runWithController(cmd, func(ctx context.Context, controller *cnc.Controller) error {
			return controller.ChangeTool(ctx, toolNumber)
		})
	}),
}

func init() {
	AddControllerFlags(JogCmd)
	RootCmd.AddCommand(JogCmd)

	AddControllerFlags(ToolCmd)
	RootCmd.AddCommand(ToolCmd)

	RootCmd.AddCommand(newOperationCmd("home", "Home all axes.", (*cnc.Controller).Home))
	RootCmd.AddCommand(newOperationCmd("estop", "Emergency stop, sent ahead of any pending command.", (*cnc.Controller).EmergencyStop))
	RootCmd.AddCommand(newOperationCmd("start", "Start the spindle.", (*cnc.Controller).Start))
	RootCmd.AddCommand(newOperationCmd("stop", "Stop the spindle.", (*cnc.Controller).Stop))
	RootCmd.AddCommand(newOperationCmd("pause", "Pause the program.", (*cnc.Controller).Pause))
}
