package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	slogxtCobra "github.com/fornellas/slogxt/cobra"
	"github.com/fornellas/slogxt/log"

	"github.com/fornellas/cncctl/config"
)

var logDebugPath string
var logDebugFile io.WriteCloser
var defaultLogDebugPath = ""

var envFilePath string
var defaultEnvFilePath = ".env"

var configPath string
var defaultConfigPath = config.DefaultPath()

func getCmdChainStr(cmd *cobra.Command) string {
	cmdChain := []string{cmd.Name()}
	for {
		parentCmd := cmd.Parent()
		if parentCmd == nil {
			break
		}
		cmdChain = append([]string{parentCmd.Name()}, cmdChain...)
		cmd = parentCmd
	}
	return "⚙️ " + strings.Join(cmdChain, " ")
}

var RootCmd = &cobra.Command{
	Use:   "cncctl",
	Short: "CNC machine controller",
	Long:  "Sends operations (jog, home, tool change, emergency stop etc) to a CNC machine over a serial port, and tracks its status from the telemetry it reports.",
	Args:  cobra.NoArgs,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Environment Flags
		if envFilePath != "" {
			if err := godotenv.Load(envFilePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("failed to load environment file: %s: %w", envFilePath, err)
			}
		}
		// Inspired by https://github.com/spf13/viper/issues/671#issuecomment-671067523
		v := viper.New()
		v.SetEnvPrefix("CNCCTL")
		v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
		v.AutomaticEnv()
		var setErr error
		cmd.Flags().VisitAll(func(f *pflag.Flag) {
			if !f.Changed && v.IsSet(f.Name) {
				if err := cmd.Flags().Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name))); err != nil && setErr == nil {
					setErr = fmt.Errorf("invalid environment value for --%s: %w", f.Name, err)
				}
			}
		})
		if setErr != nil {
			return setErr
		}

		// Logging
		logger := slogxtCobra.GetLogger(cmd.OutOrStderr()).
			WithGroup(getCmdChainStr(cmd))
		ctx := log.WithLogger(cmd.Context(), logger)
		cmd.SetContext(ctx)

		if logDebugPath != "" {
			var err error
			logDebugFile, err = os.OpenFile(logDebugPath, os.O_TRUNC|os.O_CREATE|os.O_WRONLY, 0644)
			if err != nil {
				return err
			}
			debugFileHandler := log.NewTerminalLineHandler(logDebugFile, &log.TerminalHandlerOptions{
				HandlerOptions: slog.HandlerOptions{
					Level: slog.LevelDebug,
				},
				ForceColor: true,
			}).WithGroup(getCmdChainStr(cmd))

			logger := slog.New(log.NewMultiHandler(debugFileHandler, logger.Handler()))
			ctx = log.WithLogger(cmd.Context(), logger)
			cmd.SetContext(ctx)
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if logDebugFile != nil {
			err := logDebugFile.Close()
			logDebugFile = nil
			return err
		}
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		if err := cmd.Help(); err != nil {
			logger := log.MustLogger(cmd.Context())
			logger.Error("Failed to display help", "err", err)
		}
		Exit(1)
	},
}

func resetChanged(cmd *cobra.Command) {
	for _, flagSet := range []*pflag.FlagSet{cmd.Flags(), cmd.PersistentFlags()} {
		flagSet.VisitAll(func(f *pflag.Flag) {
			f.Changed = false
		})
	}
	for _, subCmd := range cmd.Commands() {
		resetChanged(subCmd)
	}
}

var resetFlagsFns = []func(){
	func() { slogxtCobra.Reset() },
	func() { resetChanged(RootCmd) },
}

func ResetFlags() {
	for _, resetFlagFn := range resetFlagsFns {
		resetFlagFn()
	}
}

func init() {
	slogxtCobra.AddLoggerFlags(RootCmd)

	RootCmd.PersistentFlags().StringVarP(
		&logDebugPath, "log-debug-path", "", defaultLogDebugPath,
		"Truncate file and write debugging logging to it.",
	)
	RootCmd.PersistentFlags().StringVar(
		&envFilePath, "env-file", defaultEnvFilePath,
		"Load CNCCTL_* environment variables from this file, when it exists.",
	)
	RootCmd.PersistentFlags().StringVar(
		&configPath, "config", defaultConfigPath,
		"Path to the config file; it is created with defaults when missing.",
	)

	resetFlagsFns = append(resetFlagsFns, func() {
		logDebugPath = defaultLogDebugPath
		envFilePath = defaultEnvFilePath
		configPath = defaultConfigPath
	})
}
