package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/fornellas/slogxt/log"
	"github.com/spf13/cobra"
	"go.bug.st/serial"

	"github.com/fornellas/cncctl/transport"
)

var listenAddress string
var defaultListenAddress = "127.0.0.1:9999"

// bridge pipes conn to the serial port until either side closes.
func bridge(ctx context.Context, conn net.Conn, portName string, baudRate int) error {
	logger := log.MustLogger(ctx)

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := tcpConn.SetNoDelay(true); err != nil {
			return errors.Join(fmt.Errorf("failed to set TCP no delay: %w", err), conn.Close())
		}
	}

	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	logger.Info("Opening serial port")
	serialPort, err := transport.OpenSerialPort(ctx, portName, mode)
	if err != nil {
		return errors.Join(fmt.Errorf("failed to open: %s: %w", portName, err), conn.Close())
	}

	errCh := make(chan error, 2)

	logger.Info("Copying I/O")
	go func() {
		_, err := io.Copy(conn, serialPort)
		errCh <- err
	}()

	go func() {
		_, err := io.Copy(serialPort, conn)
		errCh <- err
	}()

	pending := cap(errCh)
	select {
	case err = <-errCh:
		pending--
	case <-ctx.Done():
	}
	logger.Info("Closing connection")
	err = errors.Join(err, conn.Close())
	logger.Info("Closing port")
	err = errors.Join(err, serialPort.Close())
	logger.Info("Waiting for copy routines to return")
	for ; pending > 0; pending-- {
		// the other side was closed above
		if copyErr := <-errCh; copyErr != nil {
			logger.Debug("Copy finished", "err", copyErr)
		}
	}

	return err
}

var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start a TCP server connected to a serial port.",
	Long:  "Opens serial port and a TCP server, and pipes communication between both, so other commands can use --address to reach a machine attached to another host. There's NO security implemented, this can only be used in secure networks at your own risk.",
	Args:  cobra.NoArgs,
	Run: GetRunFn(func(cmd *cobra.Command, args []string) (err error) {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		cfg, err := loadConfig(ctx)
		if err != nil {
			return err
		}
		name, rate, err := portSettings(cfg)
		if err != nil {
			return err
		}

		ctx, logger := log.MustWithAttrs(
			ctx,
			"port-name", name,
			"baud-rate", rate,
			"listen-address", listenAddress,
		)

		logger.Info("Listening")
		listenConfig := &net.ListenConfig{}
		listener, err := listenConfig.Listen(ctx, "tcp", listenAddress)
		if err != nil {
			return fmt.Errorf("failed to listen: %s: %w", listenAddress, err)
		}
		stop := context.AfterFunc(ctx, func() {
			if err := listener.Close(); err != nil {
				logger.Debug("Failed to close listener", "err", err)
			}
		})
		defer stop()

		for {
			logger.Info("Accepting connection")
			conn, err := listener.Accept()
			if err != nil {
				if ctx.Err() != nil {
					logger.Info("Stopped")
					return nil
				}
				logger.Error("Failed to accept connection", "err", err)
				continue
			}
			connCtx, connLogger := log.MustWithGroupAttrs(
				ctx,
				"Connection",
				"LocalAddr", conn.LocalAddr(),
				"RemoteAddr", conn.RemoteAddr(),
			)
			connLogger.Info("Accepted")

			if err := bridge(connCtx, conn, name, rate); err != nil {
				connLogger.Error("Failed to handle connection", "err", err)
			}
		}
	}),
}

func init() {
	ServeCmd.PersistentFlags().StringVarP(&portName, "port-name", "p", defaultPortName, "Serial port name to open (default from config)")
	ServeCmd.PersistentFlags().IntVarP(&baudRate, "baud-rate", "b", defaultBaudRate, "Serial port baud rate (default from config)")
	ServeCmd.PersistentFlags().StringVar(&listenAddress, "listen-address", defaultListenAddress, "TCP address to listen on (host:port)")

	RootCmd.AddCommand(ServeCmd)

	resetFlagsFns = append(resetFlagsFns, func() {
		listenAddress = defaultListenAddress
	})
}
