package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fornellas/slogxt/log"
	"github.com/spf13/cobra"
	"go.bug.st/serial"

	"github.com/fornellas/cncctl/config"
	"github.com/fornellas/cncctl/serialtcp"
	"github.com/fornellas/cncctl/transport"
)

var portName string
var defaultPortName = ""

var baudRate int
var defaultBaudRate = 0

var address string
var defaultAddress = ""

var dialTimeout time.Duration
var defaultDialTimeout = 5 * time.Second

func AddPortFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVarP(&portName, "port-name", "p", defaultPortName, "Serial port name to open (default from config)")
	cmd.PersistentFlags().IntVarP(&baudRate, "baud-rate", "b", defaultBaudRate, "Serial port baud rate (default from config)")
	cmd.PersistentFlags().StringVarP(&address, "address", "a", defaultAddress, "TCP address to connect to, instead of a serial port (see serve)")
	cmd.PersistentFlags().DurationVar(&dialTimeout, "dial-timeout", defaultDialTimeout, "Timeout when connecting to --address")
}

// loadConfig loads the config file, creating it when missing.
func loadConfig(ctx context.Context) (config.Config, error) {
	return config.Load(ctx, configPath)
}

// portSettings resolves where to connect to: flags take precedence over the config.
func portSettings(cfg config.Config) (string, int, error) {
	if portName != "" && address != "" {
		return "", 0, fmt.Errorf("flags --port-name and --address can not be set simultaneously")
	}
	name := cfg.PortName
	if portName != "" {
		name = portName
	}
	if address != "" {
		name = address
	}
	rate := cfg.BaudRate
	if baudRate != 0 {
		rate = baudRate
	}
	return name, rate, nil
}

func GetOpenPortFn() transport.OpenPortFn {
	if address != "" {
		return func(ctx context.Context, address string, mode *serial.Mode) (serial.Port, error) {
			return serialtcp.Dial(ctx, address, dialTimeout)
		}
	}
	return transport.OpenSerialPort
}

// connect loads the config and opens the transport to the machine.
func connect(ctx context.Context) (context.Context, *transport.Transport, config.Config, error) {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return ctx, nil, config.Config{}, err
	}

	name, rate, err := portSettings(cfg)
	if err != nil {
		return ctx, nil, config.Config{}, err
	}
	ctx, _ = log.MustWithAttrs(ctx, "port-name", name, "baud-rate", rate)

	t := transport.NewTransport(GetOpenPortFn(), nil)
	if err := t.Connect(ctx, name, rate); err != nil {
		return ctx, nil, config.Config{}, err
	}
	return ctx, t, cfg, nil
}

func init() {
	resetFlagsFns = append(resetFlagsFns, func() {
		portName = defaultPortName
		baudRate = defaultBaudRate
		address = defaultAddress
		dialTimeout = defaultDialTimeout
	})
}
