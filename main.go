package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"i4.energy/across/smartgsm/modem"
)

var rootCmd = &cobra.Command{
	Use:   "smartgsm",
	Short: "SMS, call and USSD gateway for AT command modems",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Initialize the modem and serve the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		configFile, _ := cmd.Flags().GetString("config")
		config, err := LoadConfig(WithDefaults(), WithFile(configFile), WithEnv(), WithFlags(cmd.Flags()))
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		return serve(config)
	},
}

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List the serial ports available on this host",
	RunE: func(cmd *cobra.Command, args []string) error {
		ports, err := modem.ListPorts()
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(ports)
	},
}

func init() {
	flags := serveCmd.Flags()
	flags.String("config", "", "Path to a YAML configuration file")
	flags.String("serial-port", "/dev/ttyUSB0", "Serial port to connect to the modem")
	flags.Int("baud-rate", modem.DefaultBaudRate, "Baud rate for serial communication")
	flags.String("bind-address", "0.0.0.0:8080", "Bind address for the HTTP server")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.String("log-format", "json", "Log format (json, text)")
	flags.String("sim-pin", "", "SIM card PIN code (if required)")
	flags.String("mqtt-broker", "", "MQTT broker URL, e.g. tcp://localhost:1883 (empty disables MQTT)")
	flags.String("mqtt-topic-prefix", "smartgsm", "Prefix of the MQTT topics")

	rootCmd.AddCommand(serveCmd, portsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(level, format string) *slog.Logger {
	logLevel := slog.LevelInfo
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	if format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func serve(config *Config) error {
	logger := newLogger(config.LogLevel, config.LogFormat)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	builder := modem.NewConfigBuilder().
		WithATTimeout(config.ATTimeout).
		WithInitTimeout(config.InitTimeout).
		WithSendTimeout(config.SendTimeout).
		WithUSSDTimeout(config.USSDTimeout).
		WithMaxRetries(config.MaxRetries).
		WithMinSendInterval(config.MinSendInterval).
		WithSimPIN(config.SimPIN).
		WithLogger(logger).
		WithMetrics(modem.NewMetrics(registry)).
		WithDialer(modem.SerialDialer{
			PortName: config.SerialPort,
			BaudRate: config.BaudRate,
		})
	if config.USSDFallbackCode != "" {
		builder.WithUSSDFallbackCode(config.USSDFallbackCode)
	}
	modemConfig, err := builder.Build()
	if err != nil {
		return fmt.Errorf("failed to create modem config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	m, err := modem.New(ctx, modemConfig)
	if err != nil {
		return fmt.Errorf("failed to create modem: %w", err)
	}

	logger.Info("Starting SMS Gateway", "serial_port", config.SerialPort, "state", m.State())

	if config.MQTT.Broker != "" {
		bridge := &Bridge{
			Logger: logger.With("component", "mqtt"),
			Modem:  m,
			Prefix: config.MQTT.TopicPrefix,
		}
		if _, err := ConnectMQTT(ctx, config.MQTT, bridge); err != nil {
			m.Close()
			return fmt.Errorf("failed to connect MQTT: %w", err)
		}
		go bridge.Run(ctx)
	}

	httpServer := &http.Server{
		Addr: config.BindAddress,
		Handler: &Server{
			Logger:   logger.With("component", "server"),
			Modem:    m,
			Gatherer: registry,
		},
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrors <- err
		}
	}()

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.Warn("Failed to notify systemd", "error", err)
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case <-m.Done():
		if ctx.Err() != nil {
			logger.Info("Received shutdown signal")
			break
		}
		runErr = fmt.Errorf("modem session ended: %v", m.Err())
		logger.Error("Modem session ended", "error", m.Err())
	case err := <-serverErrors:
		runErr = fmt.Errorf("HTTP server failed: %w", err)
		logger.Error("HTTP server failed", "error", err)
	}
	daemon.SdNotify(false, daemon.SdNotifyStopping)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Closing the modem ends the event streams held open by /events.
	logger.Info("Closing modem connection")
	if err := m.Close(); err != nil {
		logger.Error("Failed to close modem", "error", err)
	}

	logger.Info("Closing HTTP server")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to gracefully shutdown server", "error", err)
	}
	return runErr
}
