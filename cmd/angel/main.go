// Cthulhu is a fleet of agents that provision network switches over serial.
// Copyright (C) 2025 Cthulhu contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Command angel drives one switch's serial console through its declarative
// state machine, publishing telemetry to and accepting commands from MQTT.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"cthulhu/internal/broker"
	"cthulhu/internal/config"
	"cthulhu/internal/expect"
	"cthulhu/internal/job"
	"cthulhu/internal/metrics"
	"cthulhu/internal/serialport"
	"cthulhu/internal/statemachine"
	"cthulhu/pkg/redact"
)

func main() {
	var (
		configPath  = flag.String("config", "angel.toml", "path to the angel TOML config file")
		logLevel    = flag.String("log-level", "info", "log level (debug, info, warn, error)")
		metricsAddr = flag.String("metrics-addr", "", "address to serve /metrics on (disabled if empty)")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(*logLevel)}))
	slog.SetDefault(logger)

	cfg, err := config.LoadAngelConfig(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	slog.Debug("loaded angel config", "label", cfg.Label, "job_config", redact.JobConfig(cfg.JobConfig))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr, logger)
	}

	spec, err := buildSpec(cfg)
	if err != nil {
		slog.Error("build state machine", "error", err)
		os.Exit(1)
	}

	port, err := serialport.Open(cfg.SerialPort, cfg.BaudRate)
	if err != nil {
		slog.Error("open serial port", "port", cfg.SerialPort, "error", err)
		os.Exit(1)
	}
	defer port.Close()

	mqttCfg := broker.Config{
		BrokerURL: cfg.BrokerURL,
		ClientID:  "angel-" + cfg.Label,
		Username:  cfg.BrokerUsername,
		Password:  cfg.BrokerPassword,
	}
	slog.Info("dialing broker", "label", cfg.Label, "broker", redact.BrokerURL(cfg.BrokerURL),
		"broker_username", redact.Secret(cfg.BrokerUsername))
	b, err := broker.Dial(ctx, mqttCfg, logger.With("component", "broker"))
	if err != nil {
		slog.Error("dial broker", "error", err)
		os.Exit(1)
	}
	defer b.Close(context.Background())

	commands, err := b.Subscribe(ctx, broker.CommandTopic(cfg.Label))
	if err != nil {
		slog.Error("subscribe to command topic", "error", err)
		os.Exit(1)
	}

	engine := expect.New(port, 0)
	jobLog := log.New(os.Stderr, "["+cfg.Label+"] ", log.LstdFlags)
	runner := statemachine.NewRunner(cfg.Label, spec, engine, statemachine.BuiltinFunctions(),
		cfg.JobConfig, broker.Adapter{Broker: b}, jobLog, cfg.LongRunningThreshold())

	supervisor := job.NewSupervisor(cfg.Label, runner, cfg.LogDir, logger.With("label", cfg.Label))

	if err := supervisor.Run(ctx, commands); err != nil {
		if err == statemachine.ErrRestartRequested {
			slog.Info("restart requested, exiting for supervisor restart", "label", cfg.Label)
			os.Exit(2)
		}
		if ctx.Err() != nil {
			slog.Info("shutting down", "label", cfg.Label)
			return
		}
		slog.Error("angel run failed", "label", cfg.Label, "error", err)
		os.Exit(1)
	}
}

// buildSpec merges cfg's declaration files in order, later files overriding
// earlier ones for states they redefine.
func buildSpec(cfg config.AngelConfig) (*statemachine.Spec, error) {
	files, err := config.ReadDeclarationFiles(cfg.DeclarationFiles)
	if err != nil {
		return nil, err
	}
	b := statemachine.NewBuilder(statemachine.BuiltinFunctions())
	if err := b.LoadFS(statemachine.BuiltinFS); err != nil {
		return nil, err
	}
	for _, f := range files {
		if err := b.MergeTOML(f.Name, f.Data); err != nil {
			return nil, err
		}
	}
	return b.Build()
}

func serveMetrics(addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server exited", "error", err)
	}
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
