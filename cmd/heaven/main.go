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

// Command heaven aggregates job telemetry from every angel over MQTT and
// serves the fleet's operator dashboard, JSON status API, provisioning HTTP
// surface, and Prometheus metrics.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cthulhu/internal/broker"
	"cthulhu/internal/config"
	"cthulhu/internal/ctxkeys"
	"cthulhu/internal/metrics"
	"cthulhu/internal/provision"
	"cthulhu/internal/tracker"
	"cthulhu/internal/webui"
	"cthulhu/pkg/redact"
)

func main() {
	var (
		configPath = flag.String("config", "heaven.toml", "path to the heaven TOML config file")
		logLevel   = flag.String("log-level", "info", "log level (debug, info, warn, error)")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(*logLevel)}))
	slog.SetDefault(logger)

	cfg, err := config.LoadHeavenConfig(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("dialing broker", "broker", redact.BrokerURL(cfg.BrokerURL),
		"broker_username", redact.Secret(cfg.BrokerUsername))
	b, err := broker.Dial(ctx, broker.Config{
		BrokerURL: cfg.BrokerURL,
		ClientID:  "heaven",
		Username:  cfg.BrokerUsername,
		Password:  cfg.BrokerPassword,
	}, logger.With("component", "broker"))
	if err != nil {
		slog.Error("dial broker", "error", err)
		os.Exit(1)
	}
	defer b.Close(context.Background())

	ports := make(map[string]tracker.PortKey, len(cfg.Ports))
	for _, p := range cfg.Ports {
		ports[p.Label] = tracker.PortKey{BoardSerial: p.BoardSerial, PortIndex: p.PortIndex}
	}
	// heaven has no physical LEDs of its own; its Tracker exists purely to
	// fuse MQTT telemetry into the dashboard/JSON snapshot, so leds is nil.
	tr, err := tracker.New(ports, nil, broker.Adapter{Broker: b}, cfg.LongRunningThreshold())
	if err != nil {
		slog.Error("build port tracker", "error", err)
		os.Exit(1)
	}

	for _, p := range cfg.Ports {
		if err := subscribeUpdates(ctx, b, tr, p.Label, logger); err != nil {
			slog.Error("subscribe updates", "label", p.Label, "error", err)
			os.Exit(1)
		}
	}

	provisionServer, err := provision.NewServer(loadOSMappings())
	if err != nil {
		slog.Error("build provisioning server", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	provisionServer.RegisterRoutes(mux)
	mux.Handle("/", webui.New(tr, b))

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("heaven listening", "addr", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server forced shutdown", "error", err)
	}
}

// loadOSMappings returns the configured Arista model/version-to-image
// mappings. Heaven's current config schema doesn't expose these as TOML
// yet (spec.md's external interfaces don't name the format); an empty set
// makes /stage2.sh always serve the plain configuration script, which is
// the correct behavior for a fleet with no registered upgrade targets.
func loadOSMappings() []provision.OSMapping {
	return nil
}

func subscribeUpdates(ctx context.Context, b *broker.MQTT, tr *tracker.Tracker, label string, logger *slog.Logger) error {
	msgs, err := b.Subscribe(ctx, broker.UpdateTopic(label))
	if err != nil {
		return err
	}
	ctx = ctxkeys.WithLabel(ctx, label)
	go func() {
		for msg := range msgs {
			u, err := broker.DecodeUpdate(msg.Payload)
			if err != nil {
				logger.Warn("discard malformed update", "label", ctxkeys.GetLabel(ctx), "error", err)
				continue
			}
			if err := tr.MQTTUpdate(ctx, label, u); err != nil {
				logger.Warn("apply update", "label", ctxkeys.GetLabel(ctx), "error", err)
			}
		}
	}()
	return nil
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
