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

// Command octhulhu bridges physical board presence/LED hardware to the rest
// of the fleet: it discovers boards over USB and TCP, polls their presence
// state, drives LEDs from tracked job status, and publishes job-reset
// commands on switch hot-plug.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cthulhu/internal/board"
	"cthulhu/internal/boardagent"
	"cthulhu/internal/broker"
	"cthulhu/internal/config"
	"cthulhu/internal/ctxkeys"
	"cthulhu/internal/metrics"
	"cthulhu/internal/serialport"
	"cthulhu/internal/tracker"
	"cthulhu/pkg/redact"
)

const usbBaudRate = 115200

func main() {
	if len(os.Args) > 1 && os.Args[1] == "list-boards" {
		runListBoards()
		return
	}

	var (
		configPath  = flag.String("config", "octhulhu.toml", "path to the octhulhu TOML config file")
		logLevel    = flag.String("log-level", "info", "log level (debug, info, warn, error)")
		metricsAddr = flag.String("metrics-addr", "", "address to serve /metrics on (disabled if empty)")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(*logLevel)}))
	slog.SetDefault(logger)

	cfg, err := config.LoadOcthulhuConfig(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr, logger)
	}

	slog.Info("dialing broker", "broker", redact.BrokerURL(cfg.BrokerURL),
		"broker_username", redact.Secret(cfg.BrokerUsername))
	b, err := broker.Dial(ctx, broker.Config{
		BrokerURL: cfg.BrokerURL,
		ClientID:  "octhulhu",
		Username:  cfg.BrokerUsername,
		Password:  cfg.BrokerPassword,
	}, logger.With("component", "broker"))
	if err != nil {
		slog.Error("dial broker", "error", err)
		os.Exit(1)
	}
	defer b.Close(context.Background())

	manager, err := connectBoards(ctx, cfg, logger)
	if err != nil {
		slog.Error("connect boards", "error", err)
		os.Exit(1)
	}

	ports := make(map[string]tracker.PortKey, len(cfg.Ports))
	for _, p := range cfg.Ports {
		ports[p.Label] = tracker.PortKey{BoardSerial: p.BoardSerial, PortIndex: p.PortIndex}
	}
	tr, err := tracker.New(ports, manager, broker.Adapter{Broker: b}, cfg.LongRunningThreshold())
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

	for _, link := range manager.Links() {
		go runReader(ctx, link, tr, logger)
	}
	go pollLoop(ctx, manager, cfg.PollInterval(), logger)

	<-ctx.Done()
	slog.Info("shutting down")
}

// connectBoards discovers and opens every USB and TCP board, registering
// each with a Manager keyed by the board's own reported serial number.
func connectBoards(ctx context.Context, cfg config.OcthulhuConfig, logger *slog.Logger) (*boardagent.Manager, error) {
	manager := boardagent.NewManager()

	candidates, err := serialport.DiscoverUSB(serialport.DefaultUSBFilters)
	if err != nil {
		return nil, fmt.Errorf("discover usb boards: %w", err)
	}
	for _, c := range candidates {
		p, err := serialport.Open(c.Name, usbBaudRate)
		if err != nil {
			logger.Warn("open usb board", "port", c.Name, "error", err)
			continue
		}
		manager.Add(boardagent.NewLink(c.SerialNumber, p))
		metrics.IncBoardEvent(c.SerialNumber, "connected")
	}

	for _, hostport := range cfg.TCPBoards {
		serial, err := serialport.DiscoverTCP(ctx, hostport)
		if err != nil {
			logger.Warn("discover tcp board", "hostport", hostport, "error", err)
			continue
		}
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", hostport)
		if err != nil {
			logger.Warn("dial tcp board", "hostport", hostport, "error", err)
			continue
		}
		manager.Add(boardagent.NewLink(serial, conn))
		metrics.IncBoardEvent(serial, "connected")
	}
	return manager, nil
}

// runReader drives one board's read loop for the process lifetime,
// translating presence/module snapshot lines into tracker updates.
func runReader(ctx context.Context, link *boardagent.Link, tr *tracker.Tracker, logger *slog.Logger) {
	err := link.ReadEvents(ctx, func(ev board.Event) {
		switch ev.Kind {
		case board.EventPresence:
			metrics.IncBoardEvent(link.BoardSerial, "presence")
			for i, present := range ev.Bits {
				if err := tr.SwitchPresence(ctx, link.BoardSerial, i, present); err != nil {
					logger.Warn("apply switch presence", "board", link.BoardSerial, "port", i, "error", err)
				}
			}
		case board.EventModule:
			metrics.IncBoardEvent(link.BoardSerial, "module")
			for i, present := range ev.Bits {
				if err := tr.ModulePresence(ctx, link.BoardSerial, i, present); err != nil {
					logger.Warn("apply module presence", "board", link.BoardSerial, "port", i, "error", err)
				}
			}
		default:
			metrics.IncBoardEvent(link.BoardSerial, "unknown")
			logger.Debug("unrecognized board line", "board", link.BoardSerial, "line", ev.RawLine)
		}
	})
	if err != nil && ctx.Err() == nil {
		logger.Error("board reader exited", "board", link.BoardSerial, "error", err)
	}
}

// pollLoop periodically requests fresh presence/module snapshots from every
// connected board.
func pollLoop(ctx context.Context, manager *boardagent.Manager, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, link := range manager.Links() {
				if err := link.RequestPresence(); err != nil {
					logger.Warn("poll presence", "board", link.BoardSerial, "error", err)
				}
				if err := link.RequestModules(); err != nil {
					logger.Warn("poll modules", "board", link.BoardSerial, "error", err)
				}
			}
		}
	}
}

// subscribeUpdates wires one label's MQTT update topic into the tracker, so
// LED color reflects angel's current job status, not just board presence.
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

// runListBoards implements the `octhulhu list-boards` subcommand: discover
// connected boards and print their serial numbers without starting the
// agent.
func runListBoards() {
	candidates, err := serialport.DiscoverUSB(serialport.DefaultUSBFilters)
	if err != nil {
		fmt.Fprintf(os.Stderr, "discover usb boards: %v\n", err)
		os.Exit(1)
	}
	for _, c := range candidates {
		fmt.Printf("%s\tusb\t%s\tvid=%s pid=%s\n", c.SerialNumber, c.Name, c.VID, c.PID)
	}
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
