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

// Package job owns one angel's job-scoped logging and main loop: it pairs a
// statemachine.Runner with a per-job log file (opened at setup, closed at
// process exit) and races broker commands against Step the way the
// original source's async main loop does.
package job

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"cthulhu/internal/broker"
	"cthulhu/internal/ctxkeys"
	"cthulhu/internal/jobmodel"
	"cthulhu/internal/statemachine"
	"cthulhu/pkg/redact"
)

// Supervisor owns one angel's Runner and the per-job scoped log file its
// SetupJob method opens, guaranteeing release even on fatal error paths.
// The Runner runs actions with itself as Effects, so a SetupJob action does
// not call the Supervisor's SetupJob.
type Supervisor struct {
	Label  string
	Runner *statemachine.Runner
	LogDir string

	procLogger *slog.Logger

	mu            sync.Mutex
	logFile       *os.File
	jobLog        *log.Logger
	correlationID string
}

// NewSupervisor wires a Supervisor; jobLog defaults to a discard logger
// until SetupJob opens the real per-job file.
func NewSupervisor(label string, runner *statemachine.Runner, logDir string, procLogger *slog.Logger) *Supervisor {
	if procLogger == nil {
		procLogger = slog.Default()
	}
	return &Supervisor{Label: label, Runner: runner, LogDir: logDir, procLogger: procLogger}
}

// AddDeviceInfo implements statemachine.Effects by delegating to Runner,
// then mirrors the fact into the process log for operators tailing stderr.
func (s *Supervisor) AddDeviceInfo(info jobmodel.DeviceInformation) {
	s.Runner.AddDeviceInfo(info)
	display := info.String()
	if info.Kind == jobmodel.DeviceInfoCustom && redact.IsSensitiveJobConfigKey(info.CustomKind) {
		display = info.CustomKind + "([REDACTED])"
	}
	s.procLogger.Info("device info recorded", "label", s.Label, "correlation_id", s.currentCorrelationID(), "info", display)
}

func (s *Supervisor) setCorrelationID(id string) {
	s.mu.Lock()
	s.correlationID = id
	s.mu.Unlock()
}

func (s *Supervisor) currentCorrelationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.correlationID
}

// FinishJob implements statemachine.Effects: delegates, then closes the
// per-job log file opened by SetupJob.
func (s *Supervisor) FinishJob() {
	s.Runner.FinishJob()
	s.closeJobLog()
}

// SetupJob implements statemachine.Effects: opens <LogDir>/<label>-<ts>.log
// and points the job-scoped logger at it. Called at most once per job run.
func (s *Supervisor) SetupJob() error {
	if err := s.Runner.SetupJob(); err != nil {
		return err
	}
	if s.LogDir == "" {
		return nil
	}
	if err := os.MkdirAll(s.LogDir, 0o755); err != nil {
		return fmt.Errorf("job: create log dir %s: %w", s.LogDir, err)
	}
	name := fmt.Sprintf("%s-%s.log", s.Label, time.Now().UTC().Format("20060102T150405Z"))
	f, err := os.OpenFile(filepath.Join(s.LogDir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("job: open log file: %w", err)
	}
	s.mu.Lock()
	s.logFile = f
	s.jobLog = log.New(f, "", log.LstdFlags|log.Lmicroseconds)
	s.mu.Unlock()
	return nil
}

// ConfigValue implements statemachine.Effects.
func (s *Supervisor) ConfigValue(key string) (string, bool) { return s.Runner.ConfigValue(key) }

// Logger implements statemachine.Effects: the job-scoped logger if SetupJob
// has opened one, else a logger that discards its output.
func (s *Supervisor) Logger() *log.Logger {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jobLog != nil {
		return s.jobLog
	}
	return log.New(io.Discard, "", 0)
}

func (s *Supervisor) closeJobLog() {
	s.mu.Lock()
	f := s.logFile
	s.logFile = nil
	s.jobLog = nil
	s.mu.Unlock()
	if f != nil {
		f.Close()
	}
}

// Close releases the per-job log file even on a fatal error path; callers
// defer it right after constructing the Supervisor's job.
func (s *Supervisor) Close() { s.closeJobLog() }

// Run races the broker's command channel against repeated Step calls, the
// angel main loop's two-way select described in spec.md §5: each iteration
// starts a fresh Step in its own goroutine, and when a command or shutdown
// wins the select cancels stepCtx and waits for the Step to return. A Step
// still waiting on input returns at once without changing job state; a Step
// already inside a transition ignores the cancellation and finishes its
// actions first.
func (s *Supervisor) Run(ctx context.Context, commands <-chan broker.Message) error {
	defer s.Close()
	ctx = s.startNewRun(ctx)
	if err := s.Runner.Reset(ctx, time.Now()); err != nil {
		return fmt.Errorf("job: reset: %w", err)
	}

	for {
		stepCtx, cancelStep := context.WithCancel(ctx)
		stepDone := make(chan error, 1)
		go func() { stepDone <- s.Runner.Step(stepCtx) }()

		select {
		case <-ctx.Done():
			cancelStep()
			<-stepDone
			return ctx.Err()

		case msg, ok := <-commands:
			if !ok {
				commands = nil
				cancelStep()
				<-stepDone
				continue
			}
			cmd, err := broker.DecodeCommand(msg.Payload)
			if err != nil {
				s.procLogger.Warn("discarding malformed command", "label", s.Label,
					"correlation_id", s.currentCorrelationID(), "error", err)
				cancelStep()
				<-stepDone
				continue
			}
			cancelStep()
			<-stepDone
			ctx, err = s.handleCommand(ctx, cmd)
			if err != nil {
				return err
			}

		case err := <-stepDone:
			cancelStep()
			if err != nil {
				if err == statemachine.ErrRestartRequested {
					return err
				}
				return fmt.Errorf("job: step: %w", err)
			}
		}
	}
}

// startNewRun attaches a fresh correlation ID and the angel's label to ctx
// for the lifetime of one job run, so log lines emitted anywhere during
// this run, including inside Runner's actions, can be correlated back to
// it.
func (s *Supervisor) startNewRun(ctx context.Context) context.Context {
	ctx = ctxkeys.WithLabel(ctx, s.Label)
	ctx = ctxkeys.WithCorrelationID(ctx, ctxkeys.NewCorrelationID())
	s.setCorrelationID(ctxkeys.GetCorrelationID(ctx))
	return ctx
}

func (s *Supervisor) handleCommand(ctx context.Context, cmd jobmodel.JobCommand) (context.Context, error) {
	switch cmd.Kind {
	case jobmodel.CommandResetJob:
		ctx = s.startNewRun(ctx)
		return ctx, s.Runner.Reset(ctx, time.Now())
	case jobmodel.CommandRestartAngel:
		s.Runner.FlagRestart()
		return ctx, nil
	case jobmodel.CommandGetJobData:
		return ctx, nil
	default:
		return ctx, nil
	}
}
