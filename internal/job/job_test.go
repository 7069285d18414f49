package job

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"cthulhu/internal/broker"
	"cthulhu/internal/ctxkeys"
	"cthulhu/internal/expect"
	"cthulhu/internal/jobmodel"
	"cthulhu/internal/statemachine"
)

// pipeChannel mirrors the synthetic Channel double used across the expect
// and statemachine package tests.
type pipeChannel struct {
	r *io.PipeReader
	w *io.PipeWriter
}

// newPipeChannel builds a Channel whose Read side never receives data, so
// Step blocks on the Expect Engine's read until the caller cancels ctx.
func newPipeChannel() *pipeChannel {
	r, _ := io.Pipe()
	_, w := io.Pipe()
	return &pipeChannel{r: r, w: w}
}

func (p *pipeChannel) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipeChannel) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p *pipeChannel) Flush() error                { return nil }

type recordingPublisher struct{}

func (recordingPublisher) PublishUpdate(context.Context, string, jobmodel.JobUpdate) error {
	return nil
}

func discardSlog() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// blockingSpec builds a spec whose Init state never matches, so Step blocks
// on the Expect Engine's read until the test cancels the context.
func blockingSpec(t *testing.T) *statemachine.Spec {
	t.Helper()
	b := statemachine.NewBuilder(nil)
	doc := []byte(`
[states.Init]
[[states.Init.transitions]]
target = "EndJob"
[states.Init.transitions.trigger]
type = "Literal"
value = "never-sent"

[states.EndJob]
`)
	if err := b.MergeTOML("blocking.toml", doc); err != nil {
		t.Fatalf("merge: %v", err)
	}
	spec, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return spec
}

func newTestSupervisor(t *testing.T) (*Supervisor, string) {
	t.Helper()
	spec := blockingSpec(t)
	ch := newPipeChannel()
	engine := expect.New(ch, 0)
	runner := statemachine.NewRunner("sw1", spec, engine, nil, nil, recordingPublisher{}, log.New(io.Discard, "", 0), 0)
	dir := t.TempDir()
	sup := NewSupervisor("sw1", runner, filepath.Join(dir, "logs"), discardSlog())
	return sup, dir
}

func TestSupervisorOpensAndClosesJobLogOnFinish(t *testing.T) {
	sup, dir := newTestSupervisor(t)
	if err := sup.SetupJob(); err != nil {
		t.Fatalf("setup: %v", err)
	}
	sup.mu.Lock()
	f := sup.logFile
	sup.mu.Unlock()
	if f == nil {
		t.Fatal("expected a log file to be open after SetupJob")
	}

	sup.FinishJob()

	sup.mu.Lock()
	closedFile, closedLog := sup.logFile, sup.jobLog
	sup.mu.Unlock()
	if closedFile != nil || closedLog != nil {
		t.Fatal("expected FinishJob to release the per-job log file")
	}

	entries, err := os.ReadDir(filepath.Join(dir, "logs"))
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d log files, want 1", len(entries))
	}
}

func TestSupervisorClosesJobLogOnContextCancel(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	ctx, cancel := context.WithCancel(context.Background())

	commands := make(chan broker.Message)
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx, commands) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("got %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	sup.mu.Lock()
	defer sup.mu.Unlock()
	if sup.logFile != nil {
		t.Fatal("expected Close (deferred in Run) to release the log file")
	}
}

func TestSupervisorCommandObservedWhileStepBlocked(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	commands := make(chan broker.Message, 1)
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx, commands) }()

	// Step is blocked waiting for "never-sent" on the pipe. A command must
	// still be observed and handled without waiting for that step to
	// complete, proving the two-way select genuinely races the command
	// channel against step() rather than only polling it between steps.
	payload, err := json.Marshal(jobmodel.ResetJob)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	commands <- broker.Message{Topic: broker.CommandTopic("sw1"), Payload: payload}

	select {
	case <-time.After(100 * time.Millisecond):
	case err := <-done:
		t.Fatalf("Run returned early: %v", err)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestHandleCommandResetReEntersInit(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	ctx := context.Background()
	if err := sup.Runner.Reset(ctx, time.Now()); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if _, err := sup.handleCommand(ctx, jobmodel.ResetJob); err != nil {
		t.Fatalf("handleCommand: %v", err)
	}
	if got := sup.Runner.Data().CurrentState; got != statemachine.InitState {
		t.Fatalf("got state %q, want Init", got)
	}
}

func TestStartNewRunMintsFreshCorrelationIDPerCall(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	ctx := sup.startNewRun(context.Background())
	first := ctxkeys.GetCorrelationID(ctx)
	if first == "" {
		t.Fatal("expected a correlation ID attached to context")
	}
	if got := sup.currentCorrelationID(); got != first {
		t.Fatalf("currentCorrelationID() = %q, want %q", got, first)
	}
	if got := ctxkeys.GetLabel(ctx); got != sup.Label {
		t.Fatalf("GetLabel(ctx) = %q, want %q", got, sup.Label)
	}

	ctx2 := sup.startNewRun(ctx)
	second := ctxkeys.GetCorrelationID(ctx2)
	if second == "" || second == first {
		t.Fatalf("expected a fresh correlation ID, got %q twice", second)
	}
	if got := sup.currentCorrelationID(); got != second {
		t.Fatalf("currentCorrelationID() = %q, want %q", got, second)
	}
}

func TestHandleCommandResetMintsFreshCorrelationID(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	ctx := sup.startNewRun(context.Background())
	if err := sup.Runner.Reset(ctx, time.Now()); err != nil {
		t.Fatalf("reset: %v", err)
	}
	before := sup.currentCorrelationID()

	ctx2, err := sup.handleCommand(ctx, jobmodel.ResetJob)
	if err != nil {
		t.Fatalf("handleCommand: %v", err)
	}
	after := ctxkeys.GetCorrelationID(ctx2)
	if after == "" || after == before {
		t.Fatalf("expected ResetJob to mint a new correlation ID, got %q (was %q)", after, before)
	}
	if sup.currentCorrelationID() != after {
		t.Fatalf("supervisor correlation ID %q did not track handleCommand's new ID %q", sup.currentCorrelationID(), after)
	}
}

func TestSupervisorLoggerFallsBackBeforeSetup(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	if l := sup.Logger(); l == nil {
		t.Fatal("expected a non-nil fallback logger before SetupJob")
	}
}
