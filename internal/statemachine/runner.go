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

package statemachine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"cthulhu/internal/expect"
	"cthulhu/internal/jobmodel"
	"cthulhu/internal/metrics"
)

// loopDetectionThreshold is the hardcoded re-entry count above which the
// runtime forces EndJob. Kept as a constant per the design decision to not
// make it per-state or configurable (see DESIGN.md).
const loopDetectionThreshold = 5

// ErrUnknownState is fatal: the current state name is not in the spec.
var ErrUnknownState = errors.New("statemachine: unknown state")

// ErrTransitionAmbiguity is fatal: the engine returned a match that does not
// correspond to any declared transition.
var ErrTransitionAmbiguity = errors.New("statemachine: transition ambiguity")

// ErrRestartRequested is returned by Step once flag_restart has fired and the job has reached an idle boundary. It
// replaces the original implementation's panic-based restart.
var ErrRestartRequested = errors.New("statemachine: restart requested")

// Publisher is the subset of the broker the runtime needs: emitting
// telemetry for one job's label.
type Publisher interface {
	PublishUpdate(ctx context.Context, label string, u jobmodel.JobUpdate) error
}

// Runner drives one job's state machine: it owns the JobData, the Expect
// Engine, and the side effects (device info, finish, config lookups) that
// actions invoke through the Effects interface.
type Runner struct {
	Label     string
	Spec      *Spec
	Engine    *expect.Engine
	Functions FunctionRegistry
	Config    map[string]string
	Publisher Publisher
	Log       *log.Logger
	T1        time.Duration

	mu               sync.Mutex
	data             jobmodel.JobData
	restartRequested bool
	fatalErr         error
	setupDone        bool
}

// NewRunner builds a Runner for label, starting idle (Init, never started).
func NewRunner(label string, spec *Spec, engine *expect.Engine, functions FunctionRegistry, config map[string]string, pub Publisher, logger *log.Logger, t1 time.Duration) *Runner {
	if t1 <= 0 {
		t1 = 300 * time.Second
	}
	return &Runner{
		Label: label, Spec: spec, Engine: engine, Functions: functions,
		Config: config, Publisher: pub, Log: logger, T1: t1,
		data: jobmodel.NewJobData(label),
	}
}

// Data returns a copy of the current JobData snapshot.
func (r *Runner) Data() jobmodel.JobData {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data
}

// Status derives the current JobStatus as of now.
func (r *Runner) Status(now time.Time) jobmodel.JobStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return jobmodel.DeriveStatus(r.data, now, r.T1)
}

// Reset sets current state to Init, clears JobData (keeping the label), and
// emits JobStart then JobStageTransition(Init).
func (r *Runner) Reset(ctx context.Context, now time.Time) error {
	r.mu.Lock()
	r.data.Reset()
	start := jobmodel.JobStart(now)
	r.data.Apply(start)
	r.fatalErr = nil
	r.restartRequested = false
	r.setupDone = false
	r.mu.Unlock()

	if err := r.publish(ctx, start); err != nil {
		return err
	}
	transition := jobmodel.JobStageTransition(now, InitState)
	r.mu.Lock()
	r.data.Apply(transition)
	r.mu.Unlock()
	return r.publish(ctx, transition)
}

func (r *Runner) publish(ctx context.Context, u jobmodel.JobUpdate) error {
	if r.Publisher == nil {
		return nil
	}
	return r.Publisher.PublishUpdate(ctx, r.Label, u)
}

// FlagRestart requests graceful termination at the next idle boundary; if
// the job is already idle, Step returns ErrRestartRequested immediately on
// its next call.
func (r *Runner) FlagRestart() {
	r.mu.Lock()
	r.restartRequested = true
	r.mu.Unlock()
}

// Step advances exactly one transition, blocking on the Expect Engine as
// needed. Cancelling ctx while Step waits on the Expect Engine returns ctx's
// error and leaves the job's state unchanged; once a transition begins
// executing, its publishes and actions ignore ctx's cancellation and the
// step runs to completion.
func (r *Runner) Step(ctx context.Context) error {
	r.mu.Lock()
	if r.restartRequested && jobmodel.DeriveStatus(r.data, time.Now(), r.T1).IsIdle() {
		r.mu.Unlock()
		return ErrRestartRequested
	}
	current := r.data.CurrentState
	r.mu.Unlock()

	state, ok := r.Spec.State(current)
	if !ok {
		return r.fail(fmt.Errorf("%w: %q", ErrUnknownState, current))
	}

	for i, t := range state.Transitions {
		if t.Trigger.Kind == TriggerImmediate {
			return r.fireTransition(ctx, i, t, "")
		}
	}

	type candidate struct {
		idx   int
		trans Transition
	}
	var cands []candidate
	var needles []expect.Needle
	var timeoutIdx = -1
	var timeoutDur time.Duration
	for i, t := range state.Transitions {
		switch t.Trigger.Kind {
		case TriggerTimeout:
			if timeoutIdx == -1 {
				timeoutIdx = i
				timeoutDur = t.Trigger.Timeout
			}
		default:
			cands = append(cands, candidate{idx: i, trans: t})
			needles = append(needles, t.Trigger.Needle())
		}
	}

	var m expect.Match
	var err error
	if timeoutIdx != -1 {
		m, err = r.Engine.ExpectWithTimeout(ctx, needles, timeoutDur)
	} else {
		m, err = r.Engine.Expect(ctx, needles)
	}

	if err != nil {
		if errors.Is(err, expect.ErrTimeout) && timeoutIdx != -1 {
			return r.fireTransition(ctx, timeoutIdx, state.Transitions[timeoutIdx], "")
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return r.fail(fmt.Errorf("statemachine: expect: %w", err))
	}
	if m.Index < 0 || m.Index >= len(cands) {
		return r.fail(fmt.Errorf("%w: needle index %d out of range", ErrTransitionAmbiguity, m.Index))
	}
	winner := cands[m.Index]
	consumed := string(m.Consumed)
	if !winner.trans.Trigger.Matches(consumed) {
		return r.fail(fmt.Errorf("%w: matched text %q does not satisfy trigger", ErrTransitionAmbiguity, m.Consumed))
	}
	return r.fireTransition(ctx, winner.idx, winner.trans, consumed)
}

// fireTransition applies t and runs its actions. data is the full text the
// Expect Engine consumed to reach this transition ("" for Immediate and
// Timeout triggers, which never consume input); every action sees it as
// ActionContext.Data, and the trigger's MatchedText of it as
// ActionContext.Matched, per the original's per-transition (data, matched)
// pair. The transition runs to completion even if ctx is cancelled.
func (r *Runner) fireTransition(ctx context.Context, _ int, t Transition, data string) error {
	ctx = context.WithoutCancel(ctx)
	stepStart := time.Now()
	r.mu.Lock()
	from := r.data.CurrentState
	r.mu.Unlock()

	now := stepStart
	transition := jobmodel.JobStageTransition(now, t.Target)

	r.mu.Lock()
	r.data.Apply(transition)
	r.mu.Unlock()
	metrics.ObserveStateTransition(r.Label, from, t.Target, time.Since(stepStart))
	if err := r.publish(ctx, transition); err != nil {
		return r.fail(err)
	}

	ac := &ActionContext{
		Engine:    r.Engine,
		Effects:   r,
		Functions: r.Functions,
		Data:      data,
		Matched:   t.Trigger.MatchedText(data),
	}
	for _, a := range t.Actions {
		if err := Perform(ctx, ac, a); err != nil {
			return r.fail(fmt.Errorf("statemachine: action in transition to %q: %w", t.Target, err))
		}
	}

	r.mu.Lock()
	count := r.data.CountState(t.Target)
	r.mu.Unlock()
	if count > loopDetectionThreshold {
		metrics.IncLoopDetection(r.Label, t.Target)
		r.mu.Lock()
		r.data.InfoItems = append(r.data.InfoItems, jobmodel.LoopDetected())
		r.data.CurrentState = EndJobState
		r.mu.Unlock()
		if err := r.publish(ctx, jobmodel.JobNewInfoItem(jobmodel.LoopDetected())); err != nil {
			return r.fail(err)
		}
		forced := jobmodel.JobStageTransition(time.Now(), EndJobState)
		r.mu.Lock()
		r.data.StateHistory = append(r.data.StateHistory, jobmodel.StateHistoryEntry{Time: *forced.Time, State: EndJobState})
		r.mu.Unlock()
		return r.publish(ctx, forced)
	}
	return nil
}

func (r *Runner) fail(err error) error {
	r.mu.Lock()
	r.data.Fatal = true
	r.fatalErr = err
	r.mu.Unlock()
	if r.Log != nil {
		r.Log.Printf("fatal: %v", err)
	}
	return err
}

// AddDeviceInfo implements Effects: it records info and emits JobNewInfoItem
// as one step, matching the spec's atomicity requirement.
func (r *Runner) AddDeviceInfo(info jobmodel.DeviceInformation) {
	r.mu.Lock()
	r.data.InfoItems = append(r.data.InfoItems, info)
	r.mu.Unlock()
	_ = r.publish(context.Background(), jobmodel.JobNewInfoItem(info))
}

// FinishJob implements Effects: marks job completion and emits JobEnd.
func (r *Runner) FinishJob() {
	now := time.Now()
	end := jobmodel.JobEnd(now)
	r.mu.Lock()
	r.data.Apply(end)
	status := jobmodel.DeriveStatus(r.data, now, r.T1)
	r.mu.Unlock()
	metrics.IncJobOutcome(r.Label, string(status))
	_ = r.publish(context.Background(), end)
}

// SetupJob implements Effects: it records that setup ran and does nothing
// else. Actions always run with the Runner itself as their Effects, so a
// SetupJob action does not reach job.Supervisor.SetupJob and opens no
// per-job log file.
func (r *Runner) SetupJob() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setupDone = true
	return nil
}

// ConfigValue implements Effects.
func (r *Runner) ConfigValue(key string) (string, bool) {
	v, ok := r.Config[key]
	return v, ok
}

// Logger implements Effects.
func (r *Runner) Logger() *log.Logger { return r.Log }
