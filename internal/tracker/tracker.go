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

// Package tracker fuses board presence edges and broker job telemetry into
// per-port LED color and automatic job-reset decisions.
package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cthulhu/internal/jobmodel"
	"cthulhu/internal/metrics"
)

// PortKey identifies one physical port on one board.
type PortKey struct {
	BoardSerial string
	PortIndex   int
}

// Color is an RGB LED color.
type Color struct{ R, G, B byte }

// notReady is emitted whenever module or switch presence is false/unknown,
// regardless of job status.
var notReady = Color{R: 0xC7, G: 0x15, B: 0x85}

// ledTable maps a derived JobStatus to its LED color, used only when both
// module and switch are present.
var ledTable = map[jobmodel.JobStatus]Color{
	jobmodel.StatusIdle:          {127, 127, 127},
	jobmodel.StatusFinishSuccess: {0, 255, 0},
	jobmodel.StatusFinishWarning: {0xFF, 0x99, 0x33},
	jobmodel.StatusFinishError:   {255, 0, 0},
	jobmodel.StatusBusy:          {0, 0, 0xFF},
	jobmodel.StatusRunningLong:   {0xBB, 0x33, 0xFF},
	jobmodel.StatusFatal:         {0xFF, 0x33, 0xDD},
}

// LEDColorFor implements the §4.3 color table: not-ready magenta unless
// both module and switch are present, in which case the status-keyed color.
func LEDColorFor(modulePresent, switchPresent bool, status jobmodel.JobStatus) Color {
	if !modulePresent || !switchPresent {
		return notReady
	}
	if c, ok := ledTable[status]; ok {
		return c
	}
	return notReady
}

// LEDWriter issues a physical LED color change for one port.
type LEDWriter interface {
	WriteLED(ctx context.Context, key PortKey, c Color) error
}

// CommandPublisher publishes a JobCommand for a label, used to emit
// ResetJob on hot-plug.
type CommandPublisher interface {
	PublishCommand(ctx context.Context, label string, c jobmodel.JobCommand) error
}

// entry is one tracked port's mutable state.
type entry struct {
	label string
	key   PortKey

	modulePresent *bool
	switchPresent *bool
	job           jobmodel.JobData
	t1            time.Duration
}

// Tracker maintains the statically configured {label -> (board_sn,
// port_idx)} bijection and reacts to the three input event streams. All
// mutations are serialized through one exclusive lock; LED writes and reset
// publishes are issued while holding it, so observers never see a torn
// (presence, status, LED) tuple.
type Tracker struct {
	leds    LEDWriter
	cmds    CommandPublisher
	t1      time.Duration
	nowFunc func() time.Time

	mu        sync.Mutex
	byLabel   map[string]*entry
	byPortKey map[PortKey]*entry
}

// New creates a Tracker over the given port set: label -> PortKey, required
// to be a bijection (spec.md invariant #4's Port Tracker clause).
func New(ports map[string]PortKey, leds LEDWriter, cmds CommandPublisher, t1 time.Duration) (*Tracker, error) {
	if t1 <= 0 {
		t1 = 300 * time.Second
	}
	tr := &Tracker{
		leds: leds, cmds: cmds, t1: t1, nowFunc: time.Now,
		byLabel:   make(map[string]*entry, len(ports)),
		byPortKey: make(map[PortKey]*entry, len(ports)),
	}
	for label, key := range ports {
		if _, exists := tr.byPortKey[key]; exists {
			return nil, fmt.Errorf("tracker: port %+v is mapped to more than one label", key)
		}
		e := &entry{label: label, key: key, job: jobmodel.NewJobData(label), t1: t1}
		tr.byLabel[label] = e
		tr.byPortKey[key] = e
	}
	return tr, nil
}

// MQTTUpdate merges job telemetry into the port's JobData and refreshes the
// LED for that port. Unknown labels are ignored (a board may serve more
// ports than are configured).
func (t *Tracker) MQTTUpdate(ctx context.Context, label string, u jobmodel.JobUpdate) error {
	t.mu.Lock()
	e, ok := t.byLabel[label]
	if !ok {
		t.mu.Unlock()
		return nil
	}
	e.job.Apply(u)
	err := t.writeLEDLocked(ctx, e)
	t.mu.Unlock()
	return err
}

// ModulePresence reports an SFP-cage populated edge from the board. Module
// edges never trigger a reset by themselves.
func (t *Tracker) ModulePresence(ctx context.Context, boardSN string, portIdx int, present bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byPortKey[PortKey{BoardSerial: boardSN, PortIndex: portIdx}]
	if !ok {
		return nil
	}
	v := present
	e.modulePresent = &v
	return t.writeLEDLocked(ctx, e)
}

// SwitchPresence reports a switch-powered edge from the board and applies
// the reset-on-plug rule: ResetJob publishes exactly on a false->true
// transition where module was present both before and after, and never on
// the first-ever observation.
func (t *Tracker) SwitchPresence(ctx context.Context, boardSN string, portIdx int, present bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byPortKey[PortKey{BoardSerial: boardSN, PortIndex: portIdx}]
	if !ok {
		return nil
	}

	modulePresentBefore := e.modulePresent != nil && *e.modulePresent
	wasKnownFalse := e.switchPresent != nil && !*e.switchPresent
	v := present
	e.switchPresent = &v

	// Module presence doesn't change as part of a switch-presence edge, so
	// "present both before and after" collapses to its value at this instant.
	shouldReset := wasKnownFalse && present && modulePresentBefore
	if shouldReset && t.cmds != nil {
		metrics.IncResetOnPlug(e.label)
		if err := t.cmds.PublishCommand(ctx, e.label, jobmodel.ResetJob); err != nil {
			return fmt.Errorf("tracker: publish reset for %s: %w", e.label, err)
		}
	}
	return t.writeLEDLocked(ctx, e)
}

func (t *Tracker) writeLEDLocked(ctx context.Context, e *entry) error {
	if t.leds == nil {
		return nil
	}
	mp := e.modulePresent != nil && *e.modulePresent
	sp := e.switchPresent != nil && *e.switchPresent
	status := jobmodel.DeriveStatus(e.job, t.nowFunc(), e.t1)
	color := LEDColorFor(mp, sp, status)
	if err := t.leds.WriteLED(ctx, e.key, color); err != nil {
		return fmt.Errorf("tracker: write led for %s: %w", e.label, err)
	}
	metrics.IncLEDWrite(e.key.BoardSerial)
	return nil
}

// Snapshot returns a copy of one port's tracked state, for the heaven web
// surface and tests.
type Snapshot struct {
	Label         string
	Key           PortKey
	ModulePresent bool
	SwitchPresent bool
	Status        jobmodel.JobStatus
	Job           jobmodel.JobData
}

// Snapshot returns the current tracked state for label, if configured.
func (t *Tracker) Snapshot(label string) (Snapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byLabel[label]
	if !ok {
		return Snapshot{}, false
	}
	return Snapshot{
		Label:         e.label,
		Key:           e.key,
		ModulePresent: e.modulePresent != nil && *e.modulePresent,
		SwitchPresent: e.switchPresent != nil && *e.switchPresent,
		Status:        jobmodel.DeriveStatus(e.job, t.nowFunc(), e.t1),
		Job:           e.job,
	}, true
}

// Snapshots returns every tracked port's state, for the dashboard listing.
func (t *Tracker) Snapshots() []Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Snapshot, 0, len(t.byLabel))
	for _, e := range t.byLabel {
		out = append(out, Snapshot{
			Label:         e.label,
			Key:           e.key,
			ModulePresent: e.modulePresent != nil && *e.modulePresent,
			SwitchPresent: e.switchPresent != nil && *e.switchPresent,
			Status:        jobmodel.DeriveStatus(e.job, t.nowFunc(), e.t1),
			Job:           e.job,
		})
	}
	return out
}
