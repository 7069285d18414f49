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

package jobmodel

import "time"

// JobStatus is the status derived from a JobData at query time; it is never
// stored directly.
type JobStatus string

const (
	StatusIdle          JobStatus = "Idle"
	StatusBusy          JobStatus = "Busy"
	StatusRunningLong   JobStatus = "RunningLong"
	StatusFinishSuccess JobStatus = "FinishSuccess"
	StatusFinishWarning JobStatus = "FinishWarning"
	StatusFinishError   JobStatus = "FinishError"
	StatusFatal         JobStatus = "Fatal"
)

// IsIdle reports whether no job is actively running: never started, or
// finished in any of success/warning/error/fatal. flag_restart uses this to
// decide between waiting for the current job to settle and terminating
// immediately.
func (s JobStatus) IsIdle() bool {
	switch s {
	case StatusIdle, StatusFinishSuccess, StatusFinishWarning, StatusFinishError, StatusFatal:
		return true
	default:
		return false
	}
}

// StateHistoryEntry records one transition into a state, in arrival order.
type StateHistoryEntry struct {
	Time  time.Time `json:"time"`
	State string    `json:"state"`
}

// JobData is the full telemetry record for one end-to-end run of a state
// machine against one physical switch. It is created at job setup, mutated
// only by the owning state-machine task, and never destroyed while the
// process lives.
type JobData struct {
	Label        string              `json:"label"`
	StartedAt    *time.Time          `json:"started_at,omitempty"`
	EndedAt      *time.Time          `json:"ended_at,omitempty"`
	CurrentState string              `json:"current_state"`
	StateHistory []StateHistoryEntry `json:"state_history"`
	InfoItems    []DeviceInformation `json:"info_items"`
	Fatal        bool                `json:"fatal"`
}

// NewJobData creates an idle JobData for the given label.
func NewJobData(label string) JobData {
	return JobData{Label: label, CurrentState: "Init"}
}

// Reset clears history and info items and returns current state to Init,
// keeping the label. Calling Reset twice in succession is idempotent: the
// second call observes the same already-cleared fields as the first.
func (j *JobData) Reset() {
	j.StartedAt = nil
	j.EndedAt = nil
	j.CurrentState = "Init"
	j.StateHistory = nil
	j.InfoItems = nil
	j.Fatal = false
}

// CountState returns how many times name appears in the state history.
func (j *JobData) CountState(name string) int {
	n := 0
	for _, e := range j.StateHistory {
		if e.State == name {
			n++
		}
	}
	return n
}

// HasInfo reports whether an info item with the given kind (and, for
// Custom, the given custom kind) has been recorded.
func (j *JobData) HasInfo(kind DeviceInfoKind, customKind string) bool {
	for _, it := range j.InfoItems {
		if it.Kind != kind {
			continue
		}
		if kind == DeviceInfoCustom && it.CustomKind != customKind {
			continue
		}
		return true
	}
	return false
}

// Apply folds a JobUpdate into the receiver, matching angel/src/job.rs's
// JobData::update: JobStart records the start time and clears the previous
// run's bookkeeping; JobStageTransition appends history and advances the
// current state; JobNewInfoItem appends a fact; JobEnd records the end time;
// JobFullData replaces the whole record (used by heaven, which only ever
// observes updates secondhand over MQTT).
func (j *JobData) Apply(u JobUpdate) {
	switch u.Kind {
	case UpdateJobStart:
		j.StartedAt = u.Time
		j.EndedAt = nil
		j.CurrentState = "Init"
		j.StateHistory = nil
		j.InfoItems = nil
		j.Fatal = false
	case UpdateJobStageTransition:
		j.CurrentState = u.State
		j.StateHistory = append(j.StateHistory, StateHistoryEntry{Time: *u.Time, State: u.State})
	case UpdateJobNewInfoItem:
		j.InfoItems = append(j.InfoItems, u.Info)
	case UpdateJobEnd:
		j.EndedAt = u.Time
	case UpdateJobFullData:
		*j = u.Data
	}
}

// DeriveStatus computes the JobStatus for j as of now, given the
// long-running threshold t1 (spec.md's T1, recommended 300s).
func DeriveStatus(j JobData, now time.Time, t1 time.Duration) JobStatus {
	if j.Fatal {
		return StatusFatal
	}
	if j.StartedAt == nil {
		return StatusIdle
	}
	if j.EndedAt != nil {
		switch {
		case j.CurrentState == "EndJob" && j.HasInfo(DeviceInfoLoopDetected, ""):
			return StatusFinishWarning
		case j.HasInfo(DeviceInfoCustom, "ErrorEnd"):
			return StatusFinishError
		default:
			return StatusFinishSuccess
		}
	}
	if now.Sub(*j.StartedAt) > t1 {
		return StatusRunningLong
	}
	return StatusBusy
}
