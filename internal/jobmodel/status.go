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

import (
	"encoding/json"
	"fmt"
	"time"
)

// UpdateKind discriminates a JobUpdate variant, published to
// cthulhu/<label>/update.
type UpdateKind string

const (
	UpdateJobStageTransition UpdateKind = "JobStageTransition"
	UpdateJobStart           UpdateKind = "JobStart"
	UpdateJobEnd             UpdateKind = "JobEnd"
	UpdateJobNewInfoItem     UpdateKind = "JobNewInfoItem"
	UpdateJobFullData        UpdateKind = "JobFullData"
)

// JobUpdate is the tagged union of telemetry an angel emits about its job.
type JobUpdate struct {
	Kind  UpdateKind
	Time  *time.Time
	State string
	Info  DeviceInformation
	Data  JobData
}

func JobStart(t time.Time) JobUpdate { return JobUpdate{Kind: UpdateJobStart, Time: &t} }
func JobEnd(t time.Time) JobUpdate   { return JobUpdate{Kind: UpdateJobEnd, Time: &t} }
func JobStageTransition(t time.Time, state string) JobUpdate {
	return JobUpdate{Kind: UpdateJobStageTransition, Time: &t, State: state}
}
func JobNewInfoItem(info DeviceInformation) JobUpdate {
	return JobUpdate{Kind: UpdateJobNewInfoItem, Info: info}
}
func JobFullData(data JobData) JobUpdate { return JobUpdate{Kind: UpdateJobFullData, Data: data} }

type jobUpdateWire struct {
	Type  UpdateKind         `json:"type"`
	Time  *time.Time         `json:"time,omitempty"`
	State string             `json:"state,omitempty"`
	Info  *DeviceInformation `json:"info,omitempty"`
	Data  *JobData           `json:"data,omitempty"`
}

func (u JobUpdate) MarshalJSON() ([]byte, error) {
	w := jobUpdateWire{Type: u.Kind, Time: u.Time, State: u.State}
	switch u.Kind {
	case UpdateJobNewInfoItem:
		w.Info = &u.Info
	case UpdateJobFullData:
		w.Data = &u.Data
	}
	return json.Marshal(w)
}

func (u *JobUpdate) UnmarshalJSON(b []byte) error {
	var w jobUpdateWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	switch w.Type {
	case UpdateJobStageTransition, UpdateJobStart, UpdateJobEnd, UpdateJobNewInfoItem, UpdateJobFullData:
	default:
		return fmt.Errorf("jobmodel: unknown job update type %q", w.Type)
	}
	u.Kind = w.Type
	u.Time = w.Time
	u.State = w.State
	if w.Info != nil {
		u.Info = *w.Info
	}
	if w.Data != nil {
		u.Data = *w.Data
	}
	return nil
}

// CommandKind discriminates a JobCommand variant, published to
// cthulhu/<label>/command.
type CommandKind string

const (
	CommandResetJob     CommandKind = "ResetJob"
	CommandRestartAngel CommandKind = "RestartAngel"
	CommandGetJobData   CommandKind = "GetJobData"
)

// JobCommand is a command sent to a single angel, or broadcast to all of
// them by publishing to every <label>/command topic.
type JobCommand struct {
	Kind CommandKind
}

var (
	ResetJob     = JobCommand{Kind: CommandResetJob}
	RestartAngel = JobCommand{Kind: CommandRestartAngel}
	GetJobData   = JobCommand{Kind: CommandGetJobData}
)

type jobCommandWire struct {
	Type CommandKind `json:"type"`
}

func (c JobCommand) MarshalJSON() ([]byte, error) {
	return json.Marshal(jobCommandWire{Type: c.Kind})
}

func (c *JobCommand) UnmarshalJSON(b []byte) error {
	var w jobCommandWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	switch w.Type {
	case CommandResetJob, CommandRestartAngel, CommandGetJobData:
	default:
		return fmt.Errorf("jobmodel: unknown job command type %q", w.Type)
	}
	c.Kind = w.Type
	return nil
}
