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
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"cthulhu/internal/jobmodel"
)

// ErrMissingRequiredState is a build-time config error: Init or EndJob is
// absent from the merged spec.
var ErrMissingRequiredState = fmt.Errorf("statemachine: spec missing required state")

// ErrUnresolvedTarget is a build-time config error: a transition names a
// target state absent from the merged spec.
var ErrUnresolvedTarget = fmt.Errorf("statemachine: transition target not found")

// ErrBadDuration is a build-time config error: a duration string does not
// parse as <integer><unit> with unit in {ms,s,m,h}.
var ErrBadDuration = fmt.Errorf("statemachine: malformed duration")

// declFile is the on-disk shape of one state-machine declaration file.
type declFile struct {
	States map[string]declState `toml:"states"`
}

type declState struct {
	Transitions []declTransition `toml:"transitions"`
}

type declTransition struct {
	Trigger declTrigger   `toml:"trigger"`
	Target  string        `toml:"target"`
	Actions []declAction  `toml:"actions"`
}

type declTrigger struct {
	Type     string `toml:"type"`
	Value    string `toml:"value"`
	Duration string `toml:"duration"`
}

// declAction mirrors the TOML action object. A Repeat's body is read from
// "action" as a list of action tables; a single table that is not in a list
// is not accepted there.
type declAction struct {
	Type       string       `toml:"type"`
	Text       string       `toml:"text"`
	Char       string       `toml:"char"`
	Delay      string       `toml:"delay"`
	Times      int          `toml:"times"`
	Action     []declAction `toml:"action"`
	FuncName   string       `toml:"name"`
	InfoKind   string       `toml:"kind"`
	InfoValue  string       `toml:"value"`
	ConfigKey  string       `toml:"key"`
}

// Builder merges an ordered list of declaration files (later files override
// states declared earlier under the same name), validates every transition
// target exists, precompiles every Regex trigger, and checks every Function
// action's name against the supplied registry.
type Builder struct {
	states    map[string]State
	functions FunctionRegistry
}

// NewBuilder starts a Builder against the given function registry, used to
// validate Function actions at build time per spec.md §4.2/§9.
func NewBuilder(functions FunctionRegistry) *Builder {
	return &Builder{states: map[string]State{}, functions: functions}
}

// MergeTOML parses raw TOML bytes as one named declaration file and merges
// its states into the builder, overriding any earlier same-named state.
func (b *Builder) MergeTOML(name string, data []byte) error {
	var f declFile
	if _, err := toml.Decode(string(data), &f); err != nil {
		return fmt.Errorf("statemachine: parsing %s: %w", name, err)
	}
	for stateName, ds := range f.States {
		st := State{Name: stateName}
		for _, dt := range ds.Transitions {
			trig, err := buildTrigger(dt.Trigger)
			if err != nil {
				return fmt.Errorf("statemachine: %s: state %q: %w", name, stateName, err)
			}
			actions, err := buildActions(dt.Actions, b.functions)
			if err != nil {
				return fmt.Errorf("statemachine: %s: state %q: %w", name, stateName, err)
			}
			st.Transitions = append(st.Transitions, Transition{
				Trigger: trig,
				Target:  dt.Target,
				Actions: actions,
			})
		}
		b.states[stateName] = st
	}
	return nil
}

// Build finalizes the spec: validates Init and EndJob are present and every
// transition target resolves to a declared state.
func (b *Builder) Build() (*Spec, error) {
	if _, ok := b.states[InitState]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrMissingRequiredState, InitState)
	}
	if _, ok := b.states[EndJobState]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrMissingRequiredState, EndJobState)
	}
	for name, st := range b.states {
		for _, t := range st.Transitions {
			if _, ok := b.states[t.Target]; !ok {
				return nil, fmt.Errorf("%w: state %q targets %q", ErrUnresolvedTarget, name, t.Target)
			}
		}
	}
	out := make(map[string]State, len(b.states))
	for k, v := range b.states {
		out[k] = v
	}
	return &Spec{states: out}, nil
}

func buildTrigger(dt declTrigger) (Trigger, error) {
	switch dt.Type {
	case "Immediate":
		return Trigger{Kind: TriggerImmediate}, nil
	case "Literal":
		return Trigger{Kind: TriggerLiteral, Literal: dt.Value}, nil
	case "Regex":
		re, err := regexp.Compile(dt.Value)
		if err != nil {
			return Trigger{}, fmt.Errorf("compiling regex %q: %w", dt.Value, err)
		}
		return Trigger{Kind: TriggerRegex, Regex: re}, nil
	case "Timeout":
		d, err := ParseDuration(dt.Duration)
		if err != nil {
			return Trigger{}, err
		}
		return Trigger{Kind: TriggerTimeout, Timeout: d}, nil
	default:
		return Trigger{}, fmt.Errorf("statemachine: unknown trigger type %q", dt.Type)
	}
}

func buildActions(decls []declAction, functions FunctionRegistry) ([]Action, error) {
	out := make([]Action, 0, len(decls))
	for _, d := range decls {
		a, err := buildAction(d, functions)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func buildAction(d declAction, functions FunctionRegistry) (Action, error) {
	switch d.Type {
	case "Send":
		return Action{Kind: ActionSend, Text: d.Text}, nil
	case "SendLine":
		return Action{Kind: ActionSendLine, Text: d.Text}, nil
	case "SendControl":
		if len(d.Char) != 1 {
			return Action{}, fmt.Errorf("statemachine: SendControl char must be one ASCII letter, got %q", d.Char)
		}
		return Action{Kind: ActionSendControl, ControlChar: d.Char[0]}, nil
	case "Flush":
		return Action{Kind: ActionFlush}, nil
	case "Delay":
		dur, err := ParseDuration(d.Delay)
		if err != nil {
			return Action{}, err
		}
		return Action{Kind: ActionDelay, Delay: dur}, nil
	case "Repeat":
		inner, err := buildActions(d.Action, functions)
		if err != nil {
			return Action{}, err
		}
		return Action{Kind: ActionRepeat, Repeat: inner, Times: d.Times}, nil
	case "Function":
		if _, ok := functions[d.FuncName]; !ok {
			return Action{}, fmt.Errorf("%w: %q", ErrUnknownFunction, d.FuncName)
		}
		return Action{Kind: ActionFunction, FuncName: d.FuncName}, nil
	case "AddDeviceInfo":
		info, err := buildDeviceInfo(d.InfoKind, d.InfoValue)
		if err != nil {
			return Action{}, err
		}
		return Action{Kind: ActionAddDeviceInfo, Info: info}, nil
	case "FinishJob":
		return Action{Kind: ActionFinishJob}, nil
	case "SetupJob":
		return Action{Kind: ActionSetupJob}, nil
	case "SendConfigValue":
		return Action{Kind: ActionSendConfigValue, Text: d.ConfigKey}, nil
	default:
		return Action{}, fmt.Errorf("statemachine: unknown action type %q", d.Type)
	}
}

func buildDeviceInfo(kind, value string) (jobmodel.DeviceInformation, error) {
	switch kind {
	case string(jobmodel.DeviceInfoVendor):
		return jobmodel.Vendor(value), nil
	case string(jobmodel.DeviceInfoModel):
		return jobmodel.Model(value), nil
	case string(jobmodel.DeviceInfoSerialNumber):
		return jobmodel.SerialNumber(value), nil
	case string(jobmodel.DeviceInfoLoopDetected):
		return jobmodel.LoopDetected(), nil
	case "":
		return jobmodel.DeviceInformation{}, fmt.Errorf("statemachine: AddDeviceInfo missing kind")
	default:
		return jobmodel.Custom(kind, value), nil
	}
}

// ParseDuration parses the declaration-file duration grammar: an integer
// followed by a unit suffix in {ms, s, m, h}.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty", ErrBadDuration)
	}
	units := map[string]time.Duration{
		"ms": time.Millisecond,
		"s":  time.Second,
		"m":  time.Minute,
		"h":  time.Hour,
	}
	var unit string
	for _, u := range []string{"ms", "s", "m", "h"} {
		if strings.HasSuffix(s, u) {
			unit = u
			break
		}
	}
	if unit == "" {
		return 0, fmt.Errorf("%w: %q: no recognized unit suffix", ErrBadDuration, s)
	}
	numPart := strings.TrimSuffix(s, unit)
	n, err := strconv.ParseInt(numPart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrBadDuration, s, err)
	}
	return time.Duration(n) * units[unit], nil
}
