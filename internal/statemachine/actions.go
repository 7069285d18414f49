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
	"time"

	"cthulhu/internal/expect"
	"cthulhu/internal/jobmodel"
)

// ActionKind discriminates an Action variant.
type ActionKind int

const (
	ActionSend ActionKind = iota
	ActionSendLine
	ActionSendControl
	ActionFlush
	ActionDelay
	ActionRepeat
	ActionFunction
	ActionAddDeviceInfo
	ActionFinishJob
	ActionSetupJob
	ActionSendConfigValue
)

// Action is one step of a Transition's action list. Repeat and Function
// carry extra fields; the rest use only the ones they need.
type Action struct {
	Kind ActionKind

	Text        string               // Send, SendLine, SendConfigValue (key)
	ControlChar byte                 // SendControl
	Delay       time.Duration        // Delay
	Repeat      []Action             // Repeat body
	Times       int                  // Repeat count
	FuncName    string               // Function
	Info        jobmodel.DeviceInformation // AddDeviceInfo
}

// Effects is the set of job-level side effects an Action may trigger,
// implemented by the owning job runner so this package never imports it
// (avoiding a cycle between the runtime and its action interpreter).
type Effects interface {
	AddDeviceInfo(info jobmodel.DeviceInformation)
	FinishJob()
	SetupJob() error
	ConfigValue(key string) (string, bool)
	Logger() *log.Logger
}

// Function is a named effect invoked by a Function action, registered at
// build time and looked up by name; see FunctionRegistry.
type Function func(ctx context.Context, ac *ActionContext) error

// FunctionRegistry is a string-keyed table of Functions populated before any
// job runs. Lookup failure at build time is a config error (ErrUnknownFunction);
// Builder.MergeTOML validates every Function action's name against it as it
// reads a declaration file.
type FunctionRegistry map[string]Function

// ActionContext is threaded through one action (and its nested Repeat
// actions) by exclusive reference; it never outlives the step that created
// it and no back-references to it are stored.
type ActionContext struct {
	Engine    *expect.Engine
	Effects   Effects
	Data      string // the full text Expect consumed to reach this transition
	Matched   string // the specific needle text that satisfied the trigger
	Functions FunctionRegistry
}

// ErrUnknownFunction is returned when a Function action names a function not
// present in the registry.
var ErrUnknownFunction = fmt.Errorf("statemachine: unknown function")

// ErrBadControlChar is returned by a SendControl action for a non-letter.
var ErrBadControlChar = fmt.Errorf("statemachine: control char must be an ASCII letter")

// Perform executes a single action, recursing into Repeat bodies. An error
// aborts the remainder of the enclosing Repeat count and propagates to the
// caller, making the step fatal per spec semantics.
func Perform(ctx context.Context, ac *ActionContext, a Action) error {
	switch a.Kind {
	case ActionSend:
		return ac.Engine.Send([]byte(a.Text))
	case ActionSendLine:
		return ac.Engine.SendLine([]byte(a.Text))
	case ActionSendControl:
		if err := ac.Engine.SendControl(a.ControlChar); err != nil {
			if errors.Is(err, expect.ErrBadControlChar) {
				return fmt.Errorf("%w: %q", ErrBadControlChar, a.ControlChar)
			}
			return err
		}
		return nil
	case ActionFlush:
		return ac.Engine.Flush()
	case ActionDelay:
		if a.Delay <= 0 {
			return nil
		}
		t := time.NewTimer(a.Delay)
		defer t.Stop()
		select {
		case <-t.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	case ActionRepeat:
		for i := 0; i < a.Times; i++ {
			for _, inner := range a.Repeat {
				if err := Perform(ctx, ac, inner); err != nil {
					return err
				}
			}
		}
		return nil
	case ActionFunction:
		fn, ok := ac.Functions[a.FuncName]
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownFunction, a.FuncName)
		}
		return fn(ctx, ac)
	case ActionAddDeviceInfo:
		ac.Effects.AddDeviceInfo(a.Info)
		return nil
	case ActionFinishJob:
		ac.Effects.FinishJob()
		return nil
	case ActionSetupJob:
		return ac.Effects.SetupJob()
	case ActionSendConfigValue:
		v, ok := ac.Effects.ConfigValue(a.Text)
		if !ok {
			ac.Effects.Logger().Printf("send_config_value: key %q not found, sending nothing", a.Text)
			return nil
		}
		return ac.Engine.Send([]byte(v))
	default:
		return fmt.Errorf("statemachine: unknown action kind %d", a.Kind)
	}
}
