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

// Package statemachine implements the declarative, data-driven expect/
// response engine that drives a switch: a directed graph of States, each
// with an ordered list of Transitions, each guarded by a Trigger and
// carrying an Action list to perform on arrival.
package statemachine

import (
	"regexp"
	"time"

	"cthulhu/internal/expect"
)

// StateName identifies a state; it is the key type used throughout a Spec.
type StateName = string

const (
	// InitState is the state reset() sets as current.
	InitState StateName = "Init"
	// EndJobState is the terminal state loop detection forces, and the
	// conventional target for a FinishJob transition.
	EndJobState StateName = "EndJob"
)

// TriggerKind discriminates a Trigger variant.
type TriggerKind int

const (
	TriggerImmediate TriggerKind = iota
	TriggerLiteral
	TriggerRegex
	TriggerTimeout
)

// Trigger decides when a Transition fires. Immediate takes precedence over
// every other trigger kind in a state and never reads input.
type Trigger struct {
	Kind    TriggerKind
	Literal string
	Regex   *regexp.Regexp
	Timeout time.Duration
}

// Needle projects non-Immediate, non-Timeout triggers into the expect
// package's Needle type, which the runtime feeds to the Expect Engine.
// Timeout triggers have no needle; the runtime races them separately.
func (t Trigger) Needle() expect.Needle {
	switch t.Kind {
	case TriggerLiteral:
		return expect.Literal(t.Literal)
	case TriggerRegex:
		return expect.Regex{Re: t.Regex}
	default:
		return nil
	}
}

// Matches reports whether the consumed match text satisfies this trigger,
// used to resolve which declared transition won a shared needle match.
func (t Trigger) Matches(matched string) bool {
	switch t.Kind {
	case TriggerLiteral:
		return matched == t.Literal || hasSuffixLiteral(matched, t.Literal)
	case TriggerRegex:
		return t.Regex.MatchString(matched)
	case TriggerImmediate, TriggerTimeout:
		return false
	default:
		return false
	}
}

func hasSuffixLiteral(matched, literal string) bool {
	if len(literal) > len(matched) {
		return false
	}
	return matched[len(matched)-len(literal):] == literal
}

// MatchedText extracts the actual matched needle text out of consumed, the
// full prefix Expect returned (which may carry leading bytes read before
// the needle matched). Immediate and Timeout triggers never consume input,
// so they report no matched text, mirroring the original's "" passed to
// Function actions for those two trigger kinds.
func (t Trigger) MatchedText(consumed string) string {
	switch t.Kind {
	case TriggerLiteral:
		return t.Literal
	case TriggerRegex:
		all := t.Regex.FindAllString(consumed, -1)
		if len(all) == 0 {
			return consumed
		}
		return all[len(all)-1]
	default:
		return ""
	}
}

// Transition is one edge out of a State: when Trigger fires, the runtime
// moves current state to Target and performs Actions in order.
type Transition struct {
	Trigger Trigger
	Target  StateName
	Actions []Action
}

// State is an ordered list of Transitions; order is match-priority order.
type State struct {
	Name        StateName
	Transitions []Transition
}

// Spec is an immutable, built StateMachineSpec: a name-keyed table of
// States, guaranteed (by Build) to contain Init and EndJob and to have every
// transition target resolve to a key in the table.
type Spec struct {
	states map[StateName]State
}

// State looks up a state by name.
func (s *Spec) State(name StateName) (State, bool) {
	st, ok := s.states[name]
	return st, ok
}

// StateNames returns every state name, for diagnostics and tests.
func (s *Spec) StateNames() []StateName {
	names := make([]StateName, 0, len(s.states))
	for n := range s.states {
		names = append(names, n)
	}
	return names
}
