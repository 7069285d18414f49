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
	"log"
	"testing"
	"testing/fstest"

	"cthulhu/internal/jobmodel"
)

func TestMergeTOMLParsesStatesAndActions(t *testing.T) {
	b := NewBuilder(nil)
	doc := []byte(`
[states.Init]
[[states.Init.transitions]]
target = "AwaitPass"
[states.Init.transitions.trigger]
type = "Literal"
value = "login: "
[[states.Init.transitions.actions]]
type = "SendLine"
text = "admin"
[[states.Init.transitions.actions]]
type = "AddDeviceInfo"
kind = "Vendor"
value = "Arista"

[states.AwaitPass]
[[states.AwaitPass.transitions]]
target = "EndJob"
[states.AwaitPass.transitions.trigger]
type = "Timeout"
duration = "5s"
[[states.AwaitPass.transitions.actions]]
type = "FinishJob"

[states.EndJob]
`)
	if err := b.MergeTOML("login.toml", doc); err != nil {
		t.Fatalf("merge: %v", err)
	}
	spec, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	init, ok := spec.State(InitState)
	if !ok || len(init.Transitions) != 1 {
		t.Fatalf("got Init state %+v, ok=%v", init, ok)
	}
	tr := init.Transitions[0]
	if tr.Trigger.Kind != TriggerLiteral || tr.Trigger.Literal != "login: " {
		t.Fatalf("got trigger %+v", tr.Trigger)
	}
	if tr.Target != "AwaitPass" {
		t.Fatalf("got target %q", tr.Target)
	}
	if len(tr.Actions) != 2 || tr.Actions[0].Kind != ActionSendLine || tr.Actions[0].Text != "admin" {
		t.Fatalf("got actions %+v", tr.Actions)
	}
	if tr.Actions[1].Kind != ActionAddDeviceInfo || tr.Actions[1].Info.Kind != jobmodel.DeviceInfoVendor {
		t.Fatalf("got info action %+v", tr.Actions[1])
	}

	await, ok := spec.State("AwaitPass")
	if !ok || len(await.Transitions) != 1 {
		t.Fatalf("got AwaitPass %+v", await)
	}
	if await.Transitions[0].Trigger.Kind != TriggerTimeout || await.Transitions[0].Trigger.Timeout.Seconds() != 5 {
		t.Fatalf("got timeout trigger %+v", await.Transitions[0].Trigger)
	}
}

func TestMergeTOMLLaterFileOverridesState(t *testing.T) {
	b := NewBuilder(nil)
	base := []byte(`
[states.Init]
[[states.Init.transitions]]
target = "EndJob"
[states.Init.transitions.trigger]
type = "Immediate"

[states.EndJob]
`)
	override := []byte(`
[states.Init]
[[states.Init.transitions]]
target = "Custom"
[states.Init.transitions.trigger]
type = "Immediate"

[states.Custom]
[[states.Custom.transitions]]
target = "EndJob"
[states.Custom.transitions.trigger]
type = "Immediate"
`)
	if err := b.MergeTOML("base.toml", base); err != nil {
		t.Fatalf("merge base: %v", err)
	}
	if err := b.MergeTOML("override.toml", override); err != nil {
		t.Fatalf("merge override: %v", err)
	}
	spec, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	init, _ := spec.State(InitState)
	if len(init.Transitions) != 1 || init.Transitions[0].Target != "Custom" {
		t.Fatalf("expected override.toml's Init to win, got %+v", init)
	}
}

func TestMergeTOMLUnknownFunctionRejected(t *testing.T) {
	b := NewBuilder(FunctionRegistry{})
	doc := []byte(`
[states.Init]
[[states.Init.transitions]]
target = "EndJob"
[states.Init.transitions.trigger]
type = "Immediate"
[[states.Init.transitions.actions]]
type = "Function"
name = "does_not_exist"

[states.EndJob]
`)
	if err := b.MergeTOML("fn.toml", doc); err == nil {
		t.Fatal("expected error for unregistered function name")
	}
}

// stubEffects satisfies Effects with just enough behavior to observe a
// Function action's side effect.
type stubEffects struct {
	added []jobmodel.DeviceInformation
}

func (s *stubEffects) AddDeviceInfo(info jobmodel.DeviceInformation) { s.added = append(s.added, info) }
func (s *stubEffects) FinishJob()                                    {}
func (s *stubEffects) SetupJob() error                               { return nil }
func (s *stubEffects) ConfigValue(string) (string, bool)             { return "", false }
func (s *stubEffects) Logger() *log.Logger                           { return nil }

func TestRegisteredFunctionFiresThroughPerform(t *testing.T) {
	registry := FunctionRegistry{
		"capture": func(_ context.Context, ac *ActionContext) error {
			ac.Effects.AddDeviceInfo(jobmodel.SerialNumber(ac.Matched))
			return nil
		},
	}
	b := NewBuilder(registry)
	doc := []byte(`
[states.Init]
[[states.Init.transitions]]
target = "EndJob"
[states.Init.transitions.trigger]
type = "Immediate"
[[states.Init.transitions.actions]]
type = "Function"
name = "capture"

[states.EndJob]
`)
	if err := b.MergeTOML("fn.toml", doc); err != nil {
		t.Fatalf("merge: %v", err)
	}
	spec, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	init, _ := spec.State(InitState)
	effects := &stubEffects{}
	ac := &ActionContext{Effects: effects, Functions: registry, Matched: "SN123"}
	for _, a := range init.Transitions[0].Actions {
		if err := Perform(context.Background(), ac, a); err != nil {
			t.Fatalf("perform: %v", err)
		}
	}
	if len(effects.added) != 1 || effects.added[0].Value != "SN123" {
		t.Fatalf("got %+v, want one SerialNumber(SN123)", effects.added)
	}
}

func TestBuilderLoadFSMergesBuiltinStatesInLexicalOrder(t *testing.T) {
	fsys := fstest.MapFS{
		"a.toml": &fstest.MapFile{Data: []byte(`
[states.Init]
[[states.Init.transitions]]
target = "EndJob"
[states.Init.transitions.trigger]
type = "Immediate"

[states.EndJob]
`)},
		"nested/b.toml": &fstest.MapFile{Data: []byte(`
[states.Extra]
[[states.Extra.transitions]]
target = "EndJob"
[states.Extra.transitions.trigger]
type = "Immediate"
`)},
	}
	b := NewBuilder(nil)
	if err := b.LoadFS(fsys); err != nil {
		t.Fatalf("load fs: %v", err)
	}
	spec, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, ok := spec.State("Extra"); !ok {
		t.Fatal("expected Extra state merged from nested/b.toml")
	}
}

func TestBuilderLoadFSThenMergeTOMLOverridesBuiltin(t *testing.T) {
	fsys := fstest.MapFS{
		"base.toml": &fstest.MapFile{Data: []byte(`
[states.Init]
[[states.Init.transitions]]
target = "EndJob"
[states.Init.transitions.trigger]
type = "Immediate"

[states.EndJob]
`)},
	}
	b := NewBuilder(nil)
	if err := b.LoadFS(fsys); err != nil {
		t.Fatalf("load fs: %v", err)
	}
	override := []byte(`
[states.Init]
[[states.Init.transitions]]
target = "Custom"
[states.Init.transitions.trigger]
type = "Immediate"

[states.Custom]
[[states.Custom.transitions]]
target = "EndJob"
[states.Custom.transitions.trigger]
type = "Immediate"
`)
	if err := b.MergeTOML("angel.toml", override); err != nil {
		t.Fatalf("merge override: %v", err)
	}
	spec, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	init, _ := spec.State(InitState)
	if len(init.Transitions) != 1 || init.Transitions[0].Target != "Custom" {
		t.Fatalf("expected config file's Init to win over builtin, got %+v", init)
	}
}

func TestLoadBuiltinFSIsWellFormed(t *testing.T) {
	b := NewBuilder(nil)
	if err := b.LoadFS(BuiltinFS); err != nil {
		t.Fatalf("load embedded builtin fs: %v", err)
	}
	if _, ok := b.states[InitState]; !ok {
		t.Fatal("expected embedded builtin fragments to declare Init")
	}
	if _, ok := b.states[EndJobState]; !ok {
		t.Fatal("expected embedded builtin fragments to declare EndJob")
	}
}
