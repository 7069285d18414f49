package tracker

import (
	"context"
	"sync"
	"testing"
	"time"

	"cthulhu/internal/jobmodel"
)

type fakeLEDs struct {
	mu     sync.Mutex
	writes []struct {
		Key   PortKey
		Color Color
	}
}

func (f *fakeLEDs) WriteLED(_ context.Context, key PortKey, c Color) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, struct {
		Key   PortKey
		Color Color
	}{key, c})
	return nil
}

type fakeCommands struct {
	mu    sync.Mutex
	sent  []jobmodel.JobCommand
	label []string
}

func (f *fakeCommands) PublishCommand(_ context.Context, label string, c jobmodel.JobCommand) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, c)
	f.label = append(f.label, label)
	return nil
}

func newTestTracker(t *testing.T) (*Tracker, *fakeLEDs, *fakeCommands) {
	t.Helper()
	leds := &fakeLEDs{}
	cmds := &fakeCommands{}
	tr, err := New(map[string]PortKey{"label0": {BoardSerial: "b0", PortIndex: 0}}, leds, cmds, 300*time.Second)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return tr, leds, cmds
}

func TestS5TrackerResetOnPlug(t *testing.T) {
	tr, _, cmds := newTestTracker(t)
	ctx := context.Background()

	if err := tr.ModulePresence(ctx, "b0", 0, true); err != nil {
		t.Fatalf("module: %v", err)
	}
	if err := tr.SwitchPresence(ctx, "b0", 0, false); err != nil {
		t.Fatalf("switch false: %v", err)
	}
	if err := tr.SwitchPresence(ctx, "b0", 0, true); err != nil {
		t.Fatalf("switch true: %v", err)
	}

	cmds.mu.Lock()
	defer cmds.mu.Unlock()
	if len(cmds.sent) != 1 {
		t.Fatalf("got %d ResetJob publishes, want 1: %+v", len(cmds.sent), cmds.sent)
	}
	if cmds.sent[0] != jobmodel.ResetJob || cmds.label[0] != "label0" {
		t.Fatalf("got %+v for %s", cmds.sent[0], cmds.label[0])
	}
}

func TestS6TrackerFirstObservationDoesNotTrigger(t *testing.T) {
	tr, leds, cmds := newTestTracker(t)
	ctx := context.Background()

	if err := tr.ModulePresence(ctx, "b0", 0, true); err != nil {
		t.Fatalf("module: %v", err)
	}
	if err := tr.SwitchPresence(ctx, "b0", 0, true); err != nil {
		t.Fatalf("switch: %v", err)
	}

	cmds.mu.Lock()
	if len(cmds.sent) != 0 {
		t.Fatalf("expected zero ResetJob publishes on first observation, got %d", len(cmds.sent))
	}
	cmds.mu.Unlock()

	leds.mu.Lock()
	defer leds.mu.Unlock()
	if len(leds.writes) == 0 {
		t.Fatal("expected at least one LED write")
	}
	last := leds.writes[len(leds.writes)-1]
	want := LEDColorFor(true, true, jobmodel.StatusIdle)
	if last.Color != want {
		t.Fatalf("got color %+v, want %+v", last.Color, want)
	}
}

func TestModulePresenceNeverTriggersReset(t *testing.T) {
	tr, _, cmds := newTestTracker(t)
	ctx := context.Background()

	if err := tr.SwitchPresence(ctx, "b0", 0, true); err != nil {
		t.Fatalf("switch: %v", err)
	}
	if err := tr.ModulePresence(ctx, "b0", 0, false); err != nil {
		t.Fatalf("module false: %v", err)
	}
	if err := tr.ModulePresence(ctx, "b0", 0, true); err != nil {
		t.Fatalf("module true: %v", err)
	}

	cmds.mu.Lock()
	defer cmds.mu.Unlock()
	if len(cmds.sent) != 0 {
		t.Fatalf("module-only edges must never trigger ResetJob, got %d", len(cmds.sent))
	}
}

func TestLEDColorTableDeterminism(t *testing.T) {
	cases := []struct {
		status jobmodel.JobStatus
		want   Color
	}{
		{jobmodel.StatusIdle, Color{127, 127, 127}},
		{jobmodel.StatusFinishSuccess, Color{0, 255, 0}},
		{jobmodel.StatusFinishWarning, Color{0xFF, 0x99, 0x33}},
		{jobmodel.StatusFinishError, Color{255, 0, 0}},
		{jobmodel.StatusBusy, Color{0, 0, 0xFF}},
		{jobmodel.StatusRunningLong, Color{0xBB, 0x33, 0xFF}},
		{jobmodel.StatusFatal, Color{0xFF, 0x33, 0xDD}},
	}
	for _, c := range cases {
		got := LEDColorFor(true, true, c.status)
		if got != c.want {
			t.Fatalf("status %s: got %+v, want %+v", c.status, got, c.want)
		}
	}
}

func TestLEDColorNotReadyWhenAbsent(t *testing.T) {
	notReadyColor := Color{0xC7, 0x15, 0x85}
	if got := LEDColorFor(false, true, jobmodel.StatusFinishSuccess); got != notReadyColor {
		t.Fatalf("got %+v", got)
	}
	if got := LEDColorFor(true, false, jobmodel.StatusFinishSuccess); got != notReadyColor {
		t.Fatalf("got %+v", got)
	}
}

func TestBijectionViolationRejected(t *testing.T) {
	_, err := New(map[string]PortKey{
		"a": {BoardSerial: "b0", PortIndex: 0},
		"b": {BoardSerial: "b0", PortIndex: 0},
	}, nil, nil, 0)
	if err == nil {
		t.Fatal("expected error for non-bijective port mapping")
	}
}

func TestMQTTUpdateMergesJobTelemetry(t *testing.T) {
	tr, leds, _ := newTestTracker(t)
	ctx := context.Background()
	now := time.Now()

	if err := tr.MQTTUpdate(ctx, "label0", jobmodel.JobStart(now)); err != nil {
		t.Fatalf("update: %v", err)
	}
	snap, ok := tr.Snapshot("label0")
	if !ok {
		t.Fatal("expected snapshot for label0")
	}
	if snap.Status != jobmodel.StatusBusy {
		t.Fatalf("got status %s, want Busy", snap.Status)
	}
	leds.mu.Lock()
	defer leds.mu.Unlock()
	if len(leds.writes) == 0 {
		t.Fatal("expected an LED write after telemetry merge")
	}
}
