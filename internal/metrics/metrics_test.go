package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandlerExposesRecordedTransition(t *testing.T) {
	Reset()
	ObserveStateTransition("sw1", "Init", "AwaitPass", 10*time.Millisecond)
	IncLoopDetection("sw1", "Init")
	IncJobOutcome("sw1", "FinishSuccess")
	IncBoardEvent("b0", "presence")
	IncLEDWrite("b0")
	IncResetOnPlug("sw1")
	IncBrokerPublish("update", "ok")

	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	Handler().ServeHTTP(rr, req)

	body := rr.Body.String()
	for _, want := range []string{
		`cthulhu_angel_state_transitions_total{from="Init",label="sw1",to="AwaitPass"} 1`,
		`cthulhu_angel_loop_detections_total{label="sw1",state="Init"} 1`,
		`cthulhu_angel_job_outcomes_total{label="sw1",status="FinishSuccess"} 1`,
		`cthulhu_octhulhu_board_events_total{board="b0",kind="presence"} 1`,
		`cthulhu_heaven_led_writes_total{board="b0"} 1`,
		`cthulhu_heaven_reset_on_plug_total{label="sw1"} 1`,
		`cthulhu_broker_publishes_total{outcome="ok",topic_kind="update"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected metrics output to contain %q, got:\n%s", want, body)
		}
	}
}

func TestSanitizeLabelReplacesInvalidRunes(t *testing.T) {
	if got := sanitizeLabel("sw 1/ a", "unknown"); got != "sw_1__a" {
		t.Fatalf("got %q", got)
	}
	if got := sanitizeLabel("", "unknown"); got != "unknown" {
		t.Fatalf("got %q, want fallback", got)
	}
}
