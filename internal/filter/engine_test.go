package filter

import (
	"context"
	"testing"

	"github.com/coachrun/rvc-core/internal/codec"
)

func dimmerFrame() codec.DecodedFrame {
	return codec.DecodedFrame{
		ArbitrationID: 0x19FEDB01,
		PGN:           0x1FEDB,
		Source:        0x17,
		Destination:   0xFF,
		Interface:     "can0",
		Payload:       []byte{0x01, 0xC8, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF},
		Fields: []codec.DecodedField{
			{Name: "brightness", Scaled: 80.0},
		},
	}
}

func TestEngineDefaultActionIsPassWithNoRules(t *testing.T) {
	e := NewEngine(16, nil, nil, nil, nil)
	res := e.Evaluate(context.Background(), dimmerFrame())
	if res.Blocked {
		t.Fatal("expected pass with no rules installed")
	}
}

func TestBlockRuleStopsEvaluation(t *testing.T) {
	e := NewEngine(16, nil, nil, nil, nil)
	e.InstallRule(Rule{
		ID:         "block_brake",
		Priority:   100,
		Conditions: []Condition{{Field: "pgn", Operator: OpEqual, Value: "130779"}},
		Actions:    []Action{ActionBlock},
	})
	e.InstallRule(Rule{
		ID:       "low_priority_log",
		Priority: 1,
		Actions:  []Action{ActionLog},
	})

	res := e.Evaluate(context.Background(), dimmerFrame())
	if !res.Blocked {
		t.Fatal("expected frame matching block_brake to be blocked")
	}
	if len(res.MatchedRules) != 1 || res.MatchedRules[0] != "block_brake" {
		t.Fatalf("expected only block_brake to match before short-circuit, got %v", res.MatchedRules)
	}
}

func TestPassOnlyRuleRemovalDoesNotChangeBlockOutcome(t *testing.T) {
	// Property 7: filter evaluation is order-independent with respect to
	// PASS-only rules.
	frame := dimmerFrame()

	e1 := NewEngine(16, nil, nil, nil, nil)
	e1.InstallRule(Rule{ID: "sys_pass_all", Priority: 50, Actions: []Action{ActionPass}})
	e1.InstallRule(Rule{ID: "block_brake", Priority: 10, Conditions: []Condition{
		{Field: "pgn", Operator: OpEqual, Value: "130779"},
	}, Actions: []Action{ActionBlock}})
	res1 := e1.Evaluate(context.Background(), frame)

	e2 := NewEngine(16, nil, nil, nil, nil)
	e2.InstallRule(Rule{ID: "block_brake", Priority: 10, Conditions: []Condition{
		{Field: "pgn", Operator: OpEqual, Value: "130779"},
	}, Actions: []Action{ActionBlock}})
	res2 := e2.Evaluate(context.Background(), frame)

	if res1.Blocked != res2.Blocked {
		t.Fatalf("PASS-only rule changed block outcome: with=%v without=%v", res1.Blocked, res2.Blocked)
	}
}

func TestCaptureActionBuffersFrame(t *testing.T) {
	e := NewEngine(4, nil, nil, nil, nil)
	e.InstallRule(Rule{ID: "capture_all", Priority: 1, Actions: []Action{ActionCapture}})
	e.Evaluate(context.Background(), dimmerFrame())
	e.Evaluate(context.Background(), dimmerFrame())

	captured := e.Captured()
	if len(captured) != 2 {
		t.Fatalf("expected 2 captured frames, got %d", len(captured))
	}
}

func TestAlertActionInvokesCallback(t *testing.T) {
	var fired bool
	alert := func(rule Rule, frame codec.DecodedFrame) { fired = true }
	e := NewEngine(4, alert, nil, nil, nil)
	e.InstallRule(Rule{ID: "alert_rule", Priority: 1, Actions: []Action{ActionAlert}})
	e.Evaluate(context.Background(), dimmerFrame())
	if !fired {
		t.Fatal("expected ALERT action to invoke the alert callback")
	}
}

func TestForwardActionInvokesForwardFunc(t *testing.T) {
	var gotIface string
	forward := func(iface string, frame codec.DecodedFrame) error {
		gotIface = iface
		return nil
	}
	e := NewEngine(4, nil, forward, nil, nil)
	e.InstallRule(Rule{ID: "forward_rule", Priority: 1, Actions: []Action{ActionForward}, ForwardTo: "can1"})
	e.Evaluate(context.Background(), dimmerFrame())
	if gotIface != "can1" {
		t.Fatalf("expected forward to can1, got %q", gotIface)
	}
}

func TestModifyActionTransformsFrame(t *testing.T) {
	e := NewEngine(4, nil, nil, nil, nil)
	e.InstallRule(Rule{
		ID:       "modify_rule",
		Priority: 1,
		Actions:  []Action{ActionModify},
		Modify: func(f codec.DecodedFrame) codec.DecodedFrame {
			f.Destination = 0x01
			return f
		},
	})
	res := e.Evaluate(context.Background(), dimmerFrame())
	if res.Frame.Destination != 0x01 {
		t.Fatalf("expected modify action to set destination, got %#x", res.Frame.Destination)
	}
}

func TestSystemRuleCannotBeRemoved(t *testing.T) {
	e := NewEngine(4, nil, nil, nil, nil)
	e.InstallRule(Rule{ID: ReservedRulePrefix + "core", Priority: 1, Actions: []Action{ActionPass}})
	if err := e.RemoveRule(ReservedRulePrefix + "core"); err == nil {
		t.Fatal("expected system rule removal to fail")
	}
	if len(e.Rules()) != 1 {
		t.Fatal("system rule should remain installed")
	}
}

func TestNonSystemRuleCanBeRemoved(t *testing.T) {
	e := NewEngine(4, nil, nil, nil, nil)
	e.InstallRule(Rule{ID: "user_rule", Priority: 1, Actions: []Action{ActionPass}})
	if err := e.RemoveRule("user_rule"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if len(e.Rules()) != 0 {
		t.Fatal("expected rule to be removed")
	}
}

func TestRemoveUnknownRuleReturnsNotFound(t *testing.T) {
	e := NewEngine(4, nil, nil, nil, nil)
	if err := e.RemoveRule("nope"); err == nil {
		t.Fatal("expected NotFound for unknown rule id")
	}
}

func TestRulesSortedByDescendingPriority(t *testing.T) {
	e := NewEngine(4, nil, nil, nil, nil)
	e.InstallRule(Rule{ID: "low", Priority: 1, Actions: []Action{ActionPass}})
	e.InstallRule(Rule{ID: "high", Priority: 100, Actions: []Action{ActionPass}})
	e.InstallRule(Rule{ID: "mid", Priority: 50, Actions: []Action{ActionPass}})

	rules := e.Rules()
	order := []string{rules[0].ID, rules[1].ID, rules[2].ID}
	want := []string{"high", "mid", "low"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("rule order = %v, want %v", order, want)
		}
	}
}

func TestEmergencyStopBlocksAllFrames(t *testing.T) {
	e := NewEngine(4, nil, nil, nil, nil)
	if _, err := e.EmergencyStop(context.Background(), "watchdog lapse"); err != nil {
		t.Fatalf("emergency stop: %v", err)
	}
	res := e.Evaluate(context.Background(), dimmerFrame())
	if !res.Blocked {
		t.Fatal("expected all frames blocked during emergency stop")
	}
	e.ClearEmergencyStop()
	res = e.Evaluate(context.Background(), dimmerFrame())
	if res.Blocked {
		t.Fatal("expected frames to pass again after clearing emergency stop")
	}
}

func TestOrLogicMatchesOnAnyCondition(t *testing.T) {
	e := NewEngine(4, nil, nil, nil, nil)
	e.InstallRule(Rule{
		ID:       "or_rule",
		Priority: 1,
		Logic:    LogicOR,
		Conditions: []Condition{
			{Field: "pgn", Operator: OpEqual, Value: "1"},
			{Field: "source", Operator: OpEqual, Value: "23"},
		},
		Actions: []Action{ActionBlock},
	})
	res := e.Evaluate(context.Background(), dimmerFrame())
	if !res.Blocked {
		t.Fatal("expected OR-combined condition to match on the second clause")
	}
}

func TestDottedFieldConditionMatchesDecodedValue(t *testing.T) {
	e := NewEngine(4, nil, nil, nil, nil)
	e.InstallRule(Rule{
		ID:         "brightness_gate",
		Priority:   1,
		Conditions: []Condition{{Field: "fields.brightness", Operator: OpGreaterEqual, Value: "50"}},
		Actions:    []Action{ActionBlock},
	})
	res := e.Evaluate(context.Background(), dimmerFrame())
	if !res.Blocked {
		t.Fatal("expected dotted field condition to match decoded brightness")
	}
}

func TestCaptureBufferOverwritesOldestOnOverflow(t *testing.T) {
	cb := newCaptureBuffer(2)
	f1 := dimmerFrame()
	f1.ArbitrationID = 1
	f2 := dimmerFrame()
	f2.ArbitrationID = 2
	f3 := dimmerFrame()
	f3.ArbitrationID = 3

	cb.push(f1)
	cb.push(f2)
	cb.push(f3)

	snap := cb.snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected ring buffer capped at 2, got %d", len(snap))
	}
	if snap[0].ArbitrationID != 2 || snap[1].ArbitrationID != 3 {
		t.Fatalf("expected oldest frame evicted, got %+v", snap)
	}
}
