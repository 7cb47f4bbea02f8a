package session

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestStateLog_RingKeepsNewest(t *testing.T) {
	var l stateLog
	at := time.Unix(0, 0)
	states := []State{StateRegistering, StateWaitingPartner, StatePaired, StateTerminated}
	for i := 0; i < transitionBufferSize+7; i++ {
		l.set(states[i%len(states)], at.Add(time.Duration(i)*time.Second), "step")
	}
	h := l.history()
	if len(h) != transitionBufferSize {
		t.Fatalf("history len = %d", len(h))
	}
	for i := 1; i < len(h); i++ {
		if !h[i].Timestamp.After(h[i-1].Timestamp) {
			t.Fatalf("history out of order at %d", i)
		}
	}
	if h[len(h)-1].Timestamp != at.Add(time.Duration(transitionBufferSize+6)*time.Second) {
		t.Fatalf("newest entry = %v", h[len(h)-1].Timestamp)
	}
}

func TestStateLog_SameStateIsNoop(t *testing.T) {
	var l stateLog
	if l.set(StateConnecting, time.Now(), "again") {
		t.Fatal("setting the current state recorded a transition")
	}
	if l.history() != nil {
		t.Fatal("history should be empty")
	}
}

func TestState_JSON(t *testing.T) {
	data, err := json.Marshal(StateTransition{From: StateWaitingPartner, To: StatePaired})
	if err != nil {
		t.Fatal(err)
	}
	if want := `"from":"waiting_partner","to":"paired"`; !strings.Contains(string(data), want) {
		t.Fatalf("json = %s", data)
	}
}
