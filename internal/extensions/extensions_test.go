package extensions

import (
	"errors"
	"testing"
)

func TestCancellableTypes(t *testing.T) {
	tests := []struct {
		typ  Type
		want bool
	}{
		{SessionBeforeSwitch, true},
		{SessionBeforeBranch, true},
		{SessionBeforeTree, true},
		{SessionBeforeCompact, true},
		{SessionSwitch, false},
		{SessionBranch, false},
		{SessionTree, false},
		{SessionCompact, false},
		{AgentStart, false},
		{AgentEnd, false},
		{TurnStart, false},
		{TurnEnd, false},
		{SessionStart, false},
		{SessionShutdown, false},
		{TTSRTriggered, false},
	}
	for _, tt := range tests {
		if got := tt.typ.Cancellable(); got != tt.want {
			t.Errorf("Cancellable(%s) = %v, want %v", tt.typ, got, tt.want)
		}
	}
}

func TestAllTypesCoversEveryConstant(t *testing.T) {
	types := AllTypes()
	if len(types) != 15 {
		t.Fatalf("expected 15 event types, got %d", len(types))
	}
	seen := map[Type]bool{}
	for _, typ := range types {
		if seen[typ] {
			t.Fatalf("duplicate type %s", typ)
		}
		seen[typ] = true
	}
	for _, typ := range []Type{AgentStart, SessionBeforeCompact, TTSRTriggered, SessionShutdown} {
		if !seen[typ] {
			t.Fatalf("AllTypes is missing %s", typ)
		}
	}
}

func TestEventBuilders(t *testing.T) {
	boom := errors.New("boom")
	ev := NewEvent(TurnEnd).
		WithSession("sess-1").
		WithData("turn", 3).
		WithError(boom)

	if ev.Type != TurnEnd {
		t.Fatalf("type = %s, want %s", ev.Type, TurnEnd)
	}
	if ev.SessionID != "sess-1" {
		t.Fatalf("session = %q", ev.SessionID)
	}
	if ev.Time.IsZero() {
		t.Fatal("timestamp not set")
	}
	if got := ev.Data["turn"]; got != 3 {
		t.Fatalf("data[turn] = %v", got)
	}
	if !errors.Is(ev.Err, boom) {
		t.Fatalf("err = %v", ev.Err)
	}
}

func TestCancelOnCancellableEvent(t *testing.T) {
	ev := NewEvent(SessionBeforeCompact)
	if ev.Cancelled() {
		t.Fatal("fresh event already cancelled")
	}
	ev.Cancel("user has a pending edit")
	if !ev.Cancelled() {
		t.Fatal("Cancel did not take on a cancellable event")
	}
	if got := ev.CancelReason(); got != "user has a pending edit" {
		t.Fatalf("reason = %q", got)
	}
}

func TestCancelIgnoredOnNonCancellable(t *testing.T) {
	ev := NewEvent(AgentEnd)
	ev.Cancel("nope")
	if ev.Cancelled() {
		t.Fatal("Cancel must be a no-op on non-cancellable events")
	}
	if ev.CancelReason() != "" {
		t.Fatalf("reason = %q, want empty", ev.CancelReason())
	}
}
