package taskz

import "testing"

func TestNewEvent(t *testing.T) {
	ev := NewEvent("source", "target", EventPowerOn)

	if ev.Kind != KindEvent {
		t.Fatalf("expected KindEvent, got %v", ev.Kind)
	}
	if ev.EventKind != EventPowerOn {
		t.Errorf("expected EventPowerOn, got %v", ev.EventKind)
	}
	if ev.Source != "source" || ev.Target != "target" {
		t.Errorf("unexpected source/target: %+v", ev)
	}
}

func TestNewEventBroadcastsOnEmptyTarget(t *testing.T) {
	ev := NewEvent("source", "", EventPowerOff)
	if ev.Target != "" {
		t.Errorf("expected empty target to be preserved for broadcast, got %q", ev.Target)
	}
}

func TestNewPowerStatusChangedEvent(t *testing.T) {
	ev := NewPowerStatusChangedEvent("registry", "my-module")

	if ev.EventKind != EventPowerStatusChanged {
		t.Errorf("expected EventPowerStatusChanged, got %v", ev.EventKind)
	}
	if ev.ModuleName != "my-module" {
		t.Errorf("expected ModuleName %q, got %q", "my-module", ev.ModuleName)
	}
	if ev.Target != "" {
		t.Error("power_status_changed is always broadcast, expected empty target")
	}
}

func TestEventKindString(t *testing.T) {
	cases := map[EventKind]string{
		EventPowerOn:            "power_on",
		EventPowerOff:           "power_off",
		EventPowerStatusChanged: "power_status_changed",
		EventDerived:            "derived",
		EventInvalid:            "invalid",
	}
	for k, want := range cases {
		if got := k.String(); got != want {
			t.Errorf("EventKind(%d).String() = %q, want %q", k, got, want)
		}
	}
}
