package taskz

import (
	"context"
	"testing"
	"time"

	"github.com/zoobzio/clockz"
)

func newTestTimerWheel() (*TimerWheel, *ThreadManager, *ModuleRegistry, *clockz.FakeClock) {
	registry := NewModuleRegistry()
	tm := NewThreadManager(registry)
	registry.SetThreadManager(tm)

	clock := clockz.NewFakeClock()
	wheel := NewTimerWheel(tm).WithClock(clock)
	return wheel, tm, registry, clock
}

func TestTimerWheelRegisterOnceFires(t *testing.T) {
	wheel, tm, registry, clock := newTestTimerWheel()
	ctx := context.Background()

	if err := registry.Add(ctx, wheel); err != nil {
		t.Fatalf("Add wheel: %v", err)
	}
	runner := NewTaskRunnerModule()
	if err := registry.Add(ctx, runner); err != nil {
		t.Fatalf("Add runner: %v", err)
	}
	tm.Run(ctx, false)

	fired := make(chan struct{}, 1)
	if _, err := wheel.RegisterOnce(ctx, "once", 100*time.Millisecond, func(context.Context) bool {
		fired <- struct{}{}
		return true
	}); err != nil {
		t.Fatalf("RegisterOnce: %v", err)
	}

	clock.Advance(150 * time.Millisecond)
	clock.BlockUntilReady()

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("once timer never fired")
	}
}

func TestTimerWheelUnregisterPreventsFiring(t *testing.T) {
	wheel, tm, registry, clock := newTestTimerWheel()
	ctx := context.Background()

	if err := registry.Add(ctx, wheel); err != nil {
		t.Fatalf("Add wheel: %v", err)
	}
	runner := NewTaskRunnerModule()
	if err := registry.Add(ctx, runner); err != nil {
		t.Fatalf("Add runner: %v", err)
	}
	tm.Run(ctx, false)

	fired := make(chan struct{}, 1)
	id, err := wheel.RegisterOnce(ctx, "cancel-me", 100*time.Millisecond, func(context.Context) bool {
		fired <- struct{}{}
		return true
	})
	if err != nil {
		t.Fatalf("RegisterOnce: %v", err)
	}

	if err := wheel.Unregister(ctx, id); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if wheel.timerCount() != 0 {
		t.Fatalf("expected no timers left after Unregister, got %d", wheel.timerCount())
	}

	clock.Advance(200 * time.Millisecond)
	clock.BlockUntilReady()

	select {
	case <-fired:
		t.Fatal("an unregistered timer must not fire")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTimerWheelUnregisterUnknownID(t *testing.T) {
	wheel, _, _, _ := newTestTimerWheel()
	ctx := context.Background()

	if err := wheel.Unregister(ctx, 999); err == nil {
		t.Fatal("expected an error unregistering an unknown timer id")
	}
}

func TestTimerWheelReset(t *testing.T) {
	wheel, _, _, _ := newTestTimerWheel()
	ctx := context.Background()

	id, err := wheel.RegisterPeriodic(ctx, "resettable", time.Second, func(context.Context) bool { return false })
	if err != nil {
		t.Fatalf("RegisterPeriodic: %v", err)
	}
	if err := wheel.Reset(id, 2*time.Second); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if err := wheel.Reset(999, time.Second); err == nil {
		t.Fatal("expected Reset on an unknown id to fail")
	}
}

func TestTimerWheelRegisterNilCallback(t *testing.T) {
	wheel, _, _, _ := newTestTimerWheel()
	ctx := context.Background()

	if _, err := wheel.RegisterPeriodic(ctx, "nil-cb", time.Second, nil); err == nil {
		t.Fatal("expected a nil callback to be rejected")
	}
}

func TestTimerWheelHandleEventPowerStatus(t *testing.T) {
	wheel, _, _, _ := newTestTimerWheel()
	ctx := context.Background()

	wheel.HandleEvent(ctx, NewEvent("test", wheel.Name(), EventPowerOff))
	if wheel.PowerStatus() != PowerOff {
		t.Errorf("expected PowerOff, got %v", wheel.PowerStatus())
	}
	wheel.HandleEvent(ctx, NewEvent("test", wheel.Name(), EventPowerOn))
	if wheel.PowerStatus() != PowerOn {
		t.Errorf("expected PowerOn, got %v", wheel.PowerStatus())
	}
}

func TestTimerWheelRegisterPeriodicRepeats(t *testing.T) {
	wheel, tm, registry, clock := newTestTimerWheel()
	ctx := context.Background()

	if err := registry.Add(ctx, wheel); err != nil {
		t.Fatalf("Add wheel: %v", err)
	}
	runner := NewTaskRunnerModule()
	if err := registry.Add(ctx, runner); err != nil {
		t.Fatalf("Add runner: %v", err)
	}
	tm.Run(ctx, false)

	fired := make(chan struct{}, 8)
	if _, err := wheel.RegisterPeriodic(ctx, "tick", 50*time.Millisecond, func(context.Context) bool {
		fired <- struct{}{}
		return false
	}); err != nil {
		t.Fatalf("RegisterPeriodic: %v", err)
	}

	for i := 0; i < 3; i++ {
		clock.Advance(60 * time.Millisecond)
		clock.BlockUntilReady()
		select {
		case <-fired:
		case <-time.After(time.Second):
			t.Fatalf("periodic timer did not fire on iteration %d", i)
		}
	}
}
