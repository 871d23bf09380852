package taskz

// EventKind identifies the kind of framework event carried by a Task
// whose Kind is KindEvent.
type EventKind uint16

const (
	// EventInvalid marks an Event that was never assigned a kind; seeing
	// one at dispatch time is a programmer bug.
	EventInvalid EventKind = iota
	// EventPowerOn is broadcast to every module when the framework powers
	// up.
	EventPowerOn
	// EventPowerOff is broadcast to every module when the framework
	// powers down.
	EventPowerOff
	// EventPowerStatusChanged carries, in ModuleName, the name of the
	// module whose power status just changed. Posted by
	// BaseModule.setPowerStatus on a real transition and consumed by the
	// registry's power aggregator; application code does not post it.
	EventPowerStatusChanged
	// EventDerived is the base kind for application-defined event
	// subtypes; callers distinguish them via Payload.
	EventDerived
)

func (k EventKind) String() string {
	switch k {
	case EventPowerOn:
		return "power_on"
	case EventPowerOff:
		return "power_off"
	case EventPowerStatusChanged:
		return "power_status_changed"
	case EventDerived:
		return "derived"
	default:
		return "invalid"
	}
}

// NewEvent constructs a KindEvent Task of the given kind, posted from
// source to target. An empty target broadcasts to every registered
// module except source.
func NewEvent(source, target string, kind EventKind) *Task {
	return &Task{
		Source:    source,
		Target:    target,
		Kind:      KindEvent,
		EventKind: kind,
		Pos:       callerPosition(2),
	}
}

// NewPowerStatusChangedEvent constructs the framework's internal
// power_status_changed notification naming the module whose status
// changed. Posted by BaseModule.setPowerStatus on a real transition, with
// an empty target so the registry, which owns aggregation, sees it via
// broadcast.
func NewPowerStatusChangedEvent(source, moduleName string) *Task {
	ev := NewEvent(source, "", EventPowerStatusChanged)
	ev.ModuleName = moduleName
	return ev
}
