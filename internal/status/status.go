// Package status models the flashing job's observable state: a
// per-phase running state and progress, and which phase is current.
// It replaces the property-changed-binding idiom with an explicit
// subscription list and an injectable PostToUI capability, so the
// engine never depends on a GUI toolkit.
package status

import "sync"

// Phase identifies one step of the flashing sequence.
type Phase int

const (
	DetectBoard Phase = iota
	BootToISPMode
	Greeting
	InstallFlashBootloader
	FlashGreeting
	ChangeBaudRate
	InitializeFlash
	FlashFirmware
	Reboot
)

var phaseNames = map[Phase]string{
	DetectBoard:            "DetectBoard",
	BootToISPMode:          "BootToISPMode",
	Greeting:               "Greeting",
	InstallFlashBootloader: "InstallFlashBootloader",
	FlashGreeting:          "FlashGreeting",
	ChangeBaudRate:         "ChangeBaudRate",
	InitializeFlash:        "InitializeFlash",
	FlashFirmware:          "FlashFirmware",
	Reboot:                 "Reboot",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return "Unknown"
}

// AllPhases is the fixed engine phase order.
var AllPhases = []Phase{
	DetectBoard, BootToISPMode, Greeting, InstallFlashBootloader,
	FlashGreeting, ChangeBaudRate, InitializeFlash, FlashFirmware, Reboot,
}

// RunningState is the lifecycle state of a single phase.
type RunningState int

const (
	NotStarted RunningState = iota
	Running
	Finished
	Error
)

func (s RunningState) String() string {
	switch s {
	case NotStarted:
		return "NotStarted"
	case Running:
		return "Running"
	case Finished:
		return "Finished"
	case Error:
		return "Error"
	default:
		return "Unknown"
	}
}

// JobStatus is a phase's running state and fractional progress.
// Invariants: Progress == 1.0 whenever RunningState == Finished;
// Progress == 0.0 on the transition into Running.
type JobStatus struct {
	RunningState RunningState
	Progress     float64
}

// Subscriber is notified whenever the Map changes. current is the
// phase whose status changed and changed is that phase's new status.
type Subscriber func(current Phase, changed JobStatus)

// Map is the observable JobPhase -> JobStatus mapping. It is mutated
// only by the engine; external observers subscribe to be notified of
// changes but cannot write through the Map.
type Map struct {
	mu          sync.RWMutex
	statuses    map[Phase]JobStatus
	current     Phase
	subscribers []Subscriber
	postToUI    func(func())
}

// New creates a Map with every phase NotStarted at zero progress.
// postToUI, if non-nil, is used to dispatch subscriber notifications
// (e.g. onto a UI thread); when nil, notifications run inline.
func New(postToUI func(func())) *Map {
	m := &Map{
		statuses: make(map[Phase]JobStatus, len(AllPhases)),
		current:  DetectBoard,
		postToUI: postToUI,
	}
	for _, p := range AllPhases {
		m.statuses[p] = JobStatus{RunningState: NotStarted}
	}
	return m
}

// Subscribe registers a callback invoked on every status change.
func (m *Map) Subscribe(s Subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, s)
}

// Get returns a snapshot of a phase's status.
func (m *Map) Get(p Phase) JobStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.statuses[p]
}

// Current returns the currently active phase.
func (m *Map) Current() Phase {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Snapshot returns a copy of the full phase -> status mapping.
func (m *Map) Snapshot() map[Phase]JobStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[Phase]JobStatus, len(m.statuses))
	for k, v := range m.statuses {
		out[k] = v
	}
	return out
}

// Start marks p as the current phase and Running at zero progress.
// CurrentJob is always observed to change before the Running status
// for that phase is observed.
func (m *Map) Start(p Phase) {
	m.mu.Lock()
	m.current = p
	m.statuses[p] = JobStatus{RunningState: Running, Progress: 0}
	m.mu.Unlock()
	m.notify(p, JobStatus{RunningState: Running, Progress: 0})
}

// Progress updates p's fractional progress without changing its
// running state.
func (m *Map) Progress(p Phase, fraction float64) {
	m.mu.Lock()
	js := m.statuses[p]
	js.Progress = fraction
	m.statuses[p] = js
	m.mu.Unlock()
	m.notify(p, js)
}

// Finish marks p Finished at progress 1.0.
func (m *Map) Finish(p Phase) {
	js := JobStatus{RunningState: Finished, Progress: 1.0}
	m.mu.Lock()
	m.statuses[p] = js
	m.mu.Unlock()
	m.notify(p, js)
}

// Fail marks p Error, leaving Progress at its last reported value.
func (m *Map) Fail(p Phase) {
	m.mu.Lock()
	js := m.statuses[p]
	js.RunningState = Error
	m.statuses[p] = js
	m.mu.Unlock()
	m.notify(p, js)
}

func (m *Map) notify(p Phase, js JobStatus) {
	m.mu.RLock()
	subs := make([]Subscriber, len(m.subscribers))
	copy(subs, m.subscribers)
	m.mu.RUnlock()

	dispatch := func() {
		for _, s := range subs {
			s(p, js)
		}
	}

	if m.postToUI != nil {
		m.postToUI(dispatch)
		return
	}
	dispatch()
}
