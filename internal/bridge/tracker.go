package bridge

import (
	"context"
	"strings"
	"sync"

	"github.com/looplab/fsm"
)

// Charging states derived from successive telemetry snapshots.
const (
	StateIdle     = "idle"
	StateCharging = "charging"
	StateComplete = "complete"
)

const (
	eventChargeStart  = "charge_start"
	eventChargeFinish = "charge_finish"
	eventChargeReset  = "charge_reset"
)

// Transition records a charging state change for one vehicle.
type Transition struct {
	VIN  string `json:"vin"`
	From string `json:"from"`
	To   string `json:"to"`
}

// Tracker turns the portal's charging_status attribute into edge-triggered
// state transitions. The portal only reports the current status, so the
// tracker keeps a small state machine per VIN and reports when a new reading
// moves it.
type Tracker struct {
	lock     sync.Mutex
	machines map[string]*fsm.FSM
}

func NewTracker() *Tracker {
	return &Tracker{machines: make(map[string]*fsm.FSM)}
}

// A finish from idle covers a bridge that starts up against an already
// charged car: it lands in complete without inventing a charging phase.
func newChargingFSM() *fsm.FSM {
	return fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: eventChargeStart, Src: []string{StateIdle, StateComplete}, Dst: StateCharging},
			{Name: eventChargeFinish, Src: []string{StateCharging, StateIdle}, Dst: StateComplete},
			{Name: eventChargeReset, Src: []string{StateCharging, StateComplete}, Dst: StateIdle},
		},
		fsm.Callbacks{},
	)
}

// Observe feeds one charging_status reading for vin. It returns the resulting
// transition and whether the reading changed the state at all.
func (t *Tracker) Observe(vin, chargingStatus string) (Transition, bool) {
	t.lock.Lock()
	defer t.lock.Unlock()

	machine, ok := t.machines[vin]
	if !ok {
		machine = newChargingFSM()
		t.machines[vin] = machine
	}

	from := machine.Current()
	event := eventForStatus(chargingStatus)
	if !machine.Can(event) {
		return Transition{}, false
	}
	if err := machine.Event(context.Background(), event); err != nil {
		return Transition{}, false
	}
	return Transition{VIN: vin, From: from, To: machine.Current()}, true
}

// State returns the current charging state for vin. Vehicles that have never
// been observed are idle.
func (t *Tracker) State(vin string) string {
	t.lock.Lock()
	defer t.lock.Unlock()
	if machine, ok := t.machines[vin]; ok {
		return machine.Current()
	}
	return StateIdle
}

// eventForStatus maps a portal charging_status value onto a machine event.
// The portal reports CHARGING while current flows, FINISHED_FULLY_CHARGED or
// FINISHED_NOT_FULL once it stops, and a grab bag of other values
// (NOT_CHARGING, NOCHARGING, WAITING_FOR_CHARGING, ERROR, INVALID) that all
// mean the car is not charging right now.
func eventForStatus(status string) string {
	status = strings.ToUpper(status)
	switch {
	case status == "CHARGING":
		return eventChargeStart
	case strings.HasPrefix(status, "FINISHED"):
		return eventChargeFinish
	default:
		return eventChargeReset
	}
}
