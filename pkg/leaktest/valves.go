package leaktest

import (
	"fmt"
	"time"

	"github.com/itohio/gomct/pkg/bench"
)

// Valve identifies one of a chamber's two solenoid valves.
type Valve int

const (
	ValveInlet Valve = iota
	ValveOutlet
)

// ValveActuator drives the chamber valves. Implementations must be cheap to
// call at the control loop rate (>= 10 Hz) without queuing lag.
type ValveActuator interface {
	SetChamberValves(chamber int, inlet, outlet bool) error
	StopChamber(chamber int) error
	FillChamber(chamber int) error
	EmptyChamber(chamber int) error
	PulseValve(chamber int, which Valve, duration time.Duration) error
}

// BenchValves implements ValveActuator on top of the bench MCU.
type BenchValves struct {
	dev bench.Device
}

var _ ValveActuator = (*BenchValves)(nil)

// NewBenchValves creates a valve actuator over the given device.
func NewBenchValves(dev bench.Device) *BenchValves {
	return &BenchValves{dev: dev}
}

// SetChamberValves sets both valves of one chamber.
func (v *BenchValves) SetChamberValves(chamber int, inlet, outlet bool) error {
	return v.dev.SetValves(chamber, inlet, outlet)
}

// StopChamber closes both valves.
func (v *BenchValves) StopChamber(chamber int) error {
	return v.dev.SetValves(chamber, false, false)
}

// FillChamber opens the inlet and closes the outlet.
func (v *BenchValves) FillChamber(chamber int) error {
	return v.dev.SetValves(chamber, true, false)
}

// EmptyChamber closes the inlet and opens the outlet.
func (v *BenchValves) EmptyChamber(chamber int) error {
	return v.dev.SetValves(chamber, false, true)
}

// PulseValve opens one valve for the given duration, then closes both. The
// sleep runs on the caller's goroutine: the phase driver owns pulse timing.
func (v *BenchValves) PulseValve(chamber int, which Valve, duration time.Duration) error {
	var err error
	switch which {
	case ValveInlet:
		err = v.dev.SetValves(chamber, true, false)
	case ValveOutlet:
		err = v.dev.SetValves(chamber, false, true)
	default:
		return fmt.Errorf("invalid valve %d", which)
	}
	if err != nil {
		return err
	}

	time.Sleep(duration)

	return v.dev.SetValves(chamber, false, false)
}
