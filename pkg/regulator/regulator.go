// Package regulator implements the adaptive pulsed-valve pressure controller
// used during the regulation phase of a chamber test.
package regulator

import (
	"math"

	"github.com/itohio/gomct/pkg/config"
)

// Mode identifies how aggressively the regulator is driving the chamber.
type Mode int

const (
	ModeFast Mode = iota
	ModeMedium
	ModeFine
)

// String returns the display name of the mode.
func (m Mode) String() string {
	switch m {
	case ModeFast:
		return "FAST"
	case ModeMedium:
		return "MEDIUM"
	case ModeFine:
		return "FINE"
	}
	return "UNKNOWN"
}

// Action is the valve action selected by a decision.
type Action int

const (
	ActionIdle   Action = iota // within tolerance, keep valves closed
	ActionInlet                // pulse the inlet valve to raise pressure
	ActionOutlet               // pulse the outlet valve to lower pressure
)

// Decision is the outcome of one regulator tick.
type Decision struct {
	Action   Action
	Mode     Mode
	PulseOn  float64 // seconds the valve stays open
	PulseOff float64 // seconds to settle after the pulse
}

const (
	// sampleInterval is the control loop tick the rate calculation assumes.
	sampleInterval = 0.1
	// rateNorm normalizes the rate of change into a 0..1 scaling factor.
	rateNorm = 10.0
	// minPulse is the floor for adjusted pulse durations in seconds.
	minPulse = 0.05
	// ventMultiplier lengthens outlet pulses: venting a larger volume moves
	// pressure less per unit of valve-open time than filling does.
	ventMultiplier = 1.5
	// historySize bounds the rolling rate history.
	historySize = 10
)

// Regulator decides valve pulse timing for one chamber. It keeps a rolling
// history of recent pressure rates so that a chamber already moving quickly
// toward its target gets shorter, gentler pulses.
type Regulator struct {
	cfg       config.RegulatorConfig
	setpoint  float64
	tolerance float64

	rates        []float64
	lastPressure float64
	hasLast      bool
}

// New creates a regulator for the given setpoint and tolerance band.
func New(cfg config.RegulatorConfig, setpoint, tolerance float64) *Regulator {
	return &Regulator{
		cfg:       cfg,
		setpoint:  setpoint,
		tolerance: tolerance,
		rates:     make([]float64, 0, historySize),
	}
}

// Setpoint returns the current target pressure.
func (r *Regulator) Setpoint() float64 {
	return r.setpoint
}

// Reset clears the rate history, for reuse across test runs.
func (r *Regulator) Reset() {
	r.rates = r.rates[:0]
	r.lastPressure = 0
	r.hasLast = false
}

// Decide evaluates the current pressure and returns the valve action and
// pulse timing for this tick.
func (r *Regulator) Decide(current float64) Decision {
	errVal := r.setpoint - current
	absErr := math.Abs(errVal)

	// Track rate of change across calls.
	if r.hasLast {
		rate := (current - r.lastPressure) / sampleInterval
		r.rates = append(r.rates, rate)
		if len(r.rates) > historySize {
			r.rates = r.rates[1:]
		}
	}
	r.lastPressure = current
	r.hasLast = true

	mode, base := r.selectMode(absErr)

	// When pressure is already moving quickly, shorten the on pulse and
	// lengthen the settling time to avoid overshoot.
	rateFactor := math.Min(1.0, math.Abs(r.avgRate())/rateNorm)
	pulseOn := base.PulseOn * (1 - rateFactor)
	pulseOff := base.PulseOff * (1 + rateFactor)
	if pulseOn < minPulse {
		pulseOn = minPulse
	}
	if pulseOff < minPulse {
		pulseOff = minPulse
	}

	switch {
	case errVal > r.tolerance:
		return Decision{Action: ActionInlet, Mode: mode, PulseOn: pulseOn, PulseOff: pulseOff}
	case errVal < -r.tolerance:
		return Decision{Action: ActionOutlet, Mode: mode, PulseOn: pulseOn * ventMultiplier, PulseOff: pulseOff}
	default:
		return Decision{Action: ActionIdle, Mode: mode}
	}
}

// selectMode picks the regulation mode from the absolute error.
func (r *Regulator) selectMode(absErr float64) (Mode, config.RegulatorMode) {
	switch {
	case absErr > r.cfg.Fast.Threshold:
		return ModeFast, r.cfg.Fast
	case absErr > r.cfg.Medium.Threshold:
		return ModeMedium, r.cfg.Medium
	default:
		return ModeFine, r.cfg.Fine
	}
}

func (r *Regulator) avgRate() float64 {
	if len(r.rates) == 0 {
		return 0
	}
	var sum float64
	for _, v := range r.rates {
		sum += v
	}
	return sum / float64(len(r.rates))
}
