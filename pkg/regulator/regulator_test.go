package regulator

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/itohio/gomct/pkg/config"
)

func newTestRegulator(setpoint, tolerance float64) *Regulator {
	return New(config.Default().Regulator, setpoint, tolerance)
}

func TestDecide_IdleWithinTolerance(t *testing.T) {
	r := newTestRegulator(150, 2)

	tests := []struct {
		name    string
		current float64
	}{
		{"at setpoint", 150},
		{"upper edge", 152},
		{"lower edge", 148},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r.Reset()
			d := r.Decide(tt.current)
			assert.Equal(t, ActionIdle, d.Action)
			assert.Equal(t, ModeFine, d.Mode)
		})
	}
}

func TestDecide_ModeSelection(t *testing.T) {
	tests := []struct {
		name    string
		current float64
		action  Action
		mode    Mode
	}{
		{"far below target", 100, ActionInlet, ModeFast},
		{"medium error below", 142, ActionInlet, ModeMedium},
		{"small error below", 146, ActionInlet, ModeFine},
		{"far above target", 200, ActionOutlet, ModeFast},
		{"medium error above", 158, ActionOutlet, ModeMedium},
		{"small error above", 154, ActionOutlet, ModeFine},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRegulator(150, 2)
			d := r.Decide(tt.current)
			assert.Equal(t, tt.action, d.Action)
			assert.Equal(t, tt.mode, d.Mode)
		})
	}
}

func TestDecide_BasePulseTiming(t *testing.T) {
	cfg := config.Default().Regulator
	r := New(cfg, 150, 2)

	// First call has no rate history, so base timing applies unmodified.
	d := r.Decide(100)
	assert.Equal(t, ActionInlet, d.Action)
	assert.InDelta(t, cfg.Fast.PulseOn, d.PulseOn, 1e-9)
	assert.InDelta(t, cfg.Fast.PulseOff, d.PulseOff, 1e-9)
}

func TestDecide_AdaptiveScalingOnFastRise(t *testing.T) {
	cfg := config.Default().Regulator
	r := New(cfg, 150, 2)

	// Two samples 5 mbar apart imply 50 mbar/s: saturates the rate factor.
	r.Decide(100)
	d := r.Decide(105)

	assert.Equal(t, ActionInlet, d.Action)
	// Fully scaled: on pulse shrinks to the floor, off pulse doubles.
	assert.InDelta(t, 0.05, d.PulseOn, 1e-9)
	assert.InDelta(t, cfg.Fast.PulseOff*2, d.PulseOff, 1e-9)
}

func TestDecide_PulseFloor(t *testing.T) {
	cfg := config.Default().Regulator
	r := New(cfg, 150, 2)

	r.Decide(130)
	d := r.Decide(135) // fast rise scales the on pulse down to the floor

	assert.GreaterOrEqual(t, d.PulseOn, 0.05)
	assert.GreaterOrEqual(t, d.PulseOff, 0.05)
}

func TestDecide_VentPulsesLonger(t *testing.T) {
	r := newTestRegulator(150, 2)

	in := r.Decide(100) // fast mode, inlet
	r.Reset()
	out := r.Decide(200) // fast mode, outlet

	assert.Equal(t, ActionInlet, in.Action)
	assert.Equal(t, ActionOutlet, out.Action)
	assert.InDelta(t, in.PulseOn*1.5, out.PulseOn, 1e-9)
}

func TestDecide_RateHistoryBounded(t *testing.T) {
	r := newTestRegulator(150, 2)

	p := 0.0
	for i := 0; i < 50; i++ {
		r.Decide(p)
		p += 1
	}

	assert.LessOrEqual(t, len(r.rates), 10)
}

func TestReset(t *testing.T) {
	r := newTestRegulator(150, 2)

	r.Decide(100)
	r.Decide(110)
	assert.NotEmpty(t, r.rates)

	r.Reset()
	assert.Empty(t, r.rates)
	assert.False(t, r.hasLast)

	// After reset the next decision is again unscaled.
	d := r.Decide(100)
	cfg := config.Default().Regulator
	assert.InDelta(t, cfg.Fast.PulseOn, d.PulseOn, 1e-9)
}

func TestSetpoint(t *testing.T) {
	r := newTestRegulator(321, 2)
	assert.Equal(t, 321.0, r.Setpoint())
}

func TestModeString(t *testing.T) {
	assert.Equal(t, "FAST", ModeFast.String())
	assert.Equal(t, "MEDIUM", ModeMedium.String())
	assert.Equal(t, "FINE", ModeFine.String())
	assert.Equal(t, "UNKNOWN", Mode(99).String())
}
