package leaktest

import (
	"sync"

	"github.com/itohio/gomct/pkg/config"
	"github.com/itohio/gomct/pkg/regulator"
)

// ChamberState holds the mutable per-chamber record consumed and updated by
// the test runner. The current pressure crosses goroutines: it is written
// only by the monitoring loop and read by the phase driver and any UI
// observer, so it sits behind the state mutex.
type ChamberState struct {
	Index int

	mu sync.RWMutex

	enabled   bool
	target    float64 // mbar
	threshold float64 // mbar, minimum acceptable final pressure
	tolerance float64 // mbar, band around the target

	currentPressure float64
	startPressure   float64
	finalPressure   float64
	readings        []float64

	// Phase flags are monotonic: once set they stay set until Reset.
	filled     bool
	regulated  bool
	stabilized bool
	tested     bool

	result bool

	reg *regulator.Regulator
}

// NewChamberState creates a chamber record with the default parameters.
func NewChamberState(index int, cfg *config.Config) *ChamberState {
	c := &ChamberState{
		Index:     index,
		enabled:   true,
		target:    cfg.Pressure.Target,
		threshold: cfg.Pressure.Threshold,
		tolerance: cfg.Pressure.Tolerance,
		result:    true,
	}
	c.reg = regulator.New(cfg.Regulator, c.target, c.tolerance)
	return c
}

// Reset clears the test state for a new run and re-initializes the regulator
// with the current parameters. Calling it twice leaves identical state.
func (c *ChamberState) Reset(regCfg config.RegulatorConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.currentPressure = 0
	c.startPressure = 0
	c.finalPressure = 0
	c.readings = nil
	c.result = true

	c.filled = false
	c.regulated = false
	c.stabilized = false
	c.tested = false

	c.reg = regulator.New(regCfg, c.target, c.tolerance)
}

// SetEnabled marks whether the chamber participates in the next test.
func (c *ChamberState) SetEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = enabled
}

// Enabled reports whether the chamber participates in the test.
func (c *ChamberState) Enabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.enabled
}

// SetParameters sets the pressure parameters for the next run. The regulator
// picks them up at the next Reset.
func (c *ChamberState) SetParameters(target, threshold, tolerance float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.target = target
	c.threshold = threshold
	c.tolerance = tolerance
}

// Parameters returns the chamber's target, threshold and tolerance.
func (c *ChamberState) Parameters() (target, threshold, tolerance float64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.target, c.threshold, c.tolerance
}

// SetCurrentPressure publishes a fresh sample. Called by the monitoring loop.
func (c *ChamberState) SetCurrentPressure(mbar float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentPressure = mbar
}

// CurrentPressure returns the last published sample.
func (c *ChamberState) CurrentPressure() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentPressure
}

// Result reports whether the chamber passed. Meaningful once tested.
func (c *ChamberState) Result() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.result
}

// Tested reports whether the testing phase completed for this chamber.
func (c *ChamberState) Tested() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tested
}

// markFailed latches a failed result. A single sub-threshold sample during
// the testing phase is sufficient; later recovery does not clear it.
func (c *ChamberState) markFailed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.result = false
}

// recordReading appends a testing-phase sample to the audit log.
func (c *ChamberState) recordReading(mbar float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readings = append(c.readings, mbar)
}

// Readings returns a copy of the testing-phase samples.
func (c *ChamberState) Readings() []float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]float64, len(c.readings))
	copy(out, c.readings)
	return out
}

func (c *ChamberState) setFilled() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filled = true
}

func (c *ChamberState) isFilled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.filled
}

func (c *ChamberState) setRegulated() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regulated = true
}

func (c *ChamberState) isRegulated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.regulated
}

// setStabilized records the reference pressure the leak is measured against.
func (c *ChamberState) setStabilized(startPressure float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stabilized = true
	c.startPressure = startPressure
}

func (c *ChamberState) isStabilized() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stabilized
}

func (c *ChamberState) setTested(finalPressure float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tested = true
	c.finalPressure = finalPressure
}

func (c *ChamberState) regulator() *regulator.Regulator {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reg
}

// Snapshot captures the chamber's outcome for reporting.
func (c *ChamberState) Snapshot() ChamberResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ChamberResult{
		ChamberID:     c.Index,
		Enabled:       c.enabled,
		Target:        c.target,
		Threshold:     c.threshold,
		Tolerance:     c.tolerance,
		StartPressure: c.startPressure,
		FinalPressure: c.finalPressure,
		Passed:        c.tested && c.result,
	}
}
