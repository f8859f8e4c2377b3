// Package leaktest coordinates multi-phase pressure leak tests across up to
// three chambers: fill, regulate, stabilize, test, then always empty. The
// phase driver and the pressure monitoring loop run as separate goroutines
// and meet only at ChamberState.
package leaktest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/itohio/gomct/pkg/config"
	"github.com/itohio/gomct/pkg/regulator"
	"github.com/itohio/gomct/pkg/sensor"
)

// State is the runner's externally visible test state.
type State string

const (
	StateIdle        State = "IDLE"
	StateFilling     State = "FILLING"
	StateRegulating  State = "REGULATING"
	StateStabilizing State = "STABILIZING"
	StateTesting     State = "TESTING"
	StateEmptying    State = "EMPTYING"
	StateComplete    State = "COMPLETE"
	StateError       State = "ERROR"
	StateStopping    State = "STOPPING"
	StateStopped     State = "STOPPED"
	StateEmergency   State = "EMERGENCY"
)

// emptyThreshold is the pressure below which a chamber counts as emptied.
const emptyThreshold = 10.0 // mbar

// defaultTick is the control loop interval.
const defaultTick = 100 * time.Millisecond

// PressureReader supplies fresh chamber pressures to the monitoring loop.
type PressureReader interface {
	ReadAll(applyFilter bool) [config.NumChambers]sensor.Reading
}

// StatusFunc receives state transitions with an operator-facing message.
type StatusFunc func(state State, message string)

// ProgressFunc receives phase progress: overall is 0..1 across the whole run.
type ProgressFunc func(phase string, overall float64, data map[string]any)

// ResultFunc receives the finished run's outcome.
type ResultFunc func(overall bool, chambers []ChamberResult)

// Runner drives the multi-chamber leak test state machine. All enabled
// chambers advance through the phases inside one polling loop, so chambers
// sharing the valve path keep a bounded, deterministic tick rate. Callbacks
// fire synchronously on the driver goroutine; a UI must hop to its own.
type Runner struct {
	cfg    *config.Config
	valves ValveActuator
	reader PressureReader
	sink   ResultSink

	tick     time.Duration
	chambers [config.NumChambers]*ChamberState

	mu      sync.Mutex
	state   State
	phase   string
	running bool
	done    chan struct{}

	stopReq atomic.Bool

	statusCb   StatusFunc
	progressCb ProgressFunc
	resultCb   ResultFunc
}

// NewRunner creates a runner with default chamber parameters from cfg.
func NewRunner(cfg *config.Config, valves ValveActuator, reader PressureReader) *Runner {
	r := &Runner{
		cfg:    cfg,
		valves: valves,
		reader: reader,
		tick:   defaultTick,
		state:  StateIdle,
	}
	for i := range r.chambers {
		r.chambers[i] = NewChamberState(i, cfg)
	}
	return r
}

// SetCallbacks registers the UI observers. Any of them may be nil.
func (r *Runner) SetCallbacks(status StatusFunc, progress ProgressFunc, result ResultFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statusCb = status
	r.progressCb = progress
	r.resultCb = result
}

// SetResultSink registers an optional sink for finished runs.
func (r *Runner) SetResultSink(sink ResultSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sink = sink
}

// SetTickInterval overrides the control loop interval. Intended for tests
// and benches with unusual valve dynamics.
func (r *Runner) SetTickInterval(d time.Duration) {
	if d > 0 {
		r.tick = d
	}
}

// Chamber returns the state record for one chamber.
func (r *Runner) Chamber(i int) *ChamberState {
	if i < 0 || i >= config.NumChambers {
		return nil
	}
	return r.chambers[i]
}

// State returns the current test state.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Phase returns the label of the phase currently driving the chambers.
func (r *Runner) Phase() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// Running reports whether a test is in progress.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Start begins a test run on a new goroutine.
func (r *Runner) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return ErrAlreadyRunning
	}

	enabled := 0
	for _, c := range r.chambers {
		if c.Enabled() {
			enabled++
		}
	}
	if enabled == 0 {
		return ErrNoChambersEnabled
	}

	for _, c := range r.chambers {
		c.Reset(r.cfg.Regulator)
	}

	r.stopReq.Store(false)
	r.running = true
	r.state = StateIdle
	r.phase = ""
	r.done = make(chan struct{})

	go r.run(r.done)

	log.Printf("Test started")
	return nil
}

// Stop requests a cooperative stop. The run proceeds to emptying and ends in
// the STOPPED state.
func (r *Runner) Stop() {
	r.mu.Lock()
	running := r.running
	r.mu.Unlock()

	if !running {
		return
	}
	r.stopReq.Store(true)
	log.Printf("Test stop requested")
}

// Wait blocks until the current run finishes. Returns immediately when no
// run is active.
func (r *Runner) Wait() {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()

	if done != nil {
		<-done
	}
}

// EmergencyStop force-closes every valve and terminates the run without
// waiting for the phase loop. Terminal: the state machine ends in EMERGENCY.
func (r *Runner) EmergencyStop() {
	r.stopReq.Store(true)

	r.mu.Lock()
	r.state = StateEmergency
	r.mu.Unlock()

	for i := 0; i < config.NumChambers; i++ {
		if err := r.valves.StopChamber(i); err != nil {
			log.Printf("Error stopping chamber %d during emergency: %v", i, err)
		}
	}

	r.updateStatus("Emergency stop executed")
}

// SetChamberParameters validates and applies the pressure parameters for one
// chamber. Rejected while a test is running.
func (r *Runner) SetChamberParameters(chamber int, target, threshold, tolerance float64) error {
	if chamber < 0 || chamber >= config.NumChambers {
		return fmt.Errorf("invalid chamber %d", chamber)
	}

	r.mu.Lock()
	running := r.running
	r.mu.Unlock()
	if running {
		return ErrAlreadyRunning
	}

	if target <= 0 || target > r.cfg.Pressure.MaxPressure {
		return fmt.Errorf("target %.1f mbar outside (0, %.1f]", target, r.cfg.Pressure.MaxPressure)
	}
	if threshold < 0 || threshold >= target {
		return fmt.Errorf("threshold %.1f mbar must be in [0, target)", threshold)
	}
	if tolerance <= 0 {
		return fmt.Errorf("tolerance %.1f mbar must be positive", tolerance)
	}

	r.chambers[chamber].SetParameters(target, threshold, tolerance)
	return nil
}

// manualValve guards a manual valve action: allowed only between runs.
func (r *Runner) manualValve(chamber int, action func() error) error {
	if chamber < 0 || chamber >= config.NumChambers {
		return fmt.Errorf("invalid chamber %d", chamber)
	}

	r.mu.Lock()
	running := r.running
	r.mu.Unlock()
	if running {
		return ErrAlreadyRunning
	}

	return action()
}

// ManualFill opens the inlet of one chamber. Operator convenience between
// runs; rejected while a test is in progress.
func (r *Runner) ManualFill(chamber int) error {
	return r.manualValve(chamber, func() error { return r.valves.FillChamber(chamber) })
}

// ManualEmpty opens the outlet of one chamber.
func (r *Runner) ManualEmpty(chamber int) error {
	return r.manualValve(chamber, func() error { return r.valves.EmptyChamber(chamber) })
}

// ManualStop closes both valves of one chamber.
func (r *Runner) ManualStop(chamber int) error {
	return r.manualValve(chamber, func() error { return r.valves.StopChamber(chamber) })
}

// ManualPulse opens one valve for the given duration, then closes both.
// Blocks for the duration.
func (r *Runner) ManualPulse(chamber int, which Valve, duration time.Duration) error {
	return r.manualValve(chamber, func() error { return r.valves.PulseValve(chamber, which, duration) })
}

// run executes the phases, then always empties, reports, and cleans up.
func (r *Runner) run(done chan struct{}) {
	defer close(done)
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	monCtx, monCancel := context.WithCancel(context.Background())
	var monWG sync.WaitGroup
	monWG.Add(1)
	go func() {
		defer monWG.Done()
		r.monitor(monCtx)
	}()
	defer monWG.Wait()
	defer monCancel()

	err := r.runPhases()

	// Cleanup is unconditional: emptying runs on success, timeout, stop and
	// phase panic alike.
	r.runEmptying()

	r.processResults(err)
}

// runPhases executes fill, regulate, stabilize and test. A panic inside a
// phase aborts the run as an error; the caller still empties the chambers.
func (r *Runner) runPhases() (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("phase panic: %v", p)
		}
	}()

	if err := r.runFilling(); err != nil {
		return err
	}
	if err := r.runRegulating(); err != nil {
		return err
	}
	if err := r.runStabilizing(); err != nil {
		return err
	}
	return r.runTesting()
}

// runFilling opens inlets until every enabled chamber reaches its target.
func (r *Runner) runFilling() error {
	r.setPhase(StateFilling, "filling", "Filling chambers...")

	timeout := r.cfg.Timing.FillTimeout
	start := time.Now()

	for {
		if r.checkStop() {
			return ErrStopped
		}

		elapsed := time.Since(start)
		if elapsed > timeout {
			return &PhaseTimeoutError{Phase: "filling", Timeout: timeout}
		}

		remaining := 0
		for _, c := range r.chambers {
			if !c.Enabled() || c.isFilled() {
				continue
			}
			remaining++

			target, _, _ := c.Parameters()
			if c.CurrentPressure() >= target {
				if err := r.valves.StopChamber(c.Index); err != nil {
					return fmt.Errorf("chamber %d: %w", c.Index, err)
				}
				c.setFilled()
				remaining--
				log.Printf("Chamber %d filled to %.1f mbar", c.Index+1, c.CurrentPressure())
				continue
			}
			if err := r.valves.FillChamber(c.Index); err != nil {
				return fmt.Errorf("chamber %d: %w", c.Index, err)
			}
		}

		if remaining == 0 {
			break
		}

		r.updateProgress("filling", 0.1*elapsed.Seconds()/timeout.Seconds(), map[string]any{
			"chambers_remaining": remaining,
			"elapsed":            elapsed,
		})

		time.Sleep(r.tick)
	}

	log.Printf("Fill phase complete")
	return nil
}

// runRegulating pulses valves per the chamber regulators until every enabled
// chamber has held within tolerance for the configured consecutive count.
func (r *Runner) runRegulating() error {
	r.setPhase(StateRegulating, "regulating", "Regulating pressure...")

	timeout := r.cfg.Timing.RegulationTimeout
	start := time.Now()

	stableCounts := [config.NumChambers]int{}

	for {
		if r.checkStop() {
			r.closeAllValves()
			return ErrStopped
		}

		elapsed := time.Since(start)
		if elapsed > timeout {
			r.closeAllValves()
			return &PhaseTimeoutError{Phase: "regulating", Timeout: timeout}
		}

		remaining := 0
		for _, c := range r.chambers {
			if !c.Enabled() || !c.isFilled() || c.isRegulated() {
				continue
			}
			remaining++

			current := c.CurrentPressure()
			decision := c.regulator().Decide(current)

			if decision.Action == regulator.ActionIdle {
				stableCounts[c.Index]++
				if stableCounts[c.Index] >= r.cfg.Regulator.StableCount {
					if err := r.valves.StopChamber(c.Index); err != nil {
						return fmt.Errorf("chamber %d: %w", c.Index, err)
					}
					c.setRegulated()
					remaining--
					log.Printf("Chamber %d regulated to %.1f mbar", c.Index+1, current)
				}
				continue
			}
			stableCounts[c.Index] = 0

			if err := r.applyPulse(c.Index, decision); err != nil {
				return fmt.Errorf("chamber %d: %w", c.Index, err)
			}
		}

		if remaining == 0 {
			break
		}

		r.updateProgress("regulating", 0.1+0.2*elapsed.Seconds()/timeout.Seconds(), map[string]any{
			"chambers_remaining": remaining,
			"elapsed":            elapsed,
		})

		time.Sleep(r.tick)
	}

	r.closeAllValves()
	log.Printf("Regulation phase complete")
	return nil
}

// applyPulse issues one timed valve pulse. The sleeps run on the driver
// goroutine so that pulse timing never starves the sampling loop.
func (r *Runner) applyPulse(chamber int, d regulator.Decision) error {
	var inlet, outlet bool
	switch d.Action {
	case regulator.ActionInlet:
		inlet = true
	case regulator.ActionOutlet:
		outlet = true
	default:
		return nil
	}

	if err := r.valves.SetChamberValves(chamber, inlet, outlet); err != nil {
		return err
	}
	time.Sleep(time.Duration(d.PulseOn * float64(time.Second)))

	if err := r.valves.StopChamber(chamber); err != nil {
		return err
	}
	time.Sleep(time.Duration(d.PulseOff * float64(time.Second)))

	return nil
}

// runStabilizing waits for a quiet settling window, then snapshots the start
// pressure. This phase never fails a run: on timeout it proceeds anyway.
func (r *Runner) runStabilizing() error {
	r.setPhase(StateStabilizing, "stabilizing", "Stabilizing pressure...")

	duration := r.cfg.Timing.StabilizationTime
	start := time.Now()

	windows := make(map[int][]float64, config.NumChambers)

	allStable := false
	for !allStable {
		if r.checkStop() {
			return ErrStopped
		}

		elapsed := time.Since(start)
		if elapsed > duration {
			break // proceed to testing even if not perfectly stable
		}

		allStable = true
		for _, c := range r.chambers {
			if !c.Enabled() || !c.isRegulated() {
				continue
			}

			w := append(windows[c.Index], c.CurrentPressure())
			if len(w) > 50 {
				w = w[1:]
			}
			windows[c.Index] = w

			if len(w) < 20 {
				allStable = false
				continue
			}

			recent := w[len(w)-20:]
			m := mean(recent)
			_, _, tolerance := c.Parameters()
			for _, p := range recent {
				if dev := p - m; dev > tolerance || dev < -tolerance {
					allStable = false
					break
				}
			}
		}

		r.updateProgress("stabilizing", 0.3+0.1*elapsed.Seconds()/duration.Seconds(), map[string]any{
			"elapsed":  elapsed,
			"duration": duration,
		})

		time.Sleep(r.tick)
	}

	for _, c := range r.chambers {
		if c.Enabled() && c.isRegulated() {
			c.setStabilized(c.CurrentPressure())
		}
	}

	if allStable {
		log.Printf("Stabilization phase complete (all stable)")
	} else {
		log.Printf("Stabilization phase complete (timeout)")
	}
	return nil
}

// runTesting samples each chamber for the test duration. A single sample
// below the threshold latches that chamber as failed; there is no de-bounce.
func (r *Runner) runTesting() error {
	r.setPhase(StateTesting, "testing", "Test in progress...")

	duration := r.cfg.Timing.TestDuration
	start := time.Now()

	for time.Since(start) < duration {
		if r.checkStop() {
			return ErrStopped
		}

		elapsed := time.Since(start)
		for _, c := range r.chambers {
			if !c.Enabled() || !c.isStabilized() {
				continue
			}

			p := c.CurrentPressure()
			c.recordReading(p)

			_, threshold, _ := c.Parameters()
			if p < threshold {
				c.markFailed()
			}
		}

		r.updateProgress("testing", 0.4+0.4*elapsed.Seconds()/duration.Seconds(), map[string]any{
			"elapsed":  elapsed,
			"duration": duration,
		})

		time.Sleep(r.tick)
	}

	for _, c := range r.chambers {
		if c.Enabled() && c.isStabilized() {
			c.setTested(c.CurrentPressure())
		}
	}

	log.Printf("Testing phase complete")
	return nil
}

// runEmptying vents every enabled chamber. Inlets close first, then outlets
// open; valves are force-closed afterward no matter what. Failures here are
// logged but never abort run completion.
func (r *Runner) runEmptying() {
	defer func() {
		if p := recover(); p != nil {
			log.Printf("Panic during emptying: %v", p)
		}
	}()

	r.setPhase(StateEmptying, "emptying", "Emptying chambers...")

	// Safety first: no chamber may refill while venting.
	for _, c := range r.chambers {
		if !c.Enabled() {
			continue
		}
		if err := r.valves.SetChamberValves(c.Index, false, false); err != nil {
			log.Printf("Error closing inlet valve for chamber %d: %v", c.Index+1, err)
		}
	}
	time.Sleep(2 * r.tick)

	for _, c := range r.chambers {
		if !c.Enabled() {
			continue
		}
		if err := r.valves.EmptyChamber(c.Index); err != nil {
			log.Printf("Error opening outlet valve for chamber %d: %v", c.Index+1, err)
		}
	}

	timeout := r.cfg.Timing.EmptyTime
	start := time.Now()

	for time.Since(start) < timeout {
		elapsed := time.Since(start)

		allEmpty := true
		for _, c := range r.chambers {
			if c.Enabled() && c.CurrentPressure() > emptyThreshold {
				allEmpty = false
				break
			}
		}
		if allEmpty {
			log.Printf("All chambers emptied")
			break
		}

		r.updateProgress("emptying", 0.8+0.2*elapsed.Seconds()/timeout.Seconds(), map[string]any{
			"elapsed": elapsed,
		})

		time.Sleep(r.tick)
	}

	for _, c := range r.chambers {
		if !c.Enabled() {
			continue
		}
		if err := r.valves.StopChamber(c.Index); err != nil {
			log.Printf("Error closing valves for chamber %d: %v", c.Index+1, err)
		}
	}
}

// processResults finalizes the run state and reports the outcome.
func (r *Runner) processResults(err error) {
	if err != nil {
		r.mu.Lock()
		if r.state != StateEmergency {
			if errors.Is(err, ErrStopped) {
				r.state = StateStopped
			} else {
				r.state = StateError
			}
		}
		state := r.state
		r.mu.Unlock()

		switch state {
		case StateStopped:
			r.updateStatus("Test stopped")
		case StateEmergency:
			// Status already reported by EmergencyStop.
		default:
			r.updateStatus(fmt.Sprintf("Error: %v", err))
		}
		return
	}

	overall := true
	for _, c := range r.chambers {
		if c.Enabled() && !(c.Tested() && c.Result()) {
			overall = false
			break
		}
	}

	r.mu.Lock()
	r.state = StateComplete
	r.mu.Unlock()

	if overall {
		r.updateStatus("Test complete - PASS")
	} else {
		r.updateStatus("Test complete - FAIL")
	}

	results := make([]ChamberResult, 0, config.NumChambers)
	for _, c := range r.chambers {
		if !c.Enabled() {
			continue
		}
		res := c.Snapshot()
		res.Readings = DownsampleReadings(nil, c.Readings(), MaxLoggedReadings)
		results = append(results, res)
	}

	r.mu.Lock()
	sink := r.sink
	resultCb := r.resultCb
	r.mu.Unlock()

	if sink != nil {
		run := TestRun{
			Timestamp: time.Now(),
			Duration:  r.cfg.Timing.TestDuration,
			Overall:   overall,
			Chambers:  results,
		}
		if err := sink.SaveRun(run); err != nil {
			log.Printf("Error saving test result: %v", err)
		}
	}

	if resultCb != nil {
		resultCb(overall, results)
	}
}

// monitor keeps every enabled chamber's current pressure fresh while the
// run is active. Transient read failures are skipped and retried next tick.
func (r *Runner) monitor(ctx context.Context) {
	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			readings := r.reader.ReadAll(true)
			for i, reading := range readings {
				if reading.Err != nil {
					continue
				}
				r.chambers[i].SetCurrentPressure(reading.Pressure)
			}
		}
	}
}

// checkStop polls the cooperative stop flag, announcing the transition once.
func (r *Runner) checkStop() bool {
	if !r.stopReq.Load() {
		return false
	}

	r.mu.Lock()
	announce := r.state != StateStopping && r.state != StateEmptying && r.state != StateEmergency
	if announce {
		r.state = StateStopping
	}
	r.mu.Unlock()

	if announce {
		r.updateStatus("Test stop requested")
	}
	return true
}

// closeAllValves closes both valves of every enabled chamber.
func (r *Runner) closeAllValves() {
	for _, c := range r.chambers {
		if !c.Enabled() {
			continue
		}
		if err := r.valves.StopChamber(c.Index); err != nil {
			log.Printf("Error closing valves for chamber %d: %v", c.Index+1, err)
		}
	}
}

func (r *Runner) setPhase(state State, phase, message string) {
	r.mu.Lock()
	// A stop or emergency state is sticky for status purposes; the phase
	// label still advances so progress reporting stays truthful.
	if r.state != StateEmergency {
		r.state = state
	}
	r.phase = phase
	r.mu.Unlock()

	r.updateStatus(message)
}

func (r *Runner) updateStatus(message string) {
	log.Printf("%s", message)

	r.mu.Lock()
	cb := r.statusCb
	state := r.state
	r.mu.Unlock()

	if cb != nil {
		cb(state, message)
	}
}

func (r *Runner) updateProgress(phase string, overall float64, data map[string]any) {
	r.mu.Lock()
	cb := r.progressCb
	r.mu.Unlock()

	if cb != nil {
		cb(phase, overall, data)
	}
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
