package calibration

import (
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/itohio/gomct/pkg/config"
)

// Channel is the slice of the sensor the calibration session needs. One
// chamber channel is calibrated at a time.
type Channel interface {
	ReadVoltage(channel int) (float64, error)
	CheckStability(channel int, numSamples int, delay time.Duration, tolerance float64) (bool, float64, float64)
}

// RejectedError reports a reference point the session refused to record,
// carrying the measured values so the operator sees what the bench saw.
type RejectedError struct {
	Reason   string
	Target   float64 // mbar, the requested reference
	Measured float64 // mbar, mean pressure during the check
	StdDev   float64 // mbar
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("point at %.1f mbar rejected: %s (measured %.1f mbar, stddev %.2f)",
		e.Target, e.Reason, e.Measured, e.StdDev)
}

// Session is a guided calibration pass over one chamber. The operator brings
// the chamber to each reference pressure in turn; the session verifies
// stability and plausibility before accepting the point. Calibration and
// leak tests are mutually exclusive; the caller enforces that before
// starting a session.
type Session struct {
	cfg     *config.Config
	ch      Channel
	chamber int

	mu     sync.Mutex
	points []Point
}

// NewSession creates a calibration session for one chamber channel.
func NewSession(ch Channel, cfg *config.Config, chamber int) *Session {
	if cfg == nil {
		cfg = config.Default()
	}
	return &Session{cfg: cfg, ch: ch, chamber: chamber}
}

// Targets returns the reference pressures the guided flow walks through.
func (s *Session) Targets() []float64 {
	return s.cfg.Calibration.Targets
}

// Points returns a copy of the points recorded so far.
func (s *Session) Points() []Point {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Point, len(s.points))
	copy(out, s.points)
	return out
}

// RecordPoint measures the chamber at the given reference pressure. The
// pressure must be stable, and for non-zero references within the configured
// band of the target; otherwise the point is rejected with the measured
// values attached.
func (s *Session) RecordPoint(reference float64) (Point, error) {
	cal := s.cfg.Calibration

	stable, measured, dev := s.ch.CheckStability(s.chamber, cal.StabilitySample, cal.StabilityDelay, cal.StabilityStdDev)
	if !stable {
		return Point{}, &RejectedError{
			Reason:   "pressure not stable",
			Target:   reference,
			Measured: measured,
			StdDev:   dev,
		}
	}

	if reference != 0 && math.Abs(measured-reference) > cal.TargetBand {
		return Point{}, &RejectedError{
			Reason:   fmt.Sprintf("pressure outside ±%.0f mbar of target", cal.TargetBand),
			Target:   reference,
			Measured: measured,
			StdDev:   dev,
		}
	}

	voltage, err := s.averagedVoltage(cal.StabilitySample, cal.StabilityDelay)
	if err != nil {
		return Point{}, fmt.Errorf("reading voltage for calibration point: %w", err)
	}

	pt := Point{Voltage: voltage, Pressure: reference, Timestamp: time.Now()}

	s.mu.Lock()
	s.points = append(s.points, pt)
	s.mu.Unlock()

	log.Printf("Calibration point recorded: %.4f V at %.1f mbar (measured %.1f)", voltage, reference, measured)
	return pt, nil
}

// Complete fits the recorded points. A fit below the configured R-squared is
// accepted with a warning; only degenerate or underdetermined data fails.
func (s *Session) Complete() (Result, error) {
	s.mu.Lock()
	points := make([]Point, len(s.points))
	copy(points, s.points)
	s.mu.Unlock()

	res, err := Calculate(points)
	if err != nil {
		return Result{}, err
	}

	if res.RSquared < s.cfg.Calibration.MinRSquared {
		log.Printf("Warning: calibration fit is poor (r²=%.4f < %.2f)", res.RSquared, s.cfg.Calibration.MinRSquared)
	}

	log.Printf("Calibration complete: multiplier=%.2f mbar/V, offset=%.2f mbar, r²=%.4f",
		res.Multiplier, res.Offset, res.RSquared)
	return res, nil
}

// Abort discards all recorded points.
func (s *Session) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.points = nil
	log.Printf("Calibration session aborted")
}

// averagedVoltage collects numSamples voltage readings, tolerating up to
// numSamples extra failures, and returns the mean.
func (s *Session) averagedVoltage(numSamples int, delay time.Duration) (float64, error) {
	if numSamples <= 0 {
		numSamples = 10
	}

	var sum float64
	count := 0
	failures := 0

	for count < numSamples && failures < numSamples {
		v, err := s.ch.ReadVoltage(s.chamber)
		if err != nil {
			failures++
		} else {
			sum += v
			count++
		}
		time.Sleep(delay)
	}

	if count == 0 {
		return 0, fmt.Errorf("no valid voltage samples from channel %d", s.chamber)
	}
	return sum / float64(count), nil
}
