// Package sensor converts raw bench ADC counts into chamber pressures.
//
// Each chamber maps to one ADC channel. Conversion applies the active
// calibration (offset and multiplier in volts, scaled x1000 to mbar) plus a
// per-chamber offset, clamped at zero. Reads are smoothed with an exponential
// moving average unless the caller asks for raw values; averaged readings and
// stability checks always bypass the filter.
package sensor

import (
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/itohio/gomct/pkg/bench"
	"github.com/itohio/gomct/pkg/config"
)

// ErrChannelUnavailable is returned once a channel has accumulated enough
// consecutive errors to be considered disabled. A successful read elsewhere
// or ResetErrorCounters re-arms it.
var ErrChannelUnavailable = errors.New("channel unavailable")

// reinitInterval limits how often a connectivity loss triggers a device
// re-initialization attempt.
const reinitInterval = 5 * time.Second

// Reading is the outcome of reading one channel.
type Reading struct {
	Pressure float64
	Err      error
}

// Sensor reads chamber pressures from the bench ADC channels.
type Sensor struct {
	dev bench.Device
	cfg *config.Config

	mu             sync.Mutex
	convOffset     [bench.NumChannels]float64
	convMult       [bench.NumChannels]float64
	chamberOffsets [config.NumChambers]float64
	alpha          float64
	filtered       [bench.NumChannels]float64
	errCount       [bench.NumChannels]int
	lastReinit     time.Time

	// sleep is swapped out in tests to avoid real cooldown delays.
	sleep func(time.Duration)
}

// New creates a Sensor over the given bench device, seeded with the default
// conversion parameters from the configuration.
func New(dev bench.Device, cfg *config.Config) *Sensor {
	if cfg == nil {
		cfg = config.Default()
	}

	s := &Sensor{
		dev:   dev,
		cfg:   cfg,
		alpha: cfg.Sensor.FilterAlpha,
		sleep: time.Sleep,
	}
	for ch := 0; ch < bench.NumChannels; ch++ {
		s.convOffset[ch] = cfg.Conversion.VoltageOffset
		s.convMult[ch] = cfg.Conversion.VoltageMultiplier
	}
	return s
}

// SetConversion sets the voltage to pressure conversion parameters for one
// channel, typically from that chamber's active calibration.
func (s *Sensor) SetConversion(channel int, offset, multiplier float64) {
	if channel < 0 || channel >= bench.NumChannels {
		log.Printf("Invalid channel index: %d", channel)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convOffset[channel] = offset
	s.convMult[channel] = multiplier
	log.Printf("Set conversion parameters for channel %d: offset=%.4f, multiplier=%.4f", channel, offset, multiplier)
}

// SetChamberOffset sets the calibration offset in mbar for one chamber.
func (s *Sensor) SetChamberOffset(chamber int, offset float64) {
	if chamber < 0 || chamber >= config.NumChambers {
		log.Printf("Invalid chamber index: %d", chamber)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chamberOffsets[chamber] = offset
}

// SetFilterAlpha sets the exponential moving average factor (0-1). Lower
// values give more smoothing.
func (s *Sensor) SetFilterAlpha(alpha float64) {
	if alpha < 0 || alpha > 1 {
		log.Printf("Invalid alpha value: %v", alpha)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alpha = alpha
}

// checkBackoff short-circuits reads on a channel that has accumulated too
// many consecutive errors. The cooldown is taken exactly once, when the
// threshold is first crossed; after that the channel fails fast until a
// successful read or ResetErrorCounters re-arms it.
func (s *Sensor) checkBackoff(channel int) error {
	s.mu.Lock()
	over := s.errCount[channel] >= s.cfg.Sensor.ErrorThreshold
	justHit := s.errCount[channel] == s.cfg.Sensor.ErrorThreshold
	if justHit {
		s.errCount[channel]++
	}
	s.mu.Unlock()

	if !over {
		return nil
	}
	if justHit {
		log.Printf("Channel %d disabled after %d consecutive errors", channel, s.cfg.Sensor.ErrorThreshold)
		s.sleep(s.cfg.Sensor.ErrorCooldown)
	}
	return fmt.Errorf("channel %d: %w", channel, ErrChannelUnavailable)
}

// ReadVoltage reads the raw transducer voltage on the given channel.
func (s *Sensor) ReadVoltage(channel int) (float64, error) {
	if channel < 0 || channel >= bench.NumChannels {
		return 0, fmt.Errorf("invalid channel %d", channel)
	}

	if err := s.checkBackoff(channel); err != nil {
		return 0, err
	}

	raw, err := s.dev.ReadADC(channel)
	if err != nil {
		s.mu.Lock()
		s.errCount[channel]++
		if s.errCount[channel] <= s.cfg.Sensor.ErrorThreshold {
			log.Printf("Error reading voltage from channel %d: %v", channel, err)
		}
		if bench.IsConnLost(err) {
			s.maybeReinitLocked()
		}
		s.mu.Unlock()
		return 0, err
	}

	s.mu.Lock()
	s.errCount[channel] = 0
	s.mu.Unlock()

	return (float64(raw) / bench.ADCFullScale) * bench.ADCReferenceVolts, nil
}

// ReadPressure reads the pressure in mbar on the given channel, optionally
// applying the moving average filter.
func (s *Sensor) ReadPressure(channel int, applyFilter bool) (float64, error) {
	voltage, err := s.ReadVoltage(channel)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pressure := s.convertLocked(channel, voltage)

	if applyFilter {
		s.filtered[channel] = s.alpha*pressure + (1-s.alpha)*s.filtered[channel]
		return s.filtered[channel], nil
	}
	return pressure, nil
}

// ReadAll reads all chamber channels, optionally filtered. Failed channels
// carry their error so callers can skip them and retry next tick.
func (s *Sensor) ReadAll(applyFilter bool) [config.NumChambers]Reading {
	var out [config.NumChambers]Reading
	for ch := 0; ch < config.NumChambers; ch++ {
		p, err := s.ReadPressure(ch, applyFilter)
		out[ch] = Reading{Pressure: p, Err: err}
	}
	return out
}

// TakeAveraged takes numSamples raw readings with the given delay between
// them and returns the mean. Up to numSamples additional failed attempts are
// tolerated so a single glitch does not abort the pass.
func (s *Sensor) TakeAveraged(channel int, numSamples int, delay time.Duration) (float64, error) {
	readings, err := s.collectRaw(channel, numSamples, delay)
	if err != nil {
		return 0, err
	}

	avg := mean(readings)

	s.mu.Lock()
	s.filtered[channel] = avg
	s.errCount[channel] = 0
	s.mu.Unlock()

	return avg, nil
}

// CheckStability takes numSamples raw readings and reports whether their
// standard deviation is within tolerance, along with the mean and deviation.
func (s *Sensor) CheckStability(channel int, numSamples int, delay time.Duration, tolerance float64) (bool, float64, float64) {
	readings, err := s.collectRaw(channel, numSamples, delay)
	if err != nil {
		log.Printf("Stability check failed for channel %d: %v", channel, err)
		return false, 0, 0
	}

	avg := mean(readings)
	dev := stdDev(readings, avg)

	s.mu.Lock()
	s.errCount[channel] = 0
	s.mu.Unlock()

	return dev <= tolerance, avg, dev
}

// Validate reads each chamber channel once and reports whether the value is
// plausible (non-negative and below 110% of the configured maximum).
func (s *Sensor) Validate() map[int]bool {
	results := make(map[int]bool, config.NumChambers)
	limit := s.cfg.Pressure.MaxPressure * 1.1

	for ch := 0; ch < config.NumChambers; ch++ {
		p, err := s.ReadPressure(ch, false)
		ok := err == nil && p >= 0 && p <= limit
		results[ch] = ok
		if !ok {
			log.Printf("Pressure sensor on channel %d failed validation", ch)
		}
	}
	return results
}

// ResetFiltered resets all filtered values to zero.
func (s *Sensor) ResetFiltered() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filtered = [bench.NumChannels]float64{}
}

// ResetErrorCounters re-arms all channels after a backoff.
func (s *Sensor) ResetErrorCounters() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errCount = [bench.NumChannels]int{}
	log.Printf("Reset all sensor error counters")
}

// collectRaw gathers numSamples unfiltered readings, tolerating up to
// numSamples extra failures before giving up.
func (s *Sensor) collectRaw(channel int, numSamples int, delay time.Duration) ([]float64, error) {
	if numSamples <= 0 {
		numSamples = 10
	}

	readings := make([]float64, 0, numSamples)
	failures := 0

	for len(readings) < numSamples && failures < numSamples {
		p, err := s.ReadPressure(channel, false)
		if err != nil {
			failures++
		} else {
			readings = append(readings, p)
		}
		s.sleep(delay)
	}

	if len(readings) == 0 {
		return nil, fmt.Errorf("no valid samples from channel %d", channel)
	}
	return readings, nil
}

// convertLocked applies the voltage to pressure conversion for one channel.
// Caller holds s.mu.
func (s *Sensor) convertLocked(channel int, voltage float64) float64 {
	pressure := voltage*s.convMult[channel]*1000.0 + s.convOffset[channel]*1000.0
	if channel < config.NumChambers {
		pressure += s.chamberOffsets[channel]
	}
	if pressure < 0 {
		pressure = 0
	}
	return pressure
}

// maybeReinitLocked attempts a device re-initialization after a connectivity
// loss, rate-limited so repeated failures do not flood the device. Caller
// holds s.mu.
func (s *Sensor) maybeReinitLocked() {
	now := time.Now()
	if now.Sub(s.lastReinit) < reinitInterval {
		return
	}
	s.lastReinit = now

	if err := s.dev.Reinit(); err != nil {
		log.Printf("Device re-initialization failed: %v", err)
		return
	}
	log.Printf("Device re-initialized after connectivity loss")
	s.errCount = [bench.NumChannels]int{}
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

func stdDev(xs []float64, avg float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		d := x - avg
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(xs)))
}
