package bench

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/itohio/gomct/pkg/config"
)

// Mock simulates the bench MCU for testing and development. Each chamber is a
// small pressure vessel: the inlet valve fills it at a fixed rate, the outlet
// valve vents it faster, and an optional leak rate drains it passively.
type Mock struct {
	cfg *config.Config

	mu        sync.RWMutex
	ctx       context.Context
	cancel    context.CancelFunc
	connected bool

	pressures [config.NumChambers]float64 // mbar
	inlet     [config.NumChambers]bool
	outlet    [config.NumChambers]bool

	failReads bool // force transient read errors
	lost      bool // simulate connectivity loss

	startTime time.Time
	lastStep  time.Time
}

// NewMock creates a new mocked bench instance.
func NewMock(cfg *config.Config) *Mock {
	if cfg == nil {
		cfg = config.Default()
	}

	return &Mock{
		cfg: cfg,
	}
}

// Connect simulates connecting to the bench.
func (m *Mock) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connected {
		return fmt.Errorf("already connected")
	}

	m.connected = true
	m.lost = false
	m.startTime = time.Now()
	m.lastStep = m.startTime
	m.ctx, m.cancel = context.WithCancel(context.Background())

	go m.run(m.ctx)

	return nil
}

// Close stops the mocked bench.
func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return nil
	}

	m.cancel()
	m.connected = false

	return nil
}

// Reinit clears a simulated connectivity loss.
func (m *Mock) Reinit() error {
	if err := m.Close(); err != nil {
		return err
	}
	return m.Connect()
}

// ReadADC returns the simulated ADC count for the given channel.
func (m *Mock) ReadADC(channel int) (int32, error) {
	if channel < 0 || channel >= NumChannels {
		return 0, fmt.Errorf("invalid channel %d", channel)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.connected {
		return 0, ErrNotConnected
	}
	if m.lost {
		return 0, fmt.Errorf("mock link down: %w", ErrConnLost)
	}
	if m.failReads {
		return 0, fmt.Errorf("mock channel %d: %w", channel, ErrStale)
	}

	pressure := 0.0
	if channel < config.NumChambers {
		pressure = m.pressures[channel]
	}
	pressure += m.noise()

	volts := m.pressureToVolts(pressure)
	counts := (volts / ADCReferenceVolts) * ADCFullScale
	if counts < -ADCFullScale {
		counts = -ADCFullScale
	} else if counts > ADCFullScale {
		counts = ADCFullScale
	}

	return int32(counts), nil
}

// SetValves sets the simulated valve states for one chamber.
func (m *Mock) SetValves(chamber int, inlet, outlet bool) error {
	if chamber < 0 || chamber >= config.NumChambers {
		return fmt.Errorf("invalid chamber %d", chamber)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrNotConnected
	}
	if m.lost {
		return fmt.Errorf("mock link down: %w", ErrConnLost)
	}

	m.inlet[chamber] = inlet
	m.outlet[chamber] = outlet

	return nil
}

// IsConnected returns whether the mocked bench is connected.
func (m *Mock) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected && !m.lost
}

// SetPressure forces the simulated pressure of a chamber. Test helper.
func (m *Mock) SetPressure(chamber int, mbar float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if chamber >= 0 && chamber < config.NumChambers {
		m.pressures[chamber] = mbar
	}
}

// Pressure returns the simulated pressure of a chamber. Test helper.
func (m *Mock) Pressure(chamber int) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if chamber < 0 || chamber >= config.NumChambers {
		return 0
	}
	return m.pressures[chamber]
}

// Valves returns the simulated valve states of a chamber. Test helper.
func (m *Mock) Valves(chamber int) (inlet, outlet bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if chamber < 0 || chamber >= config.NumChambers {
		return false, false
	}
	return m.inlet[chamber], m.outlet[chamber]
}

// FailReads toggles forced transient read failures. Test helper.
func (m *Mock) FailReads(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failReads = fail
}

// LoseConnection simulates a dropped device link. Reinit recovers it.
func (m *Mock) LoseConnection() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lost = true
}

// run advances the chamber physics until the context is cancelled.
func (m *Mock) run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Mock.SampleRate)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.step(now)
		}
	}
}

// step integrates fill, vent and leak rates over the elapsed interval.
func (m *Mock) step(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dt := now.Sub(m.lastStep).Seconds()
	m.lastStep = now
	if dt <= 0 {
		return
	}

	for i := 0; i < config.NumChambers; i++ {
		p := m.pressures[i]
		if m.inlet[i] {
			p += m.cfg.Mock.FillRate * dt
		}
		if m.outlet[i] {
			p -= m.cfg.Mock.VentRate * dt
		}
		p -= m.cfg.Mock.LeakRate * dt

		if p < 0 {
			p = 0
		}
		if p > m.cfg.Pressure.MaxPressure {
			p = m.cfg.Pressure.MaxPressure
		}
		m.pressures[i] = p
	}
}

// pressureToVolts inverts the sensor conversion so that the default
// conversion parameters round-trip through ReadADC.
func (m *Mock) pressureToVolts(mbar float64) float64 {
	return (mbar/1000.0 - m.cfg.Conversion.VoltageOffset) / m.cfg.Conversion.VoltageMultiplier
}

// noise produces a small deterministic ripple, scaled by the configured level.
func (m *Mock) noise() float64 {
	if m.cfg.Mock.NoiseLevel == 0 {
		return 0
	}
	elapsed := time.Since(m.startTime)
	return (math.Sin(float64(elapsed.Nanoseconds())*0.001) +
		math.Cos(float64(elapsed.Nanoseconds())*0.0013)) *
		m.cfg.Mock.NoiseLevel * 0.5
}
