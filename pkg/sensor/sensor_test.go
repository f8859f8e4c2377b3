package sensor

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/gomct/pkg/bench"
	"github.com/itohio/gomct/pkg/config"
)

// fakeDevice is a minimal bench device with scripted ADC counts and errors.
type fakeDevice struct {
	mu      sync.Mutex
	counts  [bench.NumChannels]int32
	readErr error
	reinits int
}

var _ bench.Device = (*fakeDevice)(nil)

func (f *fakeDevice) Connect() error { return nil }
func (f *fakeDevice) Close() error   { return nil }
func (f *fakeDevice) Reinit() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reinits++
	return nil
}
func (f *fakeDevice) ReadADC(channel int) (int32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return 0, f.readErr
	}
	return f.counts[channel], nil
}
func (f *fakeDevice) SetValves(chamber int, inlet, outlet bool) error { return nil }
func (f *fakeDevice) IsConnected() bool                              { return true }

func (f *fakeDevice) setError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readErr = err
}

func (f *fakeDevice) reinitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reinits
}

// countsFor inverts the default conversion so tests can speak in mbar.
func countsFor(cfg *config.Config, mbar float64) int32 {
	volts := (mbar/1000.0 - cfg.Conversion.VoltageOffset) / cfg.Conversion.VoltageMultiplier
	return int32((volts / bench.ADCReferenceVolts) * bench.ADCFullScale)
}

func newTestSensor(t *testing.T) (*Sensor, *fakeDevice, *config.Config) {
	t.Helper()
	cfg := config.Default()
	dev := &fakeDevice{}
	s := New(dev, cfg)
	s.sleep = func(time.Duration) {}
	return s, dev, cfg
}

func TestReadPressure_Conversion(t *testing.T) {
	s, dev, cfg := newTestSensor(t)
	dev.counts[0] = countsFor(cfg, 150)

	p, err := s.ReadPressure(0, false)
	require.NoError(t, err)
	assert.InDelta(t, 150, p, 0.5)
}

func TestReadPressure_ClampedAtZero(t *testing.T) {
	s, dev, _ := newTestSensor(t)
	// Raw count of zero maps well below zero mbar with the default offset.
	dev.counts[0] = 0

	p, err := s.ReadPressure(0, false)
	require.NoError(t, err)
	assert.Equal(t, 0.0, p)
}

func TestReadPressure_ChamberOffset(t *testing.T) {
	s, dev, cfg := newTestSensor(t)
	dev.counts[0] = countsFor(cfg, 100)

	s.SetChamberOffset(0, 25)

	p, err := s.ReadPressure(0, false)
	require.NoError(t, err)
	assert.InDelta(t, 125, p, 0.5)
}

func TestReadPressure_Filter(t *testing.T) {
	s, dev, cfg := newTestSensor(t)
	dev.counts[0] = countsFor(cfg, 100)
	s.SetFilterAlpha(0.2)

	// Filter state starts at zero, so the first reading is alpha*pressure.
	p1, err := s.ReadPressure(0, true)
	require.NoError(t, err)
	assert.InDelta(t, 20, p1, 0.5)

	p2, err := s.ReadPressure(0, true)
	require.NoError(t, err)
	assert.InDelta(t, 0.2*100+0.8*p1, p2, 0.5)

	// Raw reads bypass the filter.
	raw, err := s.ReadPressure(0, false)
	require.NoError(t, err)
	assert.InDelta(t, 100, raw, 0.5)
}

func TestSetConversion(t *testing.T) {
	s, dev, _ := newTestSensor(t)
	// 1 V maps straight to 1000 mbar with unit multiplier and no offset.
	s.SetConversion(0, 0, 1)
	oneVoltCounts := (1.0 / bench.ADCReferenceVolts) * bench.ADCFullScale
	dev.counts[0] = int32(oneVoltCounts)

	p, err := s.ReadPressure(0, false)
	require.NoError(t, err)
	assert.InDelta(t, 1000, p, 0.5)
}

func TestSetConversion_PerChannel(t *testing.T) {
	s, dev, cfg := newTestSensor(t)

	// Calibrating channel 1 must not disturb channel 0's conversion.
	oneVoltCounts := (1.0 / bench.ADCReferenceVolts) * bench.ADCFullScale
	oneVolt := int32(oneVoltCounts)
	dev.counts[0] = countsFor(cfg, 150)
	dev.counts[1] = oneVolt

	s.SetConversion(1, 0, 2)

	p0, err := s.ReadPressure(0, false)
	require.NoError(t, err)
	assert.InDelta(t, 150, p0, 0.5, "channel 0 keeps the configured defaults")

	p1, err := s.ReadPressure(1, false)
	require.NoError(t, err)
	assert.InDelta(t, 2000, p1, 0.5)
}

func TestErrorBackoff_DisablesChannel(t *testing.T) {
	s, dev, cfg := newTestSensor(t)
	dev.setError(errors.New("read glitch"))

	slept := 0
	s.sleep = func(time.Duration) { slept++ }

	for i := 0; i < cfg.Sensor.ErrorThreshold; i++ {
		_, err := s.ReadPressure(0, false)
		assert.Error(t, err)
	}

	// Threshold reached: the channel short-circuits with a cooldown taken
	// exactly once.
	_, err := s.ReadPressure(0, false)
	assert.ErrorIs(t, err, ErrChannelUnavailable)
	assert.Equal(t, 1, slept)

	_, err = s.ReadPressure(0, false)
	assert.ErrorIs(t, err, ErrChannelUnavailable)
	assert.Equal(t, 1, slept, "cooldown is not repeated")
}

func TestErrorBackoff_VoltageReadsShareThePolicy(t *testing.T) {
	s, dev, cfg := newTestSensor(t)
	dev.setError(errors.New("read glitch"))

	slept := 0
	s.sleep = func(time.Duration) { slept++ }

	// Voltage reads (the calibration path) hit the same counter and take the
	// same one-shot cooldown as pressure reads.
	for i := 0; i < cfg.Sensor.ErrorThreshold; i++ {
		_, err := s.ReadVoltage(0)
		assert.Error(t, err)
	}

	_, err := s.ReadVoltage(0)
	assert.ErrorIs(t, err, ErrChannelUnavailable)
	assert.Equal(t, 1, slept)

	_, err = s.ReadVoltage(0)
	assert.ErrorIs(t, err, ErrChannelUnavailable)
	assert.Equal(t, 1, slept, "cooldown is not repeated")

	// Pressure reads on the disabled channel fail fast without another sleep.
	_, err = s.ReadPressure(0, false)
	assert.ErrorIs(t, err, ErrChannelUnavailable)
	assert.Equal(t, 1, slept)
}

func TestErrorBackoff_SuccessResetsCounter(t *testing.T) {
	s, dev, cfg := newTestSensor(t)
	dev.setError(errors.New("read glitch"))

	for i := 0; i < cfg.Sensor.ErrorThreshold-1; i++ {
		_, err := s.ReadPressure(0, false)
		assert.Error(t, err)
	}

	dev.setError(nil)
	dev.counts[0] = countsFor(cfg, 50)

	_, err := s.ReadPressure(0, false)
	require.NoError(t, err)

	// The counter was reset, so a fresh burst of errors is tolerated again.
	dev.setError(errors.New("read glitch"))
	for i := 0; i < cfg.Sensor.ErrorThreshold-1; i++ {
		_, err := s.ReadPressure(0, false)
		assert.Error(t, err)
		assert.NotErrorIs(t, err, ErrChannelUnavailable)
	}
}

func TestResetErrorCounters(t *testing.T) {
	s, dev, cfg := newTestSensor(t)
	dev.setError(errors.New("read glitch"))

	for i := 0; i < cfg.Sensor.ErrorThreshold+1; i++ {
		s.ReadPressure(0, false)
	}
	_, err := s.ReadPressure(0, false)
	assert.ErrorIs(t, err, ErrChannelUnavailable)

	s.ResetErrorCounters()
	dev.setError(nil)
	dev.counts[0] = countsFor(cfg, 50)

	_, err = s.ReadPressure(0, false)
	assert.NoError(t, err)
}

func TestConnectivityLoss_TriggersReinit(t *testing.T) {
	s, dev, _ := newTestSensor(t)
	dev.setError(fmt.Errorf("stream down: %w", bench.ErrConnLost))

	_, err := s.ReadVoltage(0)
	assert.Error(t, err)
	assert.Equal(t, 1, dev.reinitCount())

	// Further losses inside the rate limit window do not re-trigger.
	_, _ = s.ReadVoltage(0)
	_, _ = s.ReadVoltage(0)
	assert.Equal(t, 1, dev.reinitCount())
}

func TestTransientError_DoesNotReinit(t *testing.T) {
	s, dev, _ := newTestSensor(t)
	dev.setError(fmt.Errorf("channel 0: %w", bench.ErrStale))

	_, err := s.ReadVoltage(0)
	assert.Error(t, err)
	assert.Equal(t, 0, dev.reinitCount())
}

func TestReadAll(t *testing.T) {
	s, dev, cfg := newTestSensor(t)
	dev.counts[0] = countsFor(cfg, 100)
	dev.counts[1] = countsFor(cfg, 200)
	dev.counts[2] = countsFor(cfg, 300)

	readings := s.ReadAll(false)
	require.Len(t, readings, config.NumChambers)
	for i, want := range []float64{100, 200, 300} {
		require.NoError(t, readings[i].Err)
		assert.InDelta(t, want, readings[i].Pressure, 0.5)
	}
}

func TestTakeAveraged(t *testing.T) {
	s, dev, cfg := newTestSensor(t)
	dev.counts[1] = countsFor(cfg, 250)

	avg, err := s.TakeAveraged(1, 5, 0)
	require.NoError(t, err)
	assert.InDelta(t, 250, avg, 0.5)
}

func TestTakeAveraged_AllFailures(t *testing.T) {
	s, dev, _ := newTestSensor(t)
	dev.setError(errors.New("read glitch"))

	_, err := s.TakeAveraged(0, 3, 0)
	assert.Error(t, err)
}

func TestCheckStability(t *testing.T) {
	s, dev, cfg := newTestSensor(t)
	dev.counts[0] = countsFor(cfg, 300)

	stable, avg, dev0 := s.CheckStability(0, 10, 0, 2.0)
	assert.True(t, stable)
	assert.InDelta(t, 300, avg, 0.5)
	assert.InDelta(t, 0, dev0, 0.01)
}

func TestValidate(t *testing.T) {
	s, dev, cfg := newTestSensor(t)
	dev.counts[0] = countsFor(cfg, 150)
	dev.counts[1] = countsFor(cfg, cfg.Pressure.MaxPressure*1.2)
	dev.counts[2] = countsFor(cfg, 0)

	results := s.Validate()
	assert.True(t, results[0])
	assert.False(t, results[1], "above 110%% of max pressure")
	assert.True(t, results[2])
}
