package calibration

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/gomct/pkg/config"
)

// fakeChannel scripts the sensor responses for session tests.
type fakeChannel struct {
	voltage float64
	voltErr error

	stable   bool
	measured float64
	stddev   float64
}

func (f *fakeChannel) ReadVoltage(channel int) (float64, error) {
	return f.voltage, f.voltErr
}

func (f *fakeChannel) CheckStability(channel, numSamples int, delay time.Duration, tolerance float64) (bool, float64, float64) {
	return f.stable, f.measured, f.stddev
}

func quickConfig() *config.Config {
	cfg := config.Default()
	cfg.Calibration.StabilitySample = 3
	cfg.Calibration.StabilityDelay = 0
	return cfg
}

func TestSession_RecordPoint(t *testing.T) {
	ch := &fakeChannel{voltage: 0.8, stable: true, measured: 298}
	s := NewSession(ch, quickConfig(), 0)

	pt, err := s.RecordPoint(300)
	require.NoError(t, err)
	assert.InDelta(t, 0.8, pt.Voltage, 1e-9)
	assert.Equal(t, 300.0, pt.Pressure)
	assert.False(t, pt.Timestamp.IsZero(), "point carries its acquisition time")
	assert.Len(t, s.Points(), 1)
}

func TestSession_RejectsUnstablePressure(t *testing.T) {
	ch := &fakeChannel{stable: false, measured: 310, stddev: 8.5}
	s := NewSession(ch, quickConfig(), 0)

	_, err := s.RecordPoint(300)
	require.Error(t, err)

	var rej *RejectedError
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, 300.0, rej.Target)
	assert.Equal(t, 310.0, rej.Measured)
	assert.Equal(t, 8.5, rej.StdDev)
	assert.Empty(t, s.Points())
}

func TestSession_RejectsOutOfBandPressure(t *testing.T) {
	ch := &fakeChannel{stable: true, measured: 350}
	s := NewSession(ch, quickConfig(), 0)

	_, err := s.RecordPoint(300)
	var rej *RejectedError
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, 350.0, rej.Measured)
}

func TestSession_ZeroTargetSkipsBandCheck(t *testing.T) {
	// At ambient the measured pressure may read anywhere near zero; the band
	// check only applies to pressurized targets.
	ch := &fakeChannel{voltage: 0.45, stable: true, measured: 47}
	s := NewSession(ch, quickConfig(), 0)

	pt, err := s.RecordPoint(0)
	require.NoError(t, err)
	assert.Equal(t, 0.0, pt.Pressure)
}

func TestSession_CompleteFitsRecordedPoints(t *testing.T) {
	cfg := quickConfig()
	s := NewSession(&fakeChannel{}, cfg, 0)

	ch := &fakeChannel{stable: true}
	s.ch = ch

	for _, p := range []struct{ v, ref float64 }{
		{0.5, 0}, {1.1, 300}, {1.7, 600},
	} {
		ch.voltage = p.v
		ch.measured = p.ref
		_, err := s.RecordPoint(p.ref)
		require.NoError(t, err)
	}

	res, err := s.Complete()
	require.NoError(t, err)
	assert.InDelta(t, 500, res.Multiplier, 1e-9)
	assert.InDelta(t, -250, res.Offset, 1e-9)
	assert.InDelta(t, 1, res.RSquared, 1e-9)
}

func TestSession_CompleteWithTooFewPoints(t *testing.T) {
	s := NewSession(&fakeChannel{stable: true}, quickConfig(), 0)

	_, err := s.Complete()
	assert.ErrorIs(t, err, ErrInsufficientPoints)
}

func TestSession_PoorFitIsAcceptedWithWarning(t *testing.T) {
	cfg := quickConfig()
	s := NewSession(&fakeChannel{}, cfg, 0)

	ch := &fakeChannel{stable: true}
	s.ch = ch

	// Scattered points: the fit exists but r² is poor.
	for _, p := range []struct{ v, ref float64 }{
		{0.5, 0}, {0.6, 300}, {1.7, 310},
	} {
		ch.voltage = p.v
		ch.measured = p.ref
		_, err := s.RecordPoint(p.ref)
		require.NoError(t, err)
	}

	res, err := s.Complete()
	require.NoError(t, err, "poor fit warns but does not fail")
	assert.Less(t, res.RSquared, cfg.Calibration.MinRSquared)
}

func TestSession_Abort(t *testing.T) {
	ch := &fakeChannel{voltage: 1, stable: true, measured: 300}
	s := NewSession(ch, quickConfig(), 0)

	_, err := s.RecordPoint(300)
	require.NoError(t, err)

	s.Abort()
	assert.Empty(t, s.Points())
}

func TestSession_Targets(t *testing.T) {
	s := NewSession(&fakeChannel{}, quickConfig(), 0)
	assert.Equal(t, []float64{0, 300, 600}, s.Targets())
}
