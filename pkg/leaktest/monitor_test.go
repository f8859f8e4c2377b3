package leaktest

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/gomct/pkg/bench"
	"github.com/itohio/gomct/pkg/config"
	"github.com/itohio/gomct/pkg/sensor"
)

func TestMonitor_PublishesReadings(t *testing.T) {
	cfg := fastConfig()
	dev := bench.NewMock(cfg)
	require.NoError(t, dev.Connect())
	defer dev.Close()

	dev.SetPressure(0, 100)
	sens := sensor.New(dev, cfg)

	var published atomic.Int64
	var last atomic.Value

	m := NewMonitor(sens, 2*time.Millisecond, func(readings [config.NumChambers]sensor.Reading) {
		published.Add(1)
		last.Store(readings)
	})

	m.Start()
	assert.True(t, m.Running())
	m.Start() // restart is a no-op

	deadline := time.Now().Add(2 * time.Second)
	for published.Load() < 5 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	require.GreaterOrEqual(t, published.Load(), int64(5))

	m.Stop()
	assert.False(t, m.Running())
	m.Stop() // double stop is safe

	readings := last.Load().([config.NumChambers]sensor.Reading)
	require.NoError(t, readings[0].Err)
	assert.InDelta(t, 100, readings[0].Pressure, 1.0)
}

func TestMonitor_StopHaltsPublishing(t *testing.T) {
	cfg := fastConfig()
	dev := bench.NewMock(cfg)
	require.NoError(t, dev.Connect())
	defer dev.Close()

	sens := sensor.New(dev, cfg)

	var published atomic.Int64
	m := NewMonitor(sens, time.Millisecond, func([config.NumChambers]sensor.Reading) {
		published.Add(1)
	})

	m.Start()
	time.Sleep(20 * time.Millisecond)
	m.Stop()

	n := published.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, published.Load(), "no publishes after Stop returns")
}
