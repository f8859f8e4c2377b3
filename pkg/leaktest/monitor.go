package leaktest

import (
	"context"
	"sync"
	"time"

	"github.com/itohio/gomct/pkg/config"
	"github.com/itohio/gomct/pkg/sensor"
)

// Monitor periodically samples all chamber channels outside of a test run so
// displays stay live while the bench is idle. The runner has its own
// sampling loop; only one of the two should feed the chamber records at a
// time.
type Monitor struct {
	reader   PressureReader
	interval time.Duration
	publish  func(readings [config.NumChambers]sensor.Reading)

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewMonitor creates a monitor publishing readings through the given
// callback at the given interval (100ms when zero).
func NewMonitor(reader PressureReader, interval time.Duration, publish func([config.NumChambers]sensor.Reading)) *Monitor {
	if interval <= 0 {
		interval = defaultTick
	}
	return &Monitor{reader: reader, interval: interval, publish: publish}
}

// Start launches the sampling loop. Restarting a running monitor is a no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.running = true

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.loop(ctx)
	}()
}

// Stop halts the sampling loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
}

// Running reports whether the monitor is sampling.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Monitor) loop(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			readings := m.reader.ReadAll(true)
			if m.publish != nil {
				m.publish(readings)
			}
		}
	}
}
