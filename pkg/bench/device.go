package bench

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

const (
	// DefaultBaudRate is the standard baud rate for the bench MCU.
	DefaultBaudRate = 115200
	// NumChannels is the number of ADC channels streamed by the MCU.
	NumChannels = 4
	// ADCFullScale is the positive full-scale count of the 16-bit ADC.
	ADCFullScale = 32767
	// ADCReferenceVolts is the voltage at positive full scale (gain 1).
	ADCReferenceVolts = 4.096
	// DefaultStaleness is how old a channel sample may be before reads fail.
	DefaultStaleness = 500 * time.Millisecond
)

// reading is the last decoded sample for one ADC channel. at is stamped with
// the host clock on receipt; deviceAt is the MCU's own timestamp, which counts
// from boot on RTC-less boards and is kept only as diagnostic data.
type reading struct {
	raw      int32
	at       time.Time
	deviceAt time.Time
}

// Port represents a serial port.
type Port struct {
	Name        string
	Description string
}

// Serial represents a connection to the bench MCU.
//
// The MCU continuously streams ADC sample lines and accepts valve commands:
//
//	in:  unix_micros,ch0,ch1,ch2,ch3
//	out: V<chamber><inlet><outlet>\n   e.g. "V010\n" opens chamber 0 inlet
//
// ReadADC returns the most recent decoded count for a channel; it fails with
// ErrStale when the stream has not produced one recently, and with ErrConnLost
// when the reader goroutine has died with the port.
type Serial struct {
	port      string
	baudRate  int
	staleness time.Duration

	conn      serial.Port
	mu        sync.RWMutex
	ctx       context.Context
	cancel    context.CancelFunc
	connected bool
	lost      bool
	latest    [NumChannels]reading
}

// New creates a new Serial device for the given port and baud rate.
func New(port string, baudRate int) *Serial {
	if baudRate == 0 {
		baudRate = DefaultBaudRate
	}

	return &Serial{
		port:      port,
		baudRate:  baudRate,
		staleness: DefaultStaleness,
	}
}

// Ports returns a list of available serial ports.
func Ports() ([]Port, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}

	result := make([]Port, 0, len(ports))
	for _, name := range ports {
		result = append(result, Port{
			Name:        name,
			Description: name,
		})
	}

	return result, nil
}

// Connect opens the serial port and starts decoding the sample stream.
func (d *Serial) Connect() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.connected {
		return fmt.Errorf("already connected")
	}

	mode := &serial.Mode{
		BaudRate: d.baudRate,
	}

	port, err := serial.Open(d.port, mode)
	if err != nil {
		return fmt.Errorf("failed to open serial port %s: %w", d.port, err)
	}

	d.conn = port
	d.connected = true
	d.lost = false
	d.latest = [NumChannels]reading{}
	d.ctx, d.cancel = context.WithCancel(context.Background())

	go d.readSamples(d.ctx, port)

	return nil
}

// Close closes the connection and stops the reader goroutine.
func (d *Serial) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected {
		return nil
	}

	d.cancel()

	if d.conn != nil {
		if err := d.conn.Close(); err != nil {
			log.Printf("Error closing serial port: %v", err)
		}
		d.conn = nil
	}

	d.connected = false

	return nil
}

// Reinit re-arms the device handle after a connectivity loss. Calling it on a
// healthy or already re-initialized device is a no-op on failure paths: the
// old handle is always released before a new open is attempted.
func (d *Serial) Reinit() error {
	if err := d.Close(); err != nil {
		log.Printf("Error closing device during reinit: %v", err)
	}
	return d.Connect()
}

// ReadADC returns the latest decoded count for the given channel.
func (d *Serial) ReadADC(channel int) (int32, error) {
	if channel < 0 || channel >= NumChannels {
		return 0, fmt.Errorf("invalid channel %d", channel)
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.connected {
		return 0, ErrNotConnected
	}
	if d.lost {
		return 0, fmt.Errorf("serial stream down: %w", ErrConnLost)
	}

	r := d.latest[channel]
	if r.at.IsZero() || time.Since(r.at) > d.staleness {
		return 0, fmt.Errorf("channel %d: %w", channel, ErrStale)
	}

	return r.raw, nil
}

// SetValves sets the inlet and outlet valve of one chamber.
func (d *Serial) SetValves(chamber int, inlet, outlet bool) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.connected {
		return ErrNotConnected
	}
	if d.lost {
		return fmt.Errorf("serial stream down: %w", ErrConnLost)
	}

	var cmd strings.Builder
	cmd.WriteByte('V')
	cmd.WriteByte(byte('0' + chamber))
	if inlet {
		cmd.WriteByte('1')
	} else {
		cmd.WriteByte('0')
	}
	if outlet {
		cmd.WriteByte('1')
	} else {
		cmd.WriteByte('0')
	}
	cmd.WriteByte('\n')

	if _, err := d.conn.Write([]byte(cmd.String())); err != nil {
		return fmt.Errorf("failed to send valve command: %w", err)
	}

	return nil
}

// IsConnected returns whether the device is currently connected.
func (d *Serial) IsConnected() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.connected && !d.lost
}

// readSamples reads lines from the serial port and stores decoded channel
// counts. When the scanner stops the link is flagged as lost so that reads
// surface ErrConnLost instead of silently going stale.
func (d *Serial) readSamples(ctx context.Context, conn serial.Port) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Panic in readSamples: %v", r)
		}
	}()

	scanner := bufio.NewScanner(conn)
	for {
		select {
		case <-ctx.Done():
			return
		default:
			if !scanner.Scan() {
				if err := scanner.Err(); err != nil && err != io.EOF {
					log.Printf("Error reading from serial port: %v", err)
				}
				d.markLost()
				return
			}

			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}

			deviceAt, counts, err := parseLine(line)
			if err != nil {
				log.Printf("Failed to parse line '%s': %v", line, err)
				continue
			}

			d.storeCounts(counts, deviceAt)
		}
	}
}

// storeCounts records a decoded sample line. Staleness is judged by the host
// receive time, not the MCU timestamp, so boards without an RTC (whose clock
// counts from boot) do not make every sample look ancient.
func (d *Serial) storeCounts(counts [NumChannels]int32, deviceAt time.Time) {
	now := time.Now()
	d.mu.Lock()
	for ch, raw := range counts {
		d.latest[ch] = reading{raw: raw, at: now, deviceAt: deviceAt}
	}
	d.mu.Unlock()
}

func (d *Serial) markLost() {
	d.mu.Lock()
	d.lost = true
	d.mu.Unlock()
}

// parseLine parses a sample line from the MCU.
// Format: unix_micros,ch0,ch1,ch2,ch3
// Example: 1234567890123,11264,11270,11255,0
func parseLine(line string) (time.Time, [NumChannels]int32, error) {
	var counts [NumChannels]int32

	parts := strings.Split(line, ",")
	if len(parts) != NumChannels+1 {
		return time.Time{}, counts, fmt.Errorf("invalid line format: expected %d comma-separated values, got %d", NumChannels+1, len(parts))
	}

	timestampMicros, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}, counts, fmt.Errorf("invalid timestamp: %w", err)
	}
	at := time.Unix(0, timestampMicros*1000)

	for i := 0; i < NumChannels; i++ {
		raw, err := strconv.ParseInt(parts[i+1], 10, 32)
		if err != nil {
			return time.Time{}, counts, fmt.Errorf("invalid count for channel %d: %w", i, err)
		}
		if raw < -ADCFullScale-1 || raw > ADCFullScale {
			return time.Time{}, counts, fmt.Errorf("count out of range for channel %d: %d", i, raw)
		}
		counts[i] = int32(raw)
	}

	return at, counts, nil
}
