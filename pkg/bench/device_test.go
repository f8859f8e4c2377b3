package bench

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Defaults(t *testing.T) {
	d := New("/dev/ttyACM0", 0)
	assert.Equal(t, DefaultBaudRate, d.baudRate)
	assert.Equal(t, DefaultStaleness, d.staleness)
	assert.False(t, d.IsConnected())
}

func TestParseLine(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		wantErr bool
		counts  [NumChannels]int32
	}{
		{
			name:   "valid line",
			line:   "1234567890123,11264,11270,11255,0",
			counts: [NumChannels]int32{11264, 11270, 11255, 0},
		},
		{
			name:   "negative counts",
			line:   "1234567890123,-100,0,32767,-32768",
			counts: [NumChannels]int32{-100, 0, 32767, -32768},
		},
		{
			name:    "too few fields",
			line:    "1234567890123,11264,11270",
			wantErr: true,
		},
		{
			name:    "too many fields",
			line:    "1234567890123,1,2,3,4,5",
			wantErr: true,
		},
		{
			name:    "bad timestamp",
			line:    "abc,1,2,3,4",
			wantErr: true,
		},
		{
			name:    "bad count",
			line:    "1234567890123,1,x,3,4",
			wantErr: true,
		},
		{
			name:    "count out of range",
			line:    "1234567890123,1,2,3,40000",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			at, counts, err := parseLine(tt.line)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.counts, counts)
			assert.Equal(t, time.Unix(0, 1234567890123*1000), at)
		})
	}
}

func TestSerial_ReadADC_NotConnected(t *testing.T) {
	d := New("/dev/ttyACM0", DefaultBaudRate)

	_, err := d.ReadADC(0)
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = d.ReadADC(-1)
	assert.Error(t, err)
	_, err = d.ReadADC(NumChannels)
	assert.Error(t, err)
}

func TestSerial_StalenessUsesHostClock(t *testing.T) {
	d := New("/dev/ttyACM0", DefaultBaudRate)
	d.connected = true

	// An MCU without an RTC stamps lines with time since boot, which is
	// decades in the past as a unix time. A just-received sample must still
	// read fresh.
	bootClock := time.Unix(0, 12*int64(time.Second))
	d.storeCounts([NumChannels]int32{100, 200, 300, 0}, bootClock)

	raw, err := d.ReadADC(0)
	require.NoError(t, err)
	assert.Equal(t, int32(100), raw)

	// The MCU timestamp is retained as data alongside the host stamp.
	assert.Equal(t, bootClock, d.latest[0].deviceAt)
	assert.WithinDuration(t, time.Now(), d.latest[0].at, time.Second)
}

func TestSerial_ReadADC_Stale(t *testing.T) {
	d := New("/dev/ttyACM0", DefaultBaudRate)
	d.connected = true

	d.storeCounts([NumChannels]int32{100, 0, 0, 0}, time.Now())
	d.latest[0].at = time.Now().Add(-2 * DefaultStaleness)

	_, err := d.ReadADC(0)
	assert.ErrorIs(t, err, ErrStale)
}

func TestSerial_SetValves_NotConnected(t *testing.T) {
	d := New("/dev/ttyACM0", DefaultBaudRate)
	err := d.SetValves(0, true, false)
	assert.ErrorIs(t, err, ErrNotConnected)
}
