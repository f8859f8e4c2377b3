//go:build tinygo

//go:generate tinygo flash -target=xiao

package main

import (
	"machine"
	"time"
)

const numChannels = 4

var (
	adcs [numChannels]machine.ADC
	uart = machine.UART0

	inletPins  = [3]machine.Pin{PIN_INLET1, PIN_INLET2, PIN_INLET3}
	outletPins = [3]machine.Pin{PIN_OUTLET1, PIN_OUTLET2, PIN_OUTLET3}

	// ADC averaging - running sums and counts
	sums  [numChannels]uint32
	count int

	// Timing
	lastADCRead time.Time

	// Serial buffer for reading valve command lines
	serialBuffer [16]byte
	serialPos    int
)

func main() {
	// Configure valve pins as outputs, all closed
	for i := range 3 {
		inletPins[i].Configure(machine.PinConfig{Mode: machine.PinOutput})
		outletPins[i].Configure(machine.PinConfig{Mode: machine.PinOutput})
		inletPins[i].Low()
		outletPins[i].Low()
	}

	// Configure ADC pins and set up ADCs with highest resolution
	adcPins := [numChannels]machine.Pin{PIN_ADC0, PIN_ADC1, PIN_ADC2, PIN_ADC3}
	adcConfig := machine.ADCConfig{
		Reference:  ADC_REFERENCE_MV,
		Resolution: ADC_RESOLUTION,
	}
	for i := range numChannels {
		adcPins[i].Configure(machine.PinConfig{Mode: machine.PinInput})
		adcs[i] = machine.ADC{Pin: adcPins[i]}
		adcs[i].Configure(adcConfig)
	}

	// Configure UART for valve control
	uart.Configure(machine.UARTConfig{
		BaudRate: UART_BAUD_RATE,
	})

	// Initialize timing
	lastADCRead = time.Now()

	// Main loop
	for {
		now := time.Now()

		// Check for serial input (non-blocking)
		processSerial()

		// Read all ADC channels at the same rate (every 1ms)
		if now.Sub(lastADCRead) >= time.Duration(SAMPLE_INTERVAL_MS)*time.Millisecond {
			for i := range numChannels {
				sums[i] += uint32(adcs[i].Get())
			}
			count++
			lastADCRead = now
		}

		// Output once N samples are accumulated
		if count >= NUM_SAMPLES {
			outputAveragedValues()
			for i := range numChannels {
				sums[i] = 0
			}
			count = 0
		}

		// Small delay to prevent tight loop (but still allow precise timing)
		time.Sleep(100 * time.Microsecond)
	}
}

func outputAveragedValues() {
	n := count
	if n == 0 {
		n = 1 // Avoid division by zero
	}

	// Get timestamp in unix microseconds
	timestampMicros := time.Now().UnixNano() / 1000

	// Output format: "unix_micros,ch0,ch1,ch2,ch3\n"
	// Example: "1234567890123,2048,2050,2047,0\n"
	print(timestampMicros)
	for i := range numChannels {
		print(",")
		print(uint16(sums[i] / uint32(n)))
	}
	print("\n")
}

func processSerial() {
	// Read available bytes from serial
	for uart.Buffered() > 0 {
		data, err := uart.ReadByte()
		if err != nil {
			break
		}

		// Check for newline (end of line)
		if data == '\n' || data == '\r' {
			if serialPos == 4 && serialBuffer[0] == 'V' {
				// Complete valve command: V<chamber><inlet><outlet>
				updateValves()
			}
			// Reset buffer regardless of length
			serialPos = 0
			continue
		}

		// Ignore whitespace
		if data == ' ' || data == '\t' {
			continue
		}

		if serialPos < len(serialBuffer) {
			serialBuffer[serialPos] = data
			serialPos++
		}
	}
}

func updateValves() {
	chamber := int(serialBuffer[1] - '0')
	if chamber < 0 || chamber > 2 {
		return
	}
	if serialBuffer[2] != '0' && serialBuffer[2] != '1' {
		return
	}
	if serialBuffer[3] != '0' && serialBuffer[3] != '1' {
		return
	}

	if serialBuffer[2] == '1' {
		inletPins[chamber].High()
	} else {
		inletPins[chamber].Low()
	}
	if serialBuffer[3] == '1' {
		outletPins[chamber].High()
	} else {
		outletPins[chamber].Low()
	}
}
