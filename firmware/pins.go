//go:build tinygo

package main

import "machine"

const (
	// Sampling configuration
	SAMPLE_INTERVAL_MS = 1  // ADC read interval in milliseconds (same for all channels)
	NUM_SAMPLES        = 10 // Number of samples to average per output line

	// ADC configuration
	ADC_REFERENCE_MV = 3300 // Reference voltage in millivolts (3.3V)
	ADC_RESOLUTION   = 12   // ADC resolution in bits (12-bit = 0-4095)

	// Valve pins: one inlet and one outlet solenoid per chamber
	PIN_INLET1  = machine.D4
	PIN_OUTLET1 = machine.D5
	PIN_INLET2  = machine.D6
	PIN_OUTLET2 = machine.D7
	PIN_INLET3  = machine.D8
	PIN_OUTLET3 = machine.D9

	// Pressure transducer ADC pins (channel 3 is a spare input)
	PIN_ADC0 = machine.A0
	PIN_ADC1 = machine.A1
	PIN_ADC2 = machine.A2
	PIN_ADC3 = machine.A3

	// Serial configuration
	// Baud rate calculation: Format "unix_micros,ch0,ch1,ch2,ch3\n"
	// Example: "1234567890123456,4095,4095,4095,4095\n" = ~38 bytes max per line
	// 100 outputs/sec * 38 bytes/line = 3,800 bytes/sec
	// UART 8N1: 10 bits/byte = 38,000 baud minimum
	// 115200 provides ~3x headroom (11,520 bytes/sec max / 3,800 bytes/sec required)
	UART_BAUD_RATE = 115200
)
