package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// NumChambers is the number of independently pressurized test chambers.
const NumChambers = 3

// Config represents the application configuration.
type Config struct {
	Serial      SerialConfig      `yaml:"serial"`
	Conversion  ConversionConfig  `yaml:"conversion"`
	Pressure    PressureConfig    `yaml:"pressure"`
	Timing      TimingConfig      `yaml:"timing"`
	Sensor      SensorConfig      `yaml:"sensor"`
	Regulator   RegulatorConfig   `yaml:"regulator"`
	Calibration CalibrationConfig `yaml:"calibration"`
	Store       StoreConfig       `yaml:"store"`
	Mock        MockConfig        `yaml:"mock"`
}

// SerialConfig contains serial port configuration for the bench MCU.
type SerialConfig struct {
	Port string `yaml:"port"`
}

// ConversionConfig contains the default voltage to pressure conversion
// parameters. These are overridden by the active calibration when one exists.
type ConversionConfig struct {
	VoltageOffset     float64 `yaml:"voltage_offset"`     // V
	VoltageMultiplier float64 `yaml:"voltage_multiplier"` // applied as x1000 to yield mbar
}

// PressureConfig contains default per-chamber pressure parameters in mbar.
type PressureConfig struct {
	Target      float64 `yaml:"target"`
	Threshold   float64 `yaml:"threshold"`
	Tolerance   float64 `yaml:"tolerance"`
	MaxPressure float64 `yaml:"max_pressure"`
}

// TimingConfig contains test phase durations and timeouts.
type TimingConfig struct {
	TestDuration      time.Duration `yaml:"test_duration"`
	StabilizationTime time.Duration `yaml:"stabilization_time"`
	EmptyTime         time.Duration `yaml:"empty_time"`
	FillTimeout       time.Duration `yaml:"fill_timeout"`
	RegulationTimeout time.Duration `yaml:"regulation_timeout"`
}

// SensorConfig contains pressure channel filtering and error backoff parameters.
type SensorConfig struct {
	FilterAlpha    float64       `yaml:"filter_alpha"`    // EMA factor, lower = more smoothing
	ErrorThreshold int           `yaml:"error_threshold"` // consecutive errors before channel disable
	ErrorCooldown  time.Duration `yaml:"error_cooldown"`  // sleep once the threshold is reached
}

// RegulatorMode contains the base pulse timing for one regulation mode.
type RegulatorMode struct {
	Threshold float64 `yaml:"threshold"` // mbar from target for this mode
	PulseOn   float64 `yaml:"pulse_on"`  // seconds
	PulseOff  float64 `yaml:"pulse_off"` // seconds
}

// RegulatorConfig contains the adaptive regulation mode table.
type RegulatorConfig struct {
	Fast        RegulatorMode `yaml:"fast"`
	Medium      RegulatorMode `yaml:"medium"`
	Fine        RegulatorMode `yaml:"fine"`
	StableCount int           `yaml:"stable_count"` // in-tolerance samples before "regulated"
}

// CalibrationConfig contains guided calibration session parameters.
type CalibrationConfig struct {
	Targets         []float64     `yaml:"targets"`          // reference pressures in mbar
	TargetBand      float64       `yaml:"target_band"`      // acceptance band around non-zero targets, mbar
	StabilitySample int           `yaml:"stability_sample"` // samples per stability check
	StabilityDelay  time.Duration `yaml:"stability_delay"`  // delay between stability samples
	StabilityStdDev float64       `yaml:"stability_stddev"` // max standard deviation, mbar
	MinRSquared     float64       `yaml:"min_r_squared"`    // below this the fit is flagged as poor
}

// StoreConfig contains database file locations.
type StoreConfig struct {
	CalibrationPath string `yaml:"calibration_path"`
	ResultsPath     string `yaml:"results_path"`
	MaxResults      int    `yaml:"max_results"` // rotating cap on stored test runs
}

// MockConfig contains mock bench physics parameters.
type MockConfig struct {
	FillRate   float64       `yaml:"fill_rate"`   // mbar/s with inlet open
	VentRate   float64       `yaml:"vent_rate"`   // mbar/s with outlet open
	LeakRate   float64       `yaml:"leak_rate"`   // mbar/s passive loss, 0 = tight chamber
	NoiseLevel float64       `yaml:"noise_level"` // mbar
	SampleRate time.Duration `yaml:"sample_rate"`
}

// Default returns a default configuration with sensible values.
func Default() *Config {
	return &Config{
		Serial: SerialConfig{
			Port: "/dev/ttyACM0",
		},
		Conversion: ConversionConfig{
			VoltageOffset:     -0.579,
			VoltageMultiplier: 1.286,
		},
		Pressure: PressureConfig{
			Target:      150,
			Threshold:   5,
			Tolerance:   2,
			MaxPressure: 600,
		},
		Timing: TimingConfig{
			TestDuration:      90 * time.Second,
			StabilizationTime: 25 * time.Second,
			EmptyTime:         10 * time.Second,
			FillTimeout:       60 * time.Second,
			RegulationTimeout: 120 * time.Second,
		},
		Sensor: SensorConfig{
			FilterAlpha:    0.2,
			ErrorThreshold: 5,
			ErrorCooldown:  2 * time.Second,
		},
		Regulator: RegulatorConfig{
			Fast:        RegulatorMode{Threshold: 10.0, PulseOn: 0.1, PulseOff: 0.05},
			Medium:      RegulatorMode{Threshold: 5.0, PulseOn: 0.05, PulseOff: 0.1},
			Fine:        RegulatorMode{Threshold: 1.0, PulseOn: 0.02, PulseOff: 0.2},
			StableCount: 5,
		},
		Calibration: CalibrationConfig{
			Targets:         []float64{0, 300, 600},
			TargetBand:      20,
			StabilitySample: 20,
			StabilityDelay:  50 * time.Millisecond,
			StabilityStdDev: 2.0,
			MinRSquared:     0.95,
		},
		Store: StoreConfig{
			CalibrationPath: "data/calibration.db",
			ResultsPath:     "data/results.db",
			MaxResults:      1000,
		},
		Mock: MockConfig{
			FillRate:   120,
			VentRate:   200,
			LeakRate:   0,
			NoiseLevel: 0.3,
			SampleRate: 10 * time.Millisecond,
		},
	}
}

// Load loads configuration from a YAML file. If the file doesn't exist or
// fields are missing, it uses default values.
func Load(filename string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			// File doesn't exist, return defaults
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Ensure minimum required fields are set (use defaults if missing)
	cfg.ensureDefaults()

	return cfg, nil
}

// Save saves the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ensureDefaults ensures that all required fields have default values if missing.
func (c *Config) ensureDefaults() {
	def := Default()

	if c.Serial.Port == "" {
		c.Serial.Port = def.Serial.Port
	}

	if c.Conversion.VoltageMultiplier == 0 {
		c.Conversion.VoltageMultiplier = def.Conversion.VoltageMultiplier
	}

	if c.Pressure.Target == 0 {
		c.Pressure.Target = def.Pressure.Target
	}
	if c.Pressure.Threshold == 0 {
		c.Pressure.Threshold = def.Pressure.Threshold
	}
	if c.Pressure.Tolerance == 0 {
		c.Pressure.Tolerance = def.Pressure.Tolerance
	}
	if c.Pressure.MaxPressure == 0 {
		c.Pressure.MaxPressure = def.Pressure.MaxPressure
	}

	if c.Timing.TestDuration == 0 {
		c.Timing.TestDuration = def.Timing.TestDuration
	}
	if c.Timing.StabilizationTime == 0 {
		c.Timing.StabilizationTime = def.Timing.StabilizationTime
	}
	if c.Timing.EmptyTime == 0 {
		c.Timing.EmptyTime = def.Timing.EmptyTime
	}
	if c.Timing.FillTimeout == 0 {
		c.Timing.FillTimeout = def.Timing.FillTimeout
	}
	if c.Timing.RegulationTimeout == 0 {
		c.Timing.RegulationTimeout = def.Timing.RegulationTimeout
	}

	if c.Sensor.FilterAlpha == 0 {
		c.Sensor.FilterAlpha = def.Sensor.FilterAlpha
	}
	if c.Sensor.ErrorThreshold == 0 {
		c.Sensor.ErrorThreshold = def.Sensor.ErrorThreshold
	}
	if c.Sensor.ErrorCooldown == 0 {
		c.Sensor.ErrorCooldown = def.Sensor.ErrorCooldown
	}

	if c.Regulator.Fast.Threshold == 0 {
		c.Regulator.Fast = def.Regulator.Fast
	}
	if c.Regulator.Medium.Threshold == 0 {
		c.Regulator.Medium = def.Regulator.Medium
	}
	if c.Regulator.Fine.Threshold == 0 {
		c.Regulator.Fine = def.Regulator.Fine
	}
	if c.Regulator.StableCount == 0 {
		c.Regulator.StableCount = def.Regulator.StableCount
	}

	if len(c.Calibration.Targets) == 0 {
		c.Calibration.Targets = def.Calibration.Targets
	}
	if c.Calibration.TargetBand == 0 {
		c.Calibration.TargetBand = def.Calibration.TargetBand
	}
	if c.Calibration.StabilitySample == 0 {
		c.Calibration.StabilitySample = def.Calibration.StabilitySample
	}
	if c.Calibration.StabilityDelay == 0 {
		c.Calibration.StabilityDelay = def.Calibration.StabilityDelay
	}
	if c.Calibration.StabilityStdDev == 0 {
		c.Calibration.StabilityStdDev = def.Calibration.StabilityStdDev
	}
	if c.Calibration.MinRSquared == 0 {
		c.Calibration.MinRSquared = def.Calibration.MinRSquared
	}

	if c.Store.CalibrationPath == "" {
		c.Store.CalibrationPath = def.Store.CalibrationPath
	}
	if c.Store.ResultsPath == "" {
		c.Store.ResultsPath = def.Store.ResultsPath
	}
	if c.Store.MaxResults == 0 {
		c.Store.MaxResults = def.Store.MaxResults
	}

	if c.Mock.FillRate == 0 {
		c.Mock.FillRate = def.Mock.FillRate
	}
	if c.Mock.VentRate == 0 {
		c.Mock.VentRate = def.Mock.VentRate
	}
	if c.Mock.SampleRate == 0 {
		c.Mock.SampleRate = def.Mock.SampleRate
	}
}
