package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/itohio/gomct/pkg/bench"
	"github.com/itohio/gomct/pkg/calibration"
	"github.com/itohio/gomct/pkg/config"
	"github.com/itohio/gomct/pkg/leaktest"
	"github.com/itohio/gomct/pkg/results"
	"github.com/itohio/gomct/pkg/sensor"
)

func main() {
	var (
		portFlag      = flag.String("p", "", "Serial port override (e.g., COM3 or /dev/ttyACM0)")
		configFlag    = flag.String("config", "config.yaml", "Configuration file path")
		mockFlag      = flag.Bool("mock", false, "Use mocked bench instead of serial port")
		chambersFlag  = flag.String("chambers", "1,2,3", "Comma-separated chamber numbers to test")
		targetFlag    = flag.Float64("target", -1, "Target pressure in mbar (overrides config)")
		thresholdFlag = flag.Float64("threshold", -1, "Failure threshold in mbar (overrides config)")
		durationFlag  = flag.Duration("duration", 0, "Test duration (overrides config)")
		calibrateFlag = flag.Int("calibrate", 0, "Run guided calibration on the given chamber (1-based)")
		historyFlag   = flag.Int("history", 0, "Print the last N test results and exit")
	)
	flag.Parse()

	cfg, err := config.Load(*configFlag)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if *portFlag != "" {
		cfg.Serial.Port = *portFlag
	}
	if *targetFlag >= 0 {
		cfg.Pressure.Target = *targetFlag
	}
	if *thresholdFlag >= 0 {
		cfg.Pressure.Threshold = *thresholdFlag
	}
	if *durationFlag > 0 {
		cfg.Timing.TestDuration = *durationFlag
	}

	if *historyFlag > 0 {
		printHistory(cfg, *historyFlag)
		return
	}

	var device bench.Device
	if *mockFlag {
		device = bench.NewMock(cfg)
		fmt.Println("Using mocked bench")
	} else {
		device = bench.New(cfg.Serial.Port, bench.DefaultBaudRate)
	}

	if err := device.Connect(); err != nil {
		log.Fatalf("Failed to connect to bench: %v", err)
	}
	defer device.Close()

	sens := sensor.New(device, cfg)

	calStore, err := calibration.OpenStore(cfg.Store.CalibrationPath)
	if err != nil {
		log.Fatalf("Failed to open calibration store: %v", err)
	}
	defer calStore.Close()

	if err := calibration.ApplyActive(calStore, sens); err != nil {
		log.Printf("Warning: %v", err)
	}

	if *calibrateFlag > 0 {
		runCalibration(cfg, sens, calStore, *calibrateFlag-1)
		return
	}

	runTest(cfg, device, sens, *chambersFlag)
}

// runTest executes one leak test over the selected chambers and prints the
// per-chamber verdicts.
func runTest(cfg *config.Config, device bench.Device, sens *sensor.Sensor, chambersSpec string) {
	selected, err := parseChambers(chambersSpec)
	if err != nil {
		log.Fatalf("Invalid chamber selection: %v", err)
	}

	sink, err := results.Open(cfg.Store.ResultsPath, cfg.Store.MaxResults)
	if err != nil {
		log.Fatalf("Failed to open results store: %v", err)
	}
	defer sink.Close()

	valves := leaktest.NewBenchValves(device)
	runner := leaktest.NewRunner(cfg, valves, sens)
	runner.SetResultSink(sink)

	for i := 0; i < config.NumChambers; i++ {
		runner.Chamber(i).SetEnabled(selected[i])
	}

	runner.SetCallbacks(
		func(state leaktest.State, message string) {
			fmt.Printf("[%s] %s\n", state, message)
		},
		nil,
		func(overall bool, chambers []leaktest.ChamberResult) {
			fmt.Println()
			for _, c := range chambers {
				verdict := "PASS"
				if !c.Passed {
					verdict = "FAIL"
				}
				fmt.Printf("Chamber %d: %s (start %.1f mbar, final %.1f mbar)\n",
					c.ChamberID+1, verdict, c.StartPressure, c.FinalPressure)
			}
			if overall {
				fmt.Println("Overall: PASS")
			} else {
				fmt.Println("Overall: FAIL")
			}
		},
	)

	// First interrupt stops the test cooperatively, a second one slams the
	// valves shut and bails out.
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		fmt.Println("\nStopping test...")
		runner.Stop()
		<-sigs
		fmt.Println("\nEmergency stop")
		runner.EmergencyStop()
	}()

	if err := runner.Start(); err != nil {
		log.Fatalf("Failed to start test: %v", err)
	}
	runner.Wait()
}

// runCalibration walks the operator through the guided calibration flow for
// one chamber and saves the fit as the new active calibration.
func runCalibration(cfg *config.Config, sens *sensor.Sensor, store calibration.Store, chamber int) {
	if chamber < 0 || chamber >= config.NumChambers {
		log.Fatalf("Invalid chamber %d", chamber+1)
	}

	session := calibration.NewSession(sens, cfg, chamber)
	reader := bufio.NewReader(os.Stdin)

	fmt.Printf("Guided calibration for chamber %d\n", chamber+1)

	for _, target := range session.Targets() {
		for {
			fmt.Printf("Bring chamber %d to %.0f mbar (reference gauge) and press Enter...", chamber+1, target)
			if _, err := reader.ReadString('\n'); err != nil {
				log.Fatalf("Input error: %v", err)
			}

			pt, err := session.RecordPoint(target)
			if err != nil {
				var rej *calibration.RejectedError
				if errors.As(err, &rej) {
					fmt.Printf("Rejected: %s. Adjust and retry.\n", rej.Reason)
					fmt.Printf("  measured %.1f mbar, stddev %.2f mbar\n", rej.Measured, rej.StdDev)
					continue
				}
				log.Fatalf("Calibration failed: %v", err)
			}

			fmt.Printf("Recorded %.4f V at %.0f mbar\n", pt.Voltage, target)
			break
		}
	}

	res, err := session.Complete()
	if err != nil {
		log.Fatalf("Calibration failed: %v", err)
	}

	rec, err := store.SaveActive(chamber, res, session.Points())
	if err != nil {
		log.Fatalf("Failed to save calibration: %v", err)
	}

	off, mult := rec.SensorConversion()
	sens.SetConversion(chamber, off, mult)

	fmt.Printf("Calibration saved: multiplier=%.2f mbar/V, offset=%.2f mbar, r²=%.4f\n",
		res.Multiplier, res.Offset, res.RSquared)
}

// printHistory prints the most recent stored test runs.
func printHistory(cfg *config.Config, limit int) {
	store, err := results.Open(cfg.Store.ResultsPath, cfg.Store.MaxResults)
	if err != nil {
		log.Fatalf("Failed to open results store: %v", err)
	}
	defer store.Close()

	runs, err := store.Recent(limit)
	if err != nil {
		log.Fatalf("Failed to read results: %v", err)
	}

	if len(runs) == 0 {
		fmt.Println("No stored test results")
		return
	}

	for _, run := range runs {
		verdict := "PASS"
		if !run.Overall {
			verdict = "FAIL"
		}
		fmt.Printf("#%d  %s  %s  (%s)\n", run.ID,
			run.Timestamp.Local().Format(time.DateTime), verdict, run.Duration)
		for _, c := range run.Chambers {
			cv := "pass"
			if !c.Passed {
				cv = "fail"
			}
			fmt.Printf("    chamber %d: %s  start %.1f  final %.1f  threshold %.1f\n",
				c.ChamberID+1, cv, c.StartPressure, c.FinalPressure, c.Threshold)
		}
	}
}

// parseChambers parses a 1-based comma-separated chamber list into a
// per-chamber enable mask.
func parseChambers(spec string) ([config.NumChambers]bool, error) {
	var mask [config.NumChambers]bool
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return mask, fmt.Errorf("invalid chamber %q", part)
		}
		if n < 1 || n > config.NumChambers {
			return mask, fmt.Errorf("chamber %d out of range 1-%d", n, config.NumChambers)
		}
		mask[n-1] = true
	}
	return mask, nil
}
