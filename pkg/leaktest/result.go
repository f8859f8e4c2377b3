package leaktest

import "time"

// MaxLoggedReadings caps the per-chamber pressure log handed to the result
// sink. Longer logs are decimated.
const MaxLoggedReadings = 100

// ChamberResult is the per-chamber outcome of a finished run.
type ChamberResult struct {
	ChamberID     int
	Enabled       bool
	Target        float64
	Threshold     float64
	Tolerance     float64
	StartPressure float64
	FinalPressure float64
	Passed        bool
	Readings      []float64 // down-sampled testing-phase samples
}

// TestRun is a finished run with its per-chamber outcomes, as delivered to a
// ResultSink for audit storage.
type TestRun struct {
	Timestamp time.Time
	Duration  time.Duration
	Overall   bool
	Chambers  []ChamberResult
}

// ResultSink receives finished runs. Implementations decide how to persist
// them; the runner treats sink failures as log-worthy, not fatal.
type ResultSink interface {
	SaveRun(run TestRun) error
}

// DownsampleReadings decimates a pressure log to at most maxPoints samples.
// Destination-based: reuses dst when it has sufficient capacity, otherwise
// allocates. If len(readings) <= maxPoints all samples are copied.
func DownsampleReadings(dst []float64, readings []float64, maxPoints int) []float64 {
	if len(readings) <= maxPoints {
		if cap(dst) >= len(readings) {
			dst = dst[:len(readings)]
			copy(dst, readings)
			return dst
		}
		result := make([]float64, len(readings))
		copy(result, readings)
		return result
	}

	if cap(dst) >= maxPoints {
		dst = dst[:0]
	} else {
		dst = make([]float64, 0, maxPoints)
	}

	step := float64(len(readings)) / float64(maxPoints)

	for i := 0; i < maxPoints; i++ {
		idx := int(float64(i) * step)
		if idx < len(readings) {
			dst = append(dst, readings[idx])
		}
	}

	return dst
}
