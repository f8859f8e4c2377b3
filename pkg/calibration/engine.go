// Package calibration fits and persists the voltage to pressure conversion
// for the bench transducers. A fit is an ordinary least squares line through
// operator-recorded reference points; the active fit is applied to the sensor
// at startup and after every successful calibration.
package calibration

import (
	"errors"
	"time"
)

// ErrInsufficientPoints is returned when fewer than two points are available.
var ErrInsufficientPoints = errors.New("calibration requires at least two points")

// ErrDegenerateFit is returned when all points share the same voltage, which
// leaves the slope undefined.
var ErrDegenerateFit = errors.New("calibration points have no voltage spread")

// Point pairs a measured transducer voltage with its reference pressure.
type Point struct {
	Voltage   float64 // V
	Pressure  float64 // mbar, from the external reference gauge
	Timestamp time.Time
}

// Result is a fitted conversion: pressure = Multiplier*voltage + Offset.
type Result struct {
	Multiplier float64 // mbar per volt
	Offset     float64 // mbar
	RSquared   float64
}

// SensorConversion translates the fit into the volt-domain parameters the
// sensor applies (both scaled x1000 during conversion).
func (r Result) SensorConversion() (offset, multiplier float64) {
	return r.Offset / 1000.0, r.Multiplier / 1000.0
}

// Calculate fits a least squares line through the given points. RSquared is
// zero when the reference pressures have no variance.
func Calculate(points []Point) (Result, error) {
	if len(points) < 2 {
		return Result{}, ErrInsufficientPoints
	}

	n := float64(len(points))
	var sumV, sumP, sumVV, sumVP float64
	for _, pt := range points {
		sumV += pt.Voltage
		sumP += pt.Pressure
		sumVV += pt.Voltage * pt.Voltage
		sumVP += pt.Voltage * pt.Pressure
	}

	denom := n*sumVV - sumV*sumV
	if denom == 0 {
		return Result{}, ErrDegenerateFit
	}

	mult := (n*sumVP - sumV*sumP) / denom
	off := (sumP - mult*sumV) / n

	meanP := sumP / n
	var ssRes, ssTot float64
	for _, pt := range points {
		pred := mult*pt.Voltage + off
		ssRes += (pt.Pressure - pred) * (pt.Pressure - pred)
		ssTot += (pt.Pressure - meanP) * (pt.Pressure - meanP)
	}

	r2 := 0.0
	if ssTot > 0 {
		r2 = 1 - ssRes/ssTot
	}

	return Result{Multiplier: mult, Offset: off, RSquared: r2}, nil
}
