// Package pricing turns payload sizes into cost figures in cents
package pricing

import "math"

const bytesPerMB = 1024 * 1024

type Rates struct {
	InputPerMBCents  float64
	OutputPerMBCents float64
}

// Estimate is the coarse submission-time figure, based on the upload size alone.
func (r Rates) Estimate(inputBytes int64) int64 {
	return roundUp(mb(inputBytes) * r.InputPerMBCents)
}

// Actual prices what was really exchanged with the provider.
func (r Rates) Actual(reqBytes, resBytes int64) int64 {
	return roundUp(mb(reqBytes)*r.InputPerMBCents + mb(resBytes)*r.OutputPerMBCents)
}

func mb(n int64) float64 {
	if n <= 0 {
		return 0
	}
	return float64(n) / bytesPerMB
}

func roundUp(cents float64) int64 {
	if cents <= 0 {
		return 0
	}
	return int64(math.Ceil(cents))
}
