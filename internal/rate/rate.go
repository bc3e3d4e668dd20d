// Package rate reports transfer throughput and progress.
package rate

import (
	"math"
	"time"
)

// NewMeter returns a function reporting the average rate in bytes per
// second since start, given the cumulative byte count.
func NewMeter(start time.Time) func(bytes int64) float64 {
	return NewMeterWithClock(start, time.Now)
}

func NewMeterWithClock(start time.Time, now func() time.Time) func(bytes int64) float64 {
	return func(bytes int64) float64 {
		elapsed := now().Sub(start).Seconds()
		if elapsed <= 0 {
			return 0
		}
		return float64(bytes) / elapsed
	}
}

// Progress returns the completed percentage, rounded up. An empty total is
// complete.
func Progress(done, total int64) int {
	if total <= 0 {
		return 100
	}
	if done >= total {
		return 100
	}
	if done <= 0 {
		return 0
	}
	return int(math.Ceil(float64(done) * 100 / float64(total)))
}
