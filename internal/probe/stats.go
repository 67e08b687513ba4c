package probe

import (
	"context"
	"math"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/RyoshiTheDev/speedtest-website/internal/data"
)

var logger = logging.Logger("probe")

// ProgressFunc receives the overall test progress in percent.
type ProgressFunc func(percent int)

func (f ProgressFunc) report(percent int) {
	if f != nil {
		f(percent)
	}
}

// Mbps converts a transfer into megabits per second:
// bytes*8 / (seconds*1e6). A non-positive elapsed time yields 0.
func Mbps(bytes int64, elapsed time.Duration) float64 {
	secs := elapsed.Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(bytes) * 8 / (secs * 1e6)
}

// Round2 rounds to two decimal places.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func Mean(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range samples {
		sum += s
	}
	return sum / float64(len(samples))
}

// SampleStdDev is the sample standard deviation (n-1 denominator).
// It is 0 for fewer than two samples.
func SampleStdDev(samples []float64) float64 {
	if len(samples) < 2 {
		return 0
	}
	avg := Mean(samples)
	sq := 0.0
	for _, s := range samples {
		d := s - avg
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(samples)-1))
}

// Summarize reduces latency samples to a rounded result.
func Summarize(samples []float64) data.LatencyResult {
	if len(samples) == 0 {
		return data.LatencyResult{}
	}
	lo, hi := math.MaxFloat64, 0.0
	for _, s := range samples {
		lo = math.Min(lo, s)
		hi = math.Max(hi, s)
	}
	return data.LatencyResult{
		Avg:     Round2(Mean(samples)),
		Jitter:  Round2(SampleStdDev(samples)),
		Min:     Round2(lo),
		Max:     Round2(hi),
		Samples: len(samples),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func milliseconds(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
