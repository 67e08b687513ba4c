package probe

import (
	"context"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/RyoshiTheDev/speedtest-website/internal/data"
)

const (
	latencyProgressStart = 5
	latencyProgressEnd   = 15
)

// DialFunc has the signature of net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Latency measures round-trip time with timed TCP connects to a rotating
// host list, falling back to HTTP HEAD requests when too few connects succeed.
type Latency struct {
	Dial       DialFunc
	Hosts      []string
	Attempts   int
	Timeout    time.Duration
	Interval   time.Duration
	MinSamples int

	Client           *http.Client
	FallbackURL      string
	FallbackAttempts int

	Progress ProgressFunc
}

// Measure never fails on network errors; it only returns the context error
// when the run is cancelled. With no usable samples the result is all zero.
func (p *Latency) Measure(ctx context.Context) (data.LatencyResult, error) {
	p.Progress.report(latencyProgressStart)

	var samples []float64
	for i := 0; i < p.Attempts; i++ {
		host := p.Hosts[i%len(p.Hosts)]
		if rtt, err := p.connect(ctx, host); err != nil {
			logger.Debugf("latency attempt %d to %s failed: %v", i+1, host, err)
		} else {
			samples = append(samples, rtt)
		}
		p.Progress.report(latencyProgressAt(i+1, p.Attempts))

		if ctx.Err() != nil {
			return data.LatencyResult{}, ctx.Err()
		}
		if i < p.Attempts-1 {
			if err := sleepCtx(ctx, p.Interval); err != nil {
				return data.LatencyResult{}, err
			}
		}
	}

	if len(samples) >= p.minSamples() {
		res := Summarize(samples)
		logger.Infof("ping %.2f ms (jitter %.2f ms, %d/%d samples)", res.Avg, res.Jitter, res.Samples, p.Attempts)
		return res, nil
	}

	logger.Warnf("only %d of %d latency samples succeeded, using HTTP fallback", len(samples), p.Attempts)
	return p.fallback(ctx)
}

// minSamples never exceeds the number of attempts, so a run in which every
// connect succeeds is always accepted.
func (p *Latency) minSamples() int {
	if p.MinSamples > p.Attempts {
		return p.Attempts
	}
	return p.MinSamples
}

// latencyProgressAt maps finished attempts onto the 5..15 progress band.
func latencyProgressAt(done, attempts int) int {
	if attempts <= 0 {
		return latencyProgressEnd
	}
	return latencyProgressStart + done*(latencyProgressEnd-latencyProgressStart)/attempts
}

func (p *Latency) connect(ctx context.Context, host string) (float64, error) {
	dialCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	start := time.Now()
	conn, err := p.Dial(dialCtx, "tcp", host)
	if err != nil {
		return 0, err
	}
	rtt := milliseconds(time.Since(start))
	conn.Close()
	return rtt, nil
}

func (p *Latency) fallback(ctx context.Context) (data.LatencyResult, error) {
	if p.Client == nil || p.FallbackURL == "" {
		return data.LatencyResult{}, nil
	}

	var samples []float64
	for i := 0; i < p.FallbackAttempts; i++ {
		if rtt, err := p.head(ctx); err != nil {
			logger.Debugf("fallback latency attempt %d failed: %v", i+1, err)
		} else {
			samples = append(samples, rtt)
		}

		if ctx.Err() != nil {
			return data.LatencyResult{}, ctx.Err()
		}
		if err := sleepCtx(ctx, p.Interval); err != nil {
			return data.LatencyResult{}, err
		}
	}

	if len(samples) == 0 {
		logger.Warn("latency fallback produced no samples")
		return data.LatencyResult{}, nil
	}
	return Summarize(samples), nil
}

func (p *Latency) head(ctx context.Context) (float64, error) {
	reqCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodHead, p.FallbackURL, nil)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	resp, err := p.Client.Do(req)
	if err != nil {
		return 0, err
	}
	rtt := milliseconds(time.Since(start))
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return rtt, nil
}
