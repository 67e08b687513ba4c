package probe

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/RyoshiTheDev/speedtest-website/internal/data"
)

const (
	downloadProgressStart = 20
	downloadProgressEnd   = 60
)

// Download streams test files from an ordered candidate list. The first
// candidate that yields enough bytes decides the result.
type Download struct {
	Client    *http.Client
	URLs      []string
	TimeCap   time.Duration
	ChunkSize int
	MinBytes  int64
	Progress  ProgressFunc
}

// Measure returns a zero Throughput when every candidate fails. The only
// error it returns is the context error on cancellation.
func (p *Download) Measure(ctx context.Context) (data.Throughput, error) {
	p.Progress.report(downloadProgressStart)

	for i, url := range p.URLs {
		res, err := p.fetch(ctx, url)
		if err == nil {
			logger.Infof("download %.2f Mbps (%d bytes in %.2fs from %s)", res.Mbps, res.Bytes, res.Seconds, url)
			p.Progress.report(downloadProgressEnd)
			return res, nil
		}
		if ctx.Err() != nil {
			return data.Throughput{}, ctx.Err()
		}
		logger.Warnf("download candidate %d/%d (%s) failed: %v", i+1, len(p.URLs), url, err)
	}

	logger.Warn("all download candidates failed")
	p.Progress.report(downloadProgressEnd)
	return data.Throughput{}, nil
}

func (p *Download) fetch(ctx context.Context, url string) (data.Throughput, error) {
	capCtx, cancel := context.WithTimeout(ctx, p.TimeCap)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(capCtx, http.MethodGet, url, nil)
	if err != nil {
		return data.Throughput{}, errors.Wrap(err, "failed to create request")
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return data.Throughput{}, errors.Wrap(err, "request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return data.Throughput{}, errors.Errorf("status code: %d", resp.StatusCode)
	}

	chunk := p.ChunkSize
	if chunk <= 0 {
		chunk = 32 * 1024
	}
	buf := make([]byte, chunk)
	var total int64
	lastPct := downloadProgressStart

	for {
		n, readErr := resp.Body.Read(buf)
		total += int64(n)

		elapsed := time.Since(start)
		if pct := p.progressAt(elapsed); pct > lastPct {
			lastPct = pct
			p.Progress.report(pct)
		}
		if elapsed >= p.TimeCap || readErr == io.EOF {
			break
		}
		if readErr != nil {
			if ctx.Err() == nil && errors.Is(capCtx.Err(), context.DeadlineExceeded) {
				// The cap cut the stream short; what arrived still counts.
				break
			}
			return data.Throughput{}, errors.Wrap(readErr, "read failed")
		}
	}

	elapsed := time.Since(start)
	if elapsed <= 0 || total < p.MinBytes {
		return data.Throughput{}, errors.Errorf("insufficient data: %d bytes in %s", total, elapsed)
	}

	return data.Throughput{
		Mbps:    Round2(Mbps(total, elapsed)),
		Bytes:   total,
		Seconds: elapsed.Seconds(),
		URL:     url,
	}, nil
}

func (p *Download) progressAt(elapsed time.Duration) int {
	frac := float64(elapsed) / float64(p.TimeCap)
	if frac > 1 {
		frac = 1
	}
	return downloadProgressStart + int(frac*float64(downloadProgressEnd-downloadProgressStart))
}
