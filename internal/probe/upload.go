package probe

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/RyoshiTheDev/speedtest-website/internal/data"
)

// Upload posts a single synthetic payload to one endpoint. There is no
// candidate fallback.
type Upload struct {
	Client   *http.Client
	URL      string
	Size     int
	Timeout  time.Duration
	Progress ProgressFunc
}

// Measure returns a zero Throughput on any failure and only errors on
// cancellation.
func (p *Upload) Measure(ctx context.Context) (data.Throughput, error) {
	p.Progress.report(60)
	res := p.post(ctx)
	if ctx.Err() != nil {
		return data.Throughput{}, ctx.Err()
	}
	p.Progress.report(90)
	return res, nil
}

func (p *Upload) post(ctx context.Context) data.Throughput {
	payload := bytes.Repeat([]byte{'0'}, p.Size)

	reqCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, p.URL, bytes.NewReader(payload))
	if err != nil {
		logger.Warnf("upload request: %v", err)
		return data.Throughput{}
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	start := time.Now()
	resp, err := p.Client.Do(req)
	if err != nil {
		logger.Warnf("upload to %s failed: %v", p.URL, err)
		return data.Throughput{}
	}
	elapsed := time.Since(start)
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		logger.Warnf("upload to %s returned status %d", p.URL, resp.StatusCode)
		return data.Throughput{}
	}

	res := data.Throughput{
		Mbps:    Round2(Mbps(int64(len(payload)), elapsed)),
		Bytes:   int64(len(payload)),
		Seconds: elapsed.Seconds(),
		URL:     p.URL,
	}
	logger.Infof("upload %.2f Mbps (%d bytes in %.2fs)", res.Mbps, res.Bytes, res.Seconds)
	return res
}
