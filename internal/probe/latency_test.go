package probe

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDialer struct {
	mu    sync.Mutex
	hosts []string
	fail  func(attempt int) bool
}

func (f *fakeDialer) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	f.mu.Lock()
	attempt := len(f.hosts)
	f.hosts = append(f.hosts, addr)
	f.mu.Unlock()

	if f.fail != nil && f.fail(attempt) {
		return nil, errors.New("connection refused")
	}
	client, server := net.Pipe()
	server.Close()
	return client, nil
}

func newLatency(d *fakeDialer) *Latency {
	return &Latency{
		Dial:             d.dial,
		Hosts:            []string{"a:443", "b:443", "c:443"},
		Attempts:         10,
		Timeout:          time.Second,
		MinSamples:       3,
		FallbackAttempts: 5,
	}
}

func TestLatencyRotatesHostsAndReportsProgress(t *testing.T) {
	d := &fakeDialer{}
	p := newLatency(d)
	var progress []int
	p.Progress = func(pct int) { progress = append(progress, pct) }

	res, err := p.Measure(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"a:443", "b:443", "c:443", "a:443", "b:443", "c:443", "a:443", "b:443", "c:443", "a:443"}, d.hosts)
	assert.Equal(t, 10, res.Samples)
	assert.GreaterOrEqual(t, res.Avg, 0.0)
	assert.GreaterOrEqual(t, res.Jitter, 0.0)
	assert.Equal(t, []int{5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}, progress)
}

func TestLatencySkipsFailedAttempts(t *testing.T) {
	d := &fakeDialer{fail: func(attempt int) bool { return attempt%2 == 0 }}
	p := newLatency(d)

	res, err := p.Measure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, res.Samples)
	assert.Len(t, d.hosts, 10, "failures do not abort the probe")
}

func TestLatencyFallsBackWhenTooFewSamples(t *testing.T) {
	var heads atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		heads.Add(1)
	}))
	defer srv.Close()

	d := &fakeDialer{fail: func(attempt int) bool { return attempt >= 2 }}
	p := newLatency(d)
	p.Client = srv.Client()
	p.FallbackURL = srv.URL

	res, err := p.Measure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(5), heads.Load())
	assert.Equal(t, 5, res.Samples)
}

func TestLatencyAllFailuresYieldZero(t *testing.T) {
	d := &fakeDialer{fail: func(int) bool { return true }}
	p := newLatency(d)
	p.Client = &http.Client{}
	p.FallbackURL = "http://127.0.0.1:1"

	res, err := p.Measure(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Avg)
	assert.Zero(t, res.Jitter)
}

func TestLatencyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	d := &fakeDialer{}
	p := newLatency(d)
	p.Interval = time.Hour
	p.Progress = func(pct int) {
		if pct == 6 {
			cancel()
		}
	}

	_, err := p.Measure(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Len(t, d.hosts, 1)
}

func TestLatencyFewAttemptsKeepsSamples(t *testing.T) {
	d := &fakeDialer{}
	p := newLatency(d)
	p.Attempts = 2
	var progress []int
	p.Progress = func(pct int) { progress = append(progress, pct) }

	res, err := p.Measure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Samples, "successful connects are kept when min samples exceeds attempts")
	assert.Equal(t, []int{5, 10, 15}, progress)
}

func TestLatencyProgressStaysInBand(t *testing.T) {
	d := &fakeDialer{}
	p := newLatency(d)
	p.Attempts = 30
	var progress []int
	p.Progress = func(pct int) { progress = append(progress, pct) }

	_, err := p.Measure(context.Background())
	require.NoError(t, err)
	require.Len(t, progress, 31)
	for i := 1; i < len(progress); i++ {
		assert.GreaterOrEqual(t, progress[i], progress[i-1])
	}
	assert.Equal(t, 5, progress[0])
	assert.Equal(t, 15, progress[len(progress)-1])
}
