package app

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pkg/errors"

	"github.com/RyoshiTheDev/speedtest-website/internal/data"
	"github.com/RyoshiTheDev/speedtest-website/internal/output"
)

var logger = logging.Logger("app")

var (
	ErrAlreadyRunning = errors.New("test already running")
	ErrClosed         = errors.New("tester is closed")
)

type LatencyProber interface {
	Measure(ctx context.Context) (data.LatencyResult, error)
}

type ThroughputProber interface {
	Measure(ctx context.Context) (data.Throughput, error)
}

type InfoResolver interface {
	Resolve(ctx context.Context) data.NetworkInfo
}

type Options struct {
	Latency  LatencyProber
	Download ThroughputProber
	Upload   ThroughputProber
	Resolver InfoResolver
	History  *History

	// Out receives the console summary of every run. Nil discards it.
	Out io.Writer
}

// Tester runs at most one speed test at a time and publishes its state as
// immutable snapshots.
type Tester struct {
	latency  LatencyProber
	download ThroughputProber
	upload   ThroughputProber
	resolver InfoResolver
	history  *History
	out      io.Writer
	now      func() time.Time

	state atomic.Pointer[data.SessionState]

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	subMu   sync.RWMutex
	subs    map[int]func(data.SessionState)
	nextSub int
}

func NewTester(ctx context.Context, opts Options) *Tester {
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	if opts.History == nil {
		opts.History = NewHistory(100)
	}

	ctx, cancel := context.WithCancel(ctx)
	t := &Tester{
		latency:  opts.Latency,
		download: opts.Download,
		upload:   opts.Upload,
		resolver: opts.Resolver,
		history:  opts.History,
		out:      opts.Out,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		subs:     make(map[int]func(data.SessionState)),
	}
	t.state.Store(&data.SessionState{Status: data.StatusIdle})
	return t
}

// State returns the current snapshot.
func (t *Tester) State() data.SessionState {
	return *t.state.Load()
}

func (t *Tester) History() *History {
	return t.history
}

// Start launches a run in the background and returns its ID. It fails with
// ErrAlreadyRunning unless the session is idle, complete or errored.
func (t *Tester) Start() (string, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return "", ErrClosed
	}
	t.wg.Add(1)
	t.mu.Unlock()

	for {
		cur := t.state.Load()
		if !cur.Status.Restartable() {
			t.wg.Done()
			return "", ErrAlreadyRunning
		}

		next := &data.SessionState{
			RunID:         uuid.NewString(),
			Status:        data.StatusInitializing,
			Progress:      0,
			CurrentResult: cur.CurrentResult,
		}
		if t.state.CompareAndSwap(cur, next) {
			t.publish(next)
			logger.Infof("run %s started", next.RunID)
			go t.run(next.RunID)
			return next.RunID, nil
		}
	}
}

// Progress raises the progress of the active run. Lower values and calls
// made outside a run are ignored.
func (t *Tester) Progress(percent int) {
	if percent > 100 {
		percent = 100
	}
	for {
		cur := t.state.Load()
		if cur.Status.Restartable() || percent <= cur.Progress {
			return
		}
		next := *cur
		next.Progress = percent
		if t.state.CompareAndSwap(cur, &next) {
			t.publish(&next)
			return
		}
	}
}

// Subscribe registers fn to receive every new snapshot. fn must not block.
func (t *Tester) Subscribe(fn func(data.SessionState)) (unsubscribe func()) {
	t.subMu.Lock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = fn
	t.subMu.Unlock()

	return func() {
		t.subMu.Lock()
		delete(t.subs, id)
		t.subMu.Unlock()
	}
}

// Close cancels the active run, if any, and waits for it to settle.
func (t *Tester) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	t.cancel()
	t.wg.Wait()
}

func (t *Tester) run(runID string) {
	defer t.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("run %s panicked: %v", runID, r)
			t.fail(runID, fmt.Sprint(r))
		}
	}()

	result, err := t.measure(runID)
	if err != nil {
		logger.Errorf("run %s failed: %v", runID, err)
		t.fail(runID, err.Error())
		return
	}

	t.history.Add(*result)
	t.update(runID, func(s *data.SessionState) {
		s.Status = data.StatusComplete
		s.Progress = 100
		s.CurrentResult = result
	})
	logger.Infof("run %s complete", runID)
	output.PrintSummary(t.out, *result)
}

func (t *Tester) measure(runID string) (*data.TestResult, error) {
	ctx := t.ctx

	t.enter(runID, data.StatusTestingPing)
	latency, err := t.latency.Measure(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "latency test failed")
	}

	t.enter(runID, data.StatusTestingDownload)
	download, err := t.download.Measure(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "download test failed")
	}
	if download.URL != "" {
		logger.Debugf("download measured against %s (%d bytes in %.2fs)", download.URL, download.Bytes, download.Seconds)
	}

	t.enter(runID, data.StatusTestingUpload)
	upload, err := t.upload.Measure(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "upload test failed")
	}

	info := t.resolver.Resolve(ctx)
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "test cancelled")
	}

	return &data.TestResult{
		Timestamp:     t.now().Format(time.RFC3339),
		Ping:          latency.Avg,
		Jitter:        latency.Jitter,
		Download:      download.Mbps,
		Upload:        upload.Mbps,
		Server:        info.Name,
		Location:      info.Location,
		Distance:      info.Distance,
		ServerLatency: latency.Avg,
		ISP:           info.ISP,
		IP:            info.IP,
	}, nil
}

func (t *Tester) enter(runID string, status data.Status) {
	t.update(runID, func(s *data.SessionState) {
		s.Status = status
	})
}

func (t *Tester) fail(runID, msg string) {
	t.update(runID, func(s *data.SessionState) {
		s.Status = data.StatusError
		s.ErrorMessage = &msg
	})
	output.PrintFailure(t.out, runID, msg)
}

// update applies fn to a copy of the snapshot of runID and swaps it in.
func (t *Tester) update(runID string, fn func(s *data.SessionState)) {
	for {
		cur := t.state.Load()
		if cur.RunID != runID {
			return
		}
		next := *cur
		fn(&next)
		if t.state.CompareAndSwap(cur, &next) {
			t.publish(&next)
			return
		}
	}
}

func (t *Tester) publish(s *data.SessionState) {
	t.subMu.RLock()
	defer t.subMu.RUnlock()
	for _, fn := range t.subs {
		fn(*s)
	}
}
