// Package telemetry counts requests and responses and periodically pushes
// the counts to a best-effort sink.
package telemetry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ReportType is the type tag of every report.
const ReportType = "logging.io"

// Report is one interval of traffic counts.
type Report struct {
	In   uint64 `json:"in"`
	Out  uint64 `json:"out"`
	Type string `json:"type"`
	Name string `json:"name"`
}

// Sink receives reports. Push failures are logged by the collector and
// never reach request handling.
type Sink interface {
	Push(ctx context.Context, r Report) error
	Close() error
}

// Config holds telemetry settings. URL selects the websocket sink,
// RedisAddr the redis sink; with neither set reports are discarded.
type Config struct {
	Name         string        `yaml:"name"`
	Interval     time.Duration `yaml:"interval"`
	URL          string        `yaml:"url"`
	RedisAddr    string        `yaml:"redis_addr"`
	RedisChannel string        `yaml:"redis_channel"`
}

// DefaultConfig returns the default telemetry settings.
func DefaultConfig() Config {
	return Config{
		Name:         "persistence",
		Interval:     time.Second,
		RedisChannel: "telemetry",
	}
}

// Collector counts traffic and flushes it to a sink on an interval.
type Collector struct {
	name     string
	interval time.Duration
	sink     Sink
	log      *zap.Logger

	requests  atomic.Uint64
	responses atomic.Uint64

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

// NewCollector creates a Collector. A nil sink discards reports.
func NewCollector(name string, interval time.Duration, sink Sink, log *zap.Logger) *Collector {
	if log == nil {
		log = zap.NewNop()
	}
	if sink == nil {
		sink = NopSink{}
	}
	if interval <= 0 {
		interval = DefaultConfig().Interval
	}
	if name == "" {
		name = DefaultConfig().Name
	}
	return &Collector{name: name, interval: interval, sink: sink, log: log}
}

// Request counts one inbound request.
func (c *Collector) Request() { c.requests.Add(1) }

// Response counts one outbound response.
func (c *Collector) Response() { c.responses.Add(1) }

// Snapshot returns the counts accumulated since the last flush.
func (c *Collector) Snapshot() Report {
	return Report{In: c.requests.Load(), Out: c.responses.Load(), Type: ReportType, Name: c.name}
}

// Start begins periodic flushing until ctx is done or Stop is called.
func (c *Collector) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil || c.stopped {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go c.run(ctx)
	c.log.Info("telemetry started", zap.String("name", c.name), zap.Duration("interval", c.interval))
}

func (c *Collector) run(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pushCtx, cancel := context.WithTimeout(ctx, c.interval)
			if err := c.Flush(pushCtx); err != nil {
				c.log.Debug("telemetry push failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// Flush pushes the current counts and resets them. Counts are reset even
// when the push fails: a lost interval is not retried.
func (c *Collector) Flush(ctx context.Context) error {
	r := Report{
		In:   c.requests.Swap(0),
		Out:  c.responses.Swap(0),
		Type: ReportType,
		Name: c.name,
	}
	return c.sink.Push(ctx, r)
}

// Stop ends periodic flushing, pushes a final report and closes the sink.
func (c *Collector) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := c.Flush(ctx); err != nil {
		c.log.Debug("final telemetry push failed", zap.Error(err))
	}
	c.log.Info("telemetry stopped", zap.String("name", c.name))
	return c.sink.Close()
}

// NopSink discards reports.
type NopSink struct{}

// Push discards r.
func (NopSink) Push(context.Context, Report) error { return nil }

// Close does nothing.
func (NopSink) Close() error { return nil }
