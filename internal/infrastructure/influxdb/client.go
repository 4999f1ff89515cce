package influxdb

import (
	"context"
	"fmt"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/pilight2mqtt/internal/infrastructure/config"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultBatchSize      = 20
	defaultFlushInterval  = 10 // seconds
)

// pointWriter is the part of api.WriteAPI the client relies on.
type pointWriter interface {
	WritePoint(point *write.Point)
	Flush()
	Errors() <-chan error
}

// Client records bridge statistics in an InfluxDB bucket.
//
// Thread Safety: all methods are safe for concurrent use. Writes never
// block; points are batched and sent in the background.
type Client struct {
	writer  pointWriter
	release func()

	mu      sync.RWMutex
	closed  bool
	onError func(err error)
}

// Connect pings the server and starts a batching writer for cfg.Bucket.
// Points are written with second precision and carry cfg.Tags.
//
// Returns ErrDisabled when cfg.Enabled is false.
func Connect(ctx context.Context, cfg config.InfluxDBConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	// #nosec G115 -- both values are positive
	opts := influxdb2.DefaultOptions().
		SetBatchSize(uint(positiveOr(cfg.BatchSize, defaultBatchSize))).
		SetFlushInterval(uint(positiveOr(cfg.FlushInterval, defaultFlushInterval)) * 1000).
		SetPrecision(time.Second).
		SetUseGZip(true)
	for k, v := range cfg.Tags {
		opts.AddDefaultTag(k, v)
	}
	influx := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opts)

	pingCtx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()

	healthy, err := influx.Ping(pingCtx)
	if err != nil {
		influx.Close()
		return nil, fmt.Errorf("%w: ping %s: %w", ErrConnectionFailed, cfg.URL, err)
	}
	if !healthy {
		influx.Close()
		return nil, fmt.Errorf("%w: %s not healthy", ErrConnectionFailed, cfg.URL)
	}

	return newClient(influx.WriteAPI(cfg.Org, cfg.Bucket), influx.Close), nil
}

func newClient(w pointWriter, release func()) *Client {
	c := &Client{writer: w, release: release}
	go c.forwardErrors(w.Errors())
	return c
}

func positiveOr(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

// forwardErrors hands asynchronous write failures to the callback.
func (c *Client) forwardErrors(errs <-chan error) {
	for err := range errs {
		c.mu.RLock()
		callback := c.onError
		c.mu.RUnlock()

		if callback != nil {
			callback(err)
		}
	}
}

// SetOnError installs a callback for asynchronous write failures.
func (c *Client) SetOnError(callback func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = callback
}

// IsConnected reports whether Close has not been called yet.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed
}

// Flush blocks until buffered points are sent. No-op after Close.
func (c *Client) Flush() {
	if !c.IsConnected() {
		return
	}
	c.writer.Flush()
}

// Close flushes pending points and releases the client. Safe on nil and
// safe to call twice.
func (c *Client) Close() error {
	if c == nil || c.writer == nil {
		return nil
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.writer.Flush()
	if c.release != nil {
		c.release()
	}
	return nil
}
