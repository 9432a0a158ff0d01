package influxdb

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/infrastructure/config"
)

const (
	connectTimeout = 10 * time.Second
	pingTimeout    = 5 * time.Second

	defaultBatchSize     = 100
	defaultFlushInterval = 10 * time.Second
)

// Client mirrors numeric entity states into one InfluxDB bucket.
//
// Writes never block the caller: points are batched by the write API and
// failures reach the SetOnError callback. All methods are safe for
// concurrent use.
type Client struct {
	client influxdb2.Client
	writes api.WriteAPI
	bucket string

	closed  atomic.Bool
	onError atomic.Pointer[func(error)]
}

// Connect pings the server and opens a batching write API for the
// configured org and bucket.
//
// Returns ErrDisabled, ErrUnreachable or ErrUnhealthy.
func Connect(ctx context.Context, cfg config.InfluxDBConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, clientOptions(cfg))

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	ready, err := client.Ping(pingCtx)
	switch {
	case err != nil:
		client.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrUnreachable, cfg.URL, err)
	case !ready:
		client.Close()
		return nil, fmt.Errorf("%w: %s", ErrUnhealthy, cfg.URL)
	}

	c := &Client{
		client: client,
		writes: client.WriteAPI(cfg.Org, cfg.Bucket),
		bucket: cfg.Bucket,
	}
	go c.forwardErrors(c.writes.Errors())
	return c, nil
}

// clientOptions converts the batch settings, falling back to defaults for
// non-positive values.
func clientOptions(cfg config.InfluxDBConfig) *influxdb2.Options {
	batch := uint(defaultBatchSize)
	if cfg.BatchSize > 0 {
		batch = uint(cfg.BatchSize) // #nosec G115 -- positive
	}
	flush := defaultFlushInterval
	if cfg.FlushInterval > 0 {
		flush = time.Duration(cfg.FlushInterval) * time.Second
	}
	return influxdb2.DefaultOptions().
		SetBatchSize(batch).
		SetFlushInterval(uint(flush.Milliseconds()))
}

func (c *Client) forwardErrors(errs <-chan error) {
	for err := range errs {
		if fn := c.onError.Load(); fn != nil {
			(*fn)(fmt.Errorf("%w (bucket %s): %w", ErrRejected, c.bucket, err))
		}
	}
}

// SetOnError registers the callback for failed batches. The error wraps
// ErrRejected.
func (c *Client) SetOnError(fn func(error)) {
	c.onError.Store(&fn)
}

// Flush blocks until buffered states are sent. It is a no-op after Close.
func (c *Client) Flush() {
	if c.closed.Load() {
		return
	}
	c.writes.Flush()
}

// Close flushes buffered states and releases the client. Later writes are
// dropped.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.writes.Flush()
	c.client.Close()
	return nil
}

// HealthCheck pings the server.
func (c *Client) HealthCheck(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}

	checkCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	ready, err := c.client.Ping(checkCtx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	if !ready {
		return ErrUnhealthy
	}
	return nil
}
