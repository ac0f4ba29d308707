package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/verifiabledb/v2fs/internal/logger"
	"github.com/verifiabledb/v2fs/internal/mht"
	"github.com/verifiabledb/v2fs/internal/store"
)

// ErrTransport marks remote failures that exhausted their retries:
// unreachable server, timeouts, short or corrupted framing.
var ErrTransport = errors.New("remote: transport failure")

const (
	// DefaultMaxRetries is R_max, the retry budget per call.
	DefaultMaxRetries = 3

	// DefaultTimeout bounds a single remote attempt.
	DefaultTimeout = 30 * time.Second

	// DefaultBackoff is the first retry delay; it doubles per attempt.
	DefaultBackoff = 100 * time.Millisecond
)

// Client is the networked MerkleStore. Transport failures are retried
// with exponential backoff up to the retry budget; server-reported errors
// are protocol violations and surface immediately.
type Client struct {
	conn       *grpc.ClientConn
	maxRetries int
	timeout    time.Duration
	backoff    time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithMaxRetries overrides R_max.
func WithMaxRetries(n int) Option { return func(c *Client) { c.maxRetries = n } }

// WithTimeout overrides the per-attempt timeout.
func WithTimeout(d time.Duration) Option { return func(c *Client) { c.timeout = d } }

// WithBackoff overrides the initial backoff delay.
func WithBackoff(d time.Duration) Option { return func(c *Client) { c.backoff = d } }

// Dial connects to a remote MHT store.
func Dial(addr string, opts ...Option) (*Client, error) {
	conn, err := grpc.Dial(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrTransport, addr, err)
	}
	c := &Client{
		conn:       conn,
		maxRetries: DefaultMaxRetries,
		timeout:    DefaultTimeout,
		backoff:    DefaultBackoff,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Close tears down the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// FetchPages implements store.MerkleStore.
func (c *Client) FetchPages(ctx context.Context, version uint64, ids []mht.PageID, sketchBlob []byte) (*store.FetchResult, error) {
	req := &fetchRequest{Version: version, Sketch: sketchBlob, IDs: make([]uint32, len(ids))}
	for i, id := range ids {
		req.IDs[i] = uint32(id)
	}
	var resp fetchResponse
	if err := c.invoke(ctx, "FetchPages", req, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%w: server: %s", mht.ErrProtocol, resp.Error)
	}
	if len(resp.Pages) != len(ids) {
		return nil, fmt.Errorf("%w: %d pages returned for %d ids", mht.ErrProtocol, len(resp.Pages), len(ids))
	}
	return &store.FetchResult{Pages: resp.Pages, Proof: resp.Proof, Version: resp.Version}, nil
}

// GetRoot implements store.MerkleStore.
func (c *Client) GetRoot(ctx context.Context) (store.RootInfo, error) {
	var resp rootResponse
	if err := c.invoke(ctx, "GetRoot", &rootRequest{}, &resp); err != nil {
		return store.RootInfo{}, err
	}
	if resp.Error != "" {
		return store.RootInfo{}, fmt.Errorf("%w: server: %s", mht.ErrProtocol, resp.Error)
	}
	if len(resp.Root) != mht.HashSize {
		return store.RootInfo{}, fmt.Errorf("%w: root is %d bytes", mht.ErrProtocol, len(resp.Root))
	}
	info := store.RootInfo{
		Version:  resp.Version,
		Pages:    resp.Pages,
		PageSize: resp.PageSize,
	}
	copy(info.Root[:], resp.Root)
	return info, nil
}

// GetVBFDelta implements store.MerkleStore.
func (c *Client) GetVBFDelta(ctx context.Context, from, to uint64) ([]byte, error) {
	var resp vbfResponse
	if err := c.invoke(ctx, "GetVBFDelta", &vbfRequest{From: from, To: to}, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%w: server: %s", mht.ErrProtocol, resp.Error)
	}
	return resp.Blob, nil
}

// invoke performs one unary call with the retry/backoff policy. Remote
// fetches are the only blocking operations in the system, so timeouts
// apply here and nowhere else.
func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	full := "/" + serviceName + "/" + method
	log := logger.Component("remote")
	var lastErr error
	delay := c.backoff
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %s: %v", ErrTransport, method, ctx.Err())
			case <-time.After(delay):
			}
			delay *= 2
		}
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		err := c.conn.Invoke(callCtx, full, req, resp)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		log.Debug().Str("method", method).Int("attempt", attempt).Err(err).Msg("remote call failed")
	}
	return fmt.Errorf("%w: %s after %d retries: %v", ErrTransport, method, c.maxRetries, lastErr)
}
