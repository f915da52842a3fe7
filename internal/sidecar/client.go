// Package sidecar implements the C3 client for the persistence
// sidecar: a co-located process holding the canonical last-trade-id and
// dirty-candle state, addressed over a Unix-domain stream socket with
// length-delimited, correlation-id-tagged request/response framing
// (spec.md §4.3, §6).
package sidecar

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowtrace/engine/internal/errs"
)

// StateStore is the subset of the sidecar protocol the aggregator uses
// to establish its deduplication floor and flush dirty state.
type StateStore interface {
	LoadStatesForSymbols(ctx context.Context, symbols []string) (map[string]int64, error)
	WriteDirty(ctx context.Context, batch []DirtyEntry) error
	FlushAll(ctx context.Context) error
}

// GapReader is the subset of the sidecar protocol the orchestrator's
// gap-recovery use case consumes.
type GapReader interface {
	ListGaps(ctx context.Context, symbol string, since int64) ([]GapRange, error)
}

// DirtyEntry is one {symbol, candle-snapshot} pair in a writeDirty batch.
type DirtyEntry struct {
	Symbol   string          `json:"symbol"`
	Snapshot json.RawMessage `json:"snapshot"`
}

// GapRange is a recorded trade-id gap awaiting recovery.
type GapRange struct {
	StartID int64 `json:"startId"`
	EndID   int64 `json:"endId"`
}

type request struct {
	ID   string      `json:"id"`
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

type response struct {
	ID      string          `json:"id"`
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

const defaultRPCTimeout = 30 * time.Second

// Client is a single connection to the sidecar's Unix-domain socket. It
// is safe for concurrent use: callers write their frames under a mutex,
// and one reader goroutine dispatches responses to waiting callers by
// correlation id.
type Client struct {
	conn    net.Conn
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan response

	closeOnce sync.Once
	closed    chan struct{}
}

// Dial connects to the sidecar's socket path and starts its read pump.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, &errs.SidecarUnavailableError{Err: err}
	}
	c := &Client{
		conn:    conn,
		pending: make(map[string]chan response),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return c.conn.Close()
}

func (c *Client) nextID() string {
	return uuid.NewString()
}

// call sends a request and blocks until its matching response arrives
// or ctx is done. Every inter-component RPC in this system defaults to
// a 30s timeout per spec.md §5's cancellation rules; callers may pass a
// context with a tighter deadline.
func (c *Client) call(ctx context.Context, reqType string, data interface{}) (json.RawMessage, error) {
	id := c.nextID()
	ch := make(chan response, 1)

	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.send(request{ID: id, Type: reqType, Data: data}); err != nil {
		return nil, &errs.SidecarUnavailableError{Err: err}
	}

	select {
	case resp := <-ch:
		if !resp.Success {
			return nil, fmt.Errorf("sidecar: %s failed: %s", reqType, resp.Error)
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, &errs.TimeoutError{Op: "sidecar." + reqType, Timeout: defaultRPCTimeout.String()}
	case <-c.closed:
		return nil, &errs.SidecarUnavailableError{Err: io.ErrClosedPipe}
	}
}

func (c *Client) send(req request) error {
	buf, err := json.Marshal(req)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(buf)))
	if _, err := c.conn.Write(lenPrefix[:]); err != nil {
		return err
	}
	_, err = c.conn.Write(buf)
	return err
}

func (c *Client) readLoop() {
	for {
		var lenPrefix [4]byte
		if _, err := io.ReadFull(c.conn, lenPrefix[:]); err != nil {
			c.drainPending(err)
			return
		}
		n := binary.BigEndian.Uint32(lenPrefix[:])
		body := make([]byte, n)
		if _, err := io.ReadFull(c.conn, body); err != nil {
			c.drainPending(err)
			return
		}

		var resp response
		if err := json.Unmarshal(body, &resp); err != nil {
			continue
		}

		c.pendingMu.Lock()
		ch, ok := c.pending[resp.ID]
		c.pendingMu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

func (c *Client) drainPending(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		ch <- response{ID: id, Success: false, Error: err.Error()}
	}
}

// LoadStatesForSymbols implements StateStore.
func (c *Client) LoadStatesForSymbols(ctx context.Context, symbols []string) (map[string]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultRPCTimeout)
	defer cancel()

	result, err := c.call(ctx, "loadStatesForSymbols", map[string]interface{}{"symbols": symbols})
	if err != nil {
		return nil, err
	}
	var out map[string]int64
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, fmt.Errorf("sidecar: decode loadStatesForSymbols result: %w", err)
	}
	return out, nil
}

// WriteDirty implements StateStore.
func (c *Client) WriteDirty(ctx context.Context, batch []DirtyEntry) error {
	ctx, cancel := context.WithTimeout(ctx, defaultRPCTimeout)
	defer cancel()

	_, err := c.call(ctx, "writeDirty", map[string]interface{}{"batch": batch})
	return err
}

// FlushAll implements StateStore.
func (c *Client) FlushAll(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, defaultRPCTimeout)
	defer cancel()

	_, err := c.call(ctx, "flushAll", nil)
	return err
}

// ListGaps implements GapReader.
func (c *Client) ListGaps(ctx context.Context, symbol string, since int64) ([]GapRange, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultRPCTimeout)
	defer cancel()

	result, err := c.call(ctx, "listGaps", map[string]interface{}{"symbol": symbol, "since": since})
	if err != nil {
		return nil, err
	}
	var gaps []GapRange
	if err := json.Unmarshal(result, &gaps); err != nil {
		return nil, fmt.Errorf("sidecar: decode listGaps result: %w", err)
	}
	return gaps, nil
}
