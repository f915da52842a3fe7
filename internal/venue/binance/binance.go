// Package binance implements the C6 venue connector for Binance USD-M
// futures: combined-stream aggTrade subscription, 24h zero-gap
// connection rotation, and REST aggTrades gap recovery.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/flowtrace/engine/internal/errs"
	"github.com/flowtrace/engine/internal/trade"
	"github.com/flowtrace/engine/internal/venue"
)

// RotationInterval is Binance's documented WebSocket connection
// lifetime; connectors must rotate before the venue drops them.
const RotationInterval = 24 * time.Hour

// rotateAhead opens the secondary connection this long before the
// rotation deadline, giving it time to warm up before the primary
// drains.
const rotateAhead = 5 * time.Minute

// aggTradeFrame is the Binance combined-stream envelope around one
// aggTrade event.
type aggTradeFrame struct {
	Stream string `json:"stream"`
	Data   struct {
		EventType    string `json:"e"`
		Symbol       string `json:"s"`
		AggTradeID   int64  `json:"a"`
		Price        string `json:"p"`
		Quantity     string `json:"q"`
		TradeTime    int64  `json:"T"`
		IsBuyerMaker bool   `json:"m"`
	} `json:"data"`
}

// Connector is the Binance C6 venue connector.
type Connector struct {
	wsBaseURL   string
	restBaseURL string
	handler     venue.TradeHandler

	mu       sync.Mutex
	state    venue.ConnState
	primary  *websocket.Conn
	secondary *websocket.Conn
	streams  []string

	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	rateLimitHits int64

	httpClient *http.Client
}

func New(wsBaseURL, restBaseURL string, handler venue.TradeHandler) *Connector {
	return &Connector{
		wsBaseURL:   wsBaseURL,
		restBaseURL: restBaseURL,
		handler:     handler,
		state:       venue.StateDisconnected,
		limiter:     venue.NewGapRecoveryLimiter(),
		breaker:     venue.NewRESTBreaker("binance-rest"),
		httpClient:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Connector) State() venue.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connector) setState(s venue.ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Connect opens the primary connection, subscribes to the given
// streams in batches, starts the read loop, and arms the rotation
// timer. Every CONNECTED transition re-subscribes the full active
// stream set, per spec.md §4.6.
func (c *Connector) Connect(ctx context.Context, streams []string) error {
	c.setState(venue.StateConnecting)
	c.mu.Lock()
	c.streams = streams
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		c.setState(venue.StateDisconnected)
		return &errs.VenueTransientError{Venue: "BINANCE", Op: "connect", Err: err}
	}

	c.mu.Lock()
	c.primary = conn
	c.mu.Unlock()

	if err := c.subscribe(conn, streams); err != nil {
		return err
	}

	c.setState(venue.StateConnected)
	log.Printf("[BinanceConnector] connected, streaming %d symbols", len(streams))

	go c.readLoop(ctx, conn, false)
	go c.rotationTimer(ctx)

	return nil
}

func (c *Connector) dial(ctx context.Context) (*websocket.Conn, error) {
	u := strings.TrimRight(c.wsBaseURL, "/") + "/stream"
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u, nil)
	return conn, err
}

func (c *Connector) subscribe(conn *websocket.Conn, streams []string) error {
	for _, batch := range venue.BatchStreams(streams) {
		msg := map[string]interface{}{
			"method": "SUBSCRIBE",
			"params": batch,
			"id":     time.Now().UnixNano(),
		}
		if err := conn.WriteJSON(msg); err != nil {
			return &errs.VenueTransientError{Venue: "BINANCE", Op: "subscribe", Err: err}
		}
		time.Sleep(venue.SubscribeBatchPause)
	}
	return nil
}

// readLoop decodes aggTrade frames and hands normalized trades to the
// handler. isSecondary marks the rotation path's warm-up connection.
func (c *Connector) readLoop(ctx context.Context, conn *websocket.Conn, isSecondary bool) {
	var produced int64

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			log.Printf("[BinanceConnector] read error: %v", err)
			c.handleDisconnect(ctx, conn, isSecondary)
			return
		}

		var frame aggTradeFrame
		if err := json.Unmarshal(msg, &frame); err != nil {
			continue
		}
		if frame.Data.EventType != "aggTrade" {
			continue
		}

		price, err1 := strconv.ParseFloat(frame.Data.Price, 64)
		qty, err2 := strconv.ParseFloat(frame.Data.Quantity, 64)
		if err1 != nil || err2 != nil {
			continue
		}

		t := trade.Trade{
			Venue:          trade.VenueBinance,
			Symbol:         strings.ToUpper(frame.Data.Symbol),
			TradeID:        frame.Data.AggTradeID,
			EventTimestamp: frame.Data.TradeTime,
			TradeTimestamp: frame.Data.TradeTime,
			PriceString:    frame.Data.Price,
			Price:          price,
			Quantity:       qty,
			IsBuyerMaker:   frame.Data.IsBuyerMaker,
		}

		if isSecondary && atomic.AddInt64(&produced, 1) == 1 {
			c.completeRotation(conn)
		}

		c.handler(t)
	}
}

func (c *Connector) handleDisconnect(ctx context.Context, dead *websocket.Conn, isSecondary bool) {
	c.setState(venue.StateReconnecting)

	c.mu.Lock()
	streams := c.streams
	c.mu.Unlock()

	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		backoff := venue.ReconnectBackoff(attempt, time.Second, 30*time.Second)
		time.Sleep(backoff)

		conn, err := c.dial(ctx)
		if err != nil {
			attempt++
			log.Printf("[BinanceConnector] reconnect attempt %d failed: %v", attempt, err)
			continue
		}
		if err := c.subscribe(conn, streams); err != nil {
			conn.Close()
			attempt++
			continue
		}

		c.mu.Lock()
		if isSecondary {
			c.secondary = conn
		} else {
			c.primary = conn
		}
		c.mu.Unlock()

		c.setState(venue.StateConnected)
		log.Printf("[BinanceConnector] reconnected after %d attempts", attempt)
		go c.readLoop(ctx, conn, isSecondary)
		return
	}
}

// rotationTimer opens a secondary connection rotateAhead before the
// 24h deadline so the handoff is zero-gap (spec.md §4.6).
func (c *Connector) rotationTimer(ctx context.Context) {
	timer := time.NewTimer(RotationInterval - rotateAhead)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	c.setState(venue.StateRotating)
	log.Printf("[BinanceConnector] opening secondary connection ahead of rotation deadline")

	c.mu.Lock()
	streams := c.streams
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		log.Printf("[BinanceConnector] rotation dial failed, staying on primary: %v", err)
		c.setState(venue.StateConnected)
		return
	}
	if err := c.subscribe(conn, streams); err != nil {
		log.Printf("[BinanceConnector] rotation subscribe failed: %v", err)
		conn.Close()
		c.setState(venue.StateConnected)
		return
	}

	c.mu.Lock()
	c.secondary = conn
	c.mu.Unlock()

	go c.readLoop(ctx, conn, true)
}

// completeRotation drains and closes the primary once the secondary has
// produced its first trade, eliminating any gap (C4's trade-id dedup
// absorbs the brief overlap).
func (c *Connector) completeRotation(newPrimary *websocket.Conn) {
	c.mu.Lock()
	old := c.primary
	c.primary = newPrimary
	c.secondary = nil
	c.mu.Unlock()

	c.setState(venue.StateConnected)
	log.Printf("[BinanceConnector] rotation complete, closing old primary")
	if old != nil {
		old.Close()
	}
}

// Close transitions through CLOSING to CLOSED and tears down both
// connections.
func (c *Connector) Close() error {
	c.setState(venue.StateClosing)
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.primary != nil {
		c.primary.Close()
	}
	if c.secondary != nil {
		c.secondary.Close()
	}
	c.state = venue.StateClosed
	return nil
}

// --- REST gap recovery ---

type aggTradeRESTEntry struct {
	AggID        int64  `json:"a"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	Timestamp    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
}

// SyncMissingTrades implements venue.GapRecoverer via Binance's
// /fapi/v1/aggTrades?fromId=...&limit=... endpoint, rate-limited to the
// spec's >=100ms token spacing and circuit-broken against outages.
func (c *Connector) SyncMissingTrades(ctx context.Context, symbol string, fromID, toID int64) ([]venue.AggTrade, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.fetchAggTrades(ctx, symbol, fromID, toID)
	})
	if err != nil {
		return nil, &errs.VenueTransientError{Venue: "BINANCE", Op: "syncMissingTrades", Err: err}
	}
	return result.([]venue.AggTrade), nil
}

func (c *Connector) fetchAggTrades(ctx context.Context, symbol string, fromID, toID int64) ([]venue.AggTrade, error) {
	limit := toID - fromID
	if limit <= 0 {
		return nil, nil
	}
	if limit > 1000 {
		limit = 1000
	}

	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("fromId", strconv.FormatInt(fromID+1, 10))
	q.Set("limit", strconv.FormatInt(limit, 10))

	reqURL := strings.TrimRight(c.restBaseURL, "/") + "/fapi/v1/aggTrades?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		atomic.AddInt64(&c.rateLimitHits, 1)
		return nil, fmt.Errorf("binance: rate limited (weight=%s)", resp.Header.Get("x-mbx-used-weight-1m"))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("binance: aggTrades returned status %d", resp.StatusCode)
	}

	var entries []aggTradeRESTEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, err
	}

	out := make([]venue.AggTrade, 0, len(entries))
	for _, e := range entries {
		price, _ := strconv.ParseFloat(e.Price, 64)
		qty, _ := strconv.ParseFloat(e.Quantity, 64)
		out = append(out, venue.AggTrade{
			ID:           e.AggID,
			Timestamp:    e.Timestamp,
			Price:        price,
			Quantity:     qty,
			IsBuyerMaker: e.IsBuyerMaker,
		})
	}
	return out, nil
}

// RateLimitHits reports how many HTTP 429 responses gap recovery has
// observed.
func (c *Connector) RateLimitHits() int64 {
	return atomic.LoadInt64(&c.rateLimitHits)
}
