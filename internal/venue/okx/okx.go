// Package okx implements the C6 venue connector for OKX perpetual swaps.
// Like Bybit, OKX does not impose Binance's 24h connection lifetime, so
// there is no rotation timer here.
package okx

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

// tradeFrame mirrors OKX's public trades channel:
// {"arg":{"channel":"trades","instId":"BTC-USDT-SWAP"},"data":[{...}]}.
type tradeFrame struct {
	Arg struct {
		Channel string `json:"channel"`
		InstID  string `json:"instId"`
	} `json:"arg"`
	Data []struct {
		TradeID string `json:"tradeId"`
		Price   string `json:"px"`
		Size    string `json:"sz"`
		Side    string `json:"side"` // "buy" or "sell"
		Time    string `json:"ts"`   // ms, as string
	} `json:"data"`
}

type Connector struct {
	wsBaseURL   string
	restBaseURL string
	handler     venue.TradeHandler

	mu      sync.Mutex
	state   venue.ConnState
	conn    *websocket.Conn
	streams []string

	limiter       *rate.Limiter
	breaker       *gobreaker.CircuitBreaker
	rateLimitHits int64
	httpClient    *http.Client
}

func New(wsBaseURL, restBaseURL string, handler venue.TradeHandler) *Connector {
	return &Connector{
		wsBaseURL:   wsBaseURL,
		restBaseURL: restBaseURL,
		handler:     handler,
		state:       venue.StateDisconnected,
		limiter:     venue.NewGapRecoveryLimiter(),
		breaker:     venue.NewRESTBreaker("okx-rest"),
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

func (c *Connector) Connect(ctx context.Context, streams []string) error {
	c.setState(venue.StateConnecting)
	c.mu.Lock()
	c.streams = streams
	c.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, strings.TrimRight(c.wsBaseURL, "/")+"/ws/v5/public", nil)
	if err != nil {
		c.setState(venue.StateDisconnected)
		return &errs.VenueTransientError{Venue: "OKX", Op: "connect", Err: err}
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	if err := c.subscribe(conn, streams); err != nil {
		return err
	}

	c.setState(venue.StateConnected)
	log.Printf("[OKXConnector] connected, streaming %d symbols", len(streams))
	go c.readLoop(ctx, conn)
	return nil
}

func (c *Connector) subscribe(conn *websocket.Conn, streams []string) error {
	args := make([]map[string]string, len(streams))
	for i, s := range streams {
		args[i] = map[string]string{"channel": "trades", "instId": s}
	}
	for _, batch := range chunkArgs(args, venue.SubscribeBatchSize) {
		if err := conn.WriteJSON(map[string]interface{}{"op": "subscribe", "args": batch}); err != nil {
			return &errs.VenueTransientError{Venue: "OKX", Op: "subscribe", Err: err}
		}
		time.Sleep(venue.SubscribeBatchPause)
	}
	return nil
}

func chunkArgs(args []map[string]string, size int) [][]map[string]string {
	var batches [][]map[string]string
	for i := 0; i < len(args); i += size {
		end := i + size
		if end > len(args) {
			end = len(args)
		}
		batches = append(batches, args[i:end])
	}
	return batches
}

func (c *Connector) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			log.Printf("[OKXConnector] read error: %v", err)
			c.reconnect(ctx)
			return
		}

		var frame tradeFrame
		if err := json.Unmarshal(msg, &frame); err != nil || frame.Arg.Channel != "trades" {
			continue
		}

		for _, d := range frame.Data {
			price, err1 := strconv.ParseFloat(d.Price, 64)
			qty, err2 := strconv.ParseFloat(d.Size, 64)
			tradeID, err3 := strconv.ParseInt(d.TradeID, 10, 64)
			ts, err4 := strconv.ParseInt(d.Time, 10, 64)
			if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
				continue
			}
			c.handler(trade.Trade{
				Venue:          trade.VenueOKX,
				Symbol:         strings.ToUpper(frame.Arg.InstID),
				TradeID:        tradeID,
				EventTimestamp: ts,
				TradeTimestamp: ts,
				PriceString:    d.Price,
				Price:          price,
				Quantity:       qty,
				IsBuyerMaker:   d.Side == "sell",
			})
		}
	}
}

func (c *Connector) reconnect(ctx context.Context) {
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
		time.Sleep(venue.ReconnectBackoff(attempt, time.Second, 30*time.Second))

		dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
		conn, _, err := dialer.DialContext(ctx, strings.TrimRight(c.wsBaseURL, "/")+"/ws/v5/public", nil)
		if err != nil {
			attempt++
			continue
		}
		if err := c.subscribe(conn, streams); err != nil {
			conn.Close()
			attempt++
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		c.setState(venue.StateConnected)
		log.Printf("[OKXConnector] reconnected after %d attempts", attempt)
		go c.readLoop(ctx, conn)
		return
	}
}

func (c *Connector) Close() error {
	c.setState(venue.StateClosing)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.state = venue.StateClosed
	return nil
}

type okxTradeEntry struct {
	TradeID string `json:"tradeId"`
	Price   string `json:"px"`
	Size    string `json:"sz"`
	Side    string `json:"side"`
	Time    string `json:"ts"`
}

type okxTradesResponse struct {
	Data []okxTradeEntry `json:"data"`
}

// SyncMissingTrades recovers trades via OKX's recent-trades REST
// endpoint, filtering client-side to (fromID, toID] since OKX, like
// Bybit, offers no id-range query.
func (c *Connector) SyncMissingTrades(ctx context.Context, symbol string, fromID, toID int64) ([]venue.AggTrade, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.fetchRecentTrades(ctx, symbol)
	})
	if err != nil {
		return nil, &errs.VenueTransientError{Venue: "OKX", Op: "syncMissingTrades", Err: err}
	}

	all := result.([]venue.AggTrade)
	out := make([]venue.AggTrade, 0, len(all))
	for _, t := range all {
		if t.ID > fromID && t.ID <= toID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (c *Connector) fetchRecentTrades(ctx context.Context, symbol string) ([]venue.AggTrade, error) {
	q := url.Values{}
	q.Set("instId", symbol)
	q.Set("limit", "500")

	reqURL := strings.TrimRight(c.restBaseURL, "/") + "/api/v5/market/trades?" + q.Encode()
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
		return nil, fmt.Errorf("okx: rate limited")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("okx: trades returned status %d", resp.StatusCode)
	}

	var body okxTradesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}

	out := make([]venue.AggTrade, 0, len(body.Data))
	for _, e := range body.Data {
		price, _ := strconv.ParseFloat(e.Price, 64)
		qty, _ := strconv.ParseFloat(e.Size, 64)
		ts, _ := strconv.ParseInt(e.Time, 10, 64)
		id, _ := strconv.ParseInt(e.TradeID, 10, 64)
		out = append(out, venue.AggTrade{
			ID:           id,
			Timestamp:    ts,
			Price:        price,
			Quantity:     qty,
			IsBuyerMaker: e.Side == "sell",
		})
	}
	return out, nil
}

func (c *Connector) RateLimitHits() int64 {
	return atomic.LoadInt64(&c.rateLimitHits)
}
