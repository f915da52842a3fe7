// Package bybit implements the C6 venue connector for Bybit USDT
// perpetual futures. Bybit does not enforce Binance's 24h connection
// lifetime, so this connector has no rotation timer: a single
// long-lived connection is reconnected on error only.
package bybit

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

// publicTradeFrame mirrors Bybit's v5 public trade stream envelope:
// {"topic":"publicTrade.BTCUSDT","data":[{...}]}.
type publicTradeFrame struct {
	Topic string `json:"topic"`
	Data  []struct {
		ID     string `json:"i"`
		Symbol string `json:"s"`
		Price  string `json:"p"`
		Size   string `json:"v"`
		Time   int64  `json:"T"`
		Side   string `json:"S"` // "Buy" or "Sell"
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
		breaker:     venue.NewRESTBreaker("bybit-rest"),
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
	conn, _, err := dialer.DialContext(ctx, strings.TrimRight(c.wsBaseURL, "/")+"/v5/public/linear", nil)
	if err != nil {
		c.setState(venue.StateDisconnected)
		return &errs.VenueTransientError{Venue: "BYBIT", Op: "connect", Err: err}
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	if err := c.subscribe(conn, streams); err != nil {
		return err
	}

	c.setState(venue.StateConnected)
	log.Printf("[BybitConnector] connected, streaming %d symbols", len(streams))
	go c.readLoop(ctx, conn)
	return nil
}

func (c *Connector) subscribe(conn *websocket.Conn, streams []string) error {
	topics := make([]string, len(streams))
	for i, s := range streams {
		topics[i] = "publicTrade." + s
	}
	for _, batch := range venue.BatchStreams(topics) {
		if err := conn.WriteJSON(map[string]interface{}{"op": "subscribe", "args": batch}); err != nil {
			return &errs.VenueTransientError{Venue: "BYBIT", Op: "subscribe", Err: err}
		}
		time.Sleep(venue.SubscribeBatchPause)
	}
	return nil
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
			log.Printf("[BybitConnector] read error: %v", err)
			c.reconnect(ctx)
			return
		}

		var frame publicTradeFrame
		if err := json.Unmarshal(msg, &frame); err != nil || !strings.HasPrefix(frame.Topic, "publicTrade.") {
			continue
		}

		for _, d := range frame.Data {
			price, err1 := strconv.ParseFloat(d.Price, 64)
			qty, err2 := strconv.ParseFloat(d.Size, 64)
			tradeID, err3 := strconv.ParseInt(strings.ReplaceAll(d.ID, "-", ""), 10, 64)
			if err1 != nil || err2 != nil || err3 != nil {
				continue
			}
			c.handler(trade.Trade{
				Venue:          trade.VenueBybit,
				Symbol:         strings.ToUpper(d.Symbol),
				TradeID:        tradeID,
				EventTimestamp: d.Time,
				TradeTimestamp: d.Time,
				PriceString:    d.Price,
				Price:          price,
				Quantity:       qty,
				IsBuyerMaker:   d.Side == "Sell",
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
		conn, _, err := dialer.DialContext(ctx, strings.TrimRight(c.wsBaseURL, "/")+"/v5/public/linear", nil)
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
		log.Printf("[BybitConnector] reconnected after %d attempts", attempt)
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

type recentTradeEntry struct {
	ID     string `json:"execId"`
	Price  string `json:"price"`
	Size   string `json:"size"`
	Time   string `json:"time"`
	Side   string `json:"side"`
	Symbol string `json:"symbol"`
}

type recentTradeResponse struct {
	Result struct {
		List []recentTradeEntry `json:"list"`
	} `json:"result"`
}

// SyncMissingTrades recovers trades via Bybit's public recent-trades
// endpoint. Bybit's REST API does not support an id-range query the way
// Binance's aggTrades does, so recovery here fetches the most recent
// window and filters client-side to (fromID, toID].
func (c *Connector) SyncMissingTrades(ctx context.Context, symbol string, fromID, toID int64) ([]venue.AggTrade, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.fetchRecentTrades(ctx, symbol)
	})
	if err != nil {
		return nil, &errs.VenueTransientError{Venue: "BYBIT", Op: "syncMissingTrades", Err: err}
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
	q.Set("category", "linear")
	q.Set("symbol", symbol)
	q.Set("limit", "1000")

	reqURL := strings.TrimRight(c.restBaseURL, "/") + "/v5/market/recent-trade?" + q.Encode()
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
		return nil, fmt.Errorf("bybit: rate limited")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bybit: recent-trade returned status %d", resp.StatusCode)
	}

	var body recentTradeResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}

	out := make([]venue.AggTrade, 0, len(body.Result.List))
	for _, e := range body.Result.List {
		price, _ := strconv.ParseFloat(e.Price, 64)
		qty, _ := strconv.ParseFloat(e.Size, 64)
		ts, _ := strconv.ParseInt(e.Time, 10, 64)
		id, _ := strconv.ParseInt(strings.ReplaceAll(e.ID, "-", ""), 10, 64)
		out = append(out, venue.AggTrade{
			ID:           id,
			Timestamp:    ts,
			Price:        price,
			Quantity:     qty,
			IsBuyerMaker: e.Side == "Sell",
		})
	}
	return out, nil
}

func (c *Connector) RateLimitHits() int64 {
	return atomic.LoadInt64(&c.rateLimitHits)
}
