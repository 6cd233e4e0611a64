package oracle

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/luxfi/log"
)

// FeedClient streams quotes from an external price websocket and pushes
// them into an Oracle. It reconnects forever with a fixed backoff.
type FeedClient struct {
	url     string
	symbols map[string]string // feed symbol -> asset
	oracle  *Oracle
	logger  log.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	done      chan struct{}
	closeOnce sync.Once

	dialer         websocket.Dialer
	reconnectDelay time.Duration
}

type feedTick struct {
	Symbol string `json:"symbol"`
	Bid    string `json:"bid"`
	Ask    string `json:"ask"`
}

type feedSubscribe struct {
	Op      string   `json:"op"`
	Symbols []string `json:"symbols"`
}

// NewFeedClient maps feed symbols to ledger assets and targets an Oracle.
func NewFeedClient(url string, symbols map[string]string, o *Oracle, logger log.Logger) *FeedClient {
	if logger == nil {
		logger = log.Root().New("module", "oracle-feed")
	}
	return &FeedClient{
		url:     url,
		symbols: symbols,
		oracle:  o,
		logger:  logger,
		done:    make(chan struct{}),
		dialer: websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		reconnectDelay: 5 * time.Second,
	}
}

// Start connects and runs the read loop until Stop is called.
func (c *FeedClient) Start() error {
	if err := c.connect(); err != nil {
		return err
	}
	go c.run()
	return nil
}

// Stop terminates the feed.
func (c *FeedClient) Stop() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close()
		}
		c.mu.Unlock()
	})
}

func (c *FeedClient) connect() error {
	conn, _, err := c.dialer.Dial(c.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}

	syms := make([]string, 0, len(c.symbols))
	for s := range c.symbols {
		syms = append(syms, s)
	}
	sub := feedSubscribe{Op: "subscribe", Symbols: syms}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return fmt.Errorf("subscribe: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.logger.Info("price feed connected", "url", c.url, "symbols", len(syms))
	return nil
}

func (c *FeedClient) run() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			if err := c.connect(); err != nil {
				c.logger.Warn("price feed reconnect failed", "error", err)
				select {
				case <-c.done:
					return
				case <-time.After(c.reconnectDelay):
				}
			}
			continue
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			c.logger.Warn("price feed read failed", "error", err)
			conn.Close()
			c.mu.Lock()
			c.conn = nil
			c.mu.Unlock()
			continue
		}
		c.handleMessage(msg)
	}
}

func (c *FeedClient) handleMessage(msg []byte) {
	var tick feedTick
	if err := json.Unmarshal(msg, &tick); err != nil {
		c.logger.Debug("unparseable feed message", "error", err)
		return
	}
	asset, ok := c.symbols[tick.Symbol]
	if !ok {
		return
	}
	minPrice, err := ParsePrice(tick.Bid)
	if err != nil {
		c.logger.Debug("bad bid", "symbol", tick.Symbol, "bid", tick.Bid, "error", err)
		return
	}
	maxPrice, err := ParsePrice(tick.Ask)
	if err != nil {
		c.logger.Debug("bad ask", "symbol", tick.Symbol, "ask", tick.Ask, "error", err)
		return
	}
	c.oracle.SetQuote(asset, minPrice, maxPrice)
}
