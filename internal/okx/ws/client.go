package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const DefaultBusinessURL = "wss://ws.okx.com:8443/ws/v5/business"

var ErrNotConnected = errors.New("ws not connected")

type Arg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

type request struct {
	Op   string `json:"op"`
	Args []Arg  `json:"args"`
}

type Client struct {
	url          string
	pingInterval time.Duration
	log          *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn
	subs []Arg
}

func New(url string, pingInterval time.Duration, log *zap.Logger) *Client {
	if url == "" {
		url = DefaultBusinessURL
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{url: url, pingInterval: pingInterval, log: log}
}

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}
	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return err
	}
	conn.SetReadLimit(1 << 20)
	c.conn = conn
	return nil
}

// Subscribe records the subscription so it is replayed on every connect.
// When connected it is also sent immediately.
func (c *Client) Subscribe(ctx context.Context, channel, instID string) error {
	arg := Arg{Channel: channel, InstID: instID}
	c.mu.Lock()
	for _, existing := range c.subs {
		if existing == arg {
			c.mu.Unlock()
			return nil
		}
	}
	c.subs = append(c.subs, arg)
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return writeJSON(ctx, conn, request{Op: "subscribe", Args: []Arg{arg}})
}

func (c *Client) Subscriptions() []Arg {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Arg(nil), c.subs...)
}

// Run connects, replays subscriptions and reads until the connection
// fails. Reconnecting is left to the caller; the connection is reset
// before Run returns.
func (c *Client) Run(ctx context.Context, handler func(json.RawMessage)) error {
	if err := c.ensureConnected(ctx); err != nil {
		c.resetConn()
		return err
	}
	pingCtx, cancel := context.WithCancel(ctx)
	pingDone := make(chan struct{})
	go func() {
		defer close(pingDone)
		c.pingLoop(pingCtx)
	}()
	err := c.readLoop(ctx, handler)
	cancel()
	<-pingDone
	c.resetConn()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	c.logReadLoopError(err)
	return err
}

func (c *Client) ensureConnected(ctx context.Context) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	subs := append([]Arg(nil), c.subs...)
	c.mu.Unlock()
	if len(subs) == 0 {
		return nil
	}
	return writeJSON(ctx, conn, request{Op: "subscribe", Args: subs})
}

func (c *Client) readLoop(ctx context.Context, handler func(json.RawMessage)) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if string(data) == "pong" {
			continue
		}
		if handler != nil {
			handler(json.RawMessage(data))
		}
	}
}

func (c *Client) pingLoop(ctx context.Context) {
	c.mu.Lock()
	conn := c.conn
	interval := c.pingInterval
	c.mu.Unlock()
	if conn == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.Write(ctx, websocket.MessageText, []byte("ping")); err != nil {
				return
			}
		}
	}
}

func (c *Client) logReadLoopError(err error) {
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		var closeErr websocket.CloseError
		if errors.As(err, &closeErr) {
			c.log.Info("ws read loop ended", zap.Int("status", int(closeErr.Code)), zap.String("reason", closeErr.Reason))
			return
		}
	}
	c.log.Warn("ws read loop ended", zap.Error(err))
}

func (c *Client) resetConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "reset")
		c.conn = nil
	}
}

func (c *Client) Close() {
	c.resetConn()
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
