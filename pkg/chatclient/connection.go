package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var ErrNotConnected = errors.New("chatclient: not connected")

// Handler receives every server event, plus the local connect and
// disconnect pseudo-events.
type Handler func(event string, data json.RawMessage)

// Connection is the real-time link used by the sync layer.
type Connection interface {
	Connect(ctx context.Context) error
	Disconnect() error
	OnEvent(h Handler)
	Emit(event string, data interface{}) error
}

const writeWait = 10 * time.Second

// WSConnection is a Connection over gorilla/websocket. After a dropped link
// it redials with exponential backoff until Disconnect is called or the
// server refuses the credential.
type WSConnection struct {
	url       string
	token     string
	dialer    *websocket.Dialer
	logger    zerolog.Logger
	Reconnect bool
	// NewBackOff builds the redial policy. Defaults to exponential backoff
	// capped at one minute between attempts.
	NewBackOff func() backoff.BackOff

	mu       sync.Mutex
	conn     *websocket.Conn
	cancel   context.CancelFunc
	handlers []Handler

	writeMu sync.Mutex
}

func NewWSConnection(url, token string, logger zerolog.Logger) *WSConnection {
	return &WSConnection{
		url:       url,
		token:     token,
		dialer:    websocket.DefaultDialer,
		logger:    logger.With().Str("component", "chatclient").Logger(),
		Reconnect: true,
		NewBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxInterval = time.Minute
			b.MaxElapsedTime = 0
			return b
		},
	}
}

func (c *WSConnection) OnEvent(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
}

func (c *WSConnection) Connect(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = conn
	c.cancel = cancel
	c.mu.Unlock()

	c.dispatch(EventConnected, nil)
	go c.run(runCtx, conn)
	return nil
}

func (c *WSConnection) Disconnect() error {
	c.mu.Lock()
	conn, cancel := c.conn, c.cancel
	c.conn, c.cancel = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	c.writeMu.Unlock()
	return conn.Close()
}

func (c *WSConnection) Emit(event string, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	frame, err := json.Marshal(envelope{Event: event, Data: raw})
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *WSConnection) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, resp, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, backoff.Permanent(fmt.Errorf("dial %s: %w", c.url, &APIError{Status: resp.StatusCode, Message: "handshake refused"}))
		}
		return nil, fmt.Errorf("dial %s: %w", c.url, err)
	}
	return conn, nil
}

// run reads until the link drops, then redials while reconnecting is on.
func (c *WSConnection) run(ctx context.Context, conn *websocket.Conn) {
	for {
		c.read(conn)
		c.dispatch(EventDisconnected, nil)
		if ctx.Err() != nil || !c.Reconnect {
			return
		}

		var next *websocket.Conn
		err := backoff.Retry(func() error {
			n, err := c.dial(ctx)
			if err != nil {
				c.logger.Debug().Err(err).Msg("redial failed")
				return err
			}
			next = n
			return nil
		}, backoff.WithContext(c.NewBackOff(), ctx))
		if err != nil {
			c.logger.Warn().Err(err).Msg("giving up reconnecting")
			return
		}

		c.mu.Lock()
		if ctx.Err() != nil {
			c.mu.Unlock()
			next.Close()
			return
		}
		c.conn = next
		c.mu.Unlock()

		conn = next
		c.dispatch(EventConnected, nil)
	}
}

func (c *WSConnection) read(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil || env.Event == "" {
			c.logger.Warn().Msg("dropping malformed frame")
			continue
		}
		c.dispatch(env.Event, env.Data)
	}
}

func (c *WSConnection) dispatch(event string, data json.RawMessage) {
	c.mu.Lock()
	handlers := append([]Handler(nil), c.handlers...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(event, data)
	}
}
