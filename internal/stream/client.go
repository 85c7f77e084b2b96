package stream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/torosent/relaycheck/internal/auth"
	"github.com/torosent/relaycheck/internal/clientmetrics"
	"github.com/torosent/relaycheck/internal/tracing"
	"github.com/torosent/relaycheck/internal/transport"
)

// Config configures every client of a fan-out.
type Config struct {
	URL              string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	MaxMessageSize   int64
	// Propagate injects W3C trace headers into the handshake.
	Propagate bool
	Logger    *zerolog.Logger
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 1024 * 1024
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
	return c
}

// Client is one identity's stream connection. Run is its only reader and the
// only writer of its inbox.
type Client struct {
	cfg      Config
	identity auth.Identity
	dialer   *websocket.Dialer
	inbox    *Inbox
	metrics  *clientmetrics.ClientMetrics
	log      zerolog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
	err  error

	writeMu sync.Mutex
}

func NewClient(cfg Config, identity auth.Identity) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:      cfg,
		identity: identity,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
			Proxy:            http.ProxyFromEnvironment,
		},
		inbox:   &Inbox{},
		metrics: clientmetrics.New(),
		log:     cfg.Logger.With().Str("identity", identity.Name).Logger(),
	}
}

func (c *Client) Identity() auth.Identity { return c.identity }

func (c *Client) Inbox() *Inbox { return c.inbox }

func (c *Client) Metrics() clientmetrics.Snapshot { return c.metrics.Snapshot() }

// Connect dials the stream with the identity's bearer token.
func (c *Client) Connect(ctx context.Context) error {
	if !c.identity.Authenticated() {
		return &auth.AuthError{Name: c.identity.Name, Message: "no access token issued"}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return fmt.Errorf("stream %s: already connected", c.identity.Name)
	}

	headers := c.identity.BearerHeader()
	if c.cfg.Propagate {
		tracing.InjectHTTPHeaders(ctx, headers)
	}
	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, headers)
	if err != nil {
		c.metrics.IncrementErrors()
		if resp != nil {
			if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
				return &auth.AuthError{Name: c.identity.Name, StatusCode: resp.StatusCode, Message: "stream handshake rejected"}
			}
			return &transport.ConnectionError{
				Op:  "stream dial",
				URL: c.cfg.URL,
				Err: fmt.Errorf("handshake status %d: %w", resp.StatusCode, err),
			}
		}
		return &transport.ConnectionError{Op: "stream dial", URL: c.cfg.URL, Err: err}
	}
	conn.SetReadLimit(c.cfg.MaxMessageSize)
	c.conn = conn
	c.metrics.MarkConnected()
	c.log.Debug().Msg("stream connected")
	return nil
}

// Run reads frames into the inbox until ctx is canceled or the connection
// fails. Cancellation closes the socket so a blocked read returns promptly,
// and Run then returns nil. Any other failure ends only this client's loop
// and is also kept for Err.
func (c *Client) Run(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("stream %s: not connected", c.identity.Name)
	}

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer c.metrics.Reset()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				c.log.Debug().Msg("stream loop stopped")
				return nil
			}
			c.metrics.IncrementErrors()
			return c.fail(&transport.ConnectionError{Op: "stream read", URL: c.cfg.URL, Err: err})
		}
		c.metrics.IncrementReceived(int64(len(data)))
		if msgType != websocket.TextMessage {
			continue
		}

		ev, err := DecodeEvent(data)
		if err != nil {
			c.metrics.IncrementDecodeErrors()
			_ = conn.Close()
			return c.fail(&DecodeError{Identity: c.identity.Name, Frame: frameSnippet(data), Err: err})
		}
		ev.ReceivedAt = time.Now()
		c.inbox.Append(ev)
	}
}

func (c *Client) fail(err error) error {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	c.log.Debug().Err(err).Msg("stream loop ended")
	return err
}

// Err returns the failure that ended the receive loop, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

type privateFrame struct {
	Type    string `json:"type"`
	To      string `json:"to"`
	Content string `json:"content"`
}

// SendPrivate writes a direct message frame addressed to another identity.
func (c *Client) SendPrivate(ctx context.Context, to, text string) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("stream %s: not connected", c.identity.Name)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	frame := privateFrame{Type: TypePrivate, To: to, Content: text}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(c.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(frame); err != nil {
		c.metrics.IncrementErrors()
		return &transport.ConnectionError{Op: "stream write", URL: c.cfg.URL, Err: err}
	}
	c.metrics.IncrementSent(int64(len(frame.To) + len(frame.Content)))
	return nil
}

// Close sends a close frame and releases the socket. It is safe to call
// after Run has returned.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}

	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
