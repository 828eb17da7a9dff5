package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/call"
)

// RelayError is an `error` frame received from the relay.
type RelayError struct {
	Code    string
	Message string
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("relay error %s: %s", e.Code, e.Message)
}

var ErrNoIdentity = errors.New("relay did not assign an identity")

type ClientConfig struct {
	// URL is the ws:// or wss:// signaling endpoint.
	URL string
	// Credential is sent in an `auth` frame when set.
	Credential string
	Header     http.Header

	DialTimeout time.Duration
	// HandshakeTimeout bounds the wait for the relay's `me` frame.
	HandshakeTimeout time.Duration
	PingInterval     time.Duration

	Logger *slog.Logger
}

// Client is a participant's signaling connection. It implements
// call.Signaler; Run forwards routed messages to a call.Inbound.
type Client struct {
	conn *websocket.Conn
	id   string
	log  *slog.Logger

	pingInterval time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

var _ call.Signaler = (*Client)(nil)

func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.DialTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, cfg.URL, cfg.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", cfg.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", cfg.URL, err)
	}

	c := &Client{
		conn:         conn,
		log:          log,
		pingInterval: cfg.PingInterval,
		done:         make(chan struct{}),
	}

	if cfg.Credential != "" {
		if err := c.write(Message{Type: MessageTypeAuth, Token: cfg.Credential}); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("send auth: %w", err)
		}
	}

	id, err := c.awaitIdentity(cfg.HandshakeTimeout)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	c.id = id
	c.log = log.With("participant_id", id)
	return c, nil
}

func (c *Client) awaitIdentity(timeout time.Duration) (string, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	defer func() { _ = c.conn.SetReadDeadline(time.Time{}) }()

	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrNoIdentity, err)
	}
	msg, err := ParseServerMessage(data)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrNoIdentity, err)
	}
	switch msg.Type {
	case MessageTypeMe:
		return msg.ID, nil
	case MessageTypeError:
		return "", &RelayError{Code: msg.Code, Message: msg.Message}
	default:
		return "", fmt.Errorf("%w: got %q first", ErrNoIdentity, msg.Type)
	}
}

// ID is the identity the relay assigned to this connection.
func (c *Client) ID() string {
	return c.id
}

// Run reads frames until the connection closes or ctx is done. It returns
// nil on a normal close.
func (c *Client) Run(ctx context.Context, h call.Inbound) error {
	go c.pingLoop()
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	var relayErr error
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if relayErr != nil {
				return relayErr
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			select {
			case <-c.done:
				return nil
			default:
			}
			return err
		}

		msg, err := ParseServerMessage(data)
		if err != nil {
			c.log.Warn("ignoring malformed relay frame", "err", err)
			continue
		}
		switch msg.Type {
		case MessageTypeCallMade:
			h.CallMade(msg.From, msg.Name, msg.Signal)
		case MessageTypeCallAnswered:
			h.CallAnswered(msg.From, msg.Signal)
		case MessageTypeICECandidate:
			h.RemoteCandidate(msg.From, msg.Candidate)
		case MessageTypeEndCall:
			h.RemoteEnded(msg.From)
		case MessageTypePeerUnreachable:
			h.PeerUnreachable(msg.To)
		case MessageTypeError:
			relayErr = &RelayError{Code: msg.Code, Message: msg.Message}
			c.log.Warn("relay reported an error", "code", msg.Code, "message", msg.Message)
		}
	}
}

func (c *Client) pingLoop() {
	t := time.NewTicker(c.pingInterval)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *Client) write(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) PlaceCall(to string, signal json.RawMessage, name string) error {
	return c.write(Message{Type: MessageTypeCallUser, To: to, Signal: signal, Name: name})
}

func (c *Client) AnswerCall(to string, signal json.RawMessage) error {
	return c.write(Message{Type: MessageTypeAnswerCall, To: to, Signal: signal})
}

func (c *Client) SendCandidate(to string, candidate json.RawMessage) error {
	return c.write(Message{Type: MessageTypeICECandidate, To: to, Candidate: candidate})
}

func (c *Client) EndCall(to string) error {
	return c.write(Message{Type: MessageTypeEndCall, To: to})
}

// Close sends a normal close frame and closes the connection.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
