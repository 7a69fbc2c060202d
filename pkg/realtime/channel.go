// Package realtime manages the persistent websocket connection used for
// chat events: the identify handshake, outbound emits, and routing of
// inbound events to caller-supplied handlers.
package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/duochat/duochat/pkg/model"
	"github.com/duochat/duochat/pkg/protocol"
)

// State tracks a channel handle's lifecycle:
// Closed → Connecting → Identified → Closed.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateIdentified
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateIdentified:
		return "identified"
	default:
		return "closed"
	}
}

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
)

// Handlers routes inbound events. Nil slots are simply not invoked.
// OnDisconnect runs in addition to (never instead of) the channel's own
// diagnostic logging.
type Handlers struct {
	OnPrivateMessage  func(protocol.IncomingMessage)
	OnRequestReceived func(protocol.RequestReceived)
	OnRequestResult   func(protocol.RequestResult)
	OnChatEnded       func(protocol.ChatEndedNotice)
	OnServerError     func(protocol.ServerError)
	OnDisconnect      func(reason string)
}

// Channel is one live realtime connection. At most one should exist per
// session; callers opening a replacement must Close the prior handle
// before dialing (the client engine enforces this).
type Channel struct {
	mu       sync.Mutex
	conn     *websocket.Conn
	state    State
	handlers Handlers

	done      chan struct{}
	closeOnce sync.Once
}

// Dial opens a connection to baseURL (http/https or ws/wss) and, when
// the user carries a chat id, performs the identify handshake that
// binds the connection to that identity. A user without a chat id
// leaves the channel unidentified: it can still emit, but the server
// will never route chat traffic to it. That matches the reference
// behavior; it is logged loudly because it is almost never what anyone
// wants.
func Dial(ctx context.Context, baseURL string, user *model.User, handlers Handlers) (*Channel, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL(baseURL), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("realtime: dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("realtime: dial: %w", err)
	}

	c := &Channel{
		conn:     conn,
		state:    StateConnecting,
		handlers: handlers,
		done:     make(chan struct{}),
	}

	conn.SetReadLimit(protocol.MaxEnvelopeSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	if user != nil && user.ChatID != "" {
		if err := c.emit(protocol.EventIdentify, protocol.Identify{ChatID: user.ChatID}); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("realtime: identify: %w", err)
		}
		c.mu.Lock()
		c.state = StateIdentified
		c.mu.Unlock()
		slog.Debug("channel identified", "chat_id", user.ChatID)
	} else {
		slog.Warn("channel opened without a chat id; server will not route chat traffic here")
	}

	go c.readLoop()
	go c.pingLoop()
	return c, nil
}

// wsURL rewrites an http(s) base URL to its ws(s) endpoint.
func wsURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return strings.TrimSuffix(base, "/") + "/ws"
}

// State reports the handle's lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed when the connection is gone, however that happened.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Send emits a private message. It is a silent no-op when the channel
// is closed, the partner id is empty, or the text is empty.
func (c *Channel) Send(partnerID, text string) {
	if partnerID == "" || text == "" || c.State() == StateClosed {
		return
	}
	if err := c.emit(protocol.EventPrivateMessage, protocol.PrivateMessage{
		Recipient: partnerID,
		Message:   text,
	}); err != nil {
		slog.Debug("send message failed", "err", err)
	}
}

// EndChat notifies the partner that this side closed the chat. Same
// no-op conditions as Send.
func (c *Channel) EndChat(partnerID string) {
	if partnerID == "" || c.State() == StateClosed {
		return
	}
	if err := c.emit(protocol.EventChatEnded, protocol.ChatEnded{Recipient: partnerID}); err != nil {
		slog.Debug("end chat notice failed", "err", err)
	}
}

// RequestChat asks targetID to open a chat. The outcome arrives later
// as a request_result event.
func (c *Channel) RequestChat(targetID string) error {
	if targetID == "" {
		return fmt.Errorf("realtime: empty target")
	}
	return c.emit(protocol.EventMessageRequest, protocol.MessageRequest{Target: targetID})
}

// RespondRequest answers an incoming chat request from requesterID.
func (c *Channel) RespondRequest(requesterID string, accepted bool) error {
	if requesterID == "" {
		return fmt.Errorf("realtime: empty requester")
	}
	return c.emit(protocol.EventRequestResponse, protocol.RequestResponse{
		Accepted: accepted,
		To:       requesterID,
	})
}

// Report files a moderation report over the channel.
func (c *Channel) Report(report protocol.ReportUser) error {
	return c.emit(protocol.EventReportUser, report)
}

// Close tears the connection down. Idempotent.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		conn := c.conn
		c.mu.Unlock()

		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		err = conn.Close()
	})
	return err
}

// emit writes one envelope. Gorilla permits a single concurrent writer,
// so writes are serialized under the mutex.
func (c *Channel) emit(event string, payload any) error {
	frame, err := protocol.Marshal(event, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return fmt.Errorf("realtime: channel closed")
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("realtime: emit %s: %w", event, err)
	}
	return nil
}

// readLoop reads frames until the connection dies, dispatching each to
// its handler.
func (c *Channel) readLoop() {
	defer func() {
		reason := "connection closed"
		c.mu.Lock()
		wasClosed := c.state == StateClosed
		c.state = StateClosed
		c.mu.Unlock()
		close(c.done)

		// Diagnostic disconnect log always runs; the caller's handler
		// runs as well for remote disconnects.
		slog.Info("channel disconnected", "reason", reason)
		if !wasClosed && c.handlers.OnDisconnect != nil {
			c.handlers.OnDisconnect(reason)
		}
	}()

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Error("channel connection error", "err", err)
			}
			return
		}

		env, err := protocol.Unmarshal(frame)
		if err != nil {
			slog.Debug("dropping malformed frame", "err", err)
			continue
		}
		c.dispatch(env)
	}
}

// dispatch routes one inbound envelope to its typed handler.
func (c *Channel) dispatch(env *protocol.Envelope) {
	switch env.Event {
	case protocol.EventPrivateMessage:
		var msg protocol.IncomingMessage
		if err := protocol.Decode(env, &msg); err == nil && c.handlers.OnPrivateMessage != nil {
			c.handlers.OnPrivateMessage(msg)
		}

	case protocol.EventRequestReceived:
		var req protocol.RequestReceived
		if err := protocol.Decode(env, &req); err == nil && c.handlers.OnRequestReceived != nil {
			c.handlers.OnRequestReceived(req)
		}

	case protocol.EventRequestResult:
		var res protocol.RequestResult
		if err := protocol.Decode(env, &res); err == nil && c.handlers.OnRequestResult != nil {
			c.handlers.OnRequestResult(res)
		}

	case protocol.EventChatEnded:
		var ended protocol.ChatEndedNotice
		if err := protocol.Decode(env, &ended); err == nil && c.handlers.OnChatEnded != nil {
			c.handlers.OnChatEnded(ended)
		}

	case protocol.EventError:
		var serr protocol.ServerError
		if err := protocol.Decode(env, &serr); err == nil {
			slog.Warn("server error event", "error", serr.Error)
			if c.handlers.OnServerError != nil {
				c.handlers.OnServerError(serr)
			}
		}

	default:
		slog.Debug("dropping unhandled event", "event", env.Event)
	}
}

// pingLoop keeps the connection alive until it dies.
func (c *Channel) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			if c.state == StateClosed {
				c.mu.Unlock()
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
