package server

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/duochat/duochat/pkg/model"
	"github.com/duochat/duochat/pkg/protocol"
	"github.com/duochat/duochat/pkg/store"
)

const (
	hubWriteWait    = 10 * time.Second
	hubPongWait     = 60 * time.Second
	hubPingInterval = 30 * time.Second

	// sendBuffer is the per-connection outbound queue. A client that
	// stops reading long enough to fill it gets dropped.
	sendBuffer = 32
)

// Hub tracks live websocket connections by chat id and relays chat
// traffic between them. A connection routes no traffic until its
// identify event is accepted.
type Hub struct {
	store    store.DataStore
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*wsConn
}

// NewHub creates a hub over the given store.
func NewHub(st store.DataStore) *Hub {
	return &Hub{
		store: st,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Clients are CLIs and desktop apps, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[string]*wsConn),
	}
}

// wsConn is one live client connection. chatID is set once by the read
// pump when identify is accepted and read only from that goroutine.
type wsConn struct {
	hub    *Hub
	ws     *websocket.Conn
	send   chan []byte
	chatID string

	mu     sync.Mutex // guards closed and sends into the queue
	closed bool
}

// ServeWS upgrades the request and runs the connection's pumps.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "err", err)
		return
	}
	c := &wsConn{
		hub:  h,
		ws:   ws,
		send: make(chan []byte, sendBuffer),
	}
	slog.Debug("websocket connected", "remote", ws.RemoteAddr())
	go c.writePump()
	c.readPump()
}

// register binds a chat id to a connection. A reconnect with the same
// chat id replaces the previous connection.
func (h *Hub) register(chatID string, c *wsConn) {
	h.mu.Lock()
	prev := h.conns[chatID]
	h.conns[chatID] = c
	h.mu.Unlock()
	if prev != nil && prev != c {
		prev.close()
	}
	slog.Info("client identified", "chat_id", chatID)
}

// unregister removes the connection if it is still the live one for
// its chat id.
func (h *Hub) unregister(c *wsConn) {
	if c.chatID == "" {
		return
	}
	h.mu.Lock()
	if h.conns[c.chatID] == c {
		delete(h.conns, c.chatID)
	}
	h.mu.Unlock()
	slog.Info("client disconnected", "chat_id", c.chatID)
}

// lookup returns the live connection for a chat id, or nil.
func (h *Hub) lookup(chatID string) *wsConn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conns[chatID]
}

// Online reports whether a chat id has a live connection.
func (h *Hub) Online(chatID string) bool {
	return h.lookup(chatID) != nil
}

// emit queues an event on the connection. Returns false when the
// client's queue is full, which also drops the connection.
func (c *wsConn) emit(event string, payload any) bool {
	frame, err := protocol.Marshal(event, payload)
	if err != nil {
		slog.Error("marshal event", "event", event, "err", err)
		return false
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	select {
	case c.send <- frame:
		c.mu.Unlock()
		return true
	default:
		c.mu.Unlock()
		slog.Warn("client send queue full, dropping connection", "chat_id", c.chatID)
		c.close()
		return false
	}
}

func (c *wsConn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(hubPingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(hubWriteWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(hubWriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drives the connection. On exit it closes the send queue;
// the write pump drains it and then closes the socket, so a final
// error frame still reaches the client.
func (c *wsConn) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.close()
	}()

	c.ws.SetReadLimit(protocol.MaxEnvelopeSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(hubPongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(hubPongWait))
	})

	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("websocket read error", "chat_id", c.chatID, "err", err)
			}
			return
		}
		env, err := protocol.Unmarshal(frame)
		if err != nil {
			slog.Debug("bad frame", "err", err)
			continue
		}
		if !c.dispatch(env) {
			return
		}
	}
}

// dispatch handles one inbound event. Returns false when the
// connection must drop (banned identity).
func (c *wsConn) dispatch(env *protocol.Envelope) bool {
	switch env.Event {
	case protocol.EventIdentify:
		return c.handleIdentify(env)
	case protocol.EventPrivateMessage:
		c.handlePrivateMessage(env)
	case protocol.EventMessageRequest:
		c.handleMessageRequest(env)
	case protocol.EventRequestResponse:
		c.handleRequestResponse(env)
	case protocol.EventChatEnded:
		c.handleChatEnded(env)
	case protocol.EventReportUser:
		c.handleReportUser(env)
	default:
		slog.Debug("unknown event", "event", env.Event)
	}
	return true
}

// handleIdentify binds the connection to a chat id. Banned users are
// told so and dropped.
func (c *wsConn) handleIdentify(env *protocol.Envelope) bool {
	var ident protocol.Identify
	if err := protocol.Decode(env, &ident); err != nil || ident.ChatID == "" {
		return true
	}

	user, err := c.hub.store.GetUserByChatID(ident.ChatID)
	if err != nil {
		slog.Error("lookup user for identify", "err", err)
		return true
	}
	if user != nil && user.IsBanned {
		slog.Warn("banned user tried to connect", "chat_id", ident.ChatID)
		c.emit(protocol.EventError, protocol.ServerError{Error: "You are banned from the system."})
		return false
	}

	// A re-identify under a new chat id must release the old binding,
	// or traffic for the old id would keep reaching this socket.
	if c.chatID != "" && c.chatID != ident.ChatID {
		c.hub.unregister(c)
	}
	c.chatID = ident.ChatID
	c.hub.register(ident.ChatID, c)
	return true
}

func (c *wsConn) handlePrivateMessage(env *protocol.Envelope) {
	if c.chatID == "" {
		c.emit(protocol.EventError, protocol.ServerError{Error: "Sender not identified"})
		return
	}
	var msg protocol.PrivateMessage
	if err := protocol.Decode(env, &msg); err != nil {
		return
	}

	if c.senderMuted() {
		slog.Warn("muted user tried to send message", "chat_id", c.chatID)
		c.emit(protocol.EventError, protocol.ServerError{Error: "You are muted and cannot send messages."})
		return
	}

	recipient := c.hub.lookup(msg.Recipient)
	if recipient == nil {
		slog.Debug("recipient not online", "chat_id", msg.Recipient)
		return
	}
	recipient.emit(protocol.EventPrivateMessage, protocol.IncomingMessage{
		Sender:  c.chatID,
		Message: msg.Message,
	})
}

func (c *wsConn) senderMuted() bool {
	user, err := c.hub.store.GetUserByChatID(c.chatID)
	if err != nil {
		slog.Error("lookup user for mute check", "err", err)
		return false
	}
	return user != nil && user.IsMuted
}

func (c *wsConn) handleMessageRequest(env *protocol.Envelope) {
	var req protocol.MessageRequest
	if err := protocol.Decode(env, &req); err != nil {
		return
	}
	if c.chatID == "" || req.Target == "" {
		return
	}

	target := c.hub.lookup(req.Target)
	if target == nil {
		c.emit(protocol.EventRequestResult, protocol.RequestResult{Status: protocol.StatusOffline})
		return
	}
	target.emit(protocol.EventRequestReceived, protocol.RequestReceived{From: c.chatID})
}

func (c *wsConn) handleRequestResponse(env *protocol.Envelope) {
	var resp protocol.RequestResponse
	if err := protocol.Decode(env, &resp); err != nil {
		return
	}
	if c.chatID == "" {
		return
	}
	requester := c.hub.lookup(resp.To)
	if requester == nil {
		return
	}

	status := protocol.StatusRejected
	if resp.Accepted {
		status = protocol.StatusAccepted
	}
	requester.emit(protocol.EventRequestResult, protocol.RequestResult{Status: status, By: c.chatID})
}

func (c *wsConn) handleChatEnded(env *protocol.Envelope) {
	var ended protocol.ChatEnded
	if err := protocol.Decode(env, &ended); err != nil {
		return
	}
	if c.chatID == "" {
		return
	}
	partner := c.hub.lookup(ended.Recipient)
	if partner == nil {
		return
	}
	slog.Info("chat ended", "by", c.chatID, "partner", ended.Recipient)
	partner.emit(protocol.EventChatEnded, protocol.ChatEndedNotice{From: c.chatID})
}

func (c *wsConn) handleReportUser(env *protocol.Envelope) {
	var rep protocol.ReportUser
	if err := protocol.Decode(env, &rep); err != nil {
		return
	}
	report := &model.Report{
		ReporterID: rep.ReporterID,
		ReportedID: rep.ReportedID,
		Reason:     rep.Reason,
		ChatLog:    rep.ChatLog,
	}
	if err := c.hub.store.CreateReport(report); err != nil {
		slog.Error("store report", "err", err)
		return
	}
	slog.Info("report filed", "reporter", rep.ReporterID, "reported", rep.ReportedID)
}
