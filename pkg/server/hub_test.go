package server_test

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/duochat/duochat/pkg/model"
	"github.com/duochat/duochat/pkg/protocol"
	"github.com/duochat/duochat/pkg/server"
	"github.com/duochat/duochat/pkg/store"
)

// hubFixture is a running server whose hub we drive over real
// websocket connections.
type hubFixture struct {
	t   *testing.T
	ts  *httptest.Server
	st  *store.MemoryStore
	srv *server.Server
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	st := store.NewMemory()
	srv, err := server.New(testConfig(), st)
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &hubFixture{t: t, ts: ts, st: st, srv: srv}
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

// dial opens a websocket connection and, when chatID is non-empty,
// identifies and waits for the hub to register it.
func (f *hubFixture) dial(chatID string) *wsClient {
	f.t.Helper()
	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		f.t.Fatalf("dial: %v", err)
	}
	f.t.Cleanup(func() { _ = conn.Close() })

	c := &wsClient{t: f.t, conn: conn}
	if chatID != "" {
		c.send(protocol.EventIdentify, protocol.Identify{ChatID: chatID})
		f.waitOnline(chatID)
	}
	return c
}

// waitOnline polls presence until the hub has registered the chat id.
func (f *hubFixture) waitOnline(chatID string) {
	f.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f.srv.Hub().Online(chatID) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	f.t.Fatalf("%s never came online", chatID)
}

func (c *wsClient) send(event string, payload any) {
	c.t.Helper()
	frame, err := protocol.Marshal(event, payload)
	if err != nil {
		c.t.Fatalf("marshal %s: %v", event, err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.t.Fatalf("write %s: %v", event, err)
	}
}

// expect reads the next frame and requires the given event name.
func (c *wsClient) expect(event string) *protocol.Envelope {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := c.conn.ReadMessage()
	if err != nil {
		c.t.Fatalf("read (waiting for %s): %v", event, err)
	}
	env, err := protocol.Unmarshal(frame)
	if err != nil {
		c.t.Fatalf("bad frame: %v", err)
	}
	if env.Event != event {
		c.t.Fatalf("got event %q, want %q", env.Event, event)
	}
	return env
}

// expectClosed requires the server to drop the connection.
func (c *wsClient) expectClosed() {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := c.conn.ReadMessage(); err == nil {
		c.t.Fatal("connection still open, want closed")
	}
}

func TestPrivateMessageRelay(t *testing.T) {
	f := newHubFixture(t)
	f.seedHubUser("a1b2c3d4", nil)
	f.seedHubUser("e5f6a7b8", nil)

	alice := f.dial("a1b2c3d4")
	bob := f.dial("e5f6a7b8")

	alice.send(protocol.EventPrivateMessage, protocol.PrivateMessage{
		Recipient: "e5f6a7b8", Message: "hello bob",
	})

	env := bob.expect(protocol.EventPrivateMessage)
	var msg protocol.IncomingMessage
	if err := protocol.Decode(env, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Sender != "a1b2c3d4" || msg.Message != "hello bob" {
		t.Errorf("got %+v", msg)
	}
}

// seedHubUser inserts a user whose username is derived from the chat id.
func (f *hubFixture) seedHubUser(chatID string, mutate func(*model.User)) {
	f.t.Helper()
	u := &model.User{
		Username:     "user-" + chatID,
		PasswordHash: "unused",
		Role:         model.RoleUser,
		ChatID:       chatID,
	}
	if mutate != nil {
		mutate(u)
	}
	if err := f.st.CreateUser(u); err != nil {
		f.t.Fatalf("CreateUser: %v", err)
	}
}

func TestUnidentifiedSenderRejected(t *testing.T) {
	f := newHubFixture(t)
	c := f.dial("")

	c.send(protocol.EventPrivateMessage, protocol.PrivateMessage{
		Recipient: "e5f6a7b8", Message: "hello",
	})

	env := c.expect(protocol.EventError)
	var serr protocol.ServerError
	_ = protocol.Decode(env, &serr)
	if !strings.Contains(serr.Error, "not identified") {
		t.Errorf("error = %q", serr.Error)
	}
}

func TestMutedSenderRejected(t *testing.T) {
	f := newHubFixture(t)
	f.seedHubUser("a1b2c3d4", func(u *model.User) { u.IsMuted = true })
	f.seedHubUser("e5f6a7b8", nil)

	alice := f.dial("a1b2c3d4")
	f.dial("e5f6a7b8")

	alice.send(protocol.EventPrivateMessage, protocol.PrivateMessage{
		Recipient: "e5f6a7b8", Message: "hello",
	})

	env := alice.expect(protocol.EventError)
	var serr protocol.ServerError
	_ = protocol.Decode(env, &serr)
	if !strings.Contains(serr.Error, "muted") {
		t.Errorf("error = %q", serr.Error)
	}
}

func TestBannedIdentifyDisconnects(t *testing.T) {
	f := newHubFixture(t)
	f.seedHubUser("a1b2c3d4", func(u *model.User) { u.IsBanned = true })

	c := f.dial("")
	c.send(protocol.EventIdentify, protocol.Identify{ChatID: "a1b2c3d4"})

	env := c.expect(protocol.EventError)
	var serr protocol.ServerError
	_ = protocol.Decode(env, &serr)
	if !strings.Contains(serr.Error, "banned") {
		t.Errorf("error = %q", serr.Error)
	}
	c.expectClosed()
	if f.srv.Hub().Online("a1b2c3d4") {
		t.Error("banned user registered anyway")
	}
}

func TestMessageRequestFlow(t *testing.T) {
	f := newHubFixture(t)
	f.seedHubUser("a1b2c3d4", nil)
	f.seedHubUser("e5f6a7b8", nil)

	alice := f.dial("a1b2c3d4")
	bob := f.dial("e5f6a7b8")

	t.Run("offline target", func(t *testing.T) {
		alice.send(protocol.EventMessageRequest, protocol.MessageRequest{Target: "00000000"})
		env := alice.expect(protocol.EventRequestResult)
		var res protocol.RequestResult
		_ = protocol.Decode(env, &res)
		if res.Status != protocol.StatusOffline {
			t.Errorf("status = %q, want offline", res.Status)
		}
	})

	t.Run("accepted", func(t *testing.T) {
		alice.send(protocol.EventMessageRequest, protocol.MessageRequest{Target: "e5f6a7b8"})
		env := bob.expect(protocol.EventRequestReceived)
		var req protocol.RequestReceived
		_ = protocol.Decode(env, &req)
		if req.From != "a1b2c3d4" {
			t.Fatalf("from = %q", req.From)
		}

		bob.send(protocol.EventRequestResponse, protocol.RequestResponse{Accepted: true, To: "a1b2c3d4"})
		env = alice.expect(protocol.EventRequestResult)
		var res protocol.RequestResult
		_ = protocol.Decode(env, &res)
		if res.Status != protocol.StatusAccepted || res.By != "e5f6a7b8" {
			t.Errorf("result = %+v", res)
		}
	})

	t.Run("rejected", func(t *testing.T) {
		alice.send(protocol.EventMessageRequest, protocol.MessageRequest{Target: "e5f6a7b8"})
		bob.expect(protocol.EventRequestReceived)

		bob.send(protocol.EventRequestResponse, protocol.RequestResponse{Accepted: false, To: "a1b2c3d4"})
		env := alice.expect(protocol.EventRequestResult)
		var res protocol.RequestResult
		_ = protocol.Decode(env, &res)
		if res.Status != protocol.StatusRejected {
			t.Errorf("status = %q, want rejected", res.Status)
		}
	})
}

func TestChatEndedRelay(t *testing.T) {
	f := newHubFixture(t)
	f.seedHubUser("a1b2c3d4", nil)
	f.seedHubUser("e5f6a7b8", nil)

	alice := f.dial("a1b2c3d4")
	bob := f.dial("e5f6a7b8")

	alice.send(protocol.EventChatEnded, protocol.ChatEnded{Recipient: "e5f6a7b8"})

	env := bob.expect(protocol.EventChatEnded)
	var notice protocol.ChatEndedNotice
	_ = protocol.Decode(env, &notice)
	if notice.From != "a1b2c3d4" {
		t.Errorf("from = %q", notice.From)
	}
}

func TestReportUserStored(t *testing.T) {
	f := newHubFixture(t)
	f.seedHubUser("a1b2c3d4", nil)

	alice := f.dial("a1b2c3d4")
	alice.send(protocol.EventReportUser, protocol.ReportUser{
		ReporterID: "a1b2c3d4",
		ReportedID: "e5f6a7b8",
		Reason:     "spam",
		ChatLog:    "[log] e5f6a7b8: buy now",
	})

	// The report lands asynchronously.
	deadline := time.Now().Add(2 * time.Second)
	for {
		reports, err := f.st.ListReports()
		if err != nil {
			t.Fatalf("ListReports: %v", err)
		}
		if len(reports) == 1 {
			r := reports[0]
			if r.ReporterID != "a1b2c3d4" || r.ReportedID != "e5f6a7b8" || r.Reason != "spam" {
				t.Errorf("report = %+v", r)
			}
			if r.ChatLog == "" {
				t.Error("chat log dropped")
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("report never stored")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestReidentifyReleasesOldChatID(t *testing.T) {
	f := newHubFixture(t)
	f.seedHubUser("a1b2c3d4", nil)
	f.seedHubUser("e5f6a7b8", nil)
	f.seedHubUser("c3d4e5f6", nil)

	c := f.dial("a1b2c3d4")
	c.send(protocol.EventIdentify, protocol.Identify{ChatID: "e5f6a7b8"})
	f.waitOnline("e5f6a7b8")

	// The old binding is released before the new one is registered.
	if f.srv.Hub().Online("a1b2c3d4") {
		t.Error("old chat id still online after re-identify")
	}

	// Messages addressed to the old id no longer reach this socket.
	other := f.dial("c3d4e5f6")
	other.send(protocol.EventPrivateMessage, protocol.PrivateMessage{
		Recipient: "a1b2c3d4", Message: "anyone home?",
	})
	other.send(protocol.EventPrivateMessage, protocol.PrivateMessage{
		Recipient: "e5f6a7b8", Message: "new you",
	})

	env := c.expect(protocol.EventPrivateMessage)
	var msg protocol.IncomingMessage
	_ = protocol.Decode(env, &msg)
	if msg.Message != "new you" {
		t.Errorf("got %+v, want only the message for the new chat id", msg)
	}
}

func TestReconnectReplacesConnection(t *testing.T) {
	f := newHubFixture(t)
	f.seedHubUser("a1b2c3d4", nil)
	f.seedHubUser("e5f6a7b8", nil)

	first := f.dial("a1b2c3d4")
	second := f.dial("a1b2c3d4")
	bob := f.dial("e5f6a7b8")

	// The replaced connection is closed by the hub.
	first.expectClosed()

	bob.send(protocol.EventPrivateMessage, protocol.PrivateMessage{
		Recipient: "a1b2c3d4", Message: "still there?",
	})
	env := second.expect(protocol.EventPrivateMessage)
	var msg protocol.IncomingMessage
	_ = protocol.Decode(env, &msg)
	if msg.Message != "still there?" {
		t.Errorf("got %+v", msg)
	}
}
