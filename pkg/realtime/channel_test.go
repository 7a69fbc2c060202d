package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/duochat/duochat/pkg/model"
	"github.com/duochat/duochat/pkg/protocol"
)

// wsServer is a minimal websocket endpoint that records every envelope
// a channel emits and can push frames back.
type wsServer struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns []*websocket.Conn

	received chan *protocol.Envelope
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{t: t, received: make(chan *protocol.Envelope, 16)}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()

		go func() {
			for {
				_, frame, err := conn.ReadMessage()
				if err != nil {
					return
				}
				env, err := protocol.Unmarshal(frame)
				if err != nil {
					continue
				}
				s.received <- env
			}
		}()
	})
	s.srv = httptest.NewServer(mux)
	t.Cleanup(func() {
		s.mu.Lock()
		for _, c := range s.conns {
			_ = c.Close()
		}
		s.mu.Unlock()
		s.srv.Close()
	})
	return s
}

func (s *wsServer) push(t *testing.T, event string, payload any) {
	t.Helper()
	frame, err := protocol.Marshal(event, payload)
	if err != nil {
		t.Fatalf("marshal push: %v", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		t.Fatal("no connection to push to")
	}
	if err := s.conns[len(s.conns)-1].WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("push: %v", err)
	}
}

func (s *wsServer) next(t *testing.T) *protocol.Envelope {
	t.Helper()
	select {
	case env := <-s.received:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a frame")
		return nil
	}
}

func (s *wsServer) expectSilence(t *testing.T) {
	t.Helper()
	select {
	case env := <-s.received:
		t.Fatalf("unexpected frame: %s", env.Event)
	case <-time.After(100 * time.Millisecond):
	}
}

func dialTest(t *testing.T, s *wsServer, user *model.User, handlers Handlers) *Channel {
	t.Helper()
	ch, err := Dial(context.Background(), s.srv.URL, user, handlers)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

func TestDialSendsIdentify(t *testing.T) {
	s := newWSServer(t)
	ch := dialTest(t, s, &model.User{Username: "alice", ChatID: "a1b2c3d4"}, Handlers{})

	env := s.next(t)
	if env.Event != protocol.EventIdentify {
		t.Fatalf("first frame = %q, want identify", env.Event)
	}
	var id protocol.Identify
	if err := protocol.Decode(env, &id); err != nil {
		t.Fatalf("decode identify: %v", err)
	}
	if id.ChatID != "a1b2c3d4" {
		t.Errorf("identify chat_id = %q", id.ChatID)
	}
	if got := ch.State(); got != StateIdentified {
		t.Errorf("state = %v, want identified", got)
	}
}

func TestDialWithoutChatIDStaysConnecting(t *testing.T) {
	s := newWSServer(t)
	ch := dialTest(t, s, &model.User{Username: "ghost"}, Handlers{})

	s.expectSilence(t)
	if got := ch.State(); got != StateConnecting {
		t.Errorf("state = %v, want connecting", got)
	}

	// An unidentified channel can still emit.
	ch.Send("someone", "hello?")
	if env := s.next(t); env.Event != protocol.EventPrivateMessage {
		t.Errorf("frame = %q, want private_message", env.Event)
	}
}

func TestSendAndEndChat(t *testing.T) {
	s := newWSServer(t)
	ch := dialTest(t, s, &model.User{ChatID: "a1b2c3d4"}, Handlers{})
	s.next(t) // identify

	ch.Send("e5f6a7b8", "hi there")
	env := s.next(t)
	var msg protocol.PrivateMessage
	if err := protocol.Decode(env, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Event != protocol.EventPrivateMessage || msg.Recipient != "e5f6a7b8" || msg.Message != "hi there" {
		t.Errorf("got %q %+v", env.Event, msg)
	}

	ch.EndChat("e5f6a7b8")
	env = s.next(t)
	var ended protocol.ChatEnded
	if err := protocol.Decode(env, &ended); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Event != protocol.EventChatEnded || ended.Recipient != "e5f6a7b8" {
		t.Errorf("got %q %+v", env.Event, ended)
	}
}

func TestSendNoOpConditions(t *testing.T) {
	s := newWSServer(t)
	ch := dialTest(t, s, &model.User{ChatID: "a1b2c3d4"}, Handlers{})
	s.next(t) // identify

	// No partner, then no text: both silent no-ops.
	ch.Send("", "text")
	ch.Send("partner", "")
	s.expectSilence(t)

	if err := ch.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// After close: still silent no-ops, no panic.
	ch.Send("partner", "text")
	ch.EndChat("partner")
	s.expectSilence(t)
}

func TestCloseIsIdempotent(t *testing.T) {
	s := newWSServer(t)
	ch := dialTest(t, s, &model.User{ChatID: "a1b2c3d4"}, Handlers{})
	s.next(t)

	if err := ch.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if got := ch.State(); got != StateClosed {
		t.Errorf("state = %v, want closed", got)
	}
}

func TestInboundDispatch(t *testing.T) {
	s := newWSServer(t)

	gotMsg := make(chan protocol.IncomingMessage, 1)
	gotReq := make(chan protocol.RequestReceived, 1)
	gotRes := make(chan protocol.RequestResult, 1)
	gotEnd := make(chan protocol.ChatEndedNotice, 1)

	dialTest(t, s, &model.User{ChatID: "a1b2c3d4"}, Handlers{
		OnPrivateMessage:  func(m protocol.IncomingMessage) { gotMsg <- m },
		OnRequestReceived: func(r protocol.RequestReceived) { gotReq <- r },
		OnRequestResult:   func(r protocol.RequestResult) { gotRes <- r },
		OnChatEnded:       func(e protocol.ChatEndedNotice) { gotEnd <- e },
	})
	s.next(t) // identify

	s.push(t, protocol.EventPrivateMessage, protocol.IncomingMessage{Sender: "e5f6", Message: "yo"})
	s.push(t, protocol.EventRequestReceived, protocol.RequestReceived{From: "e5f6"})
	s.push(t, protocol.EventRequestResult, protocol.RequestResult{Status: protocol.StatusAccepted, By: "e5f6"})
	s.push(t, protocol.EventChatEnded, protocol.ChatEndedNotice{From: "e5f6"})

	waitFor := func(name string, ok func() bool) {
		t.Helper()
		deadline := time.After(2 * time.Second)
		for {
			if ok() {
				return
			}
			select {
			case <-deadline:
				t.Fatalf("timed out waiting for %s", name)
			case <-time.After(10 * time.Millisecond):
			}
		}
	}

	waitFor("private_message", func() bool {
		select {
		case m := <-gotMsg:
			if m.Sender != "e5f6" || m.Message != "yo" {
				t.Errorf("message = %+v", m)
			}
			return true
		default:
			return false
		}
	})
	waitFor("request_received", func() bool {
		select {
		case <-gotReq:
			return true
		default:
			return false
		}
	})
	waitFor("request_result", func() bool {
		select {
		case r := <-gotRes:
			if r.Status != protocol.StatusAccepted {
				t.Errorf("status = %q", r.Status)
			}
			return true
		default:
			return false
		}
	})
	waitFor("chat_ended_notice", func() bool {
		select {
		case <-gotEnd:
			return true
		default:
			return false
		}
	})
}

func TestRemoteDisconnectInvokesHandler(t *testing.T) {
	s := newWSServer(t)
	disconnected := make(chan string, 1)
	ch := dialTest(t, s, &model.User{ChatID: "a1b2c3d4"}, Handlers{
		OnDisconnect: func(reason string) { disconnected <- reason },
	})
	s.next(t)

	s.mu.Lock()
	_ = s.conns[len(s.conns)-1].Close()
	s.mu.Unlock()

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("OnDisconnect never ran")
	}

	select {
	case <-ch.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done never closed")
	}
}

func TestLocalCloseSkipsDisconnectHandler(t *testing.T) {
	s := newWSServer(t)
	disconnected := make(chan string, 1)
	ch := dialTest(t, s, &model.User{ChatID: "a1b2c3d4"}, Handlers{
		OnDisconnect: func(reason string) { disconnected <- reason },
	})
	s.next(t)

	_ = ch.Close()
	<-ch.Done()

	select {
	case reason := <-disconnected:
		t.Fatalf("OnDisconnect ran on local close: %q", reason)
	case <-time.After(100 * time.Millisecond):
	}
}
