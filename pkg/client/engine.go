// Package client implements the duochat client engine: it wires the
// request gateway, the realtime channel, and the session state into the
// login/chat/logout flows a frontend drives.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/duochat/duochat/pkg/creds"
	"github.com/duochat/duochat/pkg/gateway"
	"github.com/duochat/duochat/pkg/model"
	"github.com/duochat/duochat/pkg/protocol"
	"github.com/duochat/duochat/pkg/realtime"
	"github.com/duochat/duochat/pkg/session"
	"github.com/duochat/duochat/pkg/transcript"
)

// Engine drives one user's session. Frontends set the OnX callbacks and
// call the verbs; everything else (token storage, identify handshake,
// partner tracking, transcript recording) happens here.
type Engine struct {
	baseURL string
	gw      *gateway.Gateway
	creds   creds.Store
	sess    *session.State
	log     *transcript.Log // nil disables transcript recording

	// Callbacks for frontend updates. All optional.
	OnMessage         func(sender, text string)
	OnRequestReceived func(from string)
	OnRequestResult   func(status, by string)
	OnChatEnded       func(from string)
	OnDisconnect      func(reason string)
	OnServerError     func(message string)
}

// Option customises an Engine.
type Option func(*Engine)

// WithTranscript enables local transcript recording, which also powers
// attaching evidence to reports.
func WithTranscript(log *transcript.Log) Option {
	return func(e *Engine) { e.log = log }
}

// New creates an engine talking to the server at baseURL, persisting
// tokens through store.
func New(baseURL string, store creds.Store, opts ...Option) (*Engine, error) {
	gw, err := gateway.New(baseURL, store)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		baseURL: baseURL,
		gw:      gw,
		creds:   store,
		sess:    session.New(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Gateway exposes the underlying gateway for the admin and account
// operations that need no session bookkeeping.
func (e *Engine) Gateway() *gateway.Gateway { return e.gw }

// Session exposes the session state for read access by frontends.
func (e *Engine) Session() *session.State { return e.sess }

// Login authenticates, stores the token pair, fetches the user record,
// and opens the realtime channel (emitting the identify handshake). On
// any failure nothing half-authenticated is left behind.
func (e *Engine) Login(ctx context.Context, username, password string) (*model.User, error) {
	if _, err := e.gw.Login(ctx, username, password); err != nil {
		return nil, err
	}

	user, err := e.gw.CurrentUser(ctx)
	if err != nil {
		e.clearLocal()
		return nil, fmt.Errorf("client: fetch user after login: %w", err)
	}
	e.sess.SetUser(user)

	if err := e.openChannel(ctx); err != nil {
		e.clearLocal()
		return nil, err
	}

	slog.Info("logged in", "user", user.Username, "role", user.Role.String(), "chat_id", user.ChatID)
	return user, nil
}

// Resume restores a session from stored tokens without asking for
// credentials again: it fetches the user record (refreshing the access
// token if needed) and opens the realtime channel.
func (e *Engine) Resume(ctx context.Context) (*model.User, error) {
	user, err := e.gw.CurrentUser(ctx)
	if err != nil {
		return nil, err
	}
	e.sess.SetUser(user)

	if err := e.openChannel(ctx); err != nil {
		return nil, err
	}
	return user, nil
}

// Register creates an account and returns its assigned chat id.
func (e *Engine) Register(ctx context.Context, username, password string) (string, error) {
	if err := model.ValidateUsername(username); err != nil {
		return "", err
	}
	if err := model.ValidatePassword(password); err != nil {
		return "", err
	}
	return e.gw.Register(ctx, username, password)
}

// Logout revokes the refresh token server-side, then unconditionally
// wipes tokens, session state, and the channel. Cleanup happens even
// when the server call fails.
func (e *Engine) Logout(ctx context.Context) error {
	if err := e.gw.Logout(ctx); err != nil {
		slog.Warn("server logout failed; cleaning up locally anyway", "err", err)
	}
	e.clearLocal()
	return nil
}

// Close shuts the realtime channel but keeps stored tokens, so a later
// invocation can resume the session.
func (e *Engine) Close() {
	if ch := e.sess.SetChannel(nil); ch != nil {
		_ = ch.Close()
	}
}

// clearLocal is the unconditional local teardown: tokens, session,
// channel. Used by logout and by unrecoverable auth failures so the
// client never sits half-authenticated.
func (e *Engine) clearLocal() {
	if err := e.creds.Clear(); err != nil {
		slog.Error("clear credentials", "err", err)
	}
	if ch := e.sess.Clear(); ch != nil {
		_ = ch.Close()
	}
}

// openChannel replaces the live channel: the prior connection is closed
// before the new dial begins, keeping at most one alive.
func (e *Engine) openChannel(ctx context.Context) error {
	if prev := e.sess.Channel(); prev != nil {
		_ = prev.Close()
	}

	ch, err := realtime.Dial(ctx, e.baseURL, e.sess.User(), realtime.Handlers{
		OnPrivateMessage:  e.handleMessage,
		OnRequestReceived: e.handleRequestReceived,
		OnRequestResult:   e.handleRequestResult,
		OnChatEnded:       e.handleChatEnded,
		OnServerError:     e.handleServerError,
		OnDisconnect:      e.handleDisconnect,
	})
	if err != nil {
		return err
	}
	e.sess.SetChannel(ch)
	return nil
}

func (e *Engine) channel() *realtime.Channel {
	ch, _ := e.sess.Channel().(*realtime.Channel)
	return ch
}

// RequestChat asks another user to open a chat.
func (e *Engine) RequestChat(targetID string) error {
	ch := e.channel()
	if ch == nil {
		return errors.New("client: not connected")
	}
	return ch.RequestChat(targetID)
}

// AcceptRequest accepts an incoming chat request and makes the
// requester the active partner.
func (e *Engine) AcceptRequest(from string) error {
	ch := e.channel()
	if ch == nil {
		return errors.New("client: not connected")
	}
	if err := ch.RespondRequest(from, true); err != nil {
		return err
	}
	e.sess.SetPartner(from)
	return nil
}

// RejectRequest declines an incoming chat request.
func (e *Engine) RejectRequest(from string) error {
	ch := e.channel()
	if ch == nil {
		return errors.New("client: not connected")
	}
	return ch.RespondRequest(from, false)
}

// SendMessage sends text to the active partner and records it in the
// transcript. Silently does nothing without a channel, partner, or
// text, mirroring the channel's own no-op rules.
func (e *Engine) SendMessage(text string) {
	ch := e.channel()
	partner := e.sess.Partner()
	if ch == nil || partner == "" || text == "" {
		return
	}
	ch.Send(partner, text)
	e.record(partner, "me", text)
}

// EndChat notifies the partner, clears the active partner, and drops
// the conversation's transcript.
func (e *Engine) EndChat() {
	partner := e.sess.Partner()
	if partner == "" {
		return
	}
	if ch := e.channel(); ch != nil {
		ch.EndChat(partner)
	}
	e.sess.SetPartner("")
	e.clearTranscript(partner)
}

// ReportPartner files a moderation report against the active partner,
// attaching the local transcript as evidence.
func (e *Engine) ReportPartner(reason string) error {
	ch := e.channel()
	user := e.sess.User()
	partner := e.sess.Partner()
	if ch == nil || user == nil {
		return errors.New("client: not connected")
	}
	if partner == "" {
		return errors.New("client: no active chat to report")
	}

	var chatLog string
	if e.log != nil {
		rendered, err := e.log.Render(partner)
		if err != nil {
			slog.Warn("render transcript for report", "err", err)
		} else {
			chatLog = rendered
		}
	}
	return ch.Report(protocol.ReportUser{
		ReporterID: user.ChatID,
		ReportedID: partner,
		Reason:     reason,
		ChatLog:    chatLog,
	})
}

// IdentityFromToken decodes the stored access token's claims without a
// network round trip. Useful for a quick "who am I" while offline; the
// authoritative record still comes from the /users endpoint.
func (e *Engine) IdentityFromToken() (*model.User, error) {
	tok := e.creds.AccessToken()
	if tok == "" {
		return nil, errors.New("client: not logged in")
	}
	claims, err := model.PeekClaims(tok)
	if err != nil {
		return nil, fmt.Errorf("client: decode stored token: %w", err)
	}
	return claims.User(), nil
}

// TokenStale reports whether the stored access token is missing,
// undecodable, or within a minute of expiry, meaning the next gateway
// call will go through a refresh.
func (e *Engine) TokenStale() bool {
	tok := e.creds.AccessToken()
	if tok == "" {
		return true
	}
	claims, err := model.PeekClaims(tok)
	if err != nil || claims.ExpiresAt == nil {
		return true
	}
	return time.Until(claims.ExpiresAt.Time) < time.Minute
}

// Unrecoverable reports whether err means the session cannot be
// repaired by retrying (no refresh token, or refresh rejected). Callers
// should force a clean logout when it returns true.
func Unrecoverable(err error) bool {
	return errors.Is(err, gateway.ErrMissingCredential) || errors.Is(err, gateway.ErrRefreshFailed)
}

// HandleAuthFailure forces the clean local logout when err is
// unrecoverable. Returns true if it cleaned up.
func (e *Engine) HandleAuthFailure(err error) bool {
	if !Unrecoverable(err) {
		return false
	}
	slog.Warn("unrecoverable auth failure; logging out locally", "err", err)
	e.clearLocal()
	return true
}

// ----- inbound event handlers -----

func (e *Engine) handleMessage(msg protocol.IncomingMessage) {
	e.record(msg.Sender, msg.Sender, msg.Message)
	if e.OnMessage != nil {
		e.OnMessage(msg.Sender, msg.Message)
	}
}

func (e *Engine) handleRequestReceived(req protocol.RequestReceived) {
	if e.OnRequestReceived != nil {
		e.OnRequestReceived(req.From)
	}
}

func (e *Engine) handleRequestResult(res protocol.RequestResult) {
	if res.Status == protocol.StatusAccepted {
		e.sess.SetPartner(res.By)
	}
	if e.OnRequestResult != nil {
		e.OnRequestResult(res.Status, res.By)
	}
}

func (e *Engine) handleChatEnded(ended protocol.ChatEndedNotice) {
	e.sess.SetPartner("")
	e.clearTranscript(ended.From)
	if e.OnChatEnded != nil {
		e.OnChatEnded(ended.From)
	}
}

func (e *Engine) handleServerError(serr protocol.ServerError) {
	if e.OnServerError != nil {
		e.OnServerError(serr.Error)
	}
}

func (e *Engine) handleDisconnect(reason string) {
	e.sess.SetPartner("")
	if e.OnDisconnect != nil {
		e.OnDisconnect(reason)
	}
}

func (e *Engine) record(partner, sender, text string) {
	if e.log == nil {
		return
	}
	if err := e.log.Append(partner, sender, text); err != nil {
		slog.Warn("record transcript", "err", err)
	}
}

func (e *Engine) clearTranscript(partner string) {
	if e.log == nil || partner == "" {
		return
	}
	if err := e.log.Clear(partner); err != nil {
		slog.Warn("clear transcript", "err", err)
	}
}
