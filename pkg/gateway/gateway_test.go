package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/duochat/duochat/pkg/creds"
)

// recorder is a test server that scripts responses per path and keeps
// the order of exchanges it saw.
type recorder struct {
	mu    sync.Mutex
	calls []string // "METHOD path bearer"
	srv   *httptest.Server
}

type scriptFunc func(call int, w http.ResponseWriter, r *http.Request)

func newRecorder(t *testing.T, script map[string]scriptFunc) *recorder {
	t.Helper()
	rec := &recorder{}
	counts := map[string]int{}
	var countMu sync.Mutex

	rec.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bearer := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		rec.mu.Lock()
		rec.calls = append(rec.calls, r.Method+" "+r.URL.Path+" "+bearer)
		rec.mu.Unlock()

		countMu.Lock()
		n := counts[r.URL.Path]
		counts[r.URL.Path]++
		countMu.Unlock()

		fn, ok := script[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		fn(n, w, r)
	}))
	t.Cleanup(rec.srv.Close)
	return rec
}

func (rec *recorder) seen() []string {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]string(nil), rec.calls...)
}

func respond(status int, body string) scriptFunc {
	return func(_ int, w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
}

func newTestGateway(t *testing.T, rec *recorder, store creds.Store) *Gateway {
	t.Helper()
	g, err := New(rec.srv.URL, store)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g
}

func TestValidTokenSingleCall(t *testing.T) {
	store := creds.NewMemory()
	_ = store.SetTokens("good-access", "good-refresh")

	rec := newRecorder(t, map[string]scriptFunc{
		"/ping": respond(http.StatusOK, `{"pong":true}`),
	})
	g := newTestGateway(t, rec, store)

	body, err := g.Do(context.Background(), http.MethodGet, "/ping", nil)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if string(body) != `{"pong":true}` {
		t.Errorf("body = %s", body)
	}
	want := []string{"GET /ping good-access"}
	if diff := cmp.Diff(want, rec.seen()); diff != "" {
		t.Errorf("exchanges (-want +got):\n%s", diff)
	}
}

func TestExpiredTokenRefreshAndRetry(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusUnprocessableEntity} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			store := creds.NewMemory()
			_ = store.SetTokens("stale", "refresh-1")

			rec := newRecorder(t, map[string]scriptFunc{
				"/data": func(call int, w http.ResponseWriter, _ *http.Request) {
					if call == 0 {
						w.WriteHeader(status)
						_, _ = w.Write([]byte(`{"error":"expired"}`))
						return
					}
					_, _ = w.Write([]byte(`{"value":42}`))
				},
				"/token/refresh": respond(http.StatusOK, `{"access_token":"fresh"}`),
			})
			g := newTestGateway(t, rec, store)

			body, err := g.Do(context.Background(), http.MethodGet, "/data", nil)
			if err != nil {
				t.Fatalf("Do: %v", err)
			}
			if string(body) != `{"value":42}` {
				t.Errorf("body = %s, want retry's body", body)
			}
			if got := store.AccessToken(); got != "fresh" {
				t.Errorf("stored access token = %q, want %q", got, "fresh")
			}

			// Exactly three exchanges, strictly ordered: original,
			// refresh (bearer = refresh token), retry (new bearer).
			want := []string{
				"GET /data stale",
				"POST /token/refresh refresh-1",
				"GET /data fresh",
			}
			if diff := cmp.Diff(want, rec.seen()); diff != "" {
				t.Errorf("exchanges (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRefreshWithoutNewTokenFails(t *testing.T) {
	store := creds.NewMemory()
	_ = store.SetTokens("stale", "refresh-1")

	rec := newRecorder(t, map[string]scriptFunc{
		"/data":          respond(http.StatusUnauthorized, `{"error":"expired"}`),
		"/token/refresh": respond(http.StatusUnauthorized, `{"error":"nope"}`),
	})
	g := newTestGateway(t, rec, store)

	_, err := g.Do(context.Background(), http.MethodGet, "/data", nil)
	if !errors.Is(err, ErrRefreshFailed) {
		t.Fatalf("Do = %v, want ErrRefreshFailed", err)
	}
	// No retry after a failed refresh.
	want := []string{
		"GET /data stale",
		"POST /token/refresh refresh-1",
	}
	if diff := cmp.Diff(want, rec.seen()); diff != "" {
		t.Errorf("exchanges (-want +got):\n%s", diff)
	}
	if got := store.AccessToken(); got != "stale" {
		t.Errorf("stored access token changed to %q", got)
	}
}

func TestMissingRefreshToken(t *testing.T) {
	store := creds.NewMemory()
	_ = store.SetAccessToken("stale")

	rec := newRecorder(t, map[string]scriptFunc{
		"/data": respond(http.StatusUnauthorized, `{"error":"expired"}`),
	})
	g := newTestGateway(t, rec, store)

	_, err := g.Do(context.Background(), http.MethodGet, "/data", nil)
	if !errors.Is(err, ErrMissingCredential) {
		t.Fatalf("Do = %v, want ErrMissingCredential", err)
	}
	// The refresh endpoint is never touched.
	want := []string{"GET /data stale"}
	if diff := cmp.Diff(want, rec.seen()); diff != "" {
		t.Errorf("exchanges (-want +got):\n%s", diff)
	}
}

func TestNoRetryLoop(t *testing.T) {
	store := creds.NewMemory()
	_ = store.SetTokens("stale", "refresh-1")

	rec := newRecorder(t, map[string]scriptFunc{
		// Keeps rejecting even after a successful refresh.
		"/data":          respond(http.StatusUnauthorized, `{"error":"still expired"}`),
		"/token/refresh": respond(http.StatusOK, `{"access_token":"fresh"}`),
	})
	g := newTestGateway(t, rec, store)

	body, err := g.Do(context.Background(), http.MethodGet, "/data", nil)
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.Status != http.StatusUnauthorized {
		t.Fatalf("Do = %v, want HTTPError 401", err)
	}
	if string(body) != `{"error":"still expired"}` {
		t.Errorf("body = %s", body)
	}
	if got := len(rec.seen()); got != 3 {
		t.Errorf("exchanges = %d, want exactly 3 (original, refresh, retry)", got)
	}
}

func TestUnparseableBodyYieldsEmptyObject(t *testing.T) {
	store := creds.NewMemory()
	rec := newRecorder(t, map[string]scriptFunc{
		"/weird": respond(http.StatusOK, "<html>not json</html>"),
	})
	g := newTestGateway(t, rec, store)

	body, err := g.Do(context.Background(), http.MethodGet, "/weird", nil)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if string(body) != "{}" {
		t.Errorf("body = %s, want {}", body)
	}
}

func TestHTTPErrorCarriesServerMessage(t *testing.T) {
	store := creds.NewMemory()
	_ = store.SetTokens("access", "refresh")
	rec := newRecorder(t, map[string]scriptFunc{
		"/all_users": respond(http.StatusForbidden, `{"error":"Admins only."}`),
	})
	g := newTestGateway(t, rec, store)

	_, err := g.Do(context.Background(), http.MethodGet, "/all_users", nil)
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("Do = %v, want HTTPError", err)
	}
	if httpErr.Status != http.StatusForbidden || httpErr.Message != "Admins only." {
		t.Errorf("HTTPError = %+v", httpErr)
	}
}

func TestTimeout(t *testing.T) {
	store := creds.NewMemory()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	t.Cleanup(srv.Close)

	g, err := New(srv.URL, store, WithTimeout(20*time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := g.Do(context.Background(), http.MethodGet, "/slow", nil); !errors.Is(err, ErrTimeout) {
		t.Fatalf("Do = %v, want ErrTimeout", err)
	}
}

func TestLoginPersistsTokens(t *testing.T) {
	store := creds.NewMemory()
	rec := newRecorder(t, map[string]scriptFunc{
		"/login": respond(http.StatusOK, `{"access_token":"a1","refresh_token":"r1"}`),
	})
	g := newTestGateway(t, rec, store)

	pair, err := g.Login(context.Background(), "alice", "hunter22")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if pair.AccessToken != "a1" || pair.RefreshToken != "r1" {
		t.Errorf("pair = %+v", pair)
	}
	if store.AccessToken() != "a1" || store.RefreshToken() != "r1" {
		t.Error("tokens not persisted")
	}
	// Login must not attach a stale bearer.
	want := []string{"POST /login "}
	if diff := cmp.Diff(want, rec.seen()); diff != "" {
		t.Errorf("exchanges (-want +got):\n%s", diff)
	}
}

func TestLogoutUsesRefreshToken(t *testing.T) {
	store := creds.NewMemory()
	_ = store.SetTokens("a1", "r1")
	rec := newRecorder(t, map[string]scriptFunc{
		"/logout": respond(http.StatusOK, `{"message":"Refresh token revoked. Logged out."}`),
	})
	g := newTestGateway(t, rec, store)

	if err := g.Logout(context.Background()); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	want := []string{"POST /logout r1"}
	if diff := cmp.Diff(want, rec.seen()); diff != "" {
		t.Errorf("exchanges (-want +got):\n%s", diff)
	}
}

func TestCurrentUser(t *testing.T) {
	store := creds.NewMemory()
	_ = store.SetTokens("a1", "r1")
	rec := newRecorder(t, map[string]scriptFunc{
		"/users": respond(http.StatusOK,
			`{"users":[{"username":"alice","role":"admin","chat_id":"c0ffee00","is_master_admin":true}]}`),
	})
	g := newTestGateway(t, rec, store)

	user, err := g.CurrentUser(context.Background())
	if err != nil {
		t.Fatalf("CurrentUser: %v", err)
	}
	if user.Username != "alice" || user.ChatID != "c0ffee00" || !user.IsMasterAdmin {
		t.Errorf("user = %+v", user)
	}
	if !user.Role.Valid() || user.Role.String() != "admin" {
		t.Errorf("role = %v", user.Role)
	}
}

func TestRefreshRereadsTokenMidFlight(t *testing.T) {
	// A concurrent login may rewrite the tokens while a call is
	// suspended; the gateway must read them fresh at each step.
	store := creds.NewMemory()
	_ = store.SetTokens("stale", "refresh-old")

	rec := newRecorder(t, map[string]scriptFunc{
		"/data": func(call int, w http.ResponseWriter, _ *http.Request) {
			if call == 0 {
				// Simulate another task replacing the refresh token
				// while this request was in flight.
				_ = store.SetTokens("stale", "refresh-new")
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_, _ = w.Write([]byte(`{}`))
		},
		"/token/refresh": respond(http.StatusOK, `{"access_token":"fresh"}`),
	})
	g := newTestGateway(t, rec, store)

	if _, err := g.Do(context.Background(), http.MethodGet, "/data", nil); err != nil {
		t.Fatalf("Do: %v", err)
	}
	want := []string{
		"GET /data stale",
		"POST /token/refresh refresh-new",
		"GET /data fresh",
	}
	if diff := cmp.Diff(want, rec.seen()); diff != "" {
		t.Errorf("exchanges (-want +got):\n%s", diff)
	}
}

func TestUnparseableRetryBody(t *testing.T) {
	store := creds.NewMemory()
	_ = store.SetTokens("stale", "r1")
	rec := newRecorder(t, map[string]scriptFunc{
		"/data": func(call int, w http.ResponseWriter, _ *http.Request) {
			if call == 0 {
				w.WriteHeader(http.StatusUnprocessableEntity)
				return
			}
			_, _ = w.Write([]byte("plain text"))
		},
		"/token/refresh": respond(http.StatusOK, `{"access_token":"fresh"}`),
	})
	g := newTestGateway(t, rec, store)

	body, err := g.Do(context.Background(), http.MethodGet, "/data", nil)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if string(body) != "{}" {
		t.Errorf("body = %s, want {}", body)
	}
	_ = json.RawMessage(body) // stays valid JSON for callers
}
