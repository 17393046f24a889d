package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/chathub/internal/model"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type recordedCall struct {
	endpoint string
	outcome  string
}

type recordingObserver struct {
	mu    sync.Mutex
	calls []recordedCall
}

func (o *recordingObserver) ObserveIdentityCall(endpoint, outcome string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, recordedCall{endpoint, outcome})
}

// newProviderServer はIDプロバイダのスタブサーバーを起動する。
func newProviderServer(t *testing.T, validAccess, validRefresh string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /own-profile", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+validAccess {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access":"` + validAccess + `","refresh":"` + validRefresh + `","user":{"email":"alice@example.com"}}`))
	})
	mux.HandleFunc("POST /token/refresh", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Refresh string `json:"refresh"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Refresh != validRefresh {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"access":"` + validAccess + `"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestProviderClient_FetchOwnProfile_Success(t *testing.T) {
	srv := newProviderServer(t, "good-access", "good-refresh")
	var buf bytes.Buffer
	obs := &recordingObserver{}
	client := NewProviderClient(srv.URL, srv.Client(), newTestLogger(&buf), obs)

	profile, err := client.FetchOwnProfile(context.Background(), "good-access")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if profile.User.Email != "alice@example.com" {
		t.Errorf("Email = %q, want alice@example.com", profile.User.Email)
	}
	if profile.Refresh != "good-refresh" {
		t.Errorf("Refresh = %q, want good-refresh", profile.Refresh)
	}
	if len(obs.calls) != 1 || obs.calls[0] != (recordedCall{"/own-profile", "ok"}) {
		t.Errorf("observer calls = %+v", obs.calls)
	}
}

func TestProviderClient_FetchOwnProfile_RejectedToken(t *testing.T) {
	srv := newProviderServer(t, "good-access", "good-refresh")
	var buf bytes.Buffer
	obs := &recordingObserver{}
	client := NewProviderClient(srv.URL, srv.Client(), newTestLogger(&buf), obs)

	_, err := client.FetchOwnProfile(context.Background(), "bad-access")
	if got := model.AsAPIError(err).Code; got != model.ErrCodeUnauthorized {
		t.Errorf("code = %q, want %q", got, model.ErrCodeUnauthorized)
	}
	if len(obs.calls) != 1 || obs.calls[0].outcome != "rejected" {
		t.Errorf("observer calls = %+v", obs.calls)
	}
}

func TestProviderClient_FetchOwnProfile_EmptyEmail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"access":"a","refresh":"r","user":{}}`))
	}))
	defer srv.Close()
	var buf bytes.Buffer
	client := NewProviderClient(srv.URL, srv.Client(), newTestLogger(&buf), nil)

	_, err := client.FetchOwnProfile(context.Background(), "a")
	if got := model.AsAPIError(err).Code; got != model.ErrCodeUnauthorized {
		t.Errorf("code = %q, want %q", got, model.ErrCodeUnauthorized)
	}
}

func TestProviderClient_FetchOwnProfile_MalformedJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	}))
	defer srv.Close()
	var buf bytes.Buffer
	client := NewProviderClient(srv.URL, srv.Client(), newTestLogger(&buf), nil)

	_, err := client.FetchOwnProfile(context.Background(), "a")
	if got := model.AsAPIError(err).Code; got != model.ErrCodeUnauthorized {
		t.Errorf("code = %q, want %q", got, model.ErrCodeUnauthorized)
	}
}

func TestProviderClient_Unreachable_ReturnsUpstreamUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	var buf bytes.Buffer
	obs := &recordingObserver{}
	client := NewProviderClient(url, http.DefaultClient, newTestLogger(&buf), obs)

	_, err := client.FetchOwnProfile(context.Background(), "a")
	if got := model.AsAPIError(err).Code; got != model.ErrCodeUpstreamUnavailable {
		t.Errorf("code = %q, want %q", got, model.ErrCodeUpstreamUnavailable)
	}
	if len(obs.calls) != 1 || obs.calls[0].outcome != "unavailable" {
		t.Errorf("observer calls = %+v", obs.calls)
	}
	if !bytes.Contains(buf.Bytes(), []byte("IDプロバイダの呼び出しに失敗しました")) {
		t.Errorf("expected error log, got %s", buf.String())
	}
}

func TestProviderClient_RefreshAccess_KeepsRefreshToken(t *testing.T) {
	srv := newProviderServer(t, "new-access", "good-refresh")
	var buf bytes.Buffer
	client := NewProviderClient(srv.URL, srv.Client(), newTestLogger(&buf), nil)

	tokens, err := client.RefreshAccess(context.Background(), "good-refresh")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tokens.Access != "new-access" {
		t.Errorf("Access = %q, want new-access", tokens.Access)
	}
	// レスポンスにrefreshがない場合は元のトークンを引き継ぐ
	if tokens.Refresh != "good-refresh" {
		t.Errorf("Refresh = %q, want good-refresh", tokens.Refresh)
	}
}

func TestProviderClient_RefreshAccess_Rejected(t *testing.T) {
	srv := newProviderServer(t, "new-access", "good-refresh")
	var buf bytes.Buffer
	client := NewProviderClient(srv.URL, srv.Client(), newTestLogger(&buf), nil)

	_, err := client.RefreshAccess(context.Background(), "stale-refresh")
	if got := model.AsAPIError(err).Code; got != model.ErrCodeUnauthorized {
		t.Errorf("code = %q, want %q", got, model.ErrCodeUnauthorized)
	}
}
