package ws

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// serverConn はテスト用にサーバー側のWebSocket接続を1本作り、Connとして返す。
func serverConn(t *testing.T) *Conn {
	t.Helper()
	accepted := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		up := websocket.Upgrader{}
		wsConn, err := up.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		accepted <- wsConn
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	select {
	case wsConn := <-accepted:
		t.Cleanup(func() { wsConn.Close() })
		return newConn(wsConn, KindOwn, Config{}.withDefaults(), discardLogger())
	case <-time.After(2 * time.Second):
		t.Fatal("server did not accept connection")
		return nil
	}
}

func TestHub_ShutdownWithoutConnections(t *testing.T) {
	hub := NewHub(discardLogger())

	if err := hub.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	// 2回目の呼び出しも即座に戻る
	if err := hub.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if !hub.Closing() {
		t.Error("hub should be closing")
	}
}

func TestHub_ShutdownTimesOutAndCompletesAfterRemoval(t *testing.T) {
	hub := NewHub(discardLogger())
	c := serverConn(t)
	if !hub.add(c) {
		t.Fatal("add should succeed before shutdown")
	}

	// 終了処理が走らない接続が残っている場合はctxの期限でエラーを返す
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := hub.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Shutdown err = %v, want DeadlineExceeded", err)
	}

	if hub.add(serverConn(t)) {
		t.Error("add should fail while closing")
	}

	hub.remove(c)
	hub.remove(c)
	if got := hub.Count(); got != 0 {
		t.Errorf("count = %d, want 0", got)
	}
	if err := hub.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown after removal: %v", err)
	}
}
