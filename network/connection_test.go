package network

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

func newEchoServer(t *testing.T, wantToken string) *httptest.Server {
	t.Helper()

	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+wantToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := NewPushConnection(ws, ConnectionOptions{KeepAliveInterval: time.Hour})
		defer conn.Close()
		for {
			select {
			case payload := <-conn.Inbound():
				if err := conn.SendRaw(payload); err != nil {
					return
				}
			case <-conn.Done():
				return
			}
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestPushConnectionEcho(t *testing.T) {
	server := newEchoServer(t, "secret")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := WebsocketDialer{URL: wsURL(server)}.Dial(ctx, "secret")
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	if err := conn.Send(Frame{Kind: KindJoin, ConversationID: "c1"}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case payload := <-conn.Inbound():
		frame, err := DecodeFrame(payload)
		if err != nil {
			t.Fatalf("DecodeFrame failed: %v", err)
		}
		if frame.Kind != KindJoin || frame.ConversationID != "c1" {
			t.Fatalf("unexpected echo: %+v", frame)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for echo")
	}
}

func TestWebsocketDialerReportsStatus(t *testing.T) {
	server := newEchoServer(t, "secret")

	_, err := WebsocketDialer{URL: wsURL(server)}.Dial(context.Background(), "wrong")
	var connectErr *ChannelConnectError
	if !errors.As(err, &connectErr) {
		t.Fatalf("expected ChannelConnectError, got %v", err)
	}
	if connectErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", connectErr.StatusCode)
	}
}

func TestPushConnectionSendAfterClose(t *testing.T) {
	server := newEchoServer(t, "secret")

	conn, err := WebsocketDialer{URL: wsURL(server)}.Dial(context.Background(), "secret")
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	_ = conn.Close()

	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatalf("expected Done after Close")
	}
	if err := conn.Send(Frame{Kind: KindJoin, ConversationID: "c1"}); err == nil {
		t.Fatalf("expected send on closed connection to fail")
	}
}
