package network

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chatsync/models"
)

type fakeConn struct {
	mu      sync.Mutex
	sent    []Frame
	inbound chan []byte
	done    chan struct{}
	once    sync.Once
	sendErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 16), done: make(chan struct{})}
}

func (c *fakeConn) Send(frame Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, frame)
	return nil
}

func (c *fakeConn) Inbound() <-chan []byte { return c.inbound }
func (c *fakeConn) Done() <-chan struct{}  { return c.done }
func (c *fakeConn) LastError() error       { return nil }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) frames() []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Frame(nil), c.sent...)
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	err   error
	dials int
}

func (d *fakeDialer) Dial(context.Context, string) (PushConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[len(d.conns)-1]
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func chatEvent(conversationID, messageID string) models.Event {
	return models.Event{
		Kind:           models.EventChatMessage,
		ConversationID: conversationID,
		ID:             messageID,
		Message:        &models.Message{ID: messageID, ConversationID: conversationID, SenderID: "u2", Content: "x"},
	}
}

func TestRouterConnectIsIdempotent(t *testing.T) {
	dialer := &fakeDialer{}
	router := NewRouter(RouterOptions{Dialer: dialer})
	defer router.Shutdown()

	for i := 0; i < 3; i++ {
		if err := router.Connect(context.Background(), "tok"); err != nil {
			t.Fatalf("Connect failed: %v", err)
		}
	}
	if dialer.dialCount() != 1 {
		t.Fatalf("expected one dial, got %d", dialer.dialCount())
	}
}

func TestRouterConnectFailureIsChannelConnectError(t *testing.T) {
	router := NewRouter(RouterOptions{Dialer: &fakeDialer{err: errors.New("refused")}})
	defer router.Shutdown()

	err := router.Connect(context.Background(), "tok")
	var connectErr *ChannelConnectError
	if !errors.As(err, &connectErr) {
		t.Fatalf("expected ChannelConnectError, got %v", err)
	}
}

func TestRouterDropsUnsubscribedEvents(t *testing.T) {
	router := NewRouter(RouterOptions{})
	var summary []string
	router.SetSummaryHandler(func(e models.Event) { summary = append(summary, e.ID) })

	router.dispatch(chatEvent("c1", "m1"))
	if len(summary) != 0 {
		t.Fatalf("expected event for unsubscribed conversation to be dropped")
	}

	router.Subscribe("c1", nil)
	router.dispatch(chatEvent("c1", "m2"))
	if len(summary) != 1 || summary[0] != "m2" {
		t.Fatalf("expected summary to receive m2, got %v", summary)
	}
}

func TestRouterHandlerOnlyForOpenConversation(t *testing.T) {
	router := NewRouter(RouterOptions{})
	var thread []string
	var summary []string
	router.SetSummaryHandler(func(e models.Event) { summary = append(summary, e.ID) })
	router.Subscribe("c1", func(e models.Event) { thread = append(thread, e.ID) })
	router.Subscribe("c2", func(e models.Event) { thread = append(thread, e.ID) })

	router.Open("c1")
	router.dispatch(chatEvent("c1", "m1"))
	router.dispatch(chatEvent("c2", "m2"))

	if len(thread) != 1 || thread[0] != "m1" {
		t.Fatalf("expected only open conversation handler to fire, got %v", thread)
	}
	if len(summary) != 2 {
		t.Fatalf("expected summary handler to see both events, got %v", summary)
	}
}

func TestRouterResubscribeReplacesHandler(t *testing.T) {
	dialer := &fakeDialer{}
	router := NewRouter(RouterOptions{Dialer: dialer})
	defer router.Shutdown()
	if err := router.Connect(context.Background(), "tok"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	first := 0
	second := 0
	subA := router.Subscribe("c1", func(models.Event) { first++ })
	subB := router.Subscribe("c1", func(models.Event) { second++ })
	if subA != subB {
		t.Fatalf("expected the same logical subscription")
	}

	router.Open("c1")
	router.dispatch(chatEvent("c1", "m1"))
	if first != 0 || second != 1 {
		t.Fatalf("expected only replacement handler to fire, got first=%d second=%d", first, second)
	}

	joins := 0
	for _, frame := range dialer.last().frames() {
		if frame.Kind == KindJoin && frame.ConversationID == "c1" {
			joins++
		}
	}
	if joins != 1 {
		t.Fatalf("expected a single join frame, got %d", joins)
	}
}

func TestRouterUnsubscribeSendsLeave(t *testing.T) {
	dialer := &fakeDialer{}
	router := NewRouter(RouterOptions{Dialer: dialer})
	defer router.Shutdown()
	if err := router.Connect(context.Background(), "tok"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	sub := router.Subscribe("c1", nil)
	sub.Unsubscribe()
	if router.Subscribed("c1") {
		t.Fatalf("expected subscription to be removed")
	}
	frames := dialer.last().frames()
	if len(frames) != 2 || frames[1].Kind != KindLeave {
		t.Fatalf("expected join then leave, got %+v", frames)
	}
}

func TestRouterCreateConversationAutoSubscribes(t *testing.T) {
	router := NewRouter(RouterOptions{})
	var kinds []models.EventKind
	router.SetSummaryHandler(func(e models.Event) { kinds = append(kinds, e.Kind) })

	router.dispatch(models.Event{
		Kind:           models.EventCreateConversation,
		ConversationID: "c9",
		Conversation:   &models.Conversation{ID: "c9"},
	})
	router.dispatch(chatEvent("c9", "m1"))

	if !router.Subscribed("c9") {
		t.Fatalf("expected create-conversation to subscribe c9")
	}
	if len(kinds) != 2 {
		t.Fatalf("expected both events routed, got %v", kinds)
	}
}

func TestRouterPreservesArrivalOrder(t *testing.T) {
	dialer := &fakeDialer{}
	router := NewRouter(RouterOptions{Dialer: dialer})
	defer router.Shutdown()

	received := make(chan string, 8)
	router.Subscribe("c1", func(e models.Event) { received <- e.ID })
	router.Open("c1")
	if err := router.Connect(context.Background(), "tok"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	conn := dialer.last()
	for _, id := range []string{"m1", "m2", "m3"} {
		frame, err := EventFrame(chatEvent("c1", id))
		if err != nil {
			t.Fatalf("EventFrame failed: %v", err)
		}
		raw, err := EncodeJSON(frame)
		if err != nil {
			t.Fatalf("EncodeJSON failed: %v", err)
		}
		conn.inbound <- raw
	}

	for _, want := range []string{"m1", "m2", "m3"} {
		select {
		case got := <-received:
			if got != want {
				t.Fatalf("expected %s, got %s", want, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestRouterPublishReconnectsAndRejoins(t *testing.T) {
	dialer := &fakeDialer{}
	router := NewRouter(RouterOptions{Dialer: dialer, ReconnectInterval: time.Millisecond})
	defer router.Shutdown()
	if err := router.Connect(context.Background(), "tok"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	router.Subscribe("c1", nil)

	_ = dialer.last().Close()
	deadline := time.Now().Add(time.Second)
	for router.Connected() {
		if time.Now().After(deadline) {
			t.Fatalf("router did not notice disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}

	frame, err := SendMessageFrame("c1", "hi")
	if err != nil {
		t.Fatalf("SendMessageFrame failed: %v", err)
	}
	if err := router.Publish(context.Background(), "c1", frame); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if dialer.dialCount() != 2 {
		t.Fatalf("expected reconnect dial, got %d dials", dialer.dialCount())
	}

	frames := dialer.last().frames()
	if len(frames) != 2 || frames[0].Kind != KindJoin || frames[1].Kind != KindSendMessage {
		t.Fatalf("expected rejoin then send, got %+v", frames)
	}
}

func TestRouterPublishFailureReturned(t *testing.T) {
	dialer := &fakeDialer{}
	router := NewRouter(RouterOptions{Dialer: dialer})
	defer router.Shutdown()
	if err := router.Connect(context.Background(), "tok"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	dialer.last().sendErr = ErrBackpressure

	frame, _ := SendMessageFrame("c1", "hi")
	if err := router.Publish(context.Background(), "c1", frame); !errors.Is(err, ErrBackpressure) {
		t.Fatalf("expected ErrBackpressure, got %v", err)
	}
}

func TestRouterRenameMovesOpenConversation(t *testing.T) {
	router := NewRouter(RouterOptions{})
	var thread []string
	router.Subscribe("draft-1", func(e models.Event) { thread = append(thread, e.ID) })
	router.Open("draft-1")

	router.Rename("draft-1", "c1")
	if router.OpenID() != "c1" {
		t.Fatalf("expected open id c1, got %q", router.OpenID())
	}
	if router.Subscribed("draft-1") || !router.Subscribed("c1") {
		t.Fatalf("expected subscription moved to c1")
	}
	router.dispatch(chatEvent("c1", "m1"))
	if len(thread) != 1 {
		t.Fatalf("expected handler to follow rename")
	}
}

func TestRouterShutdownRejectsConnect(t *testing.T) {
	router := NewRouter(RouterOptions{Dialer: &fakeDialer{}})
	router.Shutdown()
	if err := router.Connect(context.Background(), "tok"); !errors.Is(err, ErrRouterShutdown) {
		t.Fatalf("expected ErrRouterShutdown, got %v", err)
	}
}
