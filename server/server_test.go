package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chatsync/auth"
	"chatsync/models"
	"chatsync/network"
	"chatsync/storage"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testBackend struct {
	server *Server
	http   *httptest.Server
}

func newTestBackend(t *testing.T) *testBackend {
	t.Helper()

	store, _, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	signer, err := auth.NewSigner("test-secret")
	require.NoError(t, err)

	srv, err := New(Options{
		Store:    store,
		Signer:   signer,
		Gatherer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return &testBackend{server: srv, http: ts}
}

func (b *testBackend) login(t *testing.T, userID string) *network.APIClient {
	t.Helper()
	anon := network.NewAPIClient(b.http.URL, "", 5*time.Second)
	session, err := anon.CreateSession(context.Background(), userID)
	require.NoError(t, err)
	require.Equal(t, userID, session.UserID)
	return network.NewAPIClient(b.http.URL, session.Token, 5*time.Second)
}

func (b *testBackend) connect(t *testing.T, api *network.APIClient) (*network.Router, <-chan models.Event) {
	t.Helper()
	events := make(chan models.Event, 32)
	router := network.NewRouter(network.RouterOptions{
		Dialer: network.WebsocketDialer{URL: "ws" + strings.TrimPrefix(b.http.URL, "http") + "/ws"},
	})
	router.SetSummaryHandler(func(event models.Event) { events <- event })
	require.NoError(t, router.Connect(context.Background(), api.Token))
	t.Cleanup(router.Shutdown)
	return router, events
}

func nextEvent(t *testing.T, events <-chan models.Event, kind models.EventKind) models.Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case event := <-events:
			if event.Kind == kind {
				return event
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

func TestRESTRequiresToken(t *testing.T) {
	backend := newTestBackend(t)

	anon := network.NewAPIClient(backend.http.URL, "", time.Second)
	_, err := anon.ListConversations(context.Background())
	var statusErr *network.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusUnauthorized, statusErr.StatusCode)

	forged := network.NewAPIClient(backend.http.URL, "YWxpY2U.AAAA", time.Second)
	_, err = forged.ListConversations(context.Background())
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusUnauthorized, statusErr.StatusCode)
}

func TestConversationLifecycleOverREST(t *testing.T) {
	backend := newTestBackend(t)
	ctx := context.Background()
	alice := backend.login(t, "alice")
	bob := backend.login(t, "bob")

	created, err := alice.CreateConversation(ctx, network.CreateConversationRequest{
		Title:        "lunch",
		Participants: []string{"bob"},
		Message:      "hi bob",
	})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	require.NotNil(t, created.Message)
	assert.Equal(t, "alice", created.Message.SenderID)
	assert.Equal(t, []string{"alice", "bob"}, created.Participants)
	assert.Equal(t, 0, created.UnreadCount)

	bobList, err := bob.ListConversations(ctx)
	require.NoError(t, err)
	require.Len(t, bobList, 1)
	assert.Equal(t, 1, bobList[0].UnreadCount)
	require.NotNil(t, bobList[0].LastMessagePreview)
	assert.Equal(t, "hi bob", bobList[0].LastMessagePreview.Text)

	messages, err := bob.ListMessages(ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, created.Message.ID, messages[0].ID)

	archived := true
	updated, err := bob.UpdateConversation(ctx, created.ID, network.ConversationUpdate{Archived: &archived})
	require.NoError(t, err)
	assert.True(t, updated.Archived)

	aliceList, err := alice.ListConversations(ctx)
	require.NoError(t, err)
	assert.False(t, aliceList[0].Archived)

	carol := backend.login(t, "carol")
	_, err = carol.ListMessages(ctx, created.ID)
	var statusErr *network.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)

	withCarol, err := alice.AddParticipant(ctx, created.ID, "carol")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob", "carol"}, withCarol.Participants)

	_, err = alice.CreateConversation(ctx, network.CreateConversationRequest{Participants: []string{"alice"}})
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusBadRequest, statusErr.StatusCode)
}

func TestPushRoundTrip(t *testing.T) {
	backend := newTestBackend(t)
	ctx := context.Background()
	alice := backend.login(t, "alice")
	bob := backend.login(t, "bob")

	aliceRouter, aliceEvents := backend.connect(t, alice)
	bobRouter, bobEvents := backend.connect(t, bob)
	require.Eventually(t, func() bool { return backend.server.Hub().Len() == 2 }, 3*time.Second, 10*time.Millisecond)

	created, err := alice.CreateConversation(ctx, network.CreateConversationRequest{Participants: []string{"bob"}})
	require.NoError(t, err)

	// both participants are online, so both learn about the conversation and auto-join
	createEvent := nextEvent(t, bobEvents, models.EventCreateConversation)
	assert.Equal(t, created.ID, createEvent.ConversationID)
	nextEvent(t, aliceEvents, models.EventCreateConversation)
	require.Eventually(t, func() bool {
		hub := backend.server.Hub()
		return hub.Joined("bob", created.ID) && hub.Joined("alice", created.ID)
	}, 3*time.Second, 10*time.Millisecond)

	frame, err := network.SendMessageFrame(created.ID, "ping")
	require.NoError(t, err)
	frame.ID = "tmp-1"
	require.NoError(t, aliceRouter.Publish(ctx, created.ID, frame))

	chat := nextEvent(t, bobEvents, models.EventChatMessage)
	require.NotNil(t, chat.Message)
	assert.Equal(t, "ping", chat.Message.Content)
	assert.Equal(t, "alice", chat.Message.SenderID)
	echo := nextEvent(t, aliceEvents, models.EventChatMessage)
	assert.Equal(t, chat.Message.ID, echo.Message.ID)

	// a resent frame with the same id is dropped
	require.NoError(t, aliceRouter.Publish(ctx, created.ID, frame))

	receiptFrame, err := network.SendReadReceiptFrame(created.ID, chat.Message.ID)
	require.NoError(t, err)
	require.NoError(t, bobRouter.Publish(ctx, created.ID, receiptFrame))

	receipt := nextEvent(t, aliceEvents, models.EventReadReceipt)
	require.NotNil(t, receipt.Receipt)
	assert.Equal(t, "bob", receipt.Receipt.ReaderID)
	assert.Equal(t, chat.Message.ID, receipt.Receipt.MessageID)

	messages, err := alice.ListMessages(ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	require.Len(t, messages[0].ReadBy, 1)

	bobList, err := bob.ListConversations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, bobList[0].UnreadCount)
}

func TestPushRejectsNonMembers(t *testing.T) {
	backend := newTestBackend(t)
	ctx := context.Background()
	alice := backend.login(t, "alice")
	mallory := backend.login(t, "mallory")

	created, err := alice.CreateConversation(ctx, network.CreateConversationRequest{Participants: []string{"bob"}})
	require.NoError(t, err)

	router, _ := backend.connect(t, mallory)
	router.Subscribe(created.ID, nil)

	require.Never(t, func() bool {
		return backend.server.Hub().Joined("mallory", created.ID)
	}, 200*time.Millisecond, 20*time.Millisecond)
}

func TestWebsocketRejectsBadToken(t *testing.T) {
	backend := newTestBackend(t)
	dialer := network.WebsocketDialer{URL: "ws" + strings.TrimPrefix(backend.http.URL, "http") + "/ws"}

	_, err := dialer.Dial(context.Background(), "not-a-token")
	var connectErr *network.ChannelConnectError
	require.True(t, errors.As(err, &connectErr))
	assert.Equal(t, http.StatusUnauthorized, connectErr.StatusCode)
}
