package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"chatsync/metrics"
	"chatsync/models"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrRouterShutdown is returned once Shutdown has been called.
var ErrRouterShutdown = errors.New("network: router shut down")

// EventHandler receives routed push events.
type EventHandler func(models.Event)

// RouterOptions configures a Router.
type RouterOptions struct {
	Dialer Dialer
	Logger *zap.Logger

	// ReconnectInterval is the minimum spacing between reconnect-on-demand attempts.
	ReconnectInterval time.Duration
	ReconnectBurst    int
}

// Router multiplexes one push connection into per-conversation subscriptions.
type Router struct {
	dialer  Dialer
	log     *zap.Logger
	limiter *rate.Limiter

	connectMu sync.Mutex

	mu       sync.Mutex
	conn     PushConn
	token    string
	subs     map[string]*Subscription
	summary  EventHandler
	openID   string
	shutdown bool

	wg sync.WaitGroup
}

// Subscription is the logical subscription for one conversation.
type Subscription struct {
	router         *Router
	conversationID string
	handler        EventHandler
}

// NewRouter builds a disconnected router.
func NewRouter(options RouterOptions) *Router {
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := options.ReconnectInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	burst := options.ReconnectBurst
	if burst <= 0 {
		burst = 1
	}

	return &Router{
		dialer:  options.Dialer,
		log:     logger.Named("router"),
		limiter: rate.NewLimiter(rate.Every(interval), burst),
		subs:    make(map[string]*Subscription),
	}
}

// Connect establishes the push connection. It is a no-op while already connected.
func (r *Router) Connect(ctx context.Context, token string) error {
	r.connectMu.Lock()
	defer r.connectMu.Unlock()

	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return ErrRouterShutdown
	}
	if r.conn != nil {
		r.mu.Unlock()
		return nil
	}
	r.token = token
	r.mu.Unlock()

	if r.dialer == nil {
		return &ChannelConnectError{Err: errors.New("no dialer configured")}
	}

	conn, err := r.dialer.Dial(ctx, token)
	if err != nil {
		var connectErr *ChannelConnectError
		if !errors.As(err, &connectErr) {
			err = &ChannelConnectError{Err: err}
		}
		r.log.Warn("push channel connect failed", zap.Error(err))
		return err
	}

	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		_ = conn.Close()
		return ErrRouterShutdown
	}
	r.conn = conn
	joined := make([]string, 0, len(r.subs))
	for id := range r.subs {
		joined = append(joined, id)
	}
	r.mu.Unlock()

	metrics.RouterConnected.Set(1)
	r.log.Info("push channel connected", zap.Int("subscriptions", len(joined)))

	for _, id := range joined {
		r.sendControl(conn, KindJoin, id)
	}

	r.wg.Add(1)
	go r.readLoop(conn)
	return nil
}

// Connected reports whether a push connection is currently established.
func (r *Router) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn != nil
}

// Subscribe registers the subscription for conversationID. An existing subscription
// keeps its place and gets the new handler; handler may be nil for summary-only tracking.
func (r *Router) Subscribe(conversationID string, handler EventHandler) *Subscription {
	r.mu.Lock()
	if sub, ok := r.subs[conversationID]; ok {
		sub.handler = handler
		r.mu.Unlock()
		return sub
	}
	sub := &Subscription{router: r, conversationID: conversationID, handler: handler}
	r.subs[conversationID] = sub
	conn := r.conn
	r.mu.Unlock()

	if conn != nil {
		r.sendControl(conn, KindJoin, conversationID)
	}
	return sub
}

// Subscribed reports whether conversationID has a subscription.
func (r *Router) Subscribed(conversationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.subs[conversationID]
	return ok
}

// Subscriptions returns the subscribed conversation ids.
func (r *Router) Subscriptions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.subs))
	for id := range r.subs {
		out = append(out, id)
	}
	return out
}

// ConversationID returns the subscribed conversation id.
func (s *Subscription) ConversationID() string {
	return s.conversationID
}

// Detach removes the subscription's handler but keeps the subscription.
func (s *Subscription) Detach() {
	s.router.mu.Lock()
	defer s.router.mu.Unlock()
	if current, ok := s.router.subs[s.conversationID]; ok && current == s {
		s.handler = nil
	}
}

// Unsubscribe removes the subscription and leaves the conversation's channel.
func (s *Subscription) Unsubscribe() {
	r := s.router
	r.mu.Lock()
	current, ok := r.subs[s.conversationID]
	if !ok || current != s {
		r.mu.Unlock()
		return
	}
	delete(r.subs, s.conversationID)
	s.handler = nil
	conn := r.conn
	r.mu.Unlock()

	if conn != nil {
		r.sendControl(conn, KindLeave, s.conversationID)
	}
}

// Unsubscribe removes the subscription for conversationID, if any.
func (r *Router) Unsubscribe(conversationID string) {
	r.mu.Lock()
	sub := r.subs[conversationID]
	r.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
}

// SetSummaryHandler installs the handler that receives every routed event.
func (r *Router) SetSummaryHandler(handler EventHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summary = handler
}

// Open marks conversationID as the open conversation.
func (r *Router) Open(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.openID = conversationID
}

// Close clears the open conversation.
func (r *Router) Close() {
	r.Open("")
}

// OpenID returns the open conversation id, or "".
func (r *Router) OpenID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.openID
}

// Rename moves the subscription and open marker from oldID to newID. It is used when
// a draft conversation receives its server id.
func (r *Router) Rename(oldID, newID string) {
	r.mu.Lock()
	if r.openID == oldID {
		r.openID = newID
	}
	sub, hadOld := r.subs[oldID]
	if hadOld {
		delete(r.subs, oldID)
	}
	existing, hasNew := r.subs[newID]
	needsJoin := false
	switch {
	case hasNew && hadOld && existing.handler == nil:
		existing.handler = sub.handler
	case !hasNew && hadOld:
		sub.conversationID = newID
		r.subs[newID] = sub
		needsJoin = true
	case !hasNew:
		r.subs[newID] = &Subscription{router: r, conversationID: newID}
		needsJoin = true
	}
	conn := r.conn
	r.mu.Unlock()

	if needsJoin && conn != nil {
		r.sendControl(conn, KindJoin, newID)
	}
}

// Publish sends an outbound frame, reconnecting on demand when the channel is down.
func (r *Router) Publish(ctx context.Context, conversationID string, frame Frame) error {
	if frame.ConversationID == "" {
		frame.ConversationID = conversationID
	}

	conn, err := r.ensureConnected(ctx)
	if err != nil {
		metrics.RouterPublishFailures.Inc()
		return fmt.Errorf("publish %s to %s: %w", frame.Kind, conversationID, err)
	}
	if err := conn.Send(frame); err != nil {
		metrics.RouterPublishFailures.Inc()
		return fmt.Errorf("publish %s to %s: %w", frame.Kind, conversationID, err)
	}
	return nil
}

// Shutdown closes the connection and drops every subscription.
func (r *Router) Shutdown() {
	r.mu.Lock()
	r.shutdown = true
	conn := r.conn
	r.conn = nil
	r.subs = make(map[string]*Subscription)
	r.summary = nil
	r.openID = ""
	r.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	r.wg.Wait()
	metrics.RouterConnected.Set(0)
}

func (r *Router) ensureConnected(ctx context.Context) (PushConn, error) {
	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return nil, ErrRouterShutdown
	}
	if r.conn != nil {
		conn := r.conn
		r.mu.Unlock()
		return conn, nil
	}
	token := r.token
	r.mu.Unlock()

	if !r.limiter.Allow() {
		return nil, fmt.Errorf("%w: reconnect throttled", ErrNotConnected)
	}
	metrics.RouterReconnects.Inc()
	if err := r.Connect(ctx, token); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil, ErrNotConnected
	}
	return r.conn, nil
}

func (r *Router) readLoop(conn PushConn) {
	defer r.wg.Done()
	for {
		select {
		case payload := <-conn.Inbound():
			r.handlePayload(payload)
		case <-conn.Done():
			r.mu.Lock()
			if r.conn == conn {
				r.conn = nil
			}
			r.mu.Unlock()
			metrics.RouterConnected.Set(0)
			if err := conn.LastError(); err != nil {
				r.log.Warn("push channel disconnected", zap.Error(err))
			} else {
				r.log.Info("push channel closed")
			}
			return
		}
	}
}

func (r *Router) handlePayload(payload []byte) {
	frame, err := DecodeFrame(payload)
	if err != nil {
		metrics.RouterDropped.WithLabelValues("malformed").Inc()
		r.log.Debug("drop malformed frame", zap.Error(err))
		return
	}

	switch frame.Kind {
	case KindReady:
		r.log.Debug("push channel ready")
		return
	case KindError:
		var body ErrorPayload
		_ = decodePayload(frame.Payload, &body)
		r.log.Warn("push channel error frame",
			zap.String("conversation_id", frame.ConversationID),
			zap.String("code", body.Code),
			zap.String("message", body.Message),
		)
		return
	}
	if !IsEventKind(frame.Kind) {
		metrics.RouterDropped.WithLabelValues("unknown_kind").Inc()
		r.log.Debug("drop frame with unknown kind", zap.String("kind", frame.Kind))
		return
	}

	event, err := DecodeEvent(frame)
	if err != nil {
		metrics.RouterDropped.WithLabelValues("malformed").Inc()
		r.log.Debug("drop undecodable event", zap.String("kind", frame.Kind), zap.Error(err))
		return
	}
	r.dispatch(event)
}

// dispatch routes one event. Handlers run on the caller's goroutine so arrival order
// is preserved.
func (r *Router) dispatch(event models.Event) {
	r.mu.Lock()
	sub, subscribed := r.subs[event.ConversationID]
	joinNeeded := false
	if !subscribed && event.Kind == models.EventCreateConversation {
		sub = &Subscription{router: r, conversationID: event.ConversationID}
		r.subs[event.ConversationID] = sub
		subscribed = true
		joinNeeded = true
	}
	var handler EventHandler
	if subscribed && r.openID == event.ConversationID {
		handler = sub.handler
	}
	summary := r.summary
	conn := r.conn
	r.mu.Unlock()

	if !subscribed {
		metrics.RouterDropped.WithLabelValues("unsubscribed").Inc()
		r.log.Debug("drop event for unsubscribed conversation",
			zap.String("kind", string(event.Kind)),
			zap.String("conversation_id", event.ConversationID),
		)
		return
	}
	if joinNeeded && conn != nil {
		r.sendControl(conn, KindJoin, event.ConversationID)
	}

	metrics.RouterEvents.WithLabelValues(string(event.Kind)).Inc()
	if summary != nil {
		summary(event)
	}
	if handler != nil {
		handler(event)
	}
}

func (r *Router) sendControl(conn PushConn, kind, conversationID string) {
	if err := conn.Send(Frame{Kind: kind, ConversationID: conversationID}); err != nil {
		r.log.Warn("send control frame failed",
			zap.String("kind", kind),
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
	}
}
