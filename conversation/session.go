package conversation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"chatsync/models"
	"chatsync/network"

	"go.uber.org/zap"
)

// DefaultQueueSize bounds the number of pending loop tasks.
const DefaultQueueSize = 256

// API is the REST surface the session consumes.
type API interface {
	HistorySource
	ListConversations(ctx context.Context) ([]models.Conversation, error)
	CreateConversation(ctx context.Context, request network.CreateConversationRequest) (network.CreateConversationResponse, error)
	UpdateConversation(ctx context.Context, conversationID string, update network.ConversationUpdate) (models.Conversation, error)
}

// Options configures a Session.
type Options struct {
	UserID string
	Token  string

	API       API
	Router    *network.Router
	Navigator Navigator
	Logger    *zap.Logger

	Now          func() time.Time
	NewMessageID func() string
	QueueSize    int
}

// State is a read-only copy of the session for rendering.
type State struct {
	UserID        string
	Conversations []models.Conversation
	Visible       []models.Conversation
	Filter        FilterKind
	SelectedID    string
	OpenID        string
	Messages      []models.Message
	ReadState     models.ReadStateMap
	HistoryLoaded bool
	HistoryErr    error
	Connected     bool
	FailedDrafts  []string
}

// Session is the single event-processing loop. Every state mutation runs as a task on
// the loop goroutine; REST calls and publishes run elsewhere and post their
// completions back.
type Session struct {
	userID string
	token  string

	api        API
	router     *network.Router
	nav        Navigator
	log        *zap.Logger
	loader     *HistoryLoader
	reconciler *Reconciler

	tasks   chan func()
	errs    chan error
	updates chan struct{}
	stopped chan struct{}
	done    chan struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	asyncMu sync.Mutex
	wg      sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once

	// loop-owned
	registry *Registry
	thread   *Thread
}

// NewSession builds a session and starts its loop. Call Start to connect and load the
// conversation list.
func NewSession(options Options) (*Session, error) {
	if options.UserID == "" {
		return nil, fmt.Errorf("new session: user id is required")
	}
	if options.API == nil {
		return nil, fmt.Errorf("new session: API is required")
	}
	if options.Router == nil {
		return nil, fmt.Errorf("new session: router is required")
	}

	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	nav := options.Navigator
	if nav == nil {
		nav = NewMemoryRoute(RouteBase)
	}
	queue := options.QueueSize
	if queue <= 0 {
		queue = DefaultQueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		userID:     options.UserID,
		token:      options.Token,
		api:        options.API,
		router:     options.Router,
		nav:        nav,
		log:        logger.Named("session").With(zap.String("user_id", options.UserID)),
		loader:     NewHistoryLoader(options.API),
		reconciler: NewReconciler(options.UserID, options.NewMessageID, options.Now),
		tasks:      make(chan func(), queue),
		errs:       make(chan error, 32),
		updates:    make(chan struct{}, 1),
		stopped:    make(chan struct{}),
		done:       make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
		registry:   NewRegistry(),
	}

	go s.run()
	return s, nil
}

// Start installs the summary handler, connects the push channel and fetches the
// conversation list. A failed connect is reported on Errors and the session keeps
// working from REST snapshots.
func (s *Session) Start() {
	s.startOnce.Do(func() {
		s.router.SetSummaryHandler(s.summaryHandler)
		s.goAsync(func(ctx context.Context) {
			if err := s.router.Connect(ctx, s.token); err != nil {
				s.post(func() {
					s.report(err)
					s.notify()
				})
				return
			}
			s.post(s.notify)
		})
		s.Refresh()
	})
}

// Stop tears down the push channel and ends the loop.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.asyncMu.Lock()
		close(s.stopped)
		s.asyncMu.Unlock()
		s.router.Shutdown()
		s.wg.Wait()
		<-s.done
	})
}

// Done is closed once the loop has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Errors delivers non-fatal failures. Errors are dropped when nobody reads them.
func (s *Session) Errors() <-chan error {
	return s.errs
}

// Updates signals that state changed. Signals coalesce.
func (s *Session) Updates() <-chan struct{} {
	return s.updates
}

// Refresh fetches the conversation list snapshot.
func (s *Session) Refresh() {
	s.goAsync(func(ctx context.Context) {
		list, err := s.api.ListConversations(ctx)
		s.post(func() {
			if err != nil {
				s.report(fmt.Errorf("refresh conversations: %w", err))
				return
			}
			s.applyConversationSnapshot(list)
		})
	})
}

// OpenConversation selects id and loads its history. Opening the conversation that is
// already open retries the history load.
func (s *Session) OpenConversation(ctx context.Context, id string) error {
	var openErr error
	err := s.do(ctx, func() {
		openErr = s.open(id)
	})
	if err != nil {
		return err
	}
	return openErr
}

// CloseConversation clears the selection and stops thread routing.
func (s *Session) CloseConversation(ctx context.Context) error {
	return s.do(ctx, func() {
		s.detachOpen()
		s.registry.ClearSelection()
		s.nav.Replace(RouteBase)
		s.notify()
	})
}

// Send sends content in the open conversation, creating it first when it is a draft.
func (s *Session) Send(ctx context.Context, content string) (string, error) {
	var id string
	var sendErr error
	err := s.do(ctx, func() {
		if s.thread == nil {
			sendErr = ErrNoOpenConversation
			return
		}
		conversation, ok := s.registry.Get(s.thread.ConversationID())
		if !ok {
			sendErr = fmt.Errorf("send in %s: %w", s.thread.ConversationID(), ErrUnknownConversation)
			return
		}
		if conversation.IsDraft {
			id, sendErr = s.sendDraft(conversation, content, nil)
			return
		}
		id, sendErr = s.sendExisting(conversation.ID, content)
	})
	if err != nil {
		return "", err
	}
	return id, sendErr
}

// StartDraft opens a conversation with participants: an existing direct-message with
// the same members when there is one, else a new local draft.
func (s *Session) StartDraft(ctx context.Context, participants []string, title string) (models.Conversation, error) {
	var conversation models.Conversation
	var draftErr error
	err := s.do(ctx, func() {
		members := append(append([]string(nil), participants...), s.userID)
		selected := s.registry.SelectDraftOrExisting("", members, title)
		if draftErr = s.open(selected.ID); draftErr != nil {
			return
		}
		conversation, _ = s.registry.Get(selected.ID)
	})
	if err != nil {
		return models.Conversation{}, err
	}
	return conversation, draftErr
}

// SetArchived toggles the archived flag optimistically and rolls it back when the
// server rejects the update.
func (s *Session) SetArchived(ctx context.Context, id string, archived bool) error {
	var archiveErr error
	err := s.do(ctx, func() {
		conversation, ok := s.registry.Get(id)
		if !ok {
			archiveErr = fmt.Errorf("set archived on %s: %w", id, ErrUnknownConversation)
			return
		}
		if conversation.IsDraft {
			archiveErr = fmt.Errorf("set archived on %s: %w", id, ErrDraftConversation)
			return
		}

		before := s.registry.Selected()
		previous, err := s.registry.SetArchived(id, archived)
		if err != nil {
			archiveErr = err
			return
		}
		s.followSelection(before)
		s.notify()

		s.goAsync(func(ctx context.Context) {
			_, err := s.api.UpdateConversation(ctx, id, network.ConversationUpdate{Archived: &archived})
			if err == nil {
				return
			}
			s.post(func() {
				s.registry.RestoreArchived(id, previous)
				s.report(&ArchiveUpdateError{ConversationID: id, Archived: archived, Err: err})
				s.notify()
			})
		})
	})
	if err != nil {
		return err
	}
	return archiveErr
}

// SetFilter changes the list filter.
func (s *Session) SetFilter(ctx context.Context, kind FilterKind) error {
	return s.do(ctx, func() {
		s.registry.SetFilter(kind)
		s.notify()
	})
}

// Snapshot returns a copy of the current state.
func (s *Session) Snapshot(ctx context.Context) (State, error) {
	var state State
	err := s.do(ctx, func() {
		state = State{
			UserID:        s.userID,
			Conversations: s.registry.Conversations(),
			Visible:       s.registry.Visible(),
			Filter:        s.registry.ActiveFilter(),
			SelectedID:    s.registry.Selected(),
			Connected:     s.router.Connected(),
			FailedDrafts:  s.reconciler.FailedDrafts(),
			ReadState:     make(models.ReadStateMap),
		}
		if s.thread != nil {
			state.OpenID = s.thread.ConversationID()
			state.Messages = s.thread.Messages()
			state.ReadState = s.thread.ReadState()
			state.HistoryLoaded = s.thread.Loaded()
			state.HistoryErr = s.thread.LoadErr()
		}
	})
	return state, err
}

func (s *Session) run() {
	defer close(s.done)
	for {
		select {
		case task := <-s.tasks:
			task()
		case <-s.stopped:
			return
		}
	}
}

// post queues task on the loop. It reports false once the session stopped.
func (s *Session) post(task func()) bool {
	select {
	case <-s.stopped:
		return false
	default:
	}
	select {
	case s.tasks <- task:
		return true
	case <-s.stopped:
		return false
	}
}

// do runs task on the loop and waits for it. It must not be called from the loop.
func (s *Session) do(ctx context.Context, task func()) error {
	finished := make(chan struct{})
	wrapped := func() {
		defer close(finished)
		task()
	}

	select {
	case <-s.stopped:
		return ErrSessionStopped
	default:
	}
	select {
	case s.tasks <- wrapped:
	case <-s.stopped:
		return ErrSessionStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-s.stopped:
		return ErrSessionStopped
	}
}

func (s *Session) goAsync(fn func(ctx context.Context)) {
	s.asyncMu.Lock()
	defer s.asyncMu.Unlock()
	select {
	case <-s.stopped:
		return
	default:
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
}

func (s *Session) notify() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

func (s *Session) report(err error) {
	s.log.Warn("session error", zap.Error(err))
	select {
	case s.errs <- err:
	default:
		s.log.Debug("error channel full, dropping", zap.Error(err))
	}
}

func (s *Session) openID() string {
	if s.thread == nil {
		return ""
	}
	return s.thread.ConversationID()
}

// summaryHandler runs on the router's read goroutine.
func (s *Session) summaryHandler(event models.Event) {
	s.post(func() {
		s.applySummaryEvent(event)
	})
}

// threadHandler runs on the router's read goroutine.
func (s *Session) threadHandler(event models.Event) {
	s.post(func() {
		s.applyThreadEvent(event)
	})
}

func (s *Session) applySummaryEvent(event models.Event) {
	switch event.Kind {
	case models.EventCreateConversation:
		if event.Conversation == nil {
			return
		}
		s.registry.ApplyCreate(*event.Conversation)
		if s.thread != nil && s.thread.ConversationID() == event.ConversationID {
			if conversation, ok := s.registry.Get(event.ConversationID); ok {
				s.thread.SetParticipants(conversation.Participants)
			}
		}
	case models.EventChatMessage:
		if event.Message == nil {
			return
		}
		message := event.Message
		preview := models.NewPreview(message.SenderID, message.Content, message.Timestamp)
		openID := s.openID()
		if message.SenderID == s.userID {
			// own messages never count as unread
			openID = event.ConversationID
		}
		if !s.registry.ApplyChatSummaryUpdate(event.ConversationID, preview, message.Timestamp, openID) {
			s.log.Debug("drop summary update for unknown conversation",
				zap.String("conversation_id", event.ConversationID))
			return
		}
	default:
		return
	}
	s.notify()
}

func (s *Session) applyThreadEvent(event models.Event) {
	if s.thread == nil || s.thread.ConversationID() != event.ConversationID {
		return
	}
	switch event.Kind {
	case models.EventChatMessage:
		if event.Message == nil {
			return
		}
		if s.thread.ApplyChat(*event.Message) {
			s.publishReceipt(event.ConversationID, event.Message.ID)
		}
	case models.EventReadReceipt:
		if event.Receipt == nil {
			return
		}
		s.thread.ApplyReceipt(*event.Receipt)
	default:
		return
	}
	s.notify()
}

func (s *Session) applyConversationSnapshot(list []models.Conversation) {
	before := s.registry.Selected()
	s.registry.UpsertFromSnapshot(list)
	s.syncSubscriptions()

	if s.thread != nil {
		if conversation, ok := s.registry.Get(s.thread.ConversationID()); ok {
			s.thread.SetParticipants(conversation.Participants)
		}
	}
	s.followSelection(before)
	s.notify()
}

// syncSubscriptions keeps one router subscription per server conversation in the
// registry.
func (s *Session) syncSubscriptions() {
	wanted := make(map[string]struct{})
	for _, conversation := range s.registry.Conversations() {
		if conversation.IsDraft {
			continue
		}
		wanted[conversation.ID] = struct{}{}
		if !s.router.Subscribed(conversation.ID) {
			if conversation.ID == s.openID() {
				s.router.Subscribe(conversation.ID, s.threadHandler)
			} else {
				s.router.Subscribe(conversation.ID, nil)
			}
		}
	}
	for _, id := range s.router.Subscriptions() {
		if _, ok := wanted[id]; !ok {
			s.router.Unsubscribe(id)
		}
	}
}

// followSelection opens or closes the thread when the registry's selection moved
// away from before.
func (s *Session) followSelection(before string) {
	selected := s.registry.Selected()
	if selected == before && (selected == "" || s.openID() == selected) {
		return
	}
	if selected == "" {
		if s.thread != nil {
			s.detachOpen()
			s.nav.Replace(RouteBase)
		}
		return
	}
	if err := s.open(selected); err != nil {
		s.report(err)
	}
}

func (s *Session) open(id string) error {
	conversation, ok := s.registry.Get(id)
	if !ok {
		return fmt.Errorf("open %s: %w", id, ErrUnknownConversation)
	}

	if s.thread != nil && s.thread.ConversationID() == id {
		if err := s.registry.Select(id); err != nil {
			return err
		}
		if !conversation.IsDraft {
			s.loadHistory(id)
		}
		s.notify()
		return nil
	}

	s.detachOpen()
	if err := s.registry.Select(id); err != nil {
		return err
	}
	s.thread = NewThread(id, s.userID, conversation.Participants)
	s.nav.Replace(RoutePath(id))

	if !conversation.IsDraft {
		s.router.Subscribe(id, s.threadHandler)
	}
	s.router.Open(id)
	if !conversation.IsDraft {
		s.loadHistory(id)
	}
	s.notify()
	return nil
}

// detachOpen stops thread routing for the open conversation; its subscription stays
// for summary updates.
func (s *Session) detachOpen() {
	if s.thread == nil {
		return
	}
	id := s.thread.ConversationID()
	if s.router.Subscribed(id) {
		s.router.Subscribe(id, nil)
	}
	s.router.Close()
	s.thread = nil
}

func (s *Session) loadHistory(id string) {
	s.goAsync(func(ctx context.Context) {
		messages, err := s.loader.LoadSnapshot(ctx, id)
		s.post(func() {
			if s.thread == nil || s.thread.ConversationID() != id {
				s.log.Debug("discard stale history load", zap.String("conversation_id", id))
				return
			}
			if err != nil {
				s.thread.SetLoadError(err)
				s.report(err)
				s.notify()
				return
			}
			s.thread.ApplySnapshot(messages)
			if newest, ok := NewestFromOthers(s.thread.Messages(), s.userID); ok {
				s.publishReceipt(id, newest.ID)
			}
			s.notify()
		})
	})
}

func (s *Session) publishReceipt(conversationID, messageID string) {
	frame, err := network.SendReadReceiptFrame(conversationID, messageID)
	if err != nil {
		s.log.Warn("build read receipt", zap.Error(err))
		return
	}
	s.goAsync(func(ctx context.Context) {
		if err := s.router.Publish(ctx, conversationID, frame); err != nil {
			s.log.Debug("publish read receipt failed",
				zap.String("conversation_id", conversationID),
				zap.String("message_id", messageID),
				zap.Error(err),
			)
		}
	})
}
