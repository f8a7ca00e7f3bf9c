package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"chatsync/auth"
	"chatsync/models"
	"chatsync/network"
	"chatsync/storage"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/sonyflake"
	"go.uber.org/zap"
)

const userIDKey = "chatsync.user_id"

// Options configures the development backend.
type Options struct {
	Store       *storage.Store
	Signer      *auth.Signer
	Logger      *zap.Logger
	CORSOrigins []string
	Push        network.ConnectionOptions
	MachineID   uint16
	Gatherer    prometheus.Gatherer
	Now         func() time.Time
}

// Server is the development backend: REST conversation API plus the push hub.
type Server struct {
	store  *storage.Store
	signer *auth.Signer
	log    *zap.Logger
	hub    *Hub
	ids    *sonyflake.Sonyflake
	push   network.ConnectionOptions
	now    func() time.Time
	engine *gin.Engine
}

// New builds a server. Store and Signer are required.
func New(opts Options) (*Server, error) {
	if opts.Store == nil {
		return nil, errors.New("server: store is required")
	}
	if opts.Signer == nil {
		return nil, errors.New("server: signer is required")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	machineID := opts.MachineID
	if machineID == 0 {
		machineID = 1
	}
	ids := sonyflake.NewSonyflake(sonyflake.Settings{
		MachineID: func() (uint16, error) { return machineID, nil },
	})
	if ids == nil {
		return nil, errors.New("server: sonyflake init failed")
	}

	s := &Server{
		store:  opts.Store,
		signer: opts.Signer,
		log:    log,
		hub:    NewHub(log),
		ids:    ids,
		push:   opts.Push,
		now:    now,
	}
	s.engine = s.routes(opts.CORSOrigins, opts.Gatherer)
	return s, nil
}

// Handler returns the HTTP handler serving REST, /ws and /metrics.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Hub exposes the push hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Close disconnects every push client.
func (s *Server) Close() {
	s.hub.CloseAll()
}

func (s *Server) routes(origins []string, gatherer prometheus.Gatherer) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	if len(origins) == 0 {
		origins = []string{"*"}
	}
	corsConfig := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 1 && origins[0] == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = origins
		corsConfig.AllowCredentials = true
	}
	r.Use(cors.New(corsConfig))

	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	r.POST("/sessions", s.createSession)
	r.GET("/ws", s.serveWS)

	protected := r.Group("/")
	protected.Use(s.requireToken())
	{
		protected.GET("/conversations", s.listConversations)
		protected.POST("/conversations", s.createConversation)
		protected.PUT("/conversations/:id", s.updateConversation)
		protected.GET("/conversations/:id/messages", s.listMessages)
		protected.POST("/conversations/:id/participants", s.addParticipant)
	}
	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Request.URL.Path == "/ws" {
			return
		}
		s.log.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

func (s *Server) requireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := s.authenticate(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set(userIDKey, userID)
		c.Next()
	}
}

// authenticate reads the bearer token from the Authorization header, or from the
// token query parameter for clients that cannot set headers on websocket upgrades.
func (s *Server) authenticate(r *http.Request) (string, error) {
	token, ok := auth.BearerToken(r.Header.Get("Authorization"))
	if !ok {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return s.signer.Verify(token)
}

func (s *Server) nextID() (string, error) {
	id, err := s.ids.NextID()
	if err != nil {
		return "", fmt.Errorf("next id: %w", err)
	}
	return strconv.FormatUint(id, 10), nil
}

func newConversationID() string {
	return uuid.NewString()
}

func currentUser(c *gin.Context) string {
	return c.GetString(userIDKey)
}

func createConversationEvent(conversation models.Conversation, ts time.Time) (network.Frame, error) {
	return network.EventFrame(models.Event{
		Kind:           models.EventCreateConversation,
		ConversationID: conversation.ID,
		ID:             conversation.ID,
		Timestamp:      ts,
		Conversation:   &conversation,
	})
}
