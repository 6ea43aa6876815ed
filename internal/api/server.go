// Package api is the chat backend: a gorilla/mux HTTP API over the
// conversation database plus a websocket stream of assistant messages.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/entrepeneur4lyf/convostore/internal/llm"
	"github.com/entrepeneur4lyf/convostore/internal/message"
	"github.com/entrepeneur4lyf/convostore/internal/storage"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const (
	defaultPageSize      = 20
	maxPageSize          = 100
	defaultHistoryWindow = 20
	maxUploadBytes       = 25 << 20
)

// ConnectionManager tracks stream clients per conversation
type ConnectionManager struct {
	clients map[string][]*StreamClient
	mu      sync.RWMutex
	logger  *log.Logger
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(logger *log.Logger) *ConnectionManager {
	return &ConnectionManager{
		clients: make(map[string][]*StreamClient),
		logger:  logger,
	}
}

// Add registers a stream client
func (cm *ConnectionManager) Add(conversationID string, c *StreamClient) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.clients[conversationID] = append(cm.clients[conversationID], c)
}

// Remove unregisters a stream client and closes its send queue
func (cm *ConnectionManager) Remove(conversationID string, c *StreamClient) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	clients := cm.clients[conversationID]
	for i, conn := range clients {
		if conn == c {
			cm.clients[conversationID] = append(clients[:i:i], clients[i+1:]...)
			c.close()
			break
		}
	}
	if len(cm.clients[conversationID]) == 0 {
		delete(cm.clients, conversationID)
	}
}

// Broadcast pushes a frame to every client of a conversation. Clients whose
// queue is full are dropped.
func (cm *ConnectionManager) Broadcast(conversationID string, msg WebSocketMessage) {
	cm.mu.RLock()
	clients := make([]*StreamClient, len(cm.clients[conversationID]))
	copy(clients, cm.clients[conversationID])
	cm.mu.RUnlock()

	for _, c := range clients {
		if !c.enqueue(msg) {
			cm.logger.Warn("dropping blocked stream client", "conversation", conversationID)
			cm.Remove(conversationID, c)
		}
	}
}

// Count returns the number of connected stream clients
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	n := 0
	for _, clients := range cm.clients {
		n += len(clients)
	}
	return n
}

// Options configures a Server
type Options struct {
	Chats         storage.ChatStore
	Responder     llm.Responder
	Transcriber   llm.Transcriber
	Logger        *log.Logger
	HistoryWindow int
	Now           func() time.Time
	NewID         func() string
}

// Server is the chat backend
type Server struct {
	chats         storage.ChatStore
	responder     llm.Responder
	transcriber   llm.Transcriber
	connections   *ConnectionManager
	upgrader      websocket.Upgrader
	clock         *message.Clock
	newID         func() string
	historyWindow int
	logger        *log.Logger

	mu         sync.Mutex
	httpServer *http.Server
	stopped    bool
}

// NewServer creates a server; Chats is required
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Responder == nil {
		opts.Responder = llm.NewEchoResponder()
	}
	if opts.Transcriber == nil {
		opts.Transcriber = llm.NoopTranscriber{}
	}
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = defaultHistoryWindow
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}

	logger := opts.Logger.WithPrefix("api")
	return &Server{
		chats:         opts.Chats,
		responder:     opts.Responder,
		transcriber:   opts.Transcriber,
		connections:   NewConnectionManager(logger),
		clock:         message.NewClock(opts.Now),
		newID:         opts.NewID,
		historyWindow: opts.HistoryWindow,
		logger:        logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: isLocalhostOrigin,
		},
	}
}

// isLocalhostOrigin only admits browser origins served from this machine
func isLocalhostOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, prefix := range []string{"http://localhost:", "http://127.0.0.1:", "http://[::1]:"} {
		if strings.HasPrefix(origin, prefix) {
			return true
		}
	}
	return false
}

// Start serves on addr until Stop is called
func (s *Server) Start(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.httpServer = srv
	s.mu.Unlock()
	s.logger.Info("starting chat backend", "addr", addr, "responder", s.responder.Name())

	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Routes builds the router
func (s *Server) Routes() *mux.Router {
	router := mux.NewRouter()
	router.Use(s.corsMiddleware)

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/transcribe", s.handleTranscribe).Methods(http.MethodPost)
	api.HandleFunc("/conversations", s.handleListConversations).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}/messages", s.handleSendMessage).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id}/messages", s.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}/stream", s.handleStream).Methods(http.MethodGet)

	return router
}

// corsMiddleware adds CORS headers for localhost origins
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && isLocalhostOrigin(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Response helpers
func (s *Server) writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode response", "err", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"responder": s.responder.Name(),
		"streams":   s.connections.Count(),
	})
}
