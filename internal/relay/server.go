package relay

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/mesh-intelligence/docsync/internal/broadcast"
	"github.com/mesh-intelligence/docsync/internal/store"
	"github.com/mesh-intelligence/docsync/internal/transport"
)

// Options configure a Server.
type Options struct {
	Store *store.Store
	// Token, when set, is required as a bearer token on every request.
	Token  string
	Logger *slog.Logger
}

// Server is the relay. It owns one room per document with open connections.
type Server struct {
	store    *store.Store
	token    string
	hub      *broadcast.Hub
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu     sync.Mutex
	rooms  map[string]*room
	closed bool
}

// New returns a relay backed by opts.Store.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "relay")
	return &Server{
		store:  opts.Store,
		token:  opts.Token,
		hub:    broadcast.NewHub(logger),
		logger: logger,
		rooms:  make(map[string]*room),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the chi router with all relay routes mounted.
func (s *Server) Handler() chi.Router {
	r := chi.NewRouter()
	r.Use(AuthMiddleware(s.token))

	r.Get(transport.DocumentsPath, s.listDocuments)
	r.Post(transport.DocumentsPath, s.createDocument)
	r.Get(transport.DocumentsPath+"/{id}", s.getDocument)
	r.Get(transport.SyncPath+"/{id}", s.syncDocument)
	return r
}

// Close drops every connection and room. The store stays open.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	var conns []*conn
	rooms := make([]*room, 0, len(s.rooms))
	for id, rm := range s.rooms {
		rooms = append(rooms, rm)
		conns = append(conns, rm.detach()...)
		delete(s.rooms, id)
	}
	s.mu.Unlock()
	for _, rm := range rooms {
		_ = rm.persistence.Destroy(context.Background())
	}
	for _, c := range conns {
		c.close()
	}
	s.hub.Close()
	return nil
}
