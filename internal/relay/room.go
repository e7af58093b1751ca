package relay

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mesh-intelligence/docsync/internal/broadcast"
	"github.com/mesh-intelligence/docsync/internal/crdt"
	"github.com/mesh-intelligence/docsync/internal/store"
	"github.com/mesh-intelligence/docsync/internal/transport"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
	loadTimeout  = 30 * time.Second

	// relayClientID is the replica id of every room document.
	relayClientID = "relay"
)

var errShuttingDown = errors.New("relay is shutting down")

// room is the server replica of one document. It lives while at least one
// connection is open.
type room struct {
	id          string
	doc         *crdt.Doc
	persistence *store.Persistence
	conns       map[*conn]struct{} // guarded by Server.mu
}

// detach removes every connection from rm and returns them. Callers hold
// Server.mu.
func (rm *room) detach() []*conn {
	out := make([]*conn, 0, len(rm.conns))
	for c := range rm.conns {
		out = append(out, c)
		delete(rm.conns, c)
	}
	return out
}

// conn is one client websocket. Writes are serialized by wmu.
type conn struct {
	ws       *websocket.Conn
	clientID string
	wmu      sync.Mutex
	once     sync.Once
}

func (c *conn) writeLocked(e broadcast.Envelope) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(e)
}

func (c *conn) close() {
	c.once.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
		_ = c.ws.Close()
	})
}

func channelName(docID string) string { return "relay:" + docID }

// join returns the room of docID with c registered in it, loading the
// document from the store when no room is open.
func (s *Server) join(ctx context.Context, docID string, c *conn) (*room, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errShuttingDown
	}
	rm, ok := s.rooms[docID]
	if !ok {
		doc := crdt.NewDoc(relayClientID)
		rm = &room{
			id:          docID,
			doc:         doc,
			persistence: s.store.Bind(docID, doc, store.BindOptions{}),
			conns:       make(map[*conn]struct{}),
		}
		s.rooms[docID] = rm
		s.logger.Debug("room opened", "doc_id", docID)
	}
	rm.conns[c] = struct{}{}
	s.mu.Unlock()

	if err := rm.persistence.WhenSynced(ctx); err != nil {
		s.leave(rm, c)
		return nil, err
	}
	return rm, nil
}

func (s *Server) leave(rm *room, c *conn) {
	s.mu.Lock()
	delete(rm.conns, c)
	last := len(rm.conns) == 0 && s.rooms[rm.id] == rm
	if last {
		delete(s.rooms, rm.id)
	}
	s.mu.Unlock()
	if last {
		_ = rm.persistence.Destroy(context.Background())
		s.logger.Debug("room closed", "doc_id", rm.id)
	}
}

func (s *Server) syncDocument(w http.ResponseWriter, r *http.Request) {
	docID, ok := docIDParam(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid document id"))
		return
	}
	clientID := r.URL.Query().Get(transport.ClientIDParam)
	if clientID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody(transport.ClientIDParam+" is required"))
		return
	}
	ok, err := s.store.HasDocument(r.Context(), docID)
	if err != nil {
		s.logger.Error("lookup failed", "doc_id", docID, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody("lookup failed"))
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody("document not found"))
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "doc_id", docID, "error", err)
		return
	}
	c := &conn{ws: ws, clientID: clientID}
	defer c.close()

	ctx, cancel := context.WithTimeout(context.Background(), loadTimeout)
	rm, err := s.join(ctx, docID, c)
	cancel()
	if err != nil {
		s.logger.Error("room load failed", "doc_id", docID, "error", err)
		return
	}
	defer s.leave(rm, c)

	logger := s.logger.With("doc_id", docID, "client_id", clientID)
	if err := s.serve(rm, c); err != nil {
		logger.Warn("connection ended", "error", err)
		return
	}
	logger.Debug("connection closed")
}

// serve runs one connection. The sync frame is written before any relayed
// frame: the hub member blocks on wmu until it is out, and the state is
// encoded after joining so nothing relayed in between is missed.
func (s *Server) serve(rm *room, c *conn) error {
	c.wmu.Lock()
	ch := s.hub.Open(channelName(rm.id), func(e broadcast.Envelope) {
		c.wmu.Lock()
		defer c.wmu.Unlock()
		if err := c.writeLocked(e); err != nil {
			c.close()
		}
	})
	defer ch.Close()
	err := c.writeLocked(broadcast.NewEnvelope(broadcast.TypeSync, relayClientID, rm.doc.EncodeStateAsUpdate(context.Background())))
	c.wmu.Unlock()
	if err != nil {
		return err
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		t := time.NewTicker(pingInterval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	for {
		var e broadcast.Envelope
		if err := c.ws.ReadJSON(&e); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		e.ClientID = c.clientID
		if e.Type == broadcast.TypeUpdate {
			payload, err := e.Payload()
			if err == nil {
				err = rm.doc.ApplyUpdate(context.Background(), payload, c)
			}
			if err != nil {
				s.logger.Warn("dropping malformed update", "doc_id", rm.id, "client_id", c.clientID, "error", err)
				continue
			}
		}
		ch.Post(e)
	}
}
