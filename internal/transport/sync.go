package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mesh-intelligence/docsync/internal/broadcast"
	"github.com/mesh-intelligence/docsync/internal/crdt"
	"github.com/mesh-intelligence/docsync/internal/remote"
	"github.com/mesh-intelligence/docsync/pkg/types"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
	sendBuffer   = 64
)

// session is one websocket carrying a document's updates, presence and
// activity. It is also the origin of every update it applies, so the
// forwarder never echoes them back.
type session struct {
	client *Client
	docID  string
	doc    *crdt.Doc
	opts   remote.SyncOptions
	logger *slog.Logger

	send     chan broadcast.Envelope
	done     chan struct{} // closed by Stop
	dead     chan struct{} // closed when the connection is gone
	once     sync.Once
	failOnce sync.Once

	mu     sync.Mutex
	conn   *websocket.Conn
	writer chan struct{} // closed when writeLoop returns; nil until it starts
}

// StartDocumentSync connects doc to the relay in the background. Progress is
// reported through opts.OnStatus; there is no automatic reconnect.
func (c *Client) StartDocumentSync(docID string, doc *crdt.Doc, opts remote.SyncOptions) remote.SyncSession {
	if opts.OnStatus == nil {
		opts.OnStatus = func(types.DataStatusUpdate) {}
	}
	if opts.OnEnvelope == nil {
		opts.OnEnvelope = func(broadcast.Envelope) {}
	}
	s := &session{
		client: c,
		docID:  docID,
		doc:    doc,
		opts:   opts,
		logger: c.logger.With("doc_id", docID),
		send:   make(chan broadcast.Envelope, sendBuffer),
		done:   make(chan struct{}),
		dead:   make(chan struct{}),
	}
	go s.run()
	return s
}

// Post queues e for the relay. Envelopes posted once the session has ended
// are dropped.
func (s *session) Post(e broadcast.Envelope) {
	select {
	case s.send <- e:
	case <-s.done:
	case <-s.dead:
	}
}

// Stop flushes queued frames, then closes the connection.
func (s *session) Stop() {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		writer := s.writer
		s.mu.Unlock()
		if writer != nil {
			select {
			case <-writer:
			case <-time.After(writeTimeout):
			}
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.conn == nil {
			return
		}
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
		_ = s.conn.Close()
	})
}

func (s *session) stopped() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// fail reports a broken connection once. Stop is not a failure.
func (s *session) fail(op string, err error, loaded bool) {
	if s.stopped() {
		return
	}
	s.failOnce.Do(func() {
		s.logger.Warn("document sync failed", "op", op, "error", err)
		u := types.DataStatusUpdate{Live: types.Live(types.LiveError), Error: types.NewTransportError(op, err)}
		if !loaded {
			u.Load = types.Load(types.LoadError)
		}
		s.opts.OnStatus(u)
	})
}

func (s *session) run() {
	defer close(s.dead)
	s.opts.OnStatus(types.DataStatusUpdate{Live: types.Live(types.LiveConnecting)})

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	conn, _, err := s.client.dialer.DialContext(ctx, s.client.syncURL(s.docID, s.opts.ClientID), s.client.header())
	cancel()
	if err != nil {
		s.fail("dial", err, false)
		return
	}
	s.mu.Lock()
	if s.stopped() {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conn = conn
	s.mu.Unlock()
	defer conn.Close()

	if err := s.initialSync(conn); err != nil {
		s.fail("initial sync", err, false)
		return
	}

	writer := make(chan struct{})
	s.mu.Lock()
	s.writer = writer
	s.mu.Unlock()
	go func() {
		defer close(writer)
		s.writeLoop(conn)
	}()
	off := s.doc.OnUpdate(func(update []byte, origin any) {
		if origin == s {
			return
		}
		s.Post(broadcast.NewEnvelope(broadcast.TypeUpdate, s.opts.ClientID, update))
	})
	defer off()
	// Edits made before the connection reach the relay this way.
	s.Post(broadcast.NewEnvelope(broadcast.TypeUpdate, s.opts.ClientID, s.doc.EncodeStateAsUpdate(context.Background())))

	s.opts.OnStatus(types.DataStatusUpdate{Load: types.Load(types.LoadLoaded), Live: types.Live(types.LiveConnected)})
	s.logger.Debug("document sync connected")

	if err := s.readLoop(conn); err != nil {
		s.fail("read", err, true)
	}
}

func (s *session) initialSync(conn *websocket.Conn) error {
	var e broadcast.Envelope
	if err := conn.ReadJSON(&e); err != nil {
		return err
	}
	if e.Type != broadcast.TypeSync {
		return fmt.Errorf("expected %s frame, got %q", broadcast.TypeSync, e.Type)
	}
	return s.apply(e)
}

func (s *session) apply(e broadcast.Envelope) error {
	payload, err := e.Payload()
	if err != nil {
		return err
	}
	return s.doc.ApplyUpdate(context.Background(), payload, s)
}

func (s *session) readLoop(conn *websocket.Conn) error {
	for {
		var e broadcast.Envelope
		if err := conn.ReadJSON(&e); err != nil {
			if s.stopped() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		switch e.Type {
		case broadcast.TypeUpdate, broadcast.TypeSync:
			if err := s.apply(e); err != nil {
				s.logger.Warn("dropping malformed update", "from", e.ClientID, "error", err)
			}
		default:
			s.opts.OnEnvelope(e)
		}
	}
}

// writeLoop is the only writer of data frames on conn.
func (s *session) writeLoop(conn *websocket.Conn) {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		select {
		case e := <-s.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(e); err != nil {
				s.fail("write", err, true)
				_ = conn.Close()
				return
			}
		case <-t.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				s.fail("ping", err, true)
				_ = conn.Close()
				return
			}
		case <-s.done:
			s.flush(conn)
			return
		case <-s.dead:
			return
		}
	}
}

// flush writes whatever is still queued.
func (s *session) flush(conn *websocket.Conn) {
	for {
		select {
		case e := <-s.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		default:
			return
		}
	}
}
