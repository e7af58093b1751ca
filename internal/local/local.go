// Package local implements the persistent DocumentService. Each document
// is stored in SQLite and kept in step with the other services of the
// process through a document-scoped broadcast channel that also carries
// presence and activity.
package local

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mesh-intelligence/docsync/internal/broadcast"
	"github.com/mesh-intelligence/docsync/internal/clock"
	"github.com/mesh-intelligence/docsync/internal/crdt"
	"github.com/mesh-intelligence/docsync/internal/presence"
	"github.com/mesh-intelligence/docsync/internal/service"
	"github.com/mesh-intelligence/docsync/internal/store"
	"github.com/mesh-intelligence/docsync/pkg/types"
)

// Options configure the local service.
type Options struct {
	ClientID string
	// DataDir holds the SQLite database. Ignored when Store is set.
	DataDir string
	// Store is a shared, already open store. The service does not close it.
	Store *store.Store
	// Hub carries updates between services of one process. Nil gives the
	// service a private hub.
	Hub        *broadcast.Hub
	AutoCreate bool
	Presence   types.PresenceConfig
	Clock      clock.Clock
	Logger     *slog.Logger
}

// remoteOrigin tags updates received over the broadcast channel.
type remoteOrigin struct{}

// ChannelName returns the broadcast channel name of docID.
func ChannelName(docID string) string { return "docsync:" + docID }

// New returns a persistent DocumentService.
func New(opts Options) (*service.Base, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	st := opts.Store
	ownsStore := false
	if st == nil {
		var err error
		st, err = store.Open(opts.DataDir, store.Options{Logger: logger})
		if err != nil {
			return nil, err
		}
		ownsStore = true
	}
	hub := opts.Hub
	if hub == nil {
		hub = broadcast.NewHub(logger)
	}
	c := opts.Clock
	if c == nil {
		c = clock.Real()
	}
	b := &backend{
		store:      st,
		ownsStore:  ownsStore,
		hub:        hub,
		autoCreate: opts.AutoCreate,
		presence:   opts.Presence.WithDefaults(),
		clock:      c,
		logger:     logger.With("component", "local"),
		sessions:   make(map[string]*session),
		bindings:   make(map[string]*store.Persistence),
	}
	return service.NewBase(b, service.Options{ClientID: opts.ClientID, Logger: logger, Now: c.Now}), nil
}

type backend struct {
	store      *store.Store
	ownsStore  bool
	hub        *broadcast.Hub
	autoCreate bool
	presence   types.PresenceConfig
	clock      clock.Clock
	logger     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	// bindings log every replica for the life of the service, whether or
	// not its data channel is open.
	bindings map[string]*store.Persistence
}

var _ service.Backend = (*backend)(nil)

// session is the open data channel of one document.
type session struct {
	h *service.Handle

	mu        sync.Mutex
	closed    bool
	channel   *broadcast.Channel
	offUpdate func()
	presence  *presence.Manager
}

// logged reports origins whose updates another writer already stored.
func logged(origin any) bool {
	switch origin.(type) {
	case remoteOrigin, service.CreateOrigin:
		return true
	}
	return false
}

func (b *backend) CreateInternalDoc(docID, clientID string) *crdt.Doc {
	doc := crdt.NewDoc(clientID)
	p := b.store.Bind(docID, doc, store.BindOptions{Skip: logged})
	b.mu.Lock()
	b.bindings[docID] = p
	b.mu.Unlock()
	return doc
}

func (b *backend) binding(docID string) *store.Persistence {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bindings[docID]
}

// ensureDocument checks that docID is stored, creating it when auto-create
// is on.
func (b *backend) ensureDocument(ctx context.Context, docID string) (types.DocumentMetadata, error) {
	md, err := b.store.GetDocument(ctx, docID)
	if err == nil || !errors.Is(err, types.ErrNotFound) {
		return md, err
	}
	if !b.autoCreate {
		return md, err
	}
	md, err = b.store.CreateDocument(ctx, types.DocumentMetadata{ID: docID, Name: docID}, nil)
	if err != nil {
		// Another service may have created it first.
		if existing, getErr := b.store.GetDocument(ctx, docID); getErr == nil {
			return existing, nil
		}
		return md, err
	}
	b.logger.Debug("document auto-created", "doc_id", docID)
	return md, nil
}

func (b *backend) OnMetadataSubscriptionOpened(h *service.Handle) {
	if h.Status().Metadata.Load != types.LoadLoaded {
		h.UpdateMetadataStatus(types.MetadataStatusUpdate{Load: types.Load(types.LoadLoading)})
	}
	go func() {
		md, err := b.ensureDocument(context.Background(), h.ID())
		if err != nil {
			h.Logger().Warn("metadata load failed", "error", err)
			h.UpdateMetadataStatus(types.MetadataStatusUpdate{Load: types.Load(types.LoadError), Error: err})
			return
		}
		h.SetMetadata(md)
		h.UpdateMetadataStatus(types.MetadataStatusUpdate{Load: types.Load(types.LoadLoaded)})
	}()
}

func (b *backend) OnMetadataSubscriptionClosed(*service.Handle) {}

func (b *backend) OnDataSubscriptionOpened(h *service.Handle) {
	s := &session{h: h}
	b.mu.Lock()
	if _, ok := b.sessions[h.ID()]; ok {
		b.mu.Unlock()
		panic(fmt.Errorf("%w: data subscription already open for %s", types.ErrSubscriptionState, h.ID()))
	}
	b.sessions[h.ID()] = s
	b.mu.Unlock()

	u := types.DataStatusUpdate{Live: types.Live(types.LiveConnecting)}
	if h.Status().Data.Load != types.LoadLoaded {
		u.Load = types.Load(types.LoadLoading)
	}
	h.UpdateDataStatus(u)
	go b.open(s)
}

func (b *backend) open(s *session) {
	ctx := context.Background()
	h := s.h

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if _, err := b.ensureDocument(ctx, h.ID()); err != nil {
		s.mu.Unlock()
		b.fail(h, err)
		return
	}
	doc := h.Doc()
	var ch *broadcast.Channel
	pm := presence.New(presence.Options{
		ClientID:   h.ClientID(),
		Config:     b.presence,
		Clock:      b.clock,
		Logger:     h.Logger(),
		Post:       func(e broadcast.Envelope) { ch.Post(e) },
		OnPresence: h.EmitPresence,
		OnActivity: h.EmitActivity,
	})
	ch = b.hub.Open(ChannelName(h.ID()), func(e broadcast.Envelope) { b.receive(h, pm, e) })
	s.presence, s.channel = pm, ch
	s.offUpdate = doc.OnUpdate(func(update []byte, origin any) {
		switch origin.(type) {
		case remoteOrigin, *store.Persistence, service.CreateOrigin:
			return
		}
		ch.Post(broadcast.NewEnvelope(broadcast.TypeUpdate, h.ClientID(), update))
	})
	s.mu.Unlock()

	p := b.binding(h.ID())
	if p == nil {
		return
	}
	err := p.WhenSynced(ctx)
	if err == nil {
		err = p.Checkpoint(ctx)
	}

	s.mu.Lock()
	closed := s.closed
	if !closed && err == nil {
		// Catches the other services up on edits made while the channel
		// was closed.
		ch.Post(broadcast.NewEnvelope(broadcast.TypeUpdate, h.ClientID(), doc.EncodeStateAsUpdate(ctx)))
		pm.Start()
	}
	s.mu.Unlock()
	if closed {
		return
	}
	if err != nil {
		b.fail(h, types.NewTransportError("sync durable store", err))
		return
	}
	h.UpdateDataStatus(types.DataStatusUpdate{
		Load: types.Load(types.LoadLoaded),
		Live: types.Live(types.LiveConnected),
	})
	h.Logger().Debug("document connected")
}

func (b *backend) fail(h *service.Handle, err error) {
	h.Logger().Warn("data load failed", "error", err)
	h.UpdateDataStatus(types.DataStatusUpdate{
		Load:  types.Load(types.LoadError),
		Live:  types.Live(types.LiveError),
		Error: err,
	})
}

func (b *backend) receive(h *service.Handle, pm *presence.Manager, e broadcast.Envelope) {
	if e.Type != broadcast.TypeUpdate {
		pm.Handle(e)
		return
	}
	payload, err := e.Payload()
	if err != nil {
		h.Logger().Warn("dropping update envelope", "from", e.ClientID, "error", err)
		return
	}
	if err := h.Doc().ApplyUpdate(context.Background(), payload, remoteOrigin{}); err != nil {
		h.Logger().Warn("failed to apply update", "from", e.ClientID, "error", err)
	}
}

func (b *backend) OnDataSubscriptionClosed(h *service.Handle) {
	b.mu.Lock()
	s, ok := b.sessions[h.ID()]
	delete(b.sessions, h.ID())
	b.mu.Unlock()
	if !ok {
		return
	}
	b.teardown(s)
	if h.Status().Data.Live != types.LiveError {
		h.UpdateDataStatus(types.DataStatusUpdate{Live: types.Live(types.LiveDisconnected)})
	}
}

func (b *backend) teardown(s *session) {
	s.mu.Lock()
	s.closed = true
	offUpdate, ch, pres := s.offUpdate, s.channel, s.presence
	s.mu.Unlock()

	if pres != nil {
		pres.Stop()
	}
	if offUpdate != nil {
		offUpdate()
	}
	if ch != nil {
		ch.Close()
	}
}

func (b *backend) CreateDocument(ctx context.Context, opts types.CreateDocumentOptions, initial []byte) (types.DocumentMetadata, error) {
	md := types.DocumentMetadata{
		ID:           service.NewDocumentID(),
		Name:         opts.Name,
		DocumentType: opts.DocumentType,
		Security:     opts.Security,
		Owner:        opts.Owner,
		Ontology:     opts.Ontology,
	}
	if opts.Schema != nil {
		md.SchemaVersion = opts.Schema.Version
	}
	md, err := b.store.CreateDocument(ctx, md, initial)
	if err != nil {
		return md, fmt.Errorf("storing document: %w", err)
	}
	return md, nil
}

func (b *backend) SearchDocuments(ctx context.Context, q types.SearchQuery) ([]types.DocumentMetadata, error) {
	return b.store.SearchDocuments(ctx, q)
}

// connected returns the presence manager of docID when its data channel is
// connected.
func (b *backend) connected(docID string) *presence.Manager {
	b.mu.Lock()
	s, ok := b.sessions[docID]
	b.mu.Unlock()
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	return s.presence
}

func (b *backend) PublishActivity(h *service.Handle, ev types.ActivityEvent) {
	if pm := b.connected(h.ID()); pm != nil {
		if err := pm.PublishActivity(ev); err != nil {
			h.Logger().Warn("failed to publish activity", "error", err)
		}
	}
}

func (b *backend) PublishPresence(_ context.Context, h *service.Handle, model *types.Model, data map[string]any) error {
	pm := b.connected(h.ID())
	if pm == nil {
		return nil
	}
	return pm.PublishCustom(model.Name, data)
}

func (b *backend) Close() error {
	b.mu.Lock()
	sessions := make([]*session, 0, len(b.sessions))
	for id, s := range b.sessions {
		sessions = append(sessions, s)
		delete(b.sessions, id)
	}
	bindings := make([]*store.Persistence, 0, len(b.bindings))
	for id, p := range b.bindings {
		bindings = append(bindings, p)
		delete(b.bindings, id)
	}
	b.mu.Unlock()
	for _, s := range sessions {
		b.teardown(s)
	}
	for _, p := range bindings {
		_ = p.Destroy(context.Background())
	}
	if b.ownsStore {
		return b.store.Close()
	}
	return nil
}
