package remote

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mesh-intelligence/docsync/internal/broadcast"
	"github.com/mesh-intelligence/docsync/internal/clock"
	"github.com/mesh-intelligence/docsync/internal/crdt"
	"github.com/mesh-intelligence/docsync/internal/presence"
	"github.com/mesh-intelligence/docsync/internal/service"
	"github.com/mesh-intelligence/docsync/pkg/types"
)

// Options configure the remote service.
type Options struct {
	ClientID  string
	Transport Transport
	Presence  types.PresenceConfig
	Clock     clock.Clock
	Logger    *slog.Logger
}

// New returns a networked DocumentService.
func New(opts Options) *service.Base {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := opts.Clock
	if c == nil {
		c = clock.Real()
	}
	b := &backend{
		transport: opts.Transport,
		presence:  opts.Presence.WithDefaults(),
		clock:     c,
		logger:    logger.With("component", "remote"),
		sessions:  make(map[string]*session),
	}
	return service.NewBase(b, service.Options{ClientID: opts.ClientID, Logger: logger, Now: c.Now})
}

type backend struct {
	transport Transport
	presence  types.PresenceConfig
	clock     clock.Clock
	logger    *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

var _ service.Backend = (*backend)(nil)

type session struct {
	sync     SyncSession
	presence *presence.Manager
}

func (b *backend) CreateInternalDoc(_, clientID string) *crdt.Doc {
	return crdt.NewDoc(clientID)
}

func (b *backend) OnMetadataSubscriptionOpened(h *service.Handle) {
	if h.Status().Metadata.Load != types.LoadLoaded {
		h.UpdateMetadataStatus(types.MetadataStatusUpdate{Load: types.Load(types.LoadLoading)})
	}
	go func() {
		md, err := b.transport.FetchMetadata(context.Background(), h.ID())
		if err != nil {
			h.Logger().Warn("metadata fetch failed", "error", err)
			h.UpdateMetadataStatus(types.MetadataStatusUpdate{Load: types.Load(types.LoadError), Error: err})
			return
		}
		h.SetMetadata(md)
		h.UpdateMetadataStatus(types.MetadataStatusUpdate{Load: types.Load(types.LoadLoaded)})
	}()
}

func (b *backend) OnMetadataSubscriptionClosed(*service.Handle) {}

func (b *backend) OnDataSubscriptionOpened(h *service.Handle) {
	if b.session(h.ID()) != nil {
		panic(fmt.Errorf("%w: data subscription already open for %s", types.ErrSubscriptionState, h.ID()))
	}
	if h.Status().Data.Load != types.LoadLoaded {
		h.UpdateDataStatus(types.DataStatusUpdate{Load: types.Load(types.LoadLoading)})
	}
	var (
		s       = &session{}
		started sync.Once
		mu      sync.Mutex
	)
	s.presence = presence.New(presence.Options{
		ClientID: h.ClientID(),
		Config:   b.presence,
		Clock:    b.clock,
		Logger:   h.Logger(),
		Post: func(e broadcast.Envelope) {
			mu.Lock()
			ss := s.sync
			mu.Unlock()
			if ss != nil {
				ss.Post(e)
			}
		},
		OnPresence: h.EmitPresence,
		OnActivity: h.EmitActivity,
	})
	ss := b.transport.StartDocumentSync(h.ID(), h.Doc(), SyncOptions{
		ClientID: h.ClientID(),
		OnStatus: func(u types.DataStatusUpdate) {
			h.UpdateDataStatus(u)
			if u.Live != nil && *u.Live == types.LiveConnected {
				started.Do(s.presence.Start)
			}
		},
		OnEnvelope: s.presence.Handle,
	})
	mu.Lock()
	s.sync = ss
	mu.Unlock()

	b.mu.Lock()
	b.sessions[h.ID()] = s
	b.mu.Unlock()
}

func (b *backend) OnDataSubscriptionClosed(h *service.Handle) {
	b.mu.Lock()
	s, ok := b.sessions[h.ID()]
	delete(b.sessions, h.ID())
	b.mu.Unlock()
	if !ok {
		return
	}
	s.presence.Stop()
	s.sync.Stop()
}

func (b *backend) CreateDocument(ctx context.Context, opts types.CreateDocumentOptions, initial []byte) (types.DocumentMetadata, error) {
	md, err := b.transport.CreateDocument(ctx, opts, initial)
	if err != nil {
		return md, fmt.Errorf("remote create: %w", err)
	}
	return md, nil
}

func (b *backend) SearchDocuments(ctx context.Context, q types.SearchQuery) ([]types.DocumentMetadata, error) {
	return b.transport.SearchDocuments(ctx, q)
}

func (b *backend) session(docID string) *session {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessions[docID]
}

func (b *backend) PublishActivity(h *service.Handle, ev types.ActivityEvent) {
	if s := b.session(h.ID()); s != nil {
		if err := s.presence.PublishActivity(ev); err != nil {
			h.Logger().Warn("failed to publish activity", "error", err)
		}
	}
}

func (b *backend) PublishPresence(_ context.Context, h *service.Handle, model *types.Model, data map[string]any) error {
	s := b.session(h.ID())
	if s == nil {
		return nil
	}
	return s.presence.PublishCustom(model.Name, data)
}

func (b *backend) Close() error {
	b.mu.Lock()
	sessions := make([]*session, 0, len(b.sessions))
	for id, s := range b.sessions {
		sessions = append(sessions, s)
		delete(b.sessions, id)
	}
	b.mu.Unlock()
	for _, s := range sessions {
		s.presence.Stop()
		s.sync.Stop()
	}
	return nil
}
