// Package memory implements the in-memory DocumentService. Documents live
// only in the process; loads complete synchronously.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mesh-intelligence/docsync/internal/crdt"
	"github.com/mesh-intelligence/docsync/internal/service"
	"github.com/mesh-intelligence/docsync/pkg/types"
)

// Options configure the in-memory service.
type Options struct {
	ClientID string
	// AutoCreate gives documents that were never created empty metadata on
	// first load. Without it such loads fail with ErrNotFound.
	AutoCreate bool
	Logger     *slog.Logger
	Now        func() time.Time
}

// New returns an in-memory DocumentService.
func New(opts Options) *service.Base {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	b := &backend{
		autoCreate: opts.AutoCreate,
		now:        now,
		logger:     logger.With("component", "memory"),
		docs:       make(map[string]types.DocumentMetadata),
	}
	return service.NewBase(b, service.Options{ClientID: opts.ClientID, Logger: logger, Now: now})
}

type backend struct {
	autoCreate bool
	now        func() time.Time
	logger     *slog.Logger

	mu   sync.Mutex
	docs map[string]types.DocumentMetadata
}

var _ service.Backend = (*backend)(nil)

func (b *backend) CreateInternalDoc(_, clientID string) *crdt.Doc {
	return crdt.NewDoc(clientID)
}

// lookup returns the metadata of docID, creating it when auto-create is on.
func (b *backend) lookup(docID string) (types.DocumentMetadata, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if md, ok := b.docs[docID]; ok {
		return md, nil
	}
	if !b.autoCreate {
		return types.DocumentMetadata{}, fmt.Errorf("%w: document %s", types.ErrNotFound, docID)
	}
	now := b.now().UTC()
	md := types.DocumentMetadata{ID: docID, Name: docID, CreatedAt: now, UpdatedAt: now}
	b.docs[docID] = md
	b.logger.Debug("document auto-created", "doc_id", docID)
	return md, nil
}

func (b *backend) OnMetadataSubscriptionOpened(h *service.Handle) {
	if h.Status().Metadata.Load != types.LoadLoaded {
		h.UpdateMetadataStatus(types.MetadataStatusUpdate{Load: types.Load(types.LoadLoading)})
	}
	md, err := b.lookup(h.ID())
	if err != nil {
		h.UpdateMetadataStatus(types.MetadataStatusUpdate{Load: types.Load(types.LoadError), Error: err})
		return
	}
	h.SetMetadata(md)
	h.UpdateMetadataStatus(types.MetadataStatusUpdate{Load: types.Load(types.LoadLoaded)})
}

func (b *backend) OnMetadataSubscriptionClosed(*service.Handle) {}

func (b *backend) OnDataSubscriptionOpened(h *service.Handle) {
	if _, err := b.lookup(h.ID()); err != nil {
		h.UpdateDataStatus(types.DataStatusUpdate{
			Load:  types.Load(types.LoadError),
			Live:  types.Live(types.LiveError),
			Error: err,
		})
		return
	}
	h.UpdateDataStatus(types.DataStatusUpdate{
		Load: types.Load(types.LoadLoaded),
		Live: types.Live(types.LiveConnected),
	})
}

func (b *backend) OnDataSubscriptionClosed(h *service.Handle) {
	if h.Status().Data.Live == types.LiveConnected {
		h.UpdateDataStatus(types.DataStatusUpdate{Live: types.Live(types.LiveDisconnected)})
	}
}

func (b *backend) CreateDocument(_ context.Context, opts types.CreateDocumentOptions, _ []byte) (types.DocumentMetadata, error) {
	now := b.now().UTC()
	md := types.DocumentMetadata{
		ID:           service.NewDocumentID(),
		Name:         opts.Name,
		DocumentType: opts.DocumentType,
		Security:     opts.Security,
		Owner:        opts.Owner,
		Ontology:     opts.Ontology,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if opts.Schema != nil {
		md.SchemaVersion = opts.Schema.Version
	}
	b.mu.Lock()
	b.docs[md.ID] = md
	b.mu.Unlock()
	return md, nil
}

func (b *backend) SearchDocuments(_ context.Context, q types.SearchQuery) ([]types.DocumentMetadata, error) {
	b.mu.Lock()
	all := make([]types.DocumentMetadata, 0, len(b.docs))
	for _, md := range b.docs {
		all = append(all, md)
	}
	b.mu.Unlock()
	return q.Filter(all), nil
}

// The in-memory service has no other clients to reach.
func (b *backend) PublishActivity(*service.Handle, types.ActivityEvent) {}

func (b *backend) PublishPresence(context.Context, *service.Handle, *types.Model, map[string]any) error {
	return nil
}

func (b *backend) Close() error { return nil }
