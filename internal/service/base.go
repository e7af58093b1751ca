package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mesh-intelligence/docsync/internal/crdt"
	"github.com/mesh-intelligence/docsync/internal/registry"
	"github.com/mesh-intelligence/docsync/internal/status"
	"github.com/mesh-intelligence/docsync/internal/subscription"
	"github.com/mesh-intelligence/docsync/pkg/types"
)

var _ types.DocumentService = (*Base)(nil)

// Options configure a Base.
type Options struct {
	// ClientID identifies this service instance to other clients. Empty
	// means a random UUID v7.
	ClientID string
	Logger   *slog.Logger
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// Base implements types.DocumentService on top of a Backend.
type Base struct {
	backend  Backend
	clientID string
	logger   *slog.Logger
	now      func() time.Time

	status *status.Tracker
	subs   *subscription.Manager

	docs        *registry.Registry[string, *docRef]
	collections *registry.Registry[collectionKey, *collectionRef]
	records     *registry.Registry[recordKey, *recordRef]

	mu      sync.Mutex
	handles map[string]*Handle
	closed  atomic.Bool
}

// NewBase returns a Base that drives backend.
func NewBase(backend Backend, opts Options) *Base {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clientID := opts.ClientID
	if clientID == "" {
		clientID = newID()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	b := &Base{
		backend:     backend,
		clientID:    clientID,
		logger:      logger.With("component", "service", "client_id", clientID),
		now:         now,
		status:      status.NewTracker(logger),
		docs:        registry.New[string, *docRef](),
		collections: registry.New[collectionKey, *collectionRef](),
		records:     registry.New[recordKey, *recordRef](),
		handles:     make(map[string]*Handle),
	}
	b.subs = subscription.NewManager(hooks{b}, logger)
	return b
}

// newID returns a UUID v7 string, falling back to v4.
func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// NewDocumentID returns a fresh document id.
func NewDocumentID() string { return newID() }

// ClientID returns the id of this service instance.
func (b *Base) ClientID() string { return b.clientID }

// Backend returns the backend the service runs on.
func (b *Base) Backend() Backend { return b.backend }

// Logger returns the service logger.
func (b *Base) Logger() *slog.Logger { return b.logger }

// Now returns the service clock time.
func (b *Base) Now() time.Time { return b.now() }

func (b *Base) isClosed() bool { return b.closed.Load() }

// hooks adapts subscription transitions to the backend.
type hooks struct{ b *Base }

func (h hooks) OnMetadataSubscriptionOpened(docID string) {
	if hd, ok := h.b.lookupHandle(docID); ok {
		h.b.backend.OnMetadataSubscriptionOpened(hd)
	}
}

func (h hooks) OnMetadataSubscriptionClosed(docID string) {
	if hd, ok := h.b.lookupHandle(docID); ok {
		h.b.backend.OnMetadataSubscriptionClosed(hd)
	}
}

func (h hooks) OnDataSubscriptionOpened(docID string) {
	if hd, ok := h.b.lookupHandle(docID); ok {
		h.b.backend.OnDataSubscriptionOpened(hd)
	}
}

func (h hooks) OnDataSubscriptionClosed(docID string) {
	if hd, ok := h.b.lookupHandle(docID); ok {
		h.b.backend.OnDataSubscriptionClosed(hd)
	}
}

func (b *Base) lookupHandle(docID string) (*Handle, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.handles[docID]
	return h, ok
}

// Handle returns the handle of a document known to the service.
func (b *Base) Handle(docID string) (*Handle, bool) {
	return b.lookupHandle(docID)
}

// handleFor returns the handle of ref, creating the document's substrate on
// first use.
func (b *Base) handleFor(ref *docRef) *Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	if h, ok := b.handles[ref.id]; ok {
		return h
	}
	h := &Handle{
		id:     ref.id,
		schema: ref.schema,
		base:   b,
		logger: b.logger.With("doc_id", ref.id),
	}
	h.doc = b.backend.CreateInternalDoc(ref.id, b.clientID)
	h.offTxn = h.doc.OnTransaction(func(ev *crdt.TransactionEvent) {
		b.dispatch(h, ev)
	})
	b.handles[ref.id] = h
	return h
}

// own converts a caller-supplied ref into this service's docRef.
func (b *Base) own(doc types.DocumentRef) (*docRef, bool) {
	r, ok := doc.(*docRef)
	if !ok || !r.Valid() || r.svc != b {
		return nil, false
	}
	return r, true
}

// hold caches v under key in reg and retains it until the returned
// function runs.
func hold[K comparable, V any](reg *registry.Registry[K, V], key K, v V) func() {
	reg.GetOrCreate(key, func() V { return v })
	reg.Retain(key)
	return once(func() { reg.Release(key) })
}

// CreateDocument asks the backend to store a new document seeded with
// opts.Initial and returns its canonical ref.
func (b *Base) CreateDocument(ctx context.Context, opts types.CreateDocumentOptions) (types.DocumentRef, error) {
	if b.isClosed() {
		return invalidDoc, types.ErrServiceClosed
	}
	initial, err := encodeInitial(ctx, b.clientID, opts)
	if err != nil {
		return invalidDoc, err
	}
	md, err := b.backend.CreateDocument(ctx, opts, initial)
	if err != nil {
		return invalidDoc, fmt.Errorf("create document: %w", err)
	}
	ref := b.DocRef(md.ID, opts.Schema)
	h := b.handleFor(ref.(*docRef))
	if len(opts.Initial) > 0 {
		if err := h.doc.ApplyUpdate(ctx, initial, CreateOrigin{}); err != nil {
			return invalidDoc, err
		}
	}
	h.SetMetadata(md)
	b.logger.Info("document created", "doc_id", md.ID, "name", md.Name)
	return ref, nil
}

// CreateOrigin tags the transaction that seeds a created document with its
// initial state. Backends that persist updates skip it because the initial
// state was handed to Backend.CreateDocument.
type CreateOrigin struct{}

// DocRef returns the canonical ref of document id.
func (b *Base) DocRef(id string, schema *types.DocumentSchema) types.DocumentRef {
	if id == "" || b.isClosed() {
		return invalidDoc
	}
	return b.docs.GetOrCreate(id, func() *docRef {
		return &docRef{svc: b, id: id, schema: schema}
	})
}

// Collection returns the canonical ref of model's records in doc.
func (b *Base) Collection(doc types.DocumentRef, model *types.Model) types.CollectionRef {
	r, ok := b.own(doc)
	if !ok || model == nil {
		return invalidCollection
	}
	return b.collections.GetOrCreate(collectionKey{docID: r.id, model: model.Name}, func() *collectionRef {
		return &collectionRef{svc: b, doc: r, model: model}
	})
}

// Record returns the canonical ref of one record.
func (b *Base) Record(doc types.DocumentRef, model *types.Model, id string) types.RecordRef {
	r, ok := b.own(doc)
	if !ok || model == nil || id == "" {
		return invalidRecord
	}
	return b.records.GetOrCreate(recordKey{docID: r.id, model: model.Name, id: id}, func() *recordRef {
		return &recordRef{svc: b, doc: r, model: model, id: id}
	})
}

// Retain keeps ref cached until release is called.
func (b *Base) Retain(ref any) (release func()) {
	switch r := ref.(type) {
	case *docRef:
		if r.Valid() && r.svc == b {
			return b.retainDoc(r)
		}
	case *collectionRef:
		if r.Valid() && r.svc == b {
			return hold(b.collections, collectionKey{docID: r.doc.id, model: r.model.Name}, r)
		}
	case *recordRef:
		if r.Valid() && r.svc == b {
			return hold(b.records, recordKey{docID: r.doc.id, model: r.model.Name, id: r.id}, r)
		}
	}
	return func() {}
}

func (b *Base) retainDoc(r *docRef) func() {
	return hold(b.docs, r.id, r)
}

// WithTransaction runs fn inside one substrate transaction of doc. Calls on
// doc inside fn must use fn's ctx: another context blocks on the document
// lock held by this transaction.
func (b *Base) WithTransaction(ctx context.Context, doc types.DocumentRef, fn func(ctx context.Context) error, desc *types.EditDescription) error {
	r, ok := b.own(doc)
	if !ok {
		return types.ErrInvalidReference
	}
	if b.isClosed() {
		return types.ErrServiceClosed
	}
	var origin any
	if desc != nil {
		origin = desc
	}
	return b.handleFor(r).doc.Transact(ctx, fn, origin)
}

// Metadata returns the cached metadata of doc.
func (b *Base) Metadata(doc types.DocumentRef) (types.DocumentMetadata, bool) {
	r, ok := b.own(doc)
	if !ok {
		return types.DocumentMetadata{}, false
	}
	h, ok := b.lookupHandle(r.id)
	if !ok {
		return types.DocumentMetadata{}, false
	}
	return h.Metadata()
}

// DocumentStatus returns the current status of doc.
func (b *Base) DocumentStatus(doc types.DocumentRef) types.DocumentStatus {
	r, ok := b.own(doc)
	if !ok {
		return types.InitialStatus()
	}
	return b.status.Status(r.id)
}

// OnMetadataChange subscribes cb to doc's metadata and opens the metadata
// channel. Already loaded metadata is delivered immediately.
func (b *Base) OnMetadataChange(doc types.DocumentRef, cb func(types.DocumentMetadata)) types.Unsubscribe {
	r, ok := b.own(doc)
	if !ok || b.isClosed() {
		return func() {}
	}
	h := b.handleFor(r)
	cached, loaded := h.Metadata()
	release := b.retainDoc(r)
	// Opening the channel may already deliver metadata to cb.
	var delivered atomic.Bool
	off := b.subs.SubscribeMetadata(r.id, func(md types.DocumentMetadata) {
		delivered.Store(true)
		cb(md)
	})
	if loaded && !delivered.Load() {
		cb(cached)
	}
	return once(func() {
		off()
		release()
	})
}

// OnStateChange subscribes cb to doc's state and opens the data channel.
// cb runs once per committed transaction that changed the document.
func (b *Base) OnStateChange(doc types.DocumentRef, cb func(types.DocumentRef)) types.Unsubscribe {
	r, ok := b.own(doc)
	if !ok || b.isClosed() {
		return func() {}
	}
	b.handleFor(r)
	release := b.retainDoc(r)
	off := b.subs.SubscribeState(r.id, func() { cb(r) })
	return once(func() {
		off()
		release()
	})
}

// OnStatusChange subscribes cb to doc's status. cb receives the current
// status immediately.
func (b *Base) OnStatusChange(doc types.DocumentRef, cb func(types.DocumentStatus)) types.Unsubscribe {
	r, ok := b.own(doc)
	if !ok || b.isClosed() {
		return func() {}
	}
	release := b.retainDoc(r)
	off := b.status.OnStatusChange(r.id, cb)
	return once(func() {
		off()
		release()
	})
}

// OnActivity subscribes cb to activity events of doc.
func (b *Base) OnActivity(doc types.DocumentRef, cb func(types.ActivityEvent)) types.Unsubscribe {
	r, ok := b.own(doc)
	if !ok || b.isClosed() {
		return func() {}
	}
	b.handleFor(r)
	release := b.retainDoc(r)
	off := b.subs.SubscribeActivity(r.id, cb)
	return once(func() {
		off()
		release()
	})
}

// OnPresence subscribes cb to presence events of doc.
func (b *Base) OnPresence(doc types.DocumentRef, cb func(types.PresenceEvent), opts types.PresenceOptions) types.Unsubscribe {
	r, ok := b.own(doc)
	if !ok || b.isClosed() {
		return func() {}
	}
	b.handleFor(r)
	release := b.retainDoc(r)
	off := b.subs.SubscribePresence(r.id, cb, opts)
	return once(func() {
		off()
		release()
	})
}

// UpdateCustomPresence publishes a custom presence payload to the other
// clients of doc and delivers it locally with Self set.
func (b *Base) UpdateCustomPresence(ctx context.Context, doc types.DocumentRef, model *types.Model, data map[string]any) error {
	r, ok := b.own(doc)
	if !ok || model == nil {
		return types.ErrInvalidReference
	}
	if b.isClosed() {
		return types.ErrServiceClosed
	}
	h := b.handleFor(r)
	if err := b.backend.PublishPresence(ctx, h, model, data); err != nil {
		return err
	}
	h.EmitPresence(types.PresenceEvent{
		ClientID:  b.clientID,
		Kind:      types.PresenceCustom,
		Model:     model,
		ModelName: model.Name,
		Data:      data,
		Self:      true,
	})
	return nil
}

// SearchDocuments returns the metadata of documents matching q.
func (b *Base) SearchDocuments(ctx context.Context, q types.SearchQuery) ([]types.DocumentMetadata, error) {
	if b.isClosed() {
		return nil, types.ErrServiceClosed
	}
	return b.backend.SearchDocuments(ctx, q)
}

// HasMetadataSubscriptions reports whether any metadata channel is open.
func (b *Base) HasMetadataSubscriptions() bool { return b.subs.HasMetadataSubscriptions() }

// HasStateSubscriptions reports whether any data channel is open.
func (b *Base) HasStateSubscriptions() bool { return b.subs.HasStateSubscriptions() }

// Close releases backend resources. Refs issued before Close become inert:
// reads return empty results and writes return ErrServiceClosed.
func (b *Base) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.mu.Lock()
	handles := make([]*Handle, 0, len(b.handles))
	for _, h := range b.handles {
		handles = append(handles, h)
	}
	b.mu.Unlock()
	for _, h := range handles {
		h.offTxn()
	}
	b.docs.Clear()
	b.collections.Clear()
	b.records.Clear()
	return b.backend.Close()
}

// once wraps fn so that only the first call runs it.
func once(fn func()) func() {
	var o sync.Once
	return func() { o.Do(fn) }
}
