package service

import (
	"log/slog"
	"sync"

	"github.com/mesh-intelligence/docsync/internal/crdt"
	"github.com/mesh-intelligence/docsync/pkg/types"
)

// Handle owns the single substrate replica of one document and gives the
// backend access to the document's status, metadata and event streams.
type Handle struct {
	id     string
	schema *types.DocumentSchema
	doc    *crdt.Doc
	base   *Base
	logger *slog.Logger

	mu       sync.Mutex
	metadata *types.DocumentMetadata
	offTxn   func()
}

// ID returns the document id.
func (h *Handle) ID() string { return h.id }

// Doc returns the document's substrate replica.
func (h *Handle) Doc() *crdt.Doc { return h.doc }

// Schema returns the schema the document was first referenced with.
func (h *Handle) Schema() *types.DocumentSchema { return h.schema }

// ClientID returns the id of the local client.
func (h *Handle) ClientID() string { return h.base.clientID }

// Logger returns a logger scoped to the document.
func (h *Handle) Logger() *slog.Logger { return h.logger }

// Metadata returns the cached metadata, if loaded.
func (h *Handle) Metadata() (types.DocumentMetadata, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.metadata == nil {
		return types.DocumentMetadata{}, false
	}
	return *h.metadata, true
}

// SetMetadata caches md and notifies metadata subscribers.
func (h *Handle) SetMetadata(md types.DocumentMetadata) {
	h.mu.Lock()
	h.metadata = &md
	h.mu.Unlock()
	h.base.subs.NotifyMetadata(h.id, md)
}

// Status returns the current document status.
func (h *Handle) Status() types.DocumentStatus {
	return h.base.status.Status(h.id)
}

// UpdateMetadataStatus moves the metadata channel.
func (h *Handle) UpdateMetadataStatus(u types.MetadataStatusUpdate) {
	h.base.status.UpdateMetadataStatus(h.id, u)
}

// UpdateDataStatus moves the data channel.
func (h *Handle) UpdateDataStatus(u types.DataStatusUpdate) {
	h.base.status.UpdateDataStatus(h.id, u)
}

// HasMetadataSubscribers reports whether the metadata channel is open.
func (h *Handle) HasMetadataSubscribers() bool {
	return h.base.subs.MetadataSubscriptions(h.id) > 0
}

// HasStateSubscribers reports whether the data channel is open.
func (h *Handle) HasStateSubscribers() bool {
	return h.base.subs.StateSubscriptions(h.id) > 0
}

// ResolveModel looks name up in the document schema.
func (h *Handle) ResolveModel(name string) (*types.Model, bool) {
	m, err := h.schema.Model(name)
	if err != nil {
		return nil, false
	}
	return m, true
}

// EmitActivity delivers activity received from another client. The model
// is resolved against the local schema; unknown models yield an
// ActivityUnknown event.
func (h *Handle) EmitActivity(ev types.ActivityEvent) {
	ev.DocumentID = h.id
	if ev.Model == nil && ev.ModelName != "" {
		if m, ok := h.ResolveModel(ev.ModelName); ok {
			ev.Model = m
		} else {
			ev.Kind = types.ActivityUnknown
		}
	}
	h.base.subs.NotifyActivity(h.id, ev)
}

// EmitPresence delivers a presence event. Custom events naming a model the
// local schema does not declare are delivered as PresenceUnknown.
func (h *Handle) EmitPresence(ev types.PresenceEvent) {
	ev.DocumentID = h.id
	if ev.Kind == types.PresenceCustom && ev.Model == nil {
		if m, ok := h.ResolveModel(ev.ModelName); ok {
			ev.Model = m
		} else {
			ev.Kind = types.PresenceUnknown
		}
	}
	h.base.subs.NotifyPresence(h.id, ev)
}
