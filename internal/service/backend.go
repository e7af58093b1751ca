package service

import (
	"context"

	"github.com/mesh-intelligence/docsync/internal/crdt"
	"github.com/mesh-intelligence/docsync/pkg/types"
)

// Backend is implemented by each DocumentService variant.
type Backend interface {
	// CreateInternalDoc returns the substrate replica for a document. It is
	// called at most once per document id.
	CreateInternalDoc(docID, clientID string) *crdt.Doc

	OnMetadataSubscriptionOpened(h *Handle)
	OnMetadataSubscriptionClosed(h *Handle)
	OnDataSubscriptionOpened(h *Handle)
	OnDataSubscriptionClosed(h *Handle)

	// CreateDocument stores a new document and returns its metadata.
	// initial is the encoded initial state of the document.
	CreateDocument(ctx context.Context, opts types.CreateDocumentOptions, initial []byte) (types.DocumentMetadata, error)
	SearchDocuments(ctx context.Context, q types.SearchQuery) ([]types.DocumentMetadata, error)

	// PublishActivity shares locally derived activity with other clients.
	PublishActivity(h *Handle, ev types.ActivityEvent)
	// PublishPresence shares a custom presence payload with other clients.
	PublishPresence(ctx context.Context, h *Handle, model *types.Model, data map[string]any) error

	Close() error
}
