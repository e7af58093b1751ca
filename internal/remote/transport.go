// Package remote implements the networked DocumentService. Data sync is
// delegated to sync sessions opened through a Transport; metadata is
// fetched once per metadata subscription.
package remote

import (
	"context"

	"github.com/mesh-intelligence/docsync/internal/broadcast"
	"github.com/mesh-intelligence/docsync/internal/crdt"
	"github.com/mesh-intelligence/docsync/pkg/types"
)

// SyncOptions configure a sync session.
type SyncOptions struct {
	ClientID string
	// OnStatus receives data-channel status changes.
	OnStatus func(types.DataStatusUpdate)
	// OnEnvelope receives heartbeat, presence and activity envelopes from
	// other clients of the document.
	OnEnvelope func(broadcast.Envelope)
}

// SyncSession keeps one replica in step with the server.
type SyncSession interface {
	// Post sends a presence or activity envelope to the other clients.
	Post(e broadcast.Envelope)
	Stop()
}

// Transport is the client side of the relay server.
type Transport interface {
	FetchMetadata(ctx context.Context, docID string) (types.DocumentMetadata, error)
	CreateDocument(ctx context.Context, opts types.CreateDocumentOptions, initial []byte) (types.DocumentMetadata, error)
	SearchDocuments(ctx context.Context, q types.SearchQuery) ([]types.DocumentMetadata, error)
	StartDocumentSync(docID string, doc *crdt.Doc, opts SyncOptions) SyncSession
}
