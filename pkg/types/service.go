package types

import "context"

// Unsubscribe removes a subscription. It is safe to call more than once.
type Unsubscribe func()

// DocumentRef is the identity-stable handle of a document.
type DocumentRef interface {
	ID() string
	Schema() *DocumentSchema
	// Valid is false only for the invalid sentinel.
	Valid() bool
}

// CollectionRef is the identity-stable handle of one model's records in a
// document. Reads on the invalid sentinel return empty results; writes
// return ErrInvalidReference.
type CollectionRef interface {
	DocumentID() string
	Model() *Model
	Valid() bool

	// Record returns the handle of the record with the given id, whether or
	// not the record exists yet.
	Record(id string) RecordRef
	Has(ctx context.Context, id string) bool
	IDs(ctx context.Context) []string
	Len(ctx context.Context) int
	Set(ctx context.Context, id string, state map[string]any) (RecordRef, error)
	Delete(ctx context.Context, id string) error

	OnItemsAdded(cb func([]RecordRef)) Unsubscribe
	OnItemsChanged(cb func([]RecordRef)) Unsubscribe
	OnItemsDeleted(cb func([]RecordRef)) Unsubscribe
}

// RecordRef is the identity-stable handle of one record.
type RecordRef interface {
	DocumentID() string
	Model() *Model
	ID() string
	Valid() bool

	// Get returns a snapshot of the record and whether it exists.
	Get(ctx context.Context) (map[string]any, bool)
	// Set replaces the record state.
	Set(ctx context.Context, state map[string]any) error
	// Update merges partial into the record: nil deletes a field, arrays
	// replace, nested maps merge.
	Update(ctx context.Context, partial map[string]any) error
	Delete(ctx context.Context) error

	OnChange(cb func(RecordRef)) Unsubscribe
	OnDeleted(cb func(RecordRef)) Unsubscribe
}

// DocumentService is the contract every backend variant implements.
type DocumentService interface {
	// CreateDocument creates a document and returns its canonical ref.
	CreateDocument(ctx context.Context, opts CreateDocumentOptions) (DocumentRef, error)

	// DocRef returns the canonical ref for id. An empty id returns the
	// invalid sentinel.
	DocRef(id string, schema *DocumentSchema) DocumentRef
	Collection(doc DocumentRef, model *Model) CollectionRef
	Record(doc DocumentRef, model *Model, id string) RecordRef

	// Retain keeps ref in the registry until release is called.
	Retain(ref any) (release func())

	// WithTransaction runs fn inside one substrate transaction. Nested calls
	// made with the ctx passed to fn join the outer transaction. desc, when
	// given, becomes the transaction origin and produces an activity event.
	//
	// The document stays locked until fn returns. Reads, writes and nested
	// WithTransaction calls inside fn must use the ctx passed to fn or one
	// derived from it; with any other context they wait for the lock and
	// never return.
	WithTransaction(ctx context.Context, doc DocumentRef, fn func(ctx context.Context) error, desc *EditDescription) error

	Metadata(doc DocumentRef) (DocumentMetadata, bool)
	DocumentStatus(doc DocumentRef) DocumentStatus

	OnMetadataChange(doc DocumentRef, cb func(DocumentMetadata)) Unsubscribe
	OnStateChange(doc DocumentRef, cb func(DocumentRef)) Unsubscribe
	OnStatusChange(doc DocumentRef, cb func(DocumentStatus)) Unsubscribe
	OnActivity(doc DocumentRef, cb func(ActivityEvent)) Unsubscribe
	OnPresence(doc DocumentRef, cb func(PresenceEvent), opts PresenceOptions) Unsubscribe

	UpdateCustomPresence(ctx context.Context, doc DocumentRef, model *Model, data map[string]any) error
	SearchDocuments(ctx context.Context, q SearchQuery) ([]DocumentMetadata, error)

	// HasMetadataSubscriptions reports whether any document has an open
	// metadata subscription.
	HasMetadataSubscriptions() bool
	// HasStateSubscriptions reports whether any document has an open data
	// subscription.
	HasStateSubscriptions() bool

	Close() error
}
