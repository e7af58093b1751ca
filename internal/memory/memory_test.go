package memory

import (
	"context"
	"testing"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/docsync/pkg/types"
)

var (
	userModel = types.NewModel("user", validation.Key("name", validation.Required))
	schema    = types.NewSchema(1, userModel)
)

func TestTransactionOfThreeSetsNotifiesOnce(t *testing.T) {
	svc := New(Options{AutoCreate: true})
	defer svc.Close()
	ctx := context.Background()

	doc := svc.DocRef("doc", schema)
	users := svc.Collection(doc, userModel)
	var notifications int
	off := svc.OnStateChange(doc, func(types.DocumentRef) { notifications++ })
	defer off()

	err := svc.WithTransaction(ctx, doc, func(ctx context.Context) error {
		for id, name := range map[string]string{"user1": "Alice", "user2": "Bob", "user3": "Charlie"} {
			if _, err := users.Set(ctx, id, map[string]any{"name": name}); err != nil {
				return err
			}
		}
		return nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, notifications)

	for id, name := range map[string]string{"user1": "Alice", "user2": "Bob", "user3": "Charlie"} {
		state, ok := users.Record(id).Get(ctx)
		require.True(t, ok)
		assert.Equal(t, name, state["name"])
	}
}

func TestStatusLifecycle(t *testing.T) {
	svc := New(Options{AutoCreate: true})
	defer svc.Close()
	doc := svc.DocRef("doc", schema)

	assert.Equal(t, types.InitialStatus(), svc.DocumentStatus(doc))

	var first []types.LoadState
	offStatus := svc.OnStatusChange(doc, func(s types.DocumentStatus) { first = append(first, s.Metadata.Load) })
	offMeta := svc.OnMetadataChange(doc, func(types.DocumentMetadata) {})
	assert.Equal(t, []types.LoadState{types.LoadUnloaded, types.LoadLoading, types.LoadLoaded}, first)
	offMeta()
	offStatus()

	var later []types.LoadState
	offLater := svc.OnStatusChange(doc, func(s types.DocumentStatus) { later = append(later, s.Metadata.Load) })
	defer offLater()
	offMeta = svc.OnMetadataChange(doc, func(types.DocumentMetadata) {})
	defer offMeta()
	assert.Equal(t, []types.LoadState{types.LoadLoaded}, later)

	md, ok := svc.Metadata(doc)
	require.True(t, ok)
	assert.Equal(t, "doc", md.ID)
}

func TestDataChannelConnects(t *testing.T) {
	svc := New(Options{AutoCreate: true})
	defer svc.Close()
	doc := svc.DocRef("doc", schema)

	off := svc.OnStateChange(doc, func(types.DocumentRef) {})
	st := svc.DocumentStatus(doc)
	assert.Equal(t, types.LoadLoaded, st.Data.Load)
	assert.Equal(t, types.LiveConnected, st.Data.Live)

	off()
	st = svc.DocumentStatus(doc)
	assert.Equal(t, types.LoadLoaded, st.Data.Load)
	assert.Equal(t, types.LiveDisconnected, st.Data.Live)
}

func TestMissingDocumentWithoutAutoCreate(t *testing.T) {
	svc := New(Options{})
	defer svc.Close()
	doc := svc.DocRef("missing", schema)

	offMeta := svc.OnMetadataChange(doc, func(types.DocumentMetadata) { t.Fatal("unexpected metadata") })
	defer offMeta()
	offState := svc.OnStateChange(doc, func(types.DocumentRef) {})
	defer offState()

	st := svc.DocumentStatus(doc)
	assert.Equal(t, types.LoadError, st.Metadata.Load)
	assert.ErrorIs(t, st.Metadata.Error, types.ErrNotFound)
	assert.Equal(t, types.LoadError, st.Data.Load)
	assert.ErrorIs(t, st.Data.Error, types.ErrNotFound)
}

func TestCreateAndSearch(t *testing.T) {
	svc := New(Options{})
	defer svc.Close()
	ctx := context.Background()

	doc, err := svc.CreateDocument(ctx, types.CreateDocumentOptions{
		Name:         "Team roster",
		DocumentType: "roster",
		Schema:       schema,
		Initial:      map[string]map[string]map[string]any{"user": {"u1": {"name": "Dana"}}},
	})
	require.NoError(t, err)

	_, err = svc.CreateDocument(ctx, types.CreateDocumentOptions{Name: "Other", DocumentType: "note", Schema: schema})
	require.NoError(t, err)

	found, err := svc.SearchDocuments(ctx, types.SearchQuery{DocumentType: "roster"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, doc.ID(), found[0].ID)
	assert.Equal(t, 1, found[0].SchemaVersion)

	state, ok := svc.Record(doc, userModel, "u1").Get(ctx)
	require.True(t, ok)
	assert.Equal(t, "Dana", state["name"])

	off := svc.OnStateChange(doc, func(types.DocumentRef) {})
	defer off()
	assert.Equal(t, types.LiveConnected, svc.DocumentStatus(doc).Data.Live)
}

func TestReopenedMetadataDeliveredOnce(t *testing.T) {
	svc := New(Options{AutoCreate: true})
	defer svc.Close()
	doc := svc.DocRef("doc", schema)

	off := svc.OnMetadataChange(doc, func(types.DocumentMetadata) {})
	off()

	var reopened, joined int
	off = svc.OnMetadataChange(doc, func(types.DocumentMetadata) { reopened++ })
	defer off()
	assert.Equal(t, 1, reopened)

	offJoined := svc.OnMetadataChange(doc, func(types.DocumentMetadata) { joined++ })
	defer offJoined()
	assert.Equal(t, 1, joined)
	assert.Equal(t, 1, reopened)
}
