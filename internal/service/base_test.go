package service

import (
	"context"
	"sync"
	"testing"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/docsync/internal/crdt"
	"github.com/mesh-intelligence/docsync/pkg/types"
)

type fakeBackend struct {
	mu       sync.Mutex
	calls    []string
	activity []types.ActivityEvent
	presence []map[string]any
	initial  []byte
	closed   bool
}

func (f *fakeBackend) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeBackend) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeBackend) CreateInternalDoc(docID, clientID string) *crdt.Doc {
	f.record("create-internal:" + docID)
	return crdt.NewDoc(clientID)
}

func (f *fakeBackend) OnMetadataSubscriptionOpened(h *Handle) { f.record("metadata-opened:" + h.ID()) }
func (f *fakeBackend) OnMetadataSubscriptionClosed(h *Handle) { f.record("metadata-closed:" + h.ID()) }
func (f *fakeBackend) OnDataSubscriptionOpened(h *Handle)     { f.record("data-opened:" + h.ID()) }
func (f *fakeBackend) OnDataSubscriptionClosed(h *Handle)     { f.record("data-closed:" + h.ID()) }

func (f *fakeBackend) CreateDocument(_ context.Context, opts types.CreateDocumentOptions, initial []byte) (types.DocumentMetadata, error) {
	f.mu.Lock()
	f.initial = initial
	f.mu.Unlock()
	return types.DocumentMetadata{ID: "created", Name: opts.Name, DocumentType: opts.DocumentType}, nil
}

func (f *fakeBackend) SearchDocuments(context.Context, types.SearchQuery) ([]types.DocumentMetadata, error) {
	return []types.DocumentMetadata{{ID: "created"}}, nil
}

func (f *fakeBackend) PublishActivity(_ *Handle, ev types.ActivityEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activity = append(f.activity, ev)
}

func (f *fakeBackend) PublishPresence(_ context.Context, _ *Handle, _ *types.Model, data map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presence = append(f.presence, data)
	return nil
}

func (f *fakeBackend) Close() error {
	f.closed = true
	return nil
}

var (
	taskModel = types.NewModel("task",
		validation.Key("title", validation.Required),
	)
	cursorModel = types.NewModel("cursor")
	testSchema  = types.NewSchema(1, taskModel, cursorModel)
)

func newTestBase(t *testing.T) (*Base, *fakeBackend) {
	t.Helper()
	backend := &fakeBackend{}
	b := NewBase(backend, Options{ClientID: "client-a"})
	t.Cleanup(func() { _ = b.Close() })
	return b, backend
}

func TestDocRefIdentity(t *testing.T) {
	b, _ := newTestBase(t)

	a := b.DocRef("doc", testSchema)
	again := b.DocRef("doc", testSchema)
	assert.Same(t, a.(*docRef), again.(*docRef))

	coll := b.Collection(a, taskModel)
	assert.Same(t, coll.(*collectionRef), b.Collection(again, taskModel).(*collectionRef))

	rec := coll.Record("r1")
	assert.Same(t, rec.(*recordRef), b.Record(a, taskModel, "r1").(*recordRef))
}

func TestReleasedRefIsEvicted(t *testing.T) {
	b, _ := newTestBase(t)

	a := b.DocRef("doc", testSchema)
	release := b.Retain(a)
	release()
	release()

	fresh := b.DocRef("doc", testSchema)
	assert.NotSame(t, a.(*docRef), fresh.(*docRef))
}

func TestInvalidRefs(t *testing.T) {
	b, _ := newTestBase(t)
	ctx := context.Background()

	doc := b.DocRef("", testSchema)
	assert.False(t, doc.Valid())
	assert.Same(t, invalidDoc, doc.(*docRef))

	coll := b.Collection(doc, taskModel)
	assert.False(t, coll.Valid())
	assert.Empty(t, coll.IDs(ctx))
	assert.Zero(t, coll.Len(ctx))
	assert.False(t, coll.Has(ctx, "x"))

	rec := coll.Record("x")
	assert.False(t, rec.Valid())
	state, ok := rec.Get(ctx)
	assert.False(t, ok)
	assert.Nil(t, state)

	assert.ErrorIs(t, rec.Set(ctx, map[string]any{"title": "a"}), types.ErrInvalidReference)
	assert.ErrorIs(t, rec.Update(ctx, map[string]any{"title": "a"}), types.ErrInvalidReference)
	assert.ErrorIs(t, rec.Delete(ctx), types.ErrInvalidReference)
	_, err := coll.Set(ctx, "x", map[string]any{"title": "a"})
	assert.ErrorIs(t, err, types.ErrInvalidReference)
	assert.ErrorIs(t, b.WithTransaction(ctx, doc, func(context.Context) error { return nil }, nil), types.ErrInvalidReference)

	off := rec.OnChange(func(types.RecordRef) { t.Fatal("unexpected callback") })
	off()
}

func TestTransactionBatchesNotifications(t *testing.T) {
	b, _ := newTestBase(t)
	ctx := context.Background()
	doc := b.DocRef("doc", testSchema)
	tasks := b.Collection(doc, taskModel)

	var states int
	var snapshots [][]string
	off := b.OnStateChange(doc, func(types.DocumentRef) {
		states++
		snapshots = append(snapshots, tasks.IDs(ctx))
	})
	defer off()

	var added [][]string
	offAdded := tasks.OnItemsAdded(func(refs []types.RecordRef) {
		ids := make([]string, 0, len(refs))
		for _, r := range refs {
			ids = append(ids, r.ID())
		}
		added = append(added, ids)
	})
	defer offAdded()

	err := b.WithTransaction(ctx, doc, func(ctx context.Context) error {
		for _, id := range []string{"a", "b", "c"} {
			if _, err := tasks.Set(ctx, id, map[string]any{"title": id}); err != nil {
				return err
			}
		}
		return nil
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, states)
	require.Len(t, snapshots, 1)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, snapshots[0])
	assert.Equal(t, [][]string{{"a", "b", "c"}}, added)
}

func TestNestedTransactionsNotifyOnce(t *testing.T) {
	b, _ := newTestBase(t)
	ctx := context.Background()
	doc := b.DocRef("doc", testSchema)
	tasks := b.Collection(doc, taskModel)

	var states int
	off := b.OnStateChange(doc, func(types.DocumentRef) { states++ })
	defer off()

	err := b.WithTransaction(ctx, doc, func(ctx context.Context) error {
		if _, err := tasks.Set(ctx, "a", map[string]any{"title": "a"}); err != nil {
			return err
		}
		return b.WithTransaction(ctx, doc, func(ctx context.Context) error {
			_, err := tasks.Set(ctx, "b", map[string]any{"title": "b"})
			return err
		}, nil)
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, states)
}

func TestStandaloneWritesNotifyEach(t *testing.T) {
	b, _ := newTestBase(t)
	ctx := context.Background()
	doc := b.DocRef("doc", testSchema)
	tasks := b.Collection(doc, taskModel)

	var states int
	off := b.OnStateChange(doc, func(types.DocumentRef) { states++ })
	defer off()

	for _, id := range []string{"a", "b", "c", "d"} {
		_, err := tasks.Set(ctx, id, map[string]any{"title": id})
		require.NoError(t, err)
	}
	assert.Equal(t, 4, states)
}

func TestRecordLifecycle(t *testing.T) {
	b, _ := newTestBase(t)
	ctx := context.Background()
	doc := b.DocRef("doc", testSchema)
	rec := b.Record(doc, taskModel, "t1")

	var changed, deleted int
	offChange := rec.OnChange(func(types.RecordRef) { changed++ })
	defer offChange()
	offDelete := rec.OnDeleted(func(types.RecordRef) { deleted++ })
	defer offDelete()

	assert.ErrorIs(t, rec.Update(ctx, map[string]any{"title": "x"}), types.ErrNotFound)
	assert.ErrorIs(t, rec.Set(ctx, map[string]any{"done": true}), types.ErrInvalidRecord)

	require.NoError(t, rec.Set(ctx, map[string]any{
		"title": "write docs",
		"tags":  []any{"a", "b"},
		"meta":  map[string]any{"priority": 1, "owner": "pat"},
	}))
	require.NoError(t, rec.Update(ctx, map[string]any{
		"tags": []any{"c"},
		"meta": map[string]any{"owner": nil},
	}))

	state, ok := rec.Get(ctx)
	require.True(t, ok)
	assert.Equal(t, "write docs", state["title"])
	assert.Equal(t, []any{"c"}, state["tags"])
	assert.Equal(t, map[string]any{"priority": float64(1)}, normalize(state["meta"]))

	assert.ErrorIs(t, rec.Update(ctx, map[string]any{"title": nil}), types.ErrInvalidRecord)

	require.NoError(t, rec.Delete(ctx))
	_, ok = rec.Get(ctx)
	assert.False(t, ok)
	assert.Equal(t, 2, changed)
	assert.Equal(t, 1, deleted)
}

// normalize converts numeric values to float64 so assertions do not depend
// on the scalar type the substrate hands back.
func normalize(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, v := range x {
			out[k] = normalize(v)
		}
		return out
	case int:
		return float64(x)
	case int64:
		return float64(x)
	default:
		return v
	}
}

func TestChannelTeardownAfterLastSubscriber(t *testing.T) {
	b, backend := newTestBase(t)
	doc := b.DocRef("doc", testSchema)

	off1 := b.OnStateChange(doc, func(types.DocumentRef) {})
	off2 := b.OnStateChange(doc, func(types.DocumentRef) {})
	assert.True(t, b.HasStateSubscriptions())

	off1()
	assert.NotContains(t, backend.Calls(), "data-closed:doc")

	off2()
	assert.Contains(t, backend.Calls(), "data-closed:doc")
	assert.False(t, b.HasStateSubscriptions())
	assert.Equal(t, 1, countOf(backend.Calls(), "create-internal:doc"))
}

func countOf(calls []string, want string) int {
	n := 0
	for _, c := range calls {
		if c == want {
			n++
		}
	}
	return n
}

func TestDescribedEditsProduceActivity(t *testing.T) {
	b, backend := newTestBase(t)
	ctx := context.Background()
	doc := b.DocRef("doc", testSchema)
	tasks := b.Collection(doc, taskModel)

	var events []types.ActivityEvent
	off := b.OnActivity(doc, func(ev types.ActivityEvent) { events = append(events, ev) })
	defer off()

	desc := &types.EditDescription{Model: taskModel, Data: map[string]any{"summary": "added a task"}}
	require.NoError(t, b.WithTransaction(ctx, doc, func(ctx context.Context) error {
		_, err := tasks.Set(ctx, "a", map[string]any{"title": "a"})
		return err
	}, desc))

	_, err := tasks.Set(ctx, "b", map[string]any{"title": "b"})
	require.NoError(t, err)

	require.Len(t, events, 1)
	assert.Equal(t, types.ActivityEdit, events[0].Kind)
	assert.Equal(t, "client-a", events[0].ClientID)
	assert.True(t, events[0].Self)
	assert.Equal(t, "task", events[0].ModelName)
	assert.Len(t, backend.activity, 1)
}

func TestActivityCallbackPanicIsContained(t *testing.T) {
	b, _ := newTestBase(t)
	doc := b.DocRef("doc", testSchema)
	h := b.handleFor(doc.(*docRef))

	var got []types.ActivityEvent
	off1 := b.OnActivity(doc, func(types.ActivityEvent) { panic("boom") })
	defer off1()
	off2 := b.OnActivity(doc, func(ev types.ActivityEvent) { got = append(got, ev) })
	defer off2()

	h.EmitActivity(types.ActivityEvent{ClientID: "client-b", Kind: types.ActivityEdit, ModelName: "nope"})
	require.Len(t, got, 1)
	assert.Equal(t, types.ActivityUnknown, got[0].Kind)
	assert.Equal(t, "doc", got[0].DocumentID)
}

func TestCustomPresenceLoopback(t *testing.T) {
	b, backend := newTestBase(t)
	ctx := context.Background()
	doc := b.DocRef("doc", testSchema)

	var all, others []types.PresenceEvent
	off1 := b.OnPresence(doc, func(ev types.PresenceEvent) { all = append(all, ev) }, types.PresenceOptions{})
	defer off1()
	off2 := b.OnPresence(doc, func(ev types.PresenceEvent) { others = append(others, ev) },
		types.PresenceOptions{IgnoreSelfUpdates: true})
	defer off2()

	require.NoError(t, b.UpdateCustomPresence(ctx, doc, cursorModel, map[string]any{"x": 1}))
	require.Len(t, all, 1)
	assert.True(t, all[0].Self)
	assert.Equal(t, types.PresenceCustom, all[0].Kind)
	assert.Empty(t, others)
	assert.Len(t, backend.presence, 1)
}

func TestCreateDocumentSeedsInitialState(t *testing.T) {
	b, backend := newTestBase(t)
	ctx := context.Background()

	doc, err := b.CreateDocument(ctx, types.CreateDocumentOptions{
		Name:   "plan",
		Schema: testSchema,
		Initial: map[string]map[string]map[string]any{
			"task": {"t1": {"title": "first"}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "created", doc.ID())
	assert.NotEmpty(t, backend.initial)

	state, ok := b.Record(doc, taskModel, "t1").Get(ctx)
	require.True(t, ok)
	assert.Equal(t, "first", state["title"])

	var names []string
	off := b.OnMetadataChange(doc, func(md types.DocumentMetadata) { names = append(names, md.Name) })
	defer off()
	assert.Equal(t, []string{"plan"}, names)

	_, err = b.CreateDocument(ctx, types.CreateDocumentOptions{
		Schema:  testSchema,
		Initial: map[string]map[string]map[string]any{"task": {"t1": {}}},
	})
	assert.ErrorIs(t, err, types.ErrInvalidRecord)
}

func TestClosedServiceRejectsWrites(t *testing.T) {
	b, backend := newTestBase(t)
	ctx := context.Background()
	doc := b.DocRef("doc", testSchema)
	rec := b.Record(doc, taskModel, "t1")

	require.NoError(t, b.Close())
	assert.True(t, backend.closed)
	assert.ErrorIs(t, rec.Set(ctx, map[string]any{"title": "x"}), types.ErrServiceClosed)
	_, err := b.SearchDocuments(ctx, types.SearchQuery{})
	assert.ErrorIs(t, err, types.ErrServiceClosed)
	assert.False(t, b.DocRef("doc", testSchema).Valid())
	require.NoError(t, b.Close())
}
