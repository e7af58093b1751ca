package local

import (
	"context"
	"sync"
	"testing"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/docsync/internal/broadcast"
	"github.com/mesh-intelligence/docsync/internal/clock"
	"github.com/mesh-intelligence/docsync/internal/service"
	"github.com/mesh-intelligence/docsync/internal/store"
	"github.com/mesh-intelligence/docsync/pkg/types"
)

var (
	noteModel   = types.NewModel("note", validation.Key("text", validation.Required))
	cursorModel = types.NewModel("cursor")
	schema      = types.NewSchema(1, noteModel, cursorModel)
)

const waitFor = 2 * time.Second

type recorder[T any] struct {
	mu  sync.Mutex
	got []T
}

func (r *recorder[T]) add(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, v)
}

func (r *recorder[T]) all() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.got...)
}

type pair struct {
	a, b  *service.Base
	clock *clock.Fake
}

func newPair(t *testing.T) pair {
	t.Helper()
	st, err := store.Open(t.TempDir(), store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	hub := broadcast.NewHub(nil)
	t.Cleanup(hub.Close)
	fake := clock.NewFake(time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC))

	open := func(id string) *service.Base {
		svc, err := New(Options{ClientID: id, Store: st, Hub: hub, AutoCreate: true, Clock: fake})
		require.NoError(t, err)
		t.Cleanup(func() { _ = svc.Close() })
		return svc
	}
	return pair{a: open("client-a"), b: open("client-b"), clock: fake}
}

func connect(t *testing.T, svc *service.Base, docID string) types.DocumentRef {
	t.Helper()
	doc := svc.DocRef(docID, schema)
	off := svc.OnStateChange(doc, func(types.DocumentRef) {})
	t.Cleanup(off)
	require.Eventually(t, func() bool {
		return svc.DocumentStatus(doc).Data.Live == types.LiveConnected
	}, waitFor, 5*time.Millisecond)
	return doc
}

func TestTwoServicesConverge(t *testing.T) {
	p := newPair(t)
	ctx := context.Background()
	docA := connect(t, p.a, "shared")
	docB := connect(t, p.b, "shared")

	_, err := p.a.Collection(docA, noteModel).Set(ctx, "n1", map[string]any{"text": "from a"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		state, ok := p.b.Record(docB, noteModel, "n1").Get(ctx)
		return ok && state["text"] == "from a"
	}, waitFor, 5*time.Millisecond)

	require.NoError(t, p.b.Record(docB, noteModel, "n1").Update(ctx, map[string]any{"text": "edited by b"}))
	require.Eventually(t, func() bool {
		state, ok := p.a.Record(docA, noteModel, "n1").Get(ctx)
		return ok && state["text"] == "edited by b"
	}, waitFor, 5*time.Millisecond)
}

func TestPresenceAndActivityBetweenServices(t *testing.T) {
	p := newPair(t)
	ctx := context.Background()
	docA := connect(t, p.a, "shared")

	var presence recorder[types.PresenceEvent]
	offPresence := p.a.OnPresence(docA, presence.add, types.PresenceOptions{IgnoreSelfUpdates: true})
	defer offPresence()
	var activity recorder[types.ActivityEvent]
	offActivity := p.a.OnActivity(docA, activity.add)
	defer offActivity()

	docB := connect(t, p.b, "shared")
	require.Eventually(t, func() bool {
		for _, ev := range presence.all() {
			if ev.Kind == types.PresenceArrived && ev.ClientID == "client-b" {
				return true
			}
		}
		return false
	}, waitFor, 5*time.Millisecond)

	require.NoError(t, p.b.UpdateCustomPresence(ctx, docB, cursorModel, map[string]any{"line": 3}))
	require.Eventually(t, func() bool {
		for _, ev := range presence.all() {
			if ev.Kind == types.PresenceCustom {
				return ev.Model == cursorModel && ev.ClientID == "client-b"
			}
		}
		return false
	}, waitFor, 5*time.Millisecond)

	desc := &types.EditDescription{Model: noteModel, Data: map[string]any{"summary": "added"}}
	require.NoError(t, p.b.WithTransaction(ctx, docB, func(ctx context.Context) error {
		_, err := p.b.Collection(docB, noteModel).Set(ctx, "n1", map[string]any{"text": "x"})
		return err
	}, desc))
	require.Eventually(t, func() bool {
		got := activity.all()
		return len(got) == 1 && got[0].ClientID == "client-b" && !got[0].Self && got[0].Model == noteModel
	}, waitFor, 5*time.Millisecond)
}

func TestReloadFromDisk(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first, err := New(Options{DataDir: dir, ClientID: "writer"})
	require.NoError(t, err)
	doc, err := first.CreateDocument(ctx, types.CreateDocumentOptions{
		Name:    "journal",
		Schema:  schema,
		Initial: map[string]map[string]map[string]any{"note": {"n0": {"text": "seed"}}},
	})
	require.NoError(t, err)
	connect(t, first, doc.ID())
	_, err = first.Collection(doc, noteModel).Set(ctx, "n1", map[string]any{"text": "later"})
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := New(Options{DataDir: dir, ClientID: "reader"})
	require.NoError(t, err)
	defer second.Close()
	reopened := connect(t, second, doc.ID())

	for id, want := range map[string]string{"n0": "seed", "n1": "later"} {
		state, ok := second.Record(reopened, noteModel, id).Get(ctx)
		require.True(t, ok, "record %s", id)
		assert.Equal(t, want, state["text"])
	}

	found, err := second.SearchDocuments(ctx, types.SearchQuery{Name: "journal"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, doc.ID(), found[0].ID)
}

func TestMissingDocumentFailsWithoutAutoCreate(t *testing.T) {
	svc, err := New(Options{DataDir: t.TempDir()})
	require.NoError(t, err)
	defer svc.Close()

	doc := svc.DocRef("missing", schema)
	off := svc.OnStateChange(doc, func(types.DocumentRef) {})
	defer off()
	offMeta := svc.OnMetadataChange(doc, func(types.DocumentMetadata) {})
	defer offMeta()

	require.Eventually(t, func() bool {
		st := svc.DocumentStatus(doc)
		return st.Data.Load == types.LoadError && st.Metadata.Load == types.LoadError
	}, waitFor, 5*time.Millisecond)
	st := svc.DocumentStatus(doc)
	assert.ErrorIs(t, st.Data.Error, types.ErrNotFound)
	assert.ErrorIs(t, st.Metadata.Error, types.ErrNotFound)
	assert.Equal(t, types.LiveError, st.Data.Live)
}

func TestSilentPeerDeparts(t *testing.T) {
	p := newPair(t)
	docA := connect(t, p.a, "shared")
	var presence recorder[types.PresenceEvent]
	offPresence := p.a.OnPresence(docA, presence.add, types.PresenceOptions{})
	defer offPresence()

	docB := p.b.DocRef("shared", schema)
	offB := p.b.OnStateChange(docB, func(types.DocumentRef) {})
	require.Eventually(t, func() bool { return len(presence.all()) == 1 }, waitFor, 5*time.Millisecond)
	offB()

	p.clock.Advance(time.Minute)
	require.Eventually(t, func() bool {
		got := presence.all()
		return len(got) == 2 && got[1].Kind == types.PresenceDeparted && got[1].ClientID == "client-b"
	}, waitFor, 5*time.Millisecond)
}

func TestWritesWithoutDataSubscriptionPersist(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first, err := New(Options{DataDir: dir, ClientID: "writer", AutoCreate: true})
	require.NoError(t, err)
	opened := first.DocRef("opened", schema)
	off := first.OnStateChange(opened, func(types.DocumentRef) {})
	require.Eventually(t, func() bool {
		return first.DocumentStatus(opened).Data.Live == types.LiveConnected
	}, waitFor, 5*time.Millisecond)
	off()
	require.NoError(t, first.Record(opened, noteModel, "n1").Set(ctx, map[string]any{"text": "after close"}))

	never := first.DocRef("never-opened", schema)
	require.NoError(t, first.Record(never, noteModel, "n2").Set(ctx, map[string]any{"text": "before open"}))
	require.NoError(t, first.Close())

	second, err := New(Options{DataDir: dir, ClientID: "reader", AutoCreate: true})
	require.NoError(t, err)
	defer second.Close()

	for docID, rec := range map[string][2]string{
		"opened":       {"n1", "after close"},
		"never-opened": {"n2", "before open"},
	} {
		doc := connect(t, second, docID)
		state, ok := second.Record(doc, noteModel, rec[0]).Get(ctx)
		require.True(t, ok, "record %s of %s", rec[0], docID)
		assert.Equal(t, rec[1], state["text"])
	}
}

func TestOpeningChannelSharesOfflineEdits(t *testing.T) {
	p := newPair(t)
	ctx := context.Background()
	docB := connect(t, p.b, "shared")

	docA := p.a.DocRef("shared", schema)
	require.NoError(t, p.a.Record(docA, noteModel, "n1").Set(ctx, map[string]any{"text": "offline"}))
	assert.False(t, p.b.Collection(docB, noteModel).Has(ctx, "n1"))

	connect(t, p.a, "shared")
	require.Eventually(t, func() bool {
		state, ok := p.b.Record(docB, noteModel, "n1").Get(ctx)
		return ok && state["text"] == "offline"
	}, waitFor, 5*time.Millisecond)
}

func TestDataChannelOpenedTwicePanics(t *testing.T) {
	st, err := store.Open(t.TempDir(), store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	svc, err := New(Options{ClientID: "client-a", Store: st, AutoCreate: true})
	require.NoError(t, err)
	defer svc.Close()

	connect(t, svc, "doc")
	h, ok := svc.Handle("doc")
	require.True(t, ok)

	b := svc.Backend().(*backend)
	defer func() {
		err, ok := recover().(error)
		require.True(t, ok, "expected a panic with an error")
		assert.ErrorIs(t, err, types.ErrSubscriptionState)
	}()
	b.OnDataSubscriptionOpened(h)
}
