package subscription

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/docsync/pkg/types"
)

type recordingHooks struct {
	calls []string
}

func (h *recordingHooks) OnMetadataSubscriptionOpened(docID string) {
	h.calls = append(h.calls, "metadata-opened:"+docID)
}
func (h *recordingHooks) OnMetadataSubscriptionClosed(docID string) {
	h.calls = append(h.calls, "metadata-closed:"+docID)
}
func (h *recordingHooks) OnDataSubscriptionOpened(docID string) {
	h.calls = append(h.calls, "data-opened:"+docID)
}
func (h *recordingHooks) OnDataSubscriptionClosed(docID string) {
	h.calls = append(h.calls, "data-closed:"+docID)
}

func TestTeardownOnlyAfterLastUnsubscribe(t *testing.T) {
	hooks := &recordingHooks{}
	m := NewManager(hooks, nil)

	off1 := m.SubscribeState("doc", func() {})
	off2 := m.SubscribeState("doc", func() {})
	assert.Equal(t, []string{"data-opened:doc"}, hooks.calls)
	assert.True(t, m.HasStateSubscriptions())
	assert.False(t, m.HasMetadataSubscriptions())

	off1()
	assert.Equal(t, []string{"data-opened:doc"}, hooks.calls)
	off1()
	assert.Equal(t, 1, m.StateSubscriptions("doc"))

	off2()
	assert.Equal(t, []string{"data-opened:doc", "data-closed:doc"}, hooks.calls)
	assert.False(t, m.HasStateSubscriptions())
}

func TestMetadataChannelIsIndependent(t *testing.T) {
	hooks := &recordingHooks{}
	m := NewManager(hooks, nil)

	offMeta := m.SubscribeMetadata("doc", func(types.DocumentMetadata) {})
	offState := m.SubscribeState("other", func() {})
	assert.True(t, m.HasMetadataSubscriptions())
	assert.Equal(t, 1, m.MetadataSubscriptions("doc"))
	assert.Equal(t, 0, m.StateSubscriptions("doc"))

	offMeta()
	offState()
	assert.Equal(t, []string{
		"metadata-opened:doc",
		"data-opened:other",
		"metadata-closed:doc",
		"data-closed:other",
	}, hooks.calls)
}

func TestRecordAndCollectionSubscriptionsDoNotGate(t *testing.T) {
	hooks := &recordingHooks{}
	m := NewManager(hooks, nil)

	var ids []string
	offColl := m.SubscribeCollection("doc", "users", ItemsAdded, func(got []string) { ids = append(ids, got...) })
	var changed int
	offRec := m.SubscribeRecord("doc", "users", "u1", RecordChanged, func() { changed++ })

	m.NotifyCollection("doc", "users", ItemsAdded, []string{"u1", "u2"})
	m.NotifyCollection("doc", "users", ItemsDeleted, []string{"u3"})
	m.NotifyCollection("doc", "users", ItemsAdded, nil)
	m.NotifyRecord("doc", "users", "u1", RecordChanged)
	m.NotifyRecord("doc", "users", "u2", RecordChanged)

	assert.Equal(t, []string{"u1", "u2"}, ids)
	assert.Equal(t, 1, changed)
	assert.Empty(t, hooks.calls)

	offColl()
	offRec()
	m.NotifyRecord("doc", "users", "u1", RecordChanged)
	assert.Equal(t, 1, changed)
}

func TestNotifyStateInSubscriptionOrder(t *testing.T) {
	m := NewManager(&recordingHooks{}, nil)
	var order []int
	for i := range 3 {
		m.SubscribeState("doc", func() { order = append(order, i) })
	}
	m.NotifyState("doc")
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestPresenceIgnoreSelfAndPanicIsolation(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	m := NewManager(&recordingHooks{}, logger)

	var all, others []types.PresenceEvent
	m.SubscribePresence("doc", func(types.PresenceEvent) { panic("bad subscriber") }, types.PresenceOptions{})
	m.SubscribePresence("doc", func(ev types.PresenceEvent) { all = append(all, ev) }, types.PresenceOptions{})
	m.SubscribePresence("doc", func(ev types.PresenceEvent) { others = append(others, ev) },
		types.PresenceOptions{IgnoreSelfUpdates: true})

	m.NotifyPresence("doc", types.PresenceEvent{Kind: types.PresenceCustom, Self: true})
	m.NotifyPresence("doc", types.PresenceEvent{Kind: types.PresenceArrived, ClientID: "c2"})

	require.Len(t, all, 2)
	require.Len(t, others, 1)
	assert.Equal(t, "c2", others[0].ClientID)
	assert.Contains(t, logs.String(), "subscriber panicked")
	assert.Equal(t, 3, m.PresenceSubscriptions("doc"))
}

func TestActivityPanicIsolation(t *testing.T) {
	m := NewManager(&recordingHooks{}, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	var got int
	m.SubscribeActivity("doc", func(types.ActivityEvent) { panic("boom") })
	off := m.SubscribeActivity("doc", func(types.ActivityEvent) { got++ })
	m.NotifyActivity("doc", types.ActivityEvent{Kind: types.ActivityEdit})
	off()
	m.NotifyActivity("doc", types.ActivityEvent{Kind: types.ActivityEdit})
	assert.Equal(t, 1, got)
}

func TestUnbalancedCloseIsProgrammerError(t *testing.T) {
	m := NewManager(&recordingHooks{}, nil)
	assert.Panics(t, func() { m.close(m.dataCount, "doc") })
}
