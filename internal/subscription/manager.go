// Package subscription keeps the per-document subscriber sets and gates
// backend loading on them.
//
// The metadata and data channels are reference counted per document. The
// 0→1 transition of either calls the matching Opened hook exactly once and
// the 1→0 transition calls the Closed hook. Status, activity, presence,
// collection and record subscriptions observe state but never gate loading.
package subscription

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/mesh-intelligence/docsync/pkg/types"
)

// Hooks receive the channel transitions of a document.
type Hooks interface {
	OnMetadataSubscriptionOpened(docID string)
	OnMetadataSubscriptionClosed(docID string)
	OnDataSubscriptionOpened(docID string)
	OnDataSubscriptionClosed(docID string)
}

// CollectionEvent selects a collection subscription kind.
type CollectionEvent int

// Collection events.
const (
	ItemsAdded CollectionEvent = iota
	ItemsChanged
	ItemsDeleted
)

// RecordEvent selects a record subscription kind.
type RecordEvent int

// Record events.
const (
	RecordChanged RecordEvent = iota
	RecordDeleted
)

type collectionKey struct {
	model string
	event CollectionEvent
}

type recordKey struct {
	model string
	id    string
	event RecordEvent
}

type docSubs struct {
	metadata list[types.DocumentMetadata]
	state    list[struct{}]
	activity list[types.ActivityEvent]
	presence list[types.PresenceEvent]

	collections map[collectionKey]*list[[]string]
	records     map[recordKey]*list[struct{}]
}

// Manager holds the subscriber sets of every document of one service.
type Manager struct {
	hooks  Hooks
	logger *slog.Logger

	mu            sync.Mutex
	docs          map[string]*docSubs
	metadataCount map[string]int
	dataCount     map[string]int
}

// NewManager returns a manager that reports channel transitions to hooks.
// Pass nil logger for default.
func NewManager(hooks Hooks, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		hooks:         hooks,
		logger:        logger.With("component", "subscriptions"),
		docs:          make(map[string]*docSubs),
		metadataCount: make(map[string]int),
		dataCount:     make(map[string]int),
	}
}

func (m *Manager) doc(docID string) *docSubs {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[docID]
	if !ok {
		d = &docSubs{
			collections: make(map[collectionKey]*list[[]string]),
			records:     make(map[recordKey]*list[struct{}]),
		}
		m.docs[docID] = d
	}
	return d
}

// open increments the channel count and reports whether this was the first
// subscription.
func (m *Manager) open(counts map[string]int, docID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts[docID]++
	return counts[docID] == 1
}

// close decrements the channel count and reports whether this was the last
// subscription.
func (m *Manager) close(counts map[string]int, docID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := counts[docID]
	if n <= 0 {
		panic(fmt.Errorf("%w: close without open for %s", types.ErrSubscriptionState, docID))
	}
	if n == 1 {
		delete(counts, docID)
		return true
	}
	counts[docID] = n - 1
	return false
}

// SubscribeMetadata adds cb to the metadata channel of docID.
func (m *Manager) SubscribeMetadata(docID string, cb func(types.DocumentMetadata)) func() {
	d := m.doc(docID)
	s := d.metadata.add(cb)
	if m.open(m.metadataCount, docID) {
		m.logger.Debug("metadata subscription opened", "doc_id", docID)
		m.hooks.OnMetadataSubscriptionOpened(docID)
	}
	return func() {
		if !d.metadata.remove(s) {
			return
		}
		if m.close(m.metadataCount, docID) {
			m.logger.Debug("metadata subscription closed", "doc_id", docID)
			m.hooks.OnMetadataSubscriptionClosed(docID)
		}
	}
}

// SubscribeState adds cb to the data channel of docID.
func (m *Manager) SubscribeState(docID string, cb func()) func() {
	d := m.doc(docID)
	s := d.state.add(func(struct{}) { cb() })
	if m.open(m.dataCount, docID) {
		m.logger.Debug("data subscription opened", "doc_id", docID)
		m.hooks.OnDataSubscriptionOpened(docID)
	}
	return func() {
		if !d.state.remove(s) {
			return
		}
		if m.close(m.dataCount, docID) {
			m.logger.Debug("data subscription closed", "doc_id", docID)
			m.hooks.OnDataSubscriptionClosed(docID)
		}
	}
}

// SubscribeActivity adds cb to the activity subscribers of docID.
func (m *Manager) SubscribeActivity(docID string, cb func(types.ActivityEvent)) func() {
	d := m.doc(docID)
	s := d.activity.add(cb)
	return func() { d.activity.remove(s) }
}

// SubscribePresence adds cb to the presence subscribers of docID.
func (m *Manager) SubscribePresence(docID string, cb func(types.PresenceEvent), opts types.PresenceOptions) func() {
	d := m.doc(docID)
	s := d.presence.add(func(ev types.PresenceEvent) {
		if opts.IgnoreSelfUpdates && ev.Self {
			return
		}
		cb(ev)
	})
	return func() { d.presence.remove(s) }
}

// SubscribeCollection adds cb for one kind of collection event of model.
// cb receives the affected record ids.
func (m *Manager) SubscribeCollection(docID, model string, event CollectionEvent, cb func([]string)) func() {
	d := m.doc(docID)
	k := collectionKey{model: model, event: event}
	m.mu.Lock()
	l, ok := d.collections[k]
	if !ok {
		l = &list[[]string]{}
		d.collections[k] = l
	}
	m.mu.Unlock()
	s := l.add(cb)
	return func() { l.remove(s) }
}

// SubscribeRecord adds cb for one kind of event of a single record.
func (m *Manager) SubscribeRecord(docID, model, id string, event RecordEvent, cb func()) func() {
	d := m.doc(docID)
	k := recordKey{model: model, id: id, event: event}
	m.mu.Lock()
	l, ok := d.records[k]
	if !ok {
		l = &list[struct{}]{}
		d.records[k] = l
	}
	m.mu.Unlock()
	s := l.add(func(struct{}) { cb() })
	return func() { l.remove(s) }
}

// NotifyMetadata delivers md to the metadata subscribers of docID.
func (m *Manager) NotifyMetadata(docID string, md types.DocumentMetadata) {
	m.doc(docID).metadata.each(md, call[types.DocumentMetadata])
}

// NotifyState tells the data subscribers of docID that its state changed.
func (m *Manager) NotifyState(docID string) {
	m.doc(docID).state.each(struct{}{}, call[struct{}])
}

// NotifyActivity delivers ev to the activity subscribers of docID. A
// panicking callback is logged and does not stop delivery to the others.
func (m *Manager) NotifyActivity(docID string, ev types.ActivityEvent) {
	m.doc(docID).activity.each(ev, func(cb func(types.ActivityEvent), v types.ActivityEvent) {
		m.guard("activity", docID, func() { cb(v) })
	})
}

// NotifyPresence delivers ev to the presence subscribers of docID, skipping
// subscribers that ignore their own updates when ev.Self is set. A
// panicking callback is logged and does not stop delivery to the others.
func (m *Manager) NotifyPresence(docID string, ev types.PresenceEvent) {
	m.doc(docID).presence.each(ev, func(cb func(types.PresenceEvent), v types.PresenceEvent) {
		m.guard("presence", docID, func() { cb(v) })
	})
}

// NotifyCollection delivers record ids to collection subscribers of model.
func (m *Manager) NotifyCollection(docID, model string, event CollectionEvent, ids []string) {
	if len(ids) == 0 {
		return
	}
	d := m.doc(docID)
	m.mu.Lock()
	l := d.collections[collectionKey{model: model, event: event}]
	m.mu.Unlock()
	if l != nil {
		l.each(ids, call[[]string])
	}
}

// NotifyRecord tells the subscribers of one record about event.
func (m *Manager) NotifyRecord(docID, model, id string, event RecordEvent) {
	d := m.doc(docID)
	m.mu.Lock()
	l := d.records[recordKey{model: model, id: id, event: event}]
	m.mu.Unlock()
	if l != nil {
		l.each(struct{}{}, call[struct{}])
	}
}

func (m *Manager) guard(kind, docID string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("subscriber panicked",
				"kind", kind,
				"doc_id", docID,
				"panic", fmt.Sprint(r))
		}
	}()
	fn()
}

// MetadataSubscriptions returns the metadata subscription count of docID.
func (m *Manager) MetadataSubscriptions(docID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metadataCount[docID]
}

// StateSubscriptions returns the data subscription count of docID.
func (m *Manager) StateSubscriptions(docID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dataCount[docID]
}

// PresenceSubscriptions returns the presence subscription count of docID.
func (m *Manager) PresenceSubscriptions(docID string) int {
	return m.doc(docID).presence.len()
}

// HasMetadataSubscriptions reports whether any document has an open
// metadata subscription.
func (m *Manager) HasMetadataSubscriptions() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.metadataCount) > 0
}

// HasStateSubscriptions reports whether any document has an open data
// subscription.
func (m *Manager) HasStateSubscriptions() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.dataCount) > 0
}
