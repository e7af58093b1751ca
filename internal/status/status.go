// Package status tracks the per-document load and live state machine.
//
// Only the owning backend moves a document between states, through
// UpdateMetadataStatus and UpdateDataStatus. Observers read the current
// snapshot or subscribe with OnStatusChange, which delivers the current
// snapshot immediately and every later change synchronously.
package status

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/mesh-intelligence/docsync/pkg/types"
)

type subscriber struct {
	id     uint64
	cb     func(types.DocumentStatus)
	active atomic.Bool
}

type docState struct {
	status types.DocumentStatus
	subs   []*subscriber
}

// Tracker holds the status of every document a service knows about.
type Tracker struct {
	mu     sync.Mutex
	docs   map[string]*docState
	nextID uint64
	logger *slog.Logger
}

// NewTracker returns an empty tracker. Pass nil logger for default.
func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		docs:   make(map[string]*docState),
		logger: logger.With("component", "status"),
	}
}

func (t *Tracker) stateLocked(docID string) *docState {
	st, ok := t.docs[docID]
	if !ok {
		st = &docState{status: types.InitialStatus()}
		t.docs[docID] = st
	}
	return st
}

// Status returns the current status of docID. Unknown documents are
// UNLOADED and DISCONNECTED.
func (t *Tracker) Status(docID string) types.DocumentStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.docs[docID]; ok {
		return st.status
	}
	return types.InitialStatus()
}

// UpdateMetadataStatus applies u to the metadata channel of docID and
// notifies subscribers when the status changed.
func (t *Tracker) UpdateMetadataStatus(docID string, u types.MetadataStatusUpdate) {
	t.update(docID, func(s *types.DocumentStatus) {
		if u.Load != nil {
			s.Metadata.Load = *u.Load
		}
		s.Metadata.Error = u.Error
	})
}

// UpdateDataStatus applies u to the data channel of docID and notifies
// subscribers when the status changed.
func (t *Tracker) UpdateDataStatus(docID string, u types.DataStatusUpdate) {
	t.update(docID, func(s *types.DocumentStatus) {
		if u.Load != nil {
			s.Data.Load = *u.Load
		}
		if u.Live != nil {
			s.Data.Live = *u.Live
		}
		s.Data.Error = u.Error
	})
}

func (t *Tracker) update(docID string, apply func(*types.DocumentStatus)) {
	t.mu.Lock()
	st := t.stateLocked(docID)
	prev := st.status
	apply(&st.status)
	next := st.status
	if equal(prev, next) {
		t.mu.Unlock()
		return
	}
	subs := append([]*subscriber(nil), st.subs...)
	t.mu.Unlock()

	t.logger.Debug("status changed",
		"doc_id", docID,
		"metadata", next.Metadata.Load,
		"data", next.Data.Load,
		"live", next.Data.Live)

	for _, s := range subs {
		if s.active.Load() {
			s.cb(next)
		}
	}
}

// OnStatusChange subscribes cb to docID. cb receives the current status
// before OnStatusChange returns.
func (t *Tracker) OnStatusChange(docID string, cb func(types.DocumentStatus)) func() {
	t.mu.Lock()
	st := t.stateLocked(docID)
	t.nextID++
	s := &subscriber{id: t.nextID, cb: cb}
	s.active.Store(true)
	st.subs = append(st.subs, s)
	current := st.status
	t.mu.Unlock()

	cb(current)

	return func() {
		if !s.active.CompareAndSwap(true, false) {
			return
		}
		t.mu.Lock()
		defer t.mu.Unlock()
		st, ok := t.docs[docID]
		if !ok {
			return
		}
		for i, other := range st.subs {
			if other == s {
				st.subs = append(st.subs[:i:i], st.subs[i+1:]...)
				break
			}
		}
	}
}

// Subscribers returns the number of status subscribers of docID.
func (t *Tracker) Subscribers(docID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.docs[docID]; ok {
		return len(st.subs)
	}
	return 0
}

func equal(a, b types.DocumentStatus) bool {
	return a.Metadata.Load == b.Metadata.Load &&
		a.Data.Load == b.Data.Load &&
		a.Data.Live == b.Data.Live &&
		sameError(a.Metadata.Error, b.Metadata.Error) &&
		sameError(a.Data.Error, b.Data.Error)
}

func sameError(a, b error) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Error() == b.Error()
}
