package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mesh-intelligence/docsync/internal/crdt"
)

// BindOptions configure a Persistence.
type BindOptions struct {
	// Skip reports origins whose updates are already stored and must not be
	// logged again.
	Skip func(origin any) bool
}

// Persistence keeps one replica in step with its stored update log: it
// replays the log into the replica and logs every later update.
type Persistence struct {
	store  *Store
	docID  string
	doc    *crdt.Doc
	skip   func(origin any) bool
	logger *slog.Logger

	synced  chan struct{}
	err     error
	initial []byte // replica state at bind time, logged after replay

	mu        sync.Mutex
	off       func()
	destroyed bool
	dirty     bool // an update failed to log
}

// Bind attaches doc to the stored log of docID. Replay runs in the
// background; WhenSynced reports its completion. State the replica already
// holds is logged once replay has finished.
func (s *Store) Bind(docID string, doc *crdt.Doc, opts BindOptions) *Persistence {
	skip := opts.Skip
	if skip == nil {
		skip = func(any) bool { return false }
	}
	p := &Persistence{
		store:  s,
		docID:  docID,
		doc:    doc,
		skip:   skip,
		logger: s.logger.With("doc_id", docID),
		synced: make(chan struct{}),
	}
	if state := doc.EncodeStateAsUpdate(context.Background()); !crdt.EmptyUpdate(state) {
		p.initial = state
	}
	p.off = doc.OnUpdate(p.handleUpdate)
	go p.replay()
	return p
}

func (p *Persistence) replay() {
	defer close(p.synced)
	ctx := context.Background()
	updates, err := p.store.LoadUpdates(ctx, p.docID)
	if err != nil {
		p.err = err
		return
	}
	for i, u := range updates {
		if err := p.doc.ApplyUpdate(ctx, u, p); err != nil {
			p.err = fmt.Errorf("replaying update %d of %s: %w", i, p.docID, err)
			return
		}
	}
	if p.initial != nil {
		p.mu.Lock()
		if !p.destroyed {
			p.appendLocked(ctx, p.initial)
		}
		p.mu.Unlock()
	}
	p.logger.Debug("replica synced", "updates", len(updates))
}

func (p *Persistence) handleUpdate(update []byte, origin any) {
	if origin == p || p.skip(origin) {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return
	}
	p.appendLocked(context.Background(), update)
}

// appendLocked logs update and compacts the log once it is long enough.
// The caller holds p.mu.
func (p *Persistence) appendLocked(ctx context.Context, update []byte) {
	n, id, err := p.store.AppendUpdate(ctx, p.docID, update)
	if err != nil {
		p.dirty = true
		p.logger.Error("failed to log update", "error", err)
		return
	}
	if n < p.store.compactAfter {
		return
	}
	if err := p.store.Compact(ctx, p.docID, id); err != nil {
		p.logger.Error("failed to compact log", "error", err)
	}
}

// Checkpoint logs the whole replica when an earlier update failed to log.
func (p *Persistence) Checkpoint(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed || !p.dirty {
		return nil
	}
	if _, _, err := p.store.AppendUpdate(ctx, p.docID, p.doc.EncodeStateAsUpdate(ctx)); err != nil {
		return fmt.Errorf("checkpointing %s: %w", p.docID, err)
	}
	p.dirty = false
	return nil
}

// Synced reports whether replay has finished.
func (p *Persistence) Synced() bool {
	select {
	case <-p.synced:
		return true
	default:
		return false
	}
}

// WhenSynced blocks until replay finishes or ctx is done and returns the
// replay error, if any.
func (p *Persistence) WhenSynced(ctx context.Context) error {
	select {
	case <-p.synced:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Destroy detaches the replica. Updates committed afterwards are not logged.
// A replay still in flight finishes applying into the replica.
func (p *Persistence) Destroy(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return nil
	}
	p.destroyed = true
	p.off()
	return nil
}
