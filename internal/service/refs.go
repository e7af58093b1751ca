package service

import (
	"context"
	"fmt"

	"github.com/mesh-intelligence/docsync/internal/crdt"
	"github.com/mesh-intelligence/docsync/internal/mapper"
	"github.com/mesh-intelligence/docsync/internal/subscription"
	"github.com/mesh-intelligence/docsync/pkg/types"
)

type collectionKey struct {
	docID string
	model string
}

type recordKey struct {
	docID string
	model string
	id    string
}

// Invalid sentinels. There is exactly one per ref type and they are never
// mutated.
var (
	invalidDoc        = &docRef{}
	invalidCollection = &collectionRef{doc: invalidDoc}
	invalidRecord     = &recordRef{doc: invalidDoc}
)

// InvalidDocRef returns the invalid document sentinel.
func InvalidDocRef() types.DocumentRef { return invalidDoc }

// InvalidCollectionRef returns the invalid collection sentinel.
func InvalidCollectionRef() types.CollectionRef { return invalidCollection }

// InvalidRecordRef returns the invalid record sentinel.
func InvalidRecordRef() types.RecordRef { return invalidRecord }

type docRef struct {
	svc    *Base
	id     string
	schema *types.DocumentSchema
}

func (r *docRef) ID() string                    { return r.id }
func (r *docRef) Schema() *types.DocumentSchema { return r.schema }
func (r *docRef) Valid() bool                   { return r != invalidDoc }
func (r *docRef) String() string                { return "doc:" + r.id }

type collectionRef struct {
	svc   *Base
	doc   *docRef
	model *types.Model
}

func (r *collectionRef) DocumentID() string  { return r.doc.id }
func (r *collectionRef) Model() *types.Model { return r.model }
func (r *collectionRef) Valid() bool         { return r != invalidCollection }

func (r *collectionRef) Record(id string) types.RecordRef {
	if !r.Valid() {
		return invalidRecord
	}
	return r.svc.Record(r.doc, r.model, id)
}

func (r *collectionRef) container(ctx context.Context) (*crdt.Map, bool) {
	if !r.Valid() || r.svc.isClosed() {
		return nil, false
	}
	h := r.svc.handleFor(r.doc)
	return mapper.Records(ctx, h.doc, r.model), true
}

func (r *collectionRef) Has(ctx context.Context, id string) bool {
	c, ok := r.container(ctx)
	return ok && c.Has(ctx, id)
}

func (r *collectionRef) IDs(ctx context.Context) []string {
	c, ok := r.container(ctx)
	if !ok {
		return nil
	}
	return c.Keys(ctx)
}

func (r *collectionRef) Len(ctx context.Context) int {
	c, ok := r.container(ctx)
	if !ok {
		return 0
	}
	return c.Len(ctx)
}

func (r *collectionRef) Set(ctx context.Context, id string, state map[string]any) (types.RecordRef, error) {
	if !r.Valid() {
		return invalidRecord, types.ErrInvalidReference
	}
	rec := r.Record(id)
	if err := rec.Set(ctx, state); err != nil {
		return rec, err
	}
	return rec, nil
}

func (r *collectionRef) Delete(ctx context.Context, id string) error {
	if !r.Valid() {
		return types.ErrInvalidReference
	}
	return r.Record(id).Delete(ctx)
}

func (r *collectionRef) OnItemsAdded(cb func([]types.RecordRef)) types.Unsubscribe {
	return r.subscribe(subscription.ItemsAdded, cb)
}

func (r *collectionRef) OnItemsChanged(cb func([]types.RecordRef)) types.Unsubscribe {
	return r.subscribe(subscription.ItemsChanged, cb)
}

func (r *collectionRef) OnItemsDeleted(cb func([]types.RecordRef)) types.Unsubscribe {
	return r.subscribe(subscription.ItemsDeleted, cb)
}

func (r *collectionRef) subscribe(event subscription.CollectionEvent, cb func([]types.RecordRef)) types.Unsubscribe {
	if !r.Valid() || r.svc.isClosed() {
		return func() {}
	}
	key := collectionKey{docID: r.doc.id, model: r.model.Name}
	release := hold(r.svc.collections, key, r)
	off := r.svc.subs.SubscribeCollection(r.doc.id, r.model.Name, event, func(ids []string) {
		refs := make([]types.RecordRef, 0, len(ids))
		for _, id := range ids {
			refs = append(refs, r.svc.Record(r.doc, r.model, id))
		}
		cb(refs)
	})
	return once(func() {
		off()
		release()
	})
}

type recordRef struct {
	svc   *Base
	doc   *docRef
	model *types.Model
	id    string
}

func (r *recordRef) DocumentID() string  { return r.doc.id }
func (r *recordRef) Model() *types.Model { return r.model }
func (r *recordRef) ID() string          { return r.id }
func (r *recordRef) Valid() bool         { return r != invalidRecord }
func (r *recordRef) String() string {
	if !r.Valid() {
		return "record:invalid"
	}
	return fmt.Sprintf("record:%s/%s/%s", r.doc.id, r.model.Name, r.id)
}

func (r *recordRef) node(ctx context.Context) (*crdt.Map, bool) {
	if !r.Valid() || r.svc.isClosed() {
		return nil, false
	}
	h := r.svc.handleFor(r.doc)
	v, ok := mapper.Records(ctx, h.doc, r.model).Get(ctx, r.id)
	if !ok {
		return nil, false
	}
	node, ok := v.(*crdt.Map)
	return node, ok
}

func (r *recordRef) Get(ctx context.Context) (map[string]any, bool) {
	node, ok := r.node(ctx)
	if !ok {
		return nil, false
	}
	return mapper.Snapshot(ctx, node), true
}

func (r *recordRef) writable() (*Handle, error) {
	if !r.Valid() {
		return nil, types.ErrInvalidReference
	}
	if r.svc.isClosed() {
		return nil, types.ErrServiceClosed
	}
	return r.svc.handleFor(r.doc), nil
}

func (r *recordRef) Set(ctx context.Context, state map[string]any) error {
	h, err := r.writable()
	if err != nil {
		return err
	}
	if err := r.model.Validate(h.schema, state); err != nil {
		return err
	}
	return h.doc.Transact(ctx, func(ctx context.Context) error {
		node, err := mapper.Records(ctx, h.doc, r.model).SetMap(ctx, r.id)
		if err != nil {
			return err
		}
		return mapper.Populate(ctx, node, state)
	}, nil)
}

func (r *recordRef) Update(ctx context.Context, partial map[string]any) error {
	h, err := r.writable()
	if err != nil {
		return err
	}
	return h.doc.Transact(ctx, func(ctx context.Context) error {
		node, ok := r.node(ctx)
		if !ok {
			return fmt.Errorf("%w: %s", types.ErrNotFound, r)
		}
		merged := mergePartial(mapper.Snapshot(ctx, node), partial)
		if err := r.model.Validate(h.schema, merged); err != nil {
			return err
		}
		return mapper.UpdatePartial(ctx, node, partial)
	}, nil)
}

func (r *recordRef) Delete(ctx context.Context) error {
	h, err := r.writable()
	if err != nil {
		return err
	}
	return mapper.Records(ctx, h.doc, r.model).Delete(ctx, r.id)
}

func (r *recordRef) OnChange(cb func(types.RecordRef)) types.Unsubscribe {
	return r.subscribe(subscription.RecordChanged, cb)
}

func (r *recordRef) OnDeleted(cb func(types.RecordRef)) types.Unsubscribe {
	return r.subscribe(subscription.RecordDeleted, cb)
}

func (r *recordRef) subscribe(event subscription.RecordEvent, cb func(types.RecordRef)) types.Unsubscribe {
	if !r.Valid() || r.svc.isClosed() {
		return func() {}
	}
	key := recordKey{docID: r.doc.id, model: r.model.Name, id: r.id}
	release := hold(r.svc.records, key, r)
	off := r.svc.subs.SubscribeRecord(r.doc.id, r.model.Name, r.id, event, func() { cb(r) })
	return once(func() {
		off()
		release()
	})
}

// mergePartial applies partial to a copy of state with UpdatePartial
// semantics.
func mergePartial(state, partial map[string]any) map[string]any {
	out := make(map[string]any, len(state)+len(partial))
	for k, v := range state {
		out[k] = v
	}
	for k, v := range partial {
		if v == nil {
			delete(out, k)
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			if existing, ok := out[k].(map[string]any); ok {
				out[k] = mergePartial(existing, nested)
				continue
			}
		}
		out[k] = v
	}
	return out
}
