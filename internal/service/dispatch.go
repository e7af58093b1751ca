package service

import (
	"context"

	"github.com/mesh-intelligence/docsync/internal/crdt"
	"github.com/mesh-intelligence/docsync/internal/mapper"
	"github.com/mesh-intelligence/docsync/internal/subscription"
	"github.com/mesh-intelligence/docsync/pkg/types"
)

// recordDelta collects the record ids of one model touched by a
// transaction, in first-touch order.
type recordDelta struct {
	added   []string
	changed []string
	deleted []string
	seen    map[string]bool
}

func (d *recordDelta) put(id string, action crdt.Action, nested bool) {
	if d.seen[id] {
		return
	}
	d.seen[id] = true
	switch {
	case nested:
		d.changed = append(d.changed, id)
	case action == crdt.ActionAdd:
		d.added = append(d.added, id)
	case action == crdt.ActionDelete:
		d.deleted = append(d.deleted, id)
	default:
		d.changed = append(d.changed, id)
	}
}

// dispatch turns one committed transaction into state, collection and
// record notifications, then into activity for described local edits.
func (b *Base) dispatch(h *Handle, ev *crdt.TransactionEvent) {
	if b.isClosed() {
		return
	}
	models := make(map[string]*recordDelta)
	var order []string
	for _, c := range ev.Changes {
		if len(c.Path) == 0 {
			continue
		}
		model := c.Path[0]
		d, ok := models[model]
		if !ok {
			d = &recordDelta{seen: make(map[string]bool)}
			models[model] = d
			order = append(order, model)
		}
		if len(c.Path) == 1 {
			d.put(c.Key, c.Action, false)
		} else {
			d.put(c.Path[1], c.Action, true)
		}
	}

	b.subs.NotifyState(h.id)
	for _, model := range order {
		d := models[model]
		b.subs.NotifyCollection(h.id, model, subscription.ItemsAdded, d.added)
		b.subs.NotifyCollection(h.id, model, subscription.ItemsChanged, d.changed)
		b.subs.NotifyCollection(h.id, model, subscription.ItemsDeleted, d.deleted)
		for _, id := range d.added {
			b.subs.NotifyRecord(h.id, model, id, subscription.RecordChanged)
		}
		for _, id := range d.changed {
			b.subs.NotifyRecord(h.id, model, id, subscription.RecordChanged)
		}
		for _, id := range d.deleted {
			b.subs.NotifyRecord(h.id, model, id, subscription.RecordDeleted)
		}
	}

	desc, ok := ev.Origin.(*types.EditDescription)
	if !ev.Local || !ok || desc == nil || desc.Model == nil {
		return
	}
	activity := types.ActivityEvent{
		DocumentID: h.id,
		ClientID:   b.clientID,
		Kind:       types.ActivityEdit,
		Model:      desc.Model,
		ModelName:  desc.Model.Name,
		Data:       desc.Data,
		Timestamp:  b.now(),
		Self:       true,
	}
	b.subs.NotifyActivity(h.id, activity)
	b.backend.PublishActivity(h, activity)
}

// encodeInitial builds the initial records of opts in a scratch replica and
// returns its encoded state. It returns nil when there is nothing to seed.
func encodeInitial(ctx context.Context, clientID string, opts types.CreateDocumentOptions) ([]byte, error) {
	if len(opts.Initial) == 0 {
		return nil, nil
	}
	scratch := crdt.NewDoc(clientID)
	err := scratch.Transact(ctx, func(ctx context.Context) error {
		for modelName, records := range opts.Initial {
			model, err := opts.Schema.Model(modelName)
			if err != nil {
				return err
			}
			for id, state := range records {
				if err := model.Validate(opts.Schema, state); err != nil {
					return err
				}
				node, err := mapper.Records(ctx, scratch, model).SetMap(ctx, id)
				if err != nil {
					return err
				}
				if err := mapper.Populate(ctx, node, state); err != nil {
					return err
				}
			}
		}
		return nil
	}, nil)
	if err != nil {
		return nil, err
	}
	return scratch.EncodeStateAsUpdate(ctx), nil
}
