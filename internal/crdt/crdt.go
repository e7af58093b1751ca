package crdt

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Action describes how a map key changed within a transaction.
type Action int

// Change actions.
const (
	ActionAdd Action = iota + 1
	ActionUpdate
	ActionDelete
)

func (a Action) String() string {
	switch a {
	case ActionAdd:
		return "add"
	case ActionUpdate:
		return "update"
	case ActionDelete:
		return "delete"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// Change is one changed key. Path lists the keys leading from the top-level
// map to the map that holds Key.
type Change struct {
	Path   []string
	Key    string
	Action Action
}

// TransactionEvent is delivered once per committed transaction that changed
// at least one key.
type TransactionEvent struct {
	Origin  any
	Local   bool
	Changes []Change
}

// UpdateHandler receives the encoded update of a committed transaction.
type UpdateHandler func(update []byte, origin any)

// TransactionHandler receives the changes of a committed transaction.
type TransactionHandler func(ev *TransactionEvent)

// stamp orders concurrent writes to the same key.
type stamp struct {
	Clock  uint64 `json:"c"`
	Client string `json:"a"`
}

func (s stamp) less(o stamp) bool {
	if s.Clock != o.Clock {
		return s.Clock < o.Clock
	}
	return s.Client < o.Client
}

type entry struct {
	stamp   stamp
	deleted bool
	value   any // scalar, *Map or *Array
}

type observer[F any] struct {
	id int
	fn F
}

type pendingEmit struct {
	event  *TransactionEvent
	update []byte
	origin any
}

// Doc is one replica of a replicated document.
type Doc struct {
	clientID string

	mu       sync.Mutex
	clock    uint64
	roots    map[string]*Map
	queue    []pendingEmit
	draining bool

	obsMu     sync.Mutex
	nextObsID int
	updateObs []observer[UpdateHandler]
	txnObs    []observer[TransactionHandler]
}

// NewDoc returns an empty replica. An empty clientID is replaced with a
// random one.
func NewDoc(clientID string) *Doc {
	if clientID == "" {
		clientID = uuid.NewString()
	}
	return &Doc{
		clientID: clientID,
		roots:    make(map[string]*Map),
	}
}

// ClientID returns the replica's client id.
func (d *Doc) ClientID() string { return d.clientID }

// Map returns the top-level map called name, creating it on first use.
// Top-level maps exist implicitly on every replica.
func (d *Doc) Map(ctx context.Context, name string) *Map {
	var m *Map
	d.read(ctx, func() {
		m = d.rootLocked(name)
	})
	return m
}

func (d *Doc) rootLocked(name string) *Map {
	m, ok := d.roots[name]
	if !ok {
		m = newMap(d, nil, name, stamp{})
		d.roots[name] = m
	}
	return m
}

// RootNames returns the names of the top-level maps that hold at least one
// live entry.
func (d *Doc) RootNames(ctx context.Context) []string {
	var names []string
	d.read(ctx, func() {
		for name, m := range d.roots {
			if m.lenLocked() > 0 {
				names = append(names, name)
			}
		}
	})
	sort.Strings(names)
	return names
}

// OnUpdate registers fn for the encoded updates of committed transactions,
// local and applied alike.
func (d *Doc) OnUpdate(fn UpdateHandler) func() {
	d.obsMu.Lock()
	defer d.obsMu.Unlock()
	d.nextObsID++
	id := d.nextObsID
	d.updateObs = append(d.updateObs, observer[UpdateHandler]{id: id, fn: fn})
	return func() {
		d.obsMu.Lock()
		defer d.obsMu.Unlock()
		d.updateObs = removeObserver(d.updateObs, id)
	}
}

// OnTransaction registers fn for the changes of committed transactions.
func (d *Doc) OnTransaction(fn TransactionHandler) func() {
	d.obsMu.Lock()
	defer d.obsMu.Unlock()
	d.nextObsID++
	id := d.nextObsID
	d.txnObs = append(d.txnObs, observer[TransactionHandler]{id: id, fn: fn})
	return func() {
		d.obsMu.Lock()
		defer d.obsMu.Unlock()
		d.txnObs = removeObserver(d.txnObs, id)
	}
}

func removeObserver[F any](list []observer[F], id int) []observer[F] {
	out := list[:0:0]
	for _, o := range list {
		if o.id != id {
			out = append(out, o)
		}
	}
	return out
}

// Transact runs fn inside one transaction with the given origin. The context
// passed to fn carries the transaction: reads and writes made with it, and
// nested Transact calls, join the transaction. Observers are notified once,
// after fn returns. An error or panic from fn propagates; changes made
// before it stay applied.
//
// The replica is locked until fn returns and the lock is not reentrant. A
// call inside fn on the same replica with a context that does not carry the
// transaction, such as context.Background(), deadlocks.
func (d *Doc) Transact(ctx context.Context, fn func(ctx context.Context) error, origin any) error {
	return d.transact(ctx, fn, origin, true)
}

// ApplyUpdate merges an update produced by another replica.
func (d *Doc) ApplyUpdate(ctx context.Context, update []byte, origin any) error {
	var ops []op
	if err := json.Unmarshal(update, &ops); err != nil {
		return fmt.Errorf("decode update: %w", err)
	}
	return d.transact(ctx, func(ctx context.Context) error {
		txn := txnFrom(ctx, d)
		for i := range ops {
			d.applyLocked(txn, &ops[i])
		}
		return nil
	}, origin, false)
}

// EncodeStateAsUpdate encodes the whole replica, tombstones included, as a
// single update.
func (d *Doc) EncodeStateAsUpdate(ctx context.Context) []byte {
	var ops []op
	d.read(ctx, func() {
		names := make([]string, 0, len(d.roots))
		for name := range d.roots {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			ops = d.roots[name].encodeLocked(ops)
		}
	})
	if ops == nil {
		ops = []op{}
	}
	b, _ := json.Marshal(ops)
	return b
}

// EmptyUpdate reports whether update carries no operations. Malformed
// updates are not empty.
func EmptyUpdate(update []byte) bool {
	var ops []json.RawMessage
	if err := json.Unmarshal(update, &ops); err != nil {
		return false
	}
	return len(ops) == 0
}

type txnKey struct{ doc *Doc }

// Transaction is the state of an open transaction.
type Transaction struct {
	doc     *Doc
	origin  any
	local   bool
	done    bool
	ops     []op
	order   []string
	touched map[string]*touch
}

type touch struct {
	m      *Map
	path   []string
	key    string
	before bool
}

func txnFrom(ctx context.Context, d *Doc) *Transaction {
	if ctx == nil {
		return nil
	}
	txn, ok := ctx.Value(txnKey{d}).(*Transaction)
	if !ok || txn == nil || txn.done {
		return nil
	}
	return txn
}

// InTransaction reports whether ctx carries an open transaction of d.
func (d *Doc) InTransaction(ctx context.Context) bool {
	return txnFrom(ctx, d) != nil
}

func (d *Doc) transact(ctx context.Context, fn func(ctx context.Context) error, origin any, local bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if txnFrom(ctx, d) != nil {
		return fn(ctx)
	}

	d.mu.Lock()
	txn := &Transaction{doc: d, origin: origin, local: local, touched: make(map[string]*touch)}
	defer d.commit(txn)

	return fn(context.WithValue(ctx, txnKey{d}, txn))
}

// commit closes txn, queues its notifications and drains the queue unless
// another call is already draining it. It releases d.mu.
func (d *Doc) commit(txn *Transaction) {
	txn.done = true
	if len(txn.ops) > 0 {
		ev := &TransactionEvent{Origin: txn.origin, Local: txn.local}
		for _, k := range txn.order {
			t := txn.touched[k]
			after := t.m.hasLocked(t.key)
			switch {
			case !t.before && after:
				ev.Changes = append(ev.Changes, Change{Path: t.path, Key: t.key, Action: ActionAdd})
			case t.before && after:
				ev.Changes = append(ev.Changes, Change{Path: t.path, Key: t.key, Action: ActionUpdate})
			case t.before && !after:
				ev.Changes = append(ev.Changes, Change{Path: t.path, Key: t.key, Action: ActionDelete})
			}
		}
		update, _ := json.Marshal(txn.ops)
		d.queue = append(d.queue, pendingEmit{event: ev, update: update, origin: txn.origin})
	}
	if d.draining {
		d.mu.Unlock()
		return
	}
	d.draining = true
	for len(d.queue) > 0 {
		next := d.queue[0]
		d.queue = d.queue[1:]
		d.mu.Unlock()
		d.emit(next)
		d.mu.Lock()
	}
	d.draining = false
	d.mu.Unlock()
}

func (d *Doc) emit(p pendingEmit) {
	d.obsMu.Lock()
	updates := append([]observer[UpdateHandler](nil), d.updateObs...)
	txns := append([]observer[TransactionHandler](nil), d.txnObs...)
	d.obsMu.Unlock()

	for _, o := range updates {
		o.fn(p.update, p.origin)
	}
	if len(p.event.Changes) == 0 {
		return
	}
	for _, o := range txns {
		o.fn(p.event)
	}
}

// read runs fn with the document locked, or directly when ctx already holds
// a transaction of d.
func (d *Doc) read(ctx context.Context, fn func()) {
	if txnFrom(ctx, d) != nil {
		fn()
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	fn()
}

// write runs fn inside a transaction, joining the one carried by ctx.
func (d *Doc) write(ctx context.Context, fn func(txn *Transaction) error) error {
	return d.transact(ctx, func(ctx context.Context) error {
		return fn(txnFrom(ctx, d))
	}, nil, true)
}

func (d *Doc) nextStamp() stamp {
	d.clock++
	return stamp{Clock: d.clock, Client: d.clientID}
}

func (txn *Transaction) record(m *Map, key string) {
	path := m.path()
	k := pathKey(path, key)
	if _, ok := txn.touched[k]; ok {
		return
	}
	txn.touched[k] = &touch{m: m, path: path, key: key, before: m.hasLocked(key)}
	txn.order = append(txn.order, k)
}

func pathKey(path []string, key string) string {
	b, _ := json.Marshal(append(append([]string{}, path...), key))
	return string(b)
}
