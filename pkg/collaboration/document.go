// Package collaboration implements a replicated document of named text,
// array and map structures that converge without coordination.
//
// A Doc is owned by a single goroutine at a time; it holds no locks and
// callers serialize access (see the session package).
package collaboration

import (
	"fmt"
	"sort"

	"github.com/developer-mesh/collabsync/pkg/collaboration/crdt"
	"github.com/developer-mesh/collabsync/pkg/observability"
)

type structureKind string

const (
	kindText  structureKind = "text"
	kindArray structureKind = "array"
	kindMap   structureKind = "map"
)

// Doc is a replica of a collaborative document.
type Doc struct {
	replica crdt.ReplicaID
	index   *crdt.Index
	stores  map[string]*crdt.ItemStore
	kinds   map[string]structureKind

	deleteSet crdt.IDSet
	pending   []*crdt.Item
	peers     map[crdt.ReplicaID]crdt.StateVector

	tx          *transaction
	subscribers listeners[func(UpdateEvent)]
	observers   map[string]*listeners[func(*transaction)]

	logger  observability.Logger
	metrics *observability.Metrics
}

// Option configures a Doc
type Option func(*Doc)

// WithLogger sets the logger used for integration warnings.
func WithLogger(logger observability.Logger) Option {
	return func(d *Doc) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithMetrics records document activity in m.
func WithMetrics(m *observability.Metrics) Option {
	return func(d *Doc) {
		d.metrics = m
	}
}

// New creates an empty document for replica. An empty replica id gets a
// random one.
func New(replica crdt.ReplicaID, opts ...Option) *Doc {
	if replica == "" {
		replica = crdt.NewReplicaID()
	}
	d := &Doc{
		replica:   replica,
		index:     crdt.NewIndex(),
		stores:    make(map[string]*crdt.ItemStore),
		kinds:     make(map[string]structureKind),
		deleteSet: crdt.NewIDSet(),
		peers:     make(map[crdt.ReplicaID]crdt.StateVector),
		observers: make(map[string]*listeners[func(*transaction)]),
		logger:    observability.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ReplicaID returns the id this document stamps on local items.
func (d *Doc) ReplicaID() crdt.ReplicaID {
	return d.replica
}

// StateVector returns the highest contiguously integrated clock per replica.
func (d *Doc) StateVector() crdt.StateVector {
	return d.index.StateVector()
}

// DeleteSet returns a copy of every deletion range this document knows of,
// including ranges for items it has not received yet.
func (d *Doc) DeleteSet() crdt.IDSet {
	return d.deleteSet.Clone()
}

// PendingCount returns the number of received items waiting for missing
// dependencies.
func (d *Doc) PendingCount() int {
	return len(d.pending)
}

// PeerStateVector returns the latest state vector replica announced in an
// update, or nil if it never sent one.
func (d *Doc) PeerStateVector(replica crdt.ReplicaID) crdt.StateVector {
	if sv, ok := d.peers[replica]; ok {
		return sv.Clone()
	}
	return nil
}

// Subscribe registers fn for every local or remote change. The returned
// function removes it.
func (d *Doc) Subscribe(fn func(UpdateEvent)) func() {
	return d.subscribers.add(fn)
}

func (d *Doc) observe(name string, fn func(*transaction)) func() {
	l, ok := d.observers[name]
	if !ok {
		l = &listeners[func(*transaction)]{}
		d.observers[name] = l
	}
	return l.add(fn)
}

func (d *Doc) store(name string) *crdt.ItemStore {
	s, ok := d.stores[name]
	if !ok {
		s = crdt.NewItemStore(name, d.index)
		d.stores[name] = s
	}
	return s
}

// claim binds name to a structure kind. Using one name as two kinds is a
// programming error.
func (d *Doc) claim(name string, kind structureKind) *crdt.ItemStore {
	if existing, ok := d.kinds[name]; ok && existing != kind {
		panic(fmt.Sprintf("collaboration: %q is already defined as %s, not %s", name, existing, kind))
	}
	d.kinds[name] = kind
	return d.store(name)
}

// transact runs fn inside a transaction and notifies observers and
// subscribers once it is done. Nested calls join the running transaction.
func (d *Doc) transact(local bool, fn func(tx *transaction) error) error {
	if d.tx != nil {
		return fn(d.tx)
	}
	tx := newTransaction(local)
	d.tx = tx
	err := fn(tx)
	d.tx = nil
	d.commit(tx)
	return err
}

func (d *Doc) commit(tx *transaction) {
	if tx.isEmpty() {
		return
	}

	names := make([]string, 0, len(tx.changed))
	for name := range tx.changed {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if l, ok := d.observers[name]; ok {
			for _, fn := range l.snapshot() {
				fn(tx)
			}
		}
	}

	event := UpdateEvent{Local: tx.local, Update: tx.origin}
	if tx.local {
		event.Update = &Update{
			Origin:      d.replica,
			Items:       tx.items,
			Deletions:   tx.deletions,
			StateVector: d.StateVector(),
		}
	}
	d.metrics.UpdateApplied(tx.local)
	for _, fn := range d.subscribers.snapshot() {
		fn(event)
	}
}

// CreateLocalItem creates an item for content between the elements origin
// and rightOrigin (nil meaning head and tail) of parent, or under key when
// key is not empty. It allocates one clock per element and notifies
// subscribers with an update carrying the new item.
func (d *Doc) CreateLocalItem(parent, key string, content crdt.Content, origin, rightOrigin *crdt.ItemID) (*crdt.Item, error) {
	if parent == "" {
		return nil, fmt.Errorf("%w: missing parent", crdt.ErrInvalidItem)
	}
	if content == nil || content.Len() == 0 {
		return nil, fmt.Errorf("%w: empty content", crdt.ErrInvalidItem)
	}
	content, err := crdt.Normalize(content)
	if err != nil {
		return nil, err
	}
	var left, right *crdt.Item
	if key == "" {
		if origin != nil {
			if left = d.index.CleanEnd(*origin); left == nil {
				return nil, fmt.Errorf("%w: unknown origin %s", crdt.ErrInvalidItem, origin)
			}
		}
		if rightOrigin != nil {
			if right = d.index.CleanStart(*rightOrigin); right == nil {
				return nil, fmt.Errorf("%w: unknown right origin %s", crdt.ErrInvalidItem, rightOrigin)
			}
		}
	}
	var item *crdt.Item
	err = d.transact(true, func(tx *transaction) error {
		item = d.insert(tx, parent, key, content, left, right)
		return nil
	})
	return item, err
}

// insert creates and integrates a local item between left and right.
func (d *Doc) insert(tx *transaction, parent, key string, content crdt.Content, left, right *crdt.Item) *crdt.Item {
	item := &crdt.Item{
		ID:        crdt.ItemID{Replica: d.replica, Clock: d.index.State(d.replica) + 1},
		Parent:    parent,
		ParentKey: key,
		Content:   content,
	}
	if left != nil {
		last := left.LastID()
		item.Origin = &last
	}
	if right != nil {
		first := right.ID
		item.RightOrigin = &first
	}
	d.store(parent).Integrate(item, left, right)
	if err := d.index.Add(item); err != nil {
		// Local clocks come from the index itself.
		panic(err)
	}
	tx.markAdded(item)
	tx.items = append(tx.items, item.Detach())
	return item
}

// DeleteLocalItem tombstones every element of item. Elements already deleted
// are skipped; if nothing changes no event is emitted.
func (d *Doc) DeleteLocalItem(item *crdt.Item) error {
	if item == nil {
		return nil
	}
	return d.transact(true, func(tx *transaction) error {
		d.deleteRange(tx, item.ID.Replica, item.ID.Clock, item.End())
		return nil
	})
}

// deleteRange tombstones the integrated elements of replica in [start, end)
// and remembers the whole range for elements still to come.
func (d *Doc) deleteRange(tx *transaction, replica crdt.ReplicaID, start, end uint64) {
	if end <= start {
		return
	}
	d.deleteSet.Add(replica, start, end-start)
	limit := min(end, d.index.State(replica)+1)
	for clock := start; clock < limit; {
		it := d.index.Find(crdt.ItemID{Replica: replica, Clock: clock})
		if it == nil {
			return
		}
		if it.Deleted {
			clock = it.End()
			continue
		}
		it = d.index.CleanStart(crdt.ItemID{Replica: replica, Clock: clock})
		if it.End() > limit {
			d.index.Split(it, int(limit-it.ID.Clock))
		}
		if r, ok := d.store(it.Parent).Remove(it); ok {
			tx.markDeleted(it, r)
		}
		clock = it.End()
	}
}

// ApplyUpdate merges a remote update. Items already known are skipped,
// partially known ones are trimmed and items whose dependencies are missing
// wait until those arrive. A malformed update is rejected with
// ErrMalformedUpdate before any state changes.
//
// The local state vector only ever reflects integrated items; the sender's
// vector is kept per peer and read back with PeerStateVector.
func (d *Doc) ApplyUpdate(u *Update) error {
	if u == nil {
		return nil
	}
	if err := u.Validate(); err != nil {
		d.metrics.UpdateRejected()
		return err
	}
	return d.transact(false, func(tx *transaction) error {
		tx.origin = u
		if u.Origin != "" && u.Origin != d.replica && len(u.StateVector) > 0 {
			sv, ok := d.peers[u.Origin]
			if !ok {
				sv = crdt.NewStateVector()
				d.peers[u.Origin] = sv
			}
			sv.Merge(u.StateVector)
		}

		d.deleteSet.Merge(u.Deletions)
		for _, it := range u.Items {
			d.pending = append(d.pending, it.Detach())
		}
		integrated := d.integratePending(tx)

		replicas := make([]crdt.ReplicaID, 0, len(u.Deletions))
		for replica := range u.Deletions {
			replicas = append(replicas, replica)
		}
		sort.Slice(replicas, func(i, j int) bool { return replicas[i] < replicas[j] })
		for _, replica := range replicas {
			for _, r := range u.Deletions[replica] {
				d.deleteRange(tx, replica, r.Start, r.End())
			}
		}

		d.metrics.Integrated(integrated, len(d.pending))
		return nil
	})
}

type integration int

const (
	integrated integration = iota
	known
	waiting
)

// integratePending retries every pending item until a pass makes no progress.
func (d *Doc) integratePending(tx *transaction) int {
	sort.SliceStable(d.pending, func(i, j int) bool {
		a, b := d.pending[i].ID, d.pending[j].ID
		if a.Replica != b.Replica {
			return a.Replica < b.Replica
		}
		return a.Clock < b.Clock
	})
	count := 0
	for progress := true; progress && len(d.pending) > 0; {
		progress = false
		remaining := make([]*crdt.Item, 0, len(d.pending))
		for _, it := range d.pending {
			switch d.integrate(tx, it) {
			case integrated:
				progress = true
				count++
			case waiting:
				remaining = append(remaining, it)
			}
		}
		d.pending = remaining
	}
	if len(d.pending) > 0 {
		d.logger.Debug("Items waiting for dependencies", map[string]interface{}{
			"replica": d.replica,
			"pending": len(d.pending),
		})
	}
	return count
}

func (d *Doc) integrate(tx *transaction, it *crdt.Item) integration {
	state := d.index.State(it.ID.Replica)
	if it.End()-1 <= state {
		return known
	}
	if it.ID.Clock > state+1 {
		return waiting
	}
	if it.ID.Clock <= state {
		it = it.Slice(int(state + 1 - it.ID.Clock))
	}
	if it.Origin != nil && !d.index.Has(*it.Origin) {
		return waiting
	}
	if it.RightOrigin != nil && !d.index.Has(*it.RightOrigin) {
		return waiting
	}

	var left, right *crdt.Item
	if !it.IsMapEntry() {
		if it.Origin != nil {
			left = d.index.CleanEnd(*it.Origin)
		}
		if it.RightOrigin != nil {
			right = d.index.CleanStart(*it.RightOrigin)
		}
		if !d.anchoredIn(left, it.Parent) || !d.anchoredIn(right, it.Parent) {
			d.logger.Warn("Item anchored outside its structure, placing at head", map[string]interface{}{
				"item":   it.ID.String(),
				"parent": it.Parent,
			})
			left, right = nil, nil
		}
	}

	d.store(it.Parent).Integrate(it, left, right)
	if err := d.index.Add(it); err != nil {
		panic(err)
	}
	tx.markAdded(it)

	for _, r := range d.deleteSet.Overlapping(it.ID.Replica, it.ID.Clock, it.End()) {
		d.deleteRange(tx, it.ID.Replica, r.Start, r.End())
	}
	return integrated
}

func (d *Doc) anchoredIn(anchor *crdt.Item, parent string) bool {
	return anchor == nil || (anchor.Parent == parent && !anchor.IsMapEntry())
}

// GetUpdate returns everything a peer at since is missing: the items (or
// item suffixes) above its state vector, the full delete set and this
// document's state vector. A nil since yields the full state.
func (d *Doc) GetUpdate(since crdt.StateVector) *Update {
	u := &Update{
		Origin:      d.replica,
		Deletions:   d.deleteSet.Clone(),
		StateVector: d.StateVector(),
	}
	for _, replica := range d.index.Replicas() {
		from := since.Get(replica)
		for _, it := range d.index.Items(replica) {
			switch {
			case it.End()-1 <= from:
			case it.ID.Clock <= from:
				u.Items = append(u.Items, it.Slice(int(from+1-it.ID.Clock)))
			default:
				u.Items = append(u.Items, it.Detach())
			}
		}
	}
	return u
}
