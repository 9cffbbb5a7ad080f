// Package awareness tracks the ephemeral presence of the participants in a
// room: cursors, selections, user names. Each replica owns one state that it
// overwrites with a higher clock; peers that stay silent longer than the
// timeout are dropped.
package awareness

import (
	"errors"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/developer-mesh/collabsync/pkg/collaboration/crdt"
	"github.com/developer-mesh/collabsync/pkg/observability"
)

// Default timings
const (
	DefaultTimeout = 30 * time.Second
)

// Errors
var (
	ErrStopped        = errors.New("awareness: stopped")
	ErrAlreadyStarted = errors.New("awareness: already started")
)

// State is the presence of one replica. A nil State map means the replica
// left.
type State struct {
	Replica   crdt.ReplicaID         `json:"replica"`
	Clock     uint64                 `json:"clock"`
	State     map[string]interface{} `json:"state"`
	Timestamp int64                  `json:"timestamp"`
}

// Change lists the replicas whose presence changed.
type Change struct {
	Added   []crdt.ReplicaID `json:"added"`
	Updated []crdt.ReplicaID `json:"updated"`
	Removed []crdt.ReplicaID `json:"removed"`
}

// IsEmpty reports whether nothing changed.
func (c Change) IsEmpty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

// metaRetention is how many timeouts the last clock of an absent replica is
// remembered for.
const metaRetention = 3

type meta struct {
	clock    uint64
	received time.Time
}

// Awareness holds the local presence state and the last known state of every
// remote replica. It is safe for concurrent use; listeners are called without
// the internal lock held.
type Awareness struct {
	mu sync.Mutex

	replica    crdt.ReplicaID
	local      State
	localSetAt time.Time
	states     map[crdt.ReplicaID]State
	meta       map[crdt.ReplicaID]meta

	timeout    time.Duration
	gcInterval time.Duration
	now        func() time.Time

	onUpdate    func(State)
	subscribers map[int]func(Change)
	nextSub     int

	started bool
	stopped bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	logger  observability.Logger
	metrics *observability.Metrics
}

// Option configures an Awareness
type Option func(*Awareness)

// WithTimeout sets how long a silent peer is kept. The local state is renewed
// every half timeout so that peers using the same timeout keep it.
func WithTimeout(d time.Duration) Option {
	return func(a *Awareness) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithGCInterval sets how often silent peers are swept. Defaults to half the
// timeout.
func WithGCInterval(d time.Duration) Option {
	return func(a *Awareness) {
		if d > 0 {
			a.gcInterval = d
		}
	}
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Awareness) {
		if now != nil {
			a.now = now
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger observability.Logger) Option {
	return func(a *Awareness) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithMetrics records peer counts and evictions in m.
func WithMetrics(m *observability.Metrics) Option {
	return func(a *Awareness) {
		a.metrics = m
	}
}

// New creates the awareness of replica with an empty local state.
func New(replica crdt.ReplicaID, opts ...Option) *Awareness {
	a := &Awareness{
		replica:     replica,
		states:      make(map[crdt.ReplicaID]State),
		meta:        make(map[crdt.ReplicaID]meta),
		timeout:     DefaultTimeout,
		now:         time.Now,
		subscribers: make(map[int]func(Change)),
		stopCh:      make(chan struct{}),
		logger:      observability.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.gcInterval == 0 {
		a.gcInterval = a.timeout / 2
	}
	a.localSetAt = a.now()
	a.local = State{
		Replica:   replica,
		State:     map[string]interface{}{},
		Timestamp: a.localSetAt.UnixMilli(),
	}
	return a
}

// Replica returns the local replica id.
func (a *Awareness) Replica() crdt.ReplicaID {
	return a.replica
}

// Start begins the periodic sweep and emits the local state through onUpdate,
// which also receives every later local change.
func (a *Awareness) Start(onUpdate func(State)) error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return ErrStopped
	}
	if a.started {
		a.mu.Unlock()
		return ErrAlreadyStarted
	}
	a.started = true
	a.onUpdate = onUpdate
	local := a.copyLocal()
	a.mu.Unlock()

	a.wg.Add(1)
	go a.gcLoop()

	if onUpdate != nil {
		onUpdate(local)
	}
	return nil
}

func (a *Awareness) gcLoop() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.GC()
		}
	}
}

// Stop ends the sweep and announces that the local replica left. Calling it
// again does nothing.
func (a *Awareness) Stop() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	started := a.started
	a.local.Clock++
	a.local.State = nil
	a.local.Timestamp = a.now().UnixMilli()
	leave := a.copyLocal()
	onUpdate := a.onUpdate
	a.mu.Unlock()

	close(a.stopCh)
	a.wg.Wait()

	if started && onUpdate != nil {
		onUpdate(leave)
	}
}

// LocalState returns a copy of the local state.
func (a *Awareness) LocalState() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.copyLocal()
}

// SetLocalState replaces the local state.
func (a *Awareness) SetLocalState(state map[string]interface{}) error {
	return a.setLocal(func(map[string]interface{}) map[string]interface{} {
		return copyMap(state)
	})
}

// UpdateLocalState merges partial into the local state, key by key.
func (a *Awareness) UpdateLocalState(partial map[string]interface{}) error {
	return a.setLocal(func(current map[string]interface{}) map[string]interface{} {
		merged := copyMap(current)
		if merged == nil {
			merged = make(map[string]interface{}, len(partial))
		}
		for k, v := range partial {
			merged[k] = v
		}
		return merged
	})
}

func (a *Awareness) setLocal(next func(map[string]interface{}) map[string]interface{}) error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return ErrStopped
	}
	a.local.State = next(a.local.State)
	a.local.Clock++
	a.localSetAt = a.now()
	a.local.Timestamp = a.localSetAt.UnixMilli()
	local := a.copyLocal()
	onUpdate := a.onUpdate
	a.mu.Unlock()

	if onUpdate != nil {
		onUpdate(local)
	}
	return nil
}

// HandleRemoteUpdate applies the state of another replica. It is accepted
// only if it comes from a different replica with a strictly higher clock than
// anything seen from that replica, and reports whether it was.
func (a *Awareness) HandleRemoteUpdate(state State) bool {
	a.mu.Lock()
	if state.Replica == "" || state.Replica == a.replica {
		a.mu.Unlock()
		return false
	}
	if m, ok := a.meta[state.Replica]; ok && state.Clock <= m.clock {
		a.mu.Unlock()
		return false
	}

	now := a.now()
	a.meta[state.Replica] = meta{clock: state.Clock, received: now}

	var change Change
	previous, present := a.states[state.Replica]
	switch {
	case state.State == nil:
		if present {
			delete(a.states, state.Replica)
			change.Removed = []crdt.ReplicaID{state.Replica}
		}
	default:
		stored := State{
			Replica:   state.Replica,
			Clock:     state.Clock,
			State:     copyMap(state.State),
			Timestamp: now.UnixMilli(),
		}
		a.states[state.Replica] = stored
		if !present {
			change.Added = []crdt.ReplicaID{state.Replica}
		} else if !reflect.DeepEqual(previous.State, stored.State) {
			change.Updated = []crdt.ReplicaID{state.Replica}
		}
	}
	peers := len(a.states)
	subs := a.subscriberList()
	a.mu.Unlock()

	a.metrics.Peers(peers)
	notify(subs, change)
	return true
}

// HandleClientLeave removes replica immediately. Its clock is remembered so
// that delayed states from before the leave are not resurrected.
func (a *Awareness) HandleClientLeave(replica crdt.ReplicaID) {
	a.mu.Lock()
	if _, ok := a.states[replica]; !ok {
		a.mu.Unlock()
		return
	}
	delete(a.states, replica)
	peers := len(a.states)
	subs := a.subscriberList()
	a.mu.Unlock()

	a.metrics.Peers(peers)
	notify(subs, Change{Removed: []crdt.ReplicaID{replica}})
}

// GC evicts remote replicas silent for longer than the timeout, forgets the
// clocks of replicas absent for several timeouts and renews the local state
// once half the timeout has passed since it last changed. The
// periodic sweep calls it; tests may call it directly.
func (a *Awareness) GC() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	now := a.now()

	var removed []crdt.ReplicaID
	for replica := range a.states {
		if now.Sub(a.meta[replica].received) > a.timeout {
			delete(a.states, replica)
			removed = append(removed, replica)
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i] < removed[j] })
	for replica, m := range a.meta {
		if _, ok := a.states[replica]; !ok && now.Sub(m.received) > metaRetention*a.timeout {
			delete(a.meta, replica)
		}
	}

	var renewed *State
	if a.local.State != nil && now.Sub(a.localSetAt) >= a.timeout/2 {
		a.local.Clock++
		a.localSetAt = now
		a.local.Timestamp = now.UnixMilli()
		local := a.copyLocal()
		renewed = &local
	}
	onUpdate := a.onUpdate
	peers := len(a.states)
	subs := a.subscriberList()
	a.mu.Unlock()

	if len(removed) > 0 {
		a.logger.Debug("Evicted silent peers", map[string]interface{}{
			"replica": a.replica,
			"evicted": len(removed),
		})
		a.metrics.Evicted(len(removed))
		a.metrics.Peers(peers)
		notify(subs, Change{Removed: removed})
	}
	if renewed != nil && onUpdate != nil {
		onUpdate(*renewed)
	}
}

// Subscribe registers fn for presence changes. fn is called at once with
// every currently known remote replica reported as added.
func (a *Awareness) Subscribe(fn func(Change)) func() {
	a.mu.Lock()
	id := a.nextSub
	a.nextSub++
	a.subscribers[id] = fn
	known := a.replicasLocked()
	a.mu.Unlock()

	if len(known) > 0 {
		fn(Change{Added: known})
	}
	return func() {
		a.mu.Lock()
		delete(a.subscribers, id)
		a.mu.Unlock()
	}
}

// GetStates returns copies of every present state, the local one included
// unless it left.
func (a *Awareness) GetStates() map[crdt.ReplicaID]State {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[crdt.ReplicaID]State, len(a.states)+1)
	for replica, s := range a.states {
		s.State = copyMap(s.State)
		out[replica] = s
	}
	if a.local.State != nil {
		out[a.replica] = a.copyLocal()
	}
	return out
}

// GetState returns the state of replica.
func (a *Awareness) GetState(replica crdt.ReplicaID) (State, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if replica == a.replica {
		return a.copyLocal(), a.local.State != nil
	}
	s, ok := a.states[replica]
	s.State = copyMap(s.State)
	return s, ok
}

// Replicas returns the present remote replicas, sorted.
func (a *Awareness) Replicas() []crdt.ReplicaID {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.replicasLocked()
}

func (a *Awareness) replicasLocked() []crdt.ReplicaID {
	out := make([]crdt.ReplicaID, 0, len(a.states))
	for replica := range a.states {
		out = append(out, replica)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (a *Awareness) copyLocal() State {
	s := a.local
	s.State = copyMap(s.State)
	return s
}

func (a *Awareness) subscriberList() []func(Change) {
	ids := make([]int, 0, len(a.subscribers))
	for id := range a.subscribers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(Change), len(ids))
	for i, id := range ids {
		out[i] = a.subscribers[id]
	}
	return out
}

func notify(subs []func(Change), change Change) {
	if change.IsEmpty() {
		return
	}
	for _, fn := range subs {
		fn(change)
	}
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
