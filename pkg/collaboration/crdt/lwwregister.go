package crdt

// LWWRegister is a Last-Write-Wins register ordered by logical clock. The
// zero value is empty.
type LWWRegister struct {
	value   interface{}
	clock   uint64
	replica ReplicaID
	set     bool
}

// Wins reports whether a write stamped (clock, replica) beats the one held.
// A higher clock wins; equal clocks fall back to the higher replica id, so a
// replica can never overwrite its own write with the same clock.
func (r *LWWRegister) Wins(clock uint64, replica ReplicaID) bool {
	if !r.set {
		return true
	}
	return clock > r.clock || (clock == r.clock && replica > r.replica)
}

// Set stores value if the write wins and reports whether it did.
func (r *LWWRegister) Set(value interface{}, clock uint64, replica ReplicaID) bool {
	if !r.Wins(clock, replica) {
		return false
	}
	r.value = value
	r.clock = clock
	r.replica = replica
	r.set = true
	return true
}

// Get returns the current value
func (r *LWWRegister) Get() interface{} {
	return r.value
}
