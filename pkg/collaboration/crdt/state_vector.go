package crdt

import "sort"

// StateVector maps each replica to the highest clock integrated from it.
// Clocks are contiguous per replica, so a value of n means clocks 1..n are
// all present.
type StateVector map[ReplicaID]uint64

// NewStateVector creates an empty state vector
func NewStateVector() StateVector {
	return make(StateVector)
}

// Get returns the clock recorded for replica, or 0.
func (sv StateVector) Get(replica ReplicaID) uint64 {
	return sv[replica]
}

// Set records clock for replica if it is higher than the current value.
func (sv StateVector) Set(replica ReplicaID, clock uint64) {
	if clock > sv[replica] {
		sv[replica] = clock
	}
}

// Merge takes the per-replica maximum of both vectors.
func (sv StateVector) Merge(other StateVector) {
	for replica, clock := range other {
		sv.Set(replica, clock)
	}
}

// Clone creates an independent copy
func (sv StateVector) Clone() StateVector {
	clone := make(StateVector, len(sv))
	for k, v := range sv {
		clone[k] = v
	}
	return clone
}

// Equal treats missing entries as zero.
func (sv StateVector) Equal(other StateVector) bool {
	for replica, clock := range sv {
		if other[replica] != clock {
			return false
		}
	}
	for replica, clock := range other {
		if sv[replica] != clock {
			return false
		}
	}
	return true
}

// Covers reports whether every clock in other is already reflected in sv.
func (sv StateVector) Covers(other StateVector) bool {
	for replica, clock := range other {
		if sv[replica] < clock {
			return false
		}
	}
	return true
}

// Replicas returns the replicas with a non-zero clock, sorted.
func (sv StateVector) Replicas() []ReplicaID {
	replicas := make([]ReplicaID, 0, len(sv))
	for replica, clock := range sv {
		if clock > 0 {
			replicas = append(replicas, replica)
		}
	}
	sort.Slice(replicas, func(i, j int) bool { return replicas[i] < replicas[j] })
	return replicas
}
