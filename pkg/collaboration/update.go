package collaboration

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/developer-mesh/collabsync/pkg/collaboration/crdt"
)

// ErrMalformedUpdate is returned when an update fails structural validation.
// A document that rejects an update is left untouched.
var ErrMalformedUpdate = errors.New("malformed update")

// Update is the unit of replication: a set of items, the deletions known to
// the sender and the sender's state vector. Applying the same update twice,
// or updates in any order, yields the same document.
type Update struct {
	Origin      crdt.ReplicaID   `json:"origin,omitempty"`
	Items       []*crdt.Item     `json:"items"`
	Deletions   crdt.IDSet       `json:"deletions"`
	StateVector crdt.StateVector `json:"stateVector"`
}

// IsEmpty reports whether the update carries neither items nor deletions.
func (u *Update) IsEmpty() bool {
	return u == nil || (len(u.Items) == 0 && u.Deletions.IsEmpty())
}

// Validate checks every item and deletion range.
func (u *Update) Validate() error {
	for i, it := range u.Items {
		if it == nil {
			return fmt.Errorf("%w: item %d is null", ErrMalformedUpdate, i)
		}
		if err := it.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
		}
		if it.IsMapEntry() && it.Len() != 1 {
			return fmt.Errorf("%w: map entry %s holds %d values", ErrMalformedUpdate, it.ID, it.Len())
		}
	}
	for replica, ranges := range u.Deletions {
		if replica == "" {
			return fmt.Errorf("%w: deletion without replica", ErrMalformedUpdate)
		}
		for _, r := range ranges {
			if r.Start == 0 || r.Length == 0 {
				return fmt.Errorf("%w: invalid deletion range %s:%d+%d", ErrMalformedUpdate, replica, r.Start, r.Length)
			}
		}
	}
	return nil
}

// EncodeUpdate serializes an update to its JSON wire form.
func EncodeUpdate(u *Update) ([]byte, error) {
	return json.Marshal(u)
}

// DecodeUpdate parses and validates an update.
func DecodeUpdate(data []byte) (*Update, error) {
	var u Update
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	if err := u.Validate(); err != nil {
		return nil, err
	}
	return &u, nil
}
