package types

import "github.com/oklog/ulid/v2"

// NewID returns a new ULID string. IDs from one process sort in creation
// order, which is what message ordering relies on.
func NewID() string {
	return ulid.Make().String()
}
