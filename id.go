package txcore

import (
	"bytes"
	"time"

	"github.com/google/uuid"
)

// UUID is a thin wrapper over github.com/google/uuid.UUID, kept so that callers of this
// module never need to import the google/uuid package directly.
type UUID uuid.UUID

// NilUUID is the zero-value UUID, used to mean "unset" for optional identifiers.
var NilUUID UUID

// IsNil reports whether id equals the zero-value UUID.
func (id UUID) IsNil() bool {
	return bytes.Equal(id[:], NilUUID[:])
}

// String returns the canonical string representation of the UUID.
func (id UUID) String() string {
	return uuid.UUID(id).String()
}

// ParseUUID converts a string to a UUID, returning an error if it isn't a valid UUID.
// Used when a caller supplies its own stable, opaque transaction identifier rather
// than letting one be generated.
func ParseUUID(s string) (UUID, error) {
	u, err := uuid.Parse(s)
	return UUID(u), err
}

// NewUUID returns a new randomly generated UUID. Generating one is a must for
// transaction/operation identity, so generation failures (vanishingly rare CSPRNG
// errors) are retried a handful of times with a short backoff before giving up.
func NewUUID() UUID {
	var err error
	for i := 0; i < 10; i++ {
		var id uuid.UUID
		id, err = uuid.NewRandom()
		if err == nil {
			return UUID(id)
		}
		time.Sleep(time.Millisecond)
	}
	panic(err)
}
