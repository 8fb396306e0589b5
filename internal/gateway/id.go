package gateway

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewULID returns a new lexicographically sortable identifier, grounded in
// the teacher's cmd/identity/ids.NewULID: guest-participant ids and gateway-
// originated envelope ids benefit from the same sort-by-arrival-order
// property the teacher gives its identity-service ids, rather than the
// opaque ordering a plain random hex gives.
func NewULID() string {
	id, err := ulid.New(ulid.Timestamp(time.Now().UTC()), rand.Reader)
	if err != nil {
		panic(fmt.Errorf("ulid generation failed: %w", err))
	}
	return id.String()
}
