package ids

import (
	"strconv"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Provider issues identifiers for journal entries, tombstones and conflicts.
type Provider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs a Provider that issues UUIDv7 identifiers.
func NewUUIDProvider() Provider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

type ulidProvider struct{}

// NewULIDProvider constructs a Provider that issues lexicographically sortable ULIDs.
// Sync batch ids use it so that listing batches by id also lists them by creation time.
func NewULIDProvider() Provider {
	return &ulidProvider{}
}

func (p *ulidProvider) NewID() (string, error) {
	return ulid.Make().String(), nil
}

// Sequence is a deterministic Provider for tests.
type Sequence struct {
	Prefix string
	next   int
}

func (s *Sequence) NewID() (string, error) {
	s.next++
	return s.Prefix + "-" + strconv.Itoa(s.next), nil
}
