package usecase

import (
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// IDSource generates monotonic ULIDs for run IDs and synthetic tool-call IDs.
// It is owned by whoever constructs the engine so concurrent engines in tests
// do not share entropy state.
type IDSource struct {
	mu      sync.Mutex
	entropy io.Reader
	now     func() time.Time
}

// NewIDSource creates an IDSource seeded from the current time.
func NewIDSource() *IDSource {
	t := time.Now()
	return &IDSource{
		entropy: ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0),
		now:     time.Now,
	}
}

// New returns a fresh ULID string.
func (s *IDSource) New() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(s.now()), s.entropy).String()
}

// CallID returns an ID in the form completion APIs use for tool calls.
func (s *IDSource) CallID() string {
	return "call_" + s.New()
}
