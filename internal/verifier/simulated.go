package verifier

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"fieldops.org/internal/attendance"
	"fieldops.org/internal/obs"
)

// Simulated returns a uniform score in [85,100). It never inspects the image
// and must not be used outside development.
type Simulated struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

var _ attendance.IdentityVerifier = (*Simulated)(nil)

// NewSimulated builds a simulated verifier. A nil source seeds from the clock.
func NewSimulated(src rand.Source) *Simulated {
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	obs.Log("warn", "simulated_identity_verifier", map[string]any{
		"detail": "face match scores are random; do not run in production",
	})
	return &Simulated{rnd: rand.New(src)}
}

func (s *Simulated) Verify(ctx context.Context, _ attendance.VerifyRequest) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return 85 + s.rnd.Float64()*15, nil
}
