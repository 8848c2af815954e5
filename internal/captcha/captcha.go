// Package captcha implements the admission collaborator named in
// SPEC_FULL.md §4.D: issue() -> (id, challenge), verify(id, answer) -> bool,
// one-time-use, with a CAPTCHA_TTL expiry. CAPTCHA image rendering is
// explicitly out of scope (§1); this package only owns the challenge/answer
// lifecycle that the HTTP layer's image generator sits in front of.
package captcha

import (
	"crypto/rand"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/g-verdex/ctf-easy-per-deploy/internal/log"
)

const charset = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // no 0/O/1/I, easy to read back

// Challenge is one issued CAPTCHA pending verification.
type Challenge struct {
	ID        string
	Answer    string
	ExpiresAt time.Time
	used      bool
}

// Store issues and verifies CAPTCHA challenges, holding them in memory with
// a TTL (grounded on the original ctf_captcha.py in-memory challenge table).
type Store struct {
	mu         sync.Mutex
	challenges map[string]*Challenge
	ttl        time.Duration
	length     int
}

// New constructs a Store with the given answer length and time-to-live.
func New(length int, ttl time.Duration) *Store {
	if length <= 0 {
		length = 5
	}
	return &Store{
		challenges: make(map[string]*Challenge),
		ttl:        ttl,
		length:     length,
	}
}

// Issue mints a new challenge and returns its id and the human-readable
// challenge text (what the image generator renders).
func (s *Store) Issue() (id string, challengeText string, err error) {
	answer, err := randomAnswer(s.length)
	if err != nil {
		return "", "", err
	}
	id = uuid.NewString()

	s.mu.Lock()
	s.challenges[id] = &Challenge{ID: id, Answer: answer, ExpiresAt: time.Now().Add(s.ttl)}
	s.mu.Unlock()

	return id, answer, nil
}

// Verify checks id/answer, consuming the challenge on any verification
// attempt (one-time-use, §4.D.2): a repeat call with the correct answer
// fails because the challenge is already gone.
func (s *Store) Verify(id, answer string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.challenges[id]
	if !ok {
		return false
	}
	delete(s.challenges, id)

	if c.used || time.Now().After(c.ExpiresAt) {
		return false
	}
	return equalFold(c.Answer, answer)
}

// Sweep drops expired, unconsumed challenges. Intended to be called
// periodically alongside the lease sweeper so the map doesn't grow
// unbounded under load.
func (s *Store) Sweep() int {
	logger := log.WithComponent("captcha")
	now := time.Now()
	n := 0

	s.mu.Lock()
	for id, c := range s.challenges {
		if now.After(c.ExpiresAt) {
			delete(s.challenges, id)
			n++
		}
	}
	s.mu.Unlock()

	if n > 0 {
		logger.Debug().Int("count", n).Msg("swept expired captcha challenges")
	}
	return n
}

func randomAnswer(length int) (string, error) {
	out := make([]byte, length)
	max := big.NewInt(int64(len(charset)))
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = charset[n.Int64()]
	}
	return string(out), nil
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if ca >= 'a' && ca <= 'z' {
			ca -= 'a' - 'A'
		}
		if cb >= 'a' && cb <= 'z' {
			cb -= 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
