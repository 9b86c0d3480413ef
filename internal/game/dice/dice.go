// Package dice provides the server-side randomness used to resolve ROLL_DICE
// commands. Clients never supply or influence a result.
package dice

import (
	"crypto/rand"
	"fmt"
	"math/big"
	mrand "math/rand/v2"
	"sync"

	"go.uber.org/zap"
)

// Source is the randomness provider for dice rolls.
//
// Implementations MUST be safe for concurrent use.
type Source interface {
	// Intn returns a non-negative random int in [0, n).
	//
	// Precondition: n > 0.
	Intn(n int) int
}

// cryptoSource implements Source using crypto/rand.
//
// Invariant: values are uniformly distributed in [0, n) for any n > 0.
type cryptoSource struct{}

// NewCryptoSource returns a Source backed by crypto/rand.
func NewCryptoSource() Source {
	return cryptoSource{}
}

// Intn returns a cryptographically secure random int in [0, n).
//
// Precondition: n > 0. Panics if n <= 0 or crypto/rand fails.
func (cryptoSource) Intn(n int) int {
	if n <= 0 {
		panic("dice: Intn called with n <= 0")
	}
	val, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		panic("dice: crypto/rand failure: " + err.Error())
	}
	return int(val.Int64())
}

// seededSource is a deterministic Source for tests and simulations.
type seededSource struct {
	mu  sync.Mutex
	rng *mrand.Rand
}

// NewSeededSource returns a deterministic Source. Two sources created with the
// same seed produce the same sequence.
func NewSeededSource(seed uint64) Source {
	return &seededSource{rng: mrand.New(mrand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (s *seededSource) Intn(n int) int {
	if n <= 0 {
		panic("dice: Intn called with n <= 0")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.IntN(n)
}

// Roller wraps a Source and logs every roll at debug level.
type Roller struct {
	src    Source
	logger *zap.Logger
}

// NewLoggedRoller creates a Roller that rolls with src and logs each roll to logger.
//
// Precondition: src and logger must be non-nil.
func NewLoggedRoller(src Source, logger *zap.Logger) *Roller {
	return &Roller{src: src, logger: logger}
}

// Roll returns a result uniformly distributed in [1, sides].
//
// Precondition: sides >= 2.
// Postcondition: 1 <= result <= sides, or a non-nil error.
func (r *Roller) Roll(sides int) (int, error) {
	if sides < 2 {
		return 0, fmt.Errorf("dice: sides must be >= 2, got %d", sides)
	}
	result := r.src.Intn(sides) + 1
	r.logger.Debug("dice roll",
		zap.Int("sides", sides),
		zap.Int("result", result),
	)
	return result, nil
}
