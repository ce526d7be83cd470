package share

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/google/uuid"
)

const (
	codeMin = 1000
	codeMax = 9999

	// DefaultMaxAllocateAttempts bounds the reservation loop.
	DefaultMaxAllocateAttempts = 64
)

// Allocator hands out 4-digit share codes that are unique in the metadata store.
type Allocator struct {
	store       Store
	maxAttempts int
	random      io.Reader
}

// NewAllocator creates an Allocator. maxAttempts <= 0 selects the default.
func NewAllocator(store Store, maxAttempts int) *Allocator {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAllocateAttempts
	}
	return &Allocator{store: store, maxAttempts: maxAttempts, random: rand.Reader}
}

// Reservation is a code held by one upload until it commits or releases it.
type Reservation struct {
	Code  string
	Token string
}

// Allocate reserves a free code. The reservation is an atomic insert-if-absent,
// so two concurrent uploads can never end up holding the same code. The token
// lets the owner commit or release it even if the code was reclaimed and
// reserved again in the meantime.
func (a *Allocator) Allocate(ctx context.Context, now time.Time) (Reservation, error) {
	token := uuid.NewString()
	for attempt := 0; attempt < a.maxAttempts; attempt++ {
		code, err := a.generate()
		if err != nil {
			return Reservation{}, fmt.Errorf("generate code: %w", err)
		}

		err = a.store.Reserve(ctx, code, token, now)
		if err == nil {
			return Reservation{Code: code, Token: token}, nil
		}
		if !errors.Is(err, ErrCodeTaken) {
			return Reservation{}, backend("reserve code", err)
		}
	}
	return Reservation{}, &ExhaustedError{Attempts: a.maxAttempts}
}

// generate draws a code uniformly from [1000, 9999].
func (a *Allocator) generate() (string, error) {
	n, err := rand.Int(a.random, big.NewInt(codeMax-codeMin+1))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d", n.Int64()+codeMin), nil
}
