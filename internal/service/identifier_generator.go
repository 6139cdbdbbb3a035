package service

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"sync"
	"time"

	"github.com/noah-isme/sma-enrollment-sync/internal/models"
)

const (
	uniqueIDSuffixLength   = 6
	uniqueIDSuffixAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	usiTieBreakerRange     = 1000
)

type uniqueIDChecker interface {
	StudentUniqueIDExists(ctx context.Context, studentUniqueID string) (bool, error)
}

// IdentifierGenerator produces compliance student identifiers. Unique ids take
// the form PREFIX-YYYYMMDD-XXXXXX and are checked against the compliance store
// before use.
type IdentifierGenerator struct {
	checker     uniqueIDChecker
	prefix      string
	maxAttempts int
	now         func() time.Time
	random      io.Reader

	mu         sync.Mutex
	lastMillis int64
}

// NewIdentifierGenerator constructs a generator.
func NewIdentifierGenerator(checker uniqueIDChecker, prefix string, maxAttempts int) *IdentifierGenerator {
	if prefix == "" {
		prefix = "ENR"
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &IdentifierGenerator{
		checker:     checker,
		prefix:      prefix,
		maxAttempts: maxAttempts,
		now:         time.Now,
		random:      rand.Reader,
	}
}

// Generate returns a unique id not yet present in the compliance store plus a
// numeric surrogate key.
func (g *IdentifierGenerator) Generate(ctx context.Context) (models.StudentIdentifiers, error) {
	now := g.now().UTC()
	for attempt := 0; attempt < g.maxAttempts; attempt++ {
		suffix, err := g.suffix()
		if err != nil {
			return models.StudentIdentifiers{}, err
		}
		candidate := fmt.Sprintf("%s-%s-%s", g.prefix, now.Format("20060102"), suffix)
		exists, err := g.checker.StudentUniqueIDExists(ctx, candidate)
		if err != nil {
			return models.StudentIdentifiers{}, err
		}
		if exists {
			continue
		}
		usi, err := g.nextUSI()
		if err != nil {
			return models.StudentIdentifiers{}, err
		}
		return models.StudentIdentifiers{StudentUniqueID: candidate, StudentUSI: usi}, nil
	}
	return models.StudentIdentifiers{}, fmt.Errorf("no free student unique id after %d attempts", g.maxAttempts)
}

func (g *IdentifierGenerator) suffix() (string, error) {
	buf := make([]byte, uniqueIDSuffixLength)
	limit := big.NewInt(int64(len(uniqueIDSuffixAlphabet)))
	for i := range buf {
		n, err := rand.Int(g.random, limit)
		if err != nil {
			return "", fmt.Errorf("generate id suffix: %w", err)
		}
		buf[i] = uniqueIDSuffixAlphabet[n.Int64()]
	}
	return string(buf), nil
}

// nextUSI combines a strictly increasing millisecond clock with a random
// tie-breaker in the last three digits.
func (g *IdentifierGenerator) nextUSI() (int64, error) {
	g.mu.Lock()
	millis := g.now().UnixMilli()
	if millis <= g.lastMillis {
		millis = g.lastMillis + 1
	}
	g.lastMillis = millis
	g.mu.Unlock()

	tie, err := rand.Int(g.random, big.NewInt(usiTieBreakerRange))
	if err != nil {
		return 0, fmt.Errorf("generate usi tie-breaker: %w", err)
	}
	return millis*usiTieBreakerRange + tie.Int64(), nil
}
