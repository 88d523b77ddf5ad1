package license

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// Alphabet excludes 0, O, 1 and I so keys can be read back over the phone.
const Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	groupCount  = 4
	groupLength = 4
	maxAttempts = 10
)

var ErrExhausted = errors.New("license: could not generate an unused key")

// Store reports whether a key has already been issued.
type Store interface {
	LicenseKeyExists(ctx context.Context, key string) (bool, error)
}

// Generator produces keys in the form PREFIX-XXXX-XXXX-XXXX-XXXX.
type Generator struct {
	prefix string
	store  Store
}

func NewGenerator(prefix string, store Store) *Generator {
	prefix = strings.ToUpper(strings.TrimSpace(prefix))
	if prefix == "" {
		prefix = "KEY"
	}
	return &Generator{prefix: prefix, store: store}
}

// Generate returns a key that is not yet in the store. The primary key on
// licenses remains the final guard at insert time.
func (g *Generator) Generate(ctx context.Context) (string, error) {
	return g.generate(ctx, nil)
}

// GenerateN returns n keys that are unused and distinct from each other.
func (g *Generator) GenerateN(ctx context.Context, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	seen := make(map[string]struct{}, n)
	keys := make([]string, 0, n)
	for i := 0; i < n; i++ {
		key, err := g.generate(ctx, seen)
		if err != nil {
			return nil, err
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	return keys, nil
}

func (g *Generator) generate(ctx context.Context, seen map[string]struct{}) (string, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		key, err := NewKey(g.prefix)
		if err != nil {
			return "", err
		}
		if _, dup := seen[key]; dup {
			continue
		}
		if g.store != nil {
			exists, err := g.store.LicenseKeyExists(ctx, key)
			if err != nil {
				return "", fmt.Errorf("check license key: %w", err)
			}
			if exists {
				continue
			}
		}
		return key, nil
	}
	return "", ErrExhausted
}

// NewKey builds one random key without checking for collisions.
func NewKey(prefix string) (string, error) {
	var b strings.Builder
	b.Grow(len(prefix) + groupCount*(groupLength+1))
	b.WriteString(prefix)

	max := big.NewInt(int64(len(Alphabet)))
	for g := 0; g < groupCount; g++ {
		b.WriteByte('-')
		for i := 0; i < groupLength; i++ {
			n, err := rand.Int(rand.Reader, max)
			if err != nil {
				return "", fmt.Errorf("read random: %w", err)
			}
			b.WriteByte(Alphabet[n.Int64()])
		}
	}
	return b.String(), nil
}

// Valid reports whether key has the expected shape for prefix.
func Valid(prefix, key string) bool {
	parts := strings.Split(key, "-")
	if len(parts) != groupCount+1 || parts[0] != prefix {
		return false
	}
	for _, p := range parts[1:] {
		if len(p) != groupLength {
			return false
		}
		for i := 0; i < len(p); i++ {
			if strings.IndexByte(Alphabet, p[i]) < 0 {
				return false
			}
		}
	}
	return true
}
