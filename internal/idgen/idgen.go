// Package idgen generates identifiers: time-sortable UUIDv7 ids for events
// and origins, and short nanoid ids for servers.
package idgen

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	nanoid "github.com/matoous/go-nanoid/v2"
)

// Generator produces unique ids.
type Generator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 ids.
//
// UUIDv7 embeds a timestamp in the most significant bits, so ids sort by
// creation time. This keeps event ids readable in traces.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7 as a hyphenated string.
//
// Panics if UUID generation fails (should never happen in practice).
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// FixedGenerator returns predetermined ids for testing.
//
// Thread-safety: FixedGenerator is safe for concurrent use via internal mutex.
type FixedGenerator struct {
	mu  sync.Mutex
	ids []string
	idx int
}

// NewFixedGenerator creates a generator that returns ids in order.
//
// Example:
//
//	gen := NewFixedGenerator("evt-1", "evt-2")
//	gen.Generate() // "evt-1"
//	gen.Generate() // "evt-2"
//	gen.Generate() // panic: all ids exhausted
func NewFixedGenerator(ids ...string) *FixedGenerator {
	return &FixedGenerator{ids: ids}
}

// Generate returns the next predetermined id.
//
// Panics if all ids have been consumed, to catch test misconfiguration.
func (g *FixedGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.idx >= len(g.ids) {
		panic("FixedGenerator: all ids exhausted")
	}
	id := g.ids[g.idx]
	g.idx++
	return id
}

// SequenceGenerator returns prefix-1, prefix-2, ... It never runs out, which
// suits scenario runs whose id count is not known up front.
type SequenceGenerator struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequenceGenerator creates a sequence generator.
func NewSequenceGenerator(prefix string) *SequenceGenerator {
	return &SequenceGenerator{prefix: prefix}
}

// Generate returns the next id in the sequence.
func (g *SequenceGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}

// ServerPrefix is prepended to generated server ids.
var ServerPrefix = "srv-"

// Alphabet defines the character set used for the random part of server ids.
var Alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Length is the number of random characters in a server id.
var Length = 10

// ServerID returns a new short server id such as "srv-4fZq9LmA2c".
func ServerID() (string, error) {
	id, err := nanoid.Generate(Alphabet, Length)
	if err != nil {
		return "", fmt.Errorf("idgen: %w", err)
	}
	return ServerPrefix + id, nil
}
