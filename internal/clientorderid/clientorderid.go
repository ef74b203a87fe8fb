// Package clientorderid generates and parses client-order identifiers
// (spec.md §4.I): STRATEGY-<unix-seconds>-<sequence>-<random>, unique
// within a process via a per-strategy atomic sequence plus a random suffix
// sourced from google/uuid, the teacher's id-generation library.
package clientorderid

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Generator produces client order ids unique within its own lifetime,
// scoped per strategy id.
type Generator struct {
	mu    sync.Mutex
	seqs  map[string]*atomic.Uint64
	nowFn func() time.Time
}

func New() *Generator {
	return &Generator{seqs: make(map[string]*atomic.Uint64), nowFn: time.Now}
}

func (g *Generator) seqFor(strategyID string) *atomic.Uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.seqs[strategyID]
	if !ok {
		s = &atomic.Uint64{}
		g.seqs[strategyID] = s
	}
	return s
}

// Generate builds a new client order id for the given strategy:
// STRATEGY-<unix-seconds>-<sequence>-<random8>.
func (g *Generator) Generate(strategyID string) string {
	seq := g.seqFor(strategyID).Add(1)
	ts := g.nowFn().Unix()
	random := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return fmt.Sprintf("%s-%d-%d-%s", strategyID, ts, seq, random)
}

// Parsed is the decomposed form of a generated client order id.
type Parsed struct {
	StrategyID string
	UnixSec    int64
	Sequence   uint64
	Random     string
}

// Parse decomposes a client order id produced by Generate. The strategy id
// itself may contain hyphens, so parsing anchors on the last three
// hyphen-delimited fields (timestamp, sequence, random) rather than
// splitting from the left.
func Parse(id string) (Parsed, error) {
	parts := strings.Split(id, "-")
	if len(parts) < 4 {
		return Parsed{}, fmt.Errorf("clientorderid: malformed id %q", id)
	}
	n := len(parts)
	randomPart := parts[n-1]
	seqPart := parts[n-2]
	tsPart := parts[n-3]
	strategyID := strings.Join(parts[:n-3], "-")

	ts, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil {
		return Parsed{}, fmt.Errorf("clientorderid: invalid timestamp in %q: %w", id, err)
	}
	seq, err := strconv.ParseUint(seqPart, 10, 64)
	if err != nil {
		return Parsed{}, fmt.Errorf("clientorderid: invalid sequence in %q: %w", id, err)
	}
	return Parsed{StrategyID: strategyID, UnixSec: ts, Sequence: seq, Random: randomPart}, nil
}
