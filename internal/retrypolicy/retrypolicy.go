// Package retrypolicy implements the broker's retry backoff as a pure
// function of retry count and task kind, per spec §4.2. The only
// non-determinism is jitter, which callers control by passing their own
// *rand.Rand so tests can seed it.
package retrypolicy

import (
	"math/rand"
	"sync"
	"time"

	"github.com/basket/brokerd/internal/domain"
)

// Params holds the per-kind backoff parameters of spec §4.2's table.
type Params struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64 // fraction f: factor drawn from [1-f, 1+f]
}

// defaults is the per-kind table from spec §4.2. Values are overridden
// at runtime via config keys retry.<kind>.{base,max,mult,jitter}.
var defaults = map[domain.Kind]Params{
	domain.KindObservation:    {Base: 500 * time.Millisecond, Max: 30 * time.Second, Multiplier: 2, Jitter: 0.1},
	domain.KindSummarize:      {Base: 1 * time.Second, Max: 60 * time.Second, Multiplier: 2, Jitter: 0.1},
	domain.KindEmbedding:      {Base: 2 * time.Second, Max: 120 * time.Second, Multiplier: 2, Jitter: 0.2},
	domain.KindVectorSync:     {Base: 5 * time.Second, Max: 300 * time.Second, Multiplier: 2, Jitter: 0.3},
	domain.KindDocGen:         {Base: 1 * time.Second, Max: 60 * time.Second, Multiplier: 2, Jitter: 0.1},
	domain.KindContextGen:     {Base: 1 * time.Second, Max: 60 * time.Second, Multiplier: 2, Jitter: 0.1},
	domain.KindSemanticSearch: {Base: 500 * time.Millisecond, Max: 30 * time.Second, Multiplier: 2, Jitter: 0.1},
	domain.KindCompression:    {Base: 1 * time.Second, Max: 60 * time.Second, Multiplier: 2, Jitter: 0.1},
}

// Table is a mutable copy of the per-kind defaults; config overrides
// (retry.<kind>.*) are applied to a Table instance rather than the
// package-level defaults, so tests and concurrent daemons never share
// mutable global state. A mutex guards params since the Dispatcher's
// worker goroutines call Params/Backoff concurrently with a config
// hot-reload calling ReplaceAll.
type Table struct {
	mu     sync.RWMutex
	params map[domain.Kind]Params
}

// NewTable returns a Table seeded with the spec's default parameters.
func NewTable() *Table {
	t := &Table{params: make(map[domain.Kind]Params, len(defaults))}
	for k, v := range defaults {
		t.params[k] = v
	}
	return t
}

// Override replaces the parameters for a single kind, e.g. from a
// retry.<kind>.{base,max,mult,jitter} config key.
func (t *Table) Override(kind domain.Kind, p Params) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.params[kind] = p
}

// ReplaceAll swaps every kind's parameters for those of other in one
// locked step, for a config hot-reload that rebuilt the whole table
// from scratch rather than overriding one kind at a time.
func (t *Table) ReplaceAll(other *Table) {
	other.mu.RLock()
	snapshot := make(map[domain.Kind]Params, len(other.params))
	for k, v := range other.params {
		snapshot[k] = v
	}
	other.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.params = snapshot
}

// Params returns the parameters in effect for kind, falling back to the
// observation defaults if kind is unrecognized (should not happen for
// a ValidKind).
func (t *Table) Params(kind domain.Kind) Params {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if p, ok := t.params[kind]; ok {
		return p
	}
	return defaults[domain.KindObservation]
}

// Backoff computes backoff(retryCount, kind) per spec §4.2:
//
//	clamp(base * multiplier^retryCount, 0, max) + jitter
//
// jitter is a uniform multiplicative factor in [1-f, 1+f]. rng must be
// non-nil; callers that need determinism (tests, P4) pass a seeded
// *rand.Rand, and callers that don't care pass rand.New(rand.NewSource(seed))
// seeded from a real entropy source once at startup.
func (t *Table) Backoff(kind domain.Kind, retryCount int, rng *rand.Rand) time.Duration {
	p := t.Params(kind)
	if retryCount < 0 {
		retryCount = 0
	}

	base := float64(p.Base)
	for i := 0; i < retryCount; i++ {
		base *= p.Multiplier
		if base >= float64(p.Max) {
			base = float64(p.Max)
			break
		}
	}
	if base > float64(p.Max) {
		base = float64(p.Max)
	}

	f := p.Jitter
	factor := 1.0
	if f > 0 {
		factor = 1 - f + rng.Float64()*2*f
	}
	delay := time.Duration(base * factor)
	if delay > p.Max {
		delay = p.Max
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}
