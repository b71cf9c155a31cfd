// Package policy loads the per-canonical-market execution-instrument policy:
// which execution instruments are enabled and at what size.
package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
)

// Entry is the enabled/size policy for one execution instrument.
type Entry struct {
	Enabled  bool `json:"enabled"`
	BaseSize int  `json:"base_size"`
	MaxSize  int  `json:"max_size"`
}

// CanonicalMarket holds the execution-instrument policy entries for one
// canonical market.
type CanonicalMarket struct {
	ExecutionInstruments map[string]Entry `json:"execution_instruments"`
}

// Policy is the immutable, load-once execution policy document.
type Policy struct {
	CanonicalMarkets map[string]CanonicalMarket `json:"canonical_markets"`

	hash string
}

// Load reads, validates, and hashes the execution-policy file.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is an operator-provided config path
	if err != nil {
		return nil, fmt.Errorf("reading execution policy %q: %w", path, err)
	}

	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing execution policy %q: %w", path, err)
	}

	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid execution policy %q: %w", path, err)
	}

	sum := sha256.Sum256(data)
	p.hash = hex.EncodeToString(sum[:])

	return &p, nil
}

// Validate enforces the base_size/max_size boundary rule from §8.
func (p *Policy) Validate() error {
	for canon, cm := range p.CanonicalMarkets {
		for exec, entry := range cm.ExecutionInstruments {
			if !entry.Enabled {
				continue
			}
			if entry.BaseSize <= 0 {
				return fmt.Errorf("canonical market %q execution %q: base_size must be > 0", canon, exec)
			}
			if entry.BaseSize > entry.MaxSize {
				return fmt.Errorf("canonical market %q execution %q: base_size (%d) must be <= max_size (%d)",
					canon, exec, entry.BaseSize, entry.MaxSize)
			}
		}
	}
	return nil
}

// Hash returns the content hash computed at load time.
func (p *Policy) Hash() string {
	return p.hash
}

// Lookup returns the policy entry for (canonical, execution), and whether
// it was found at all.
func (p *Policy) Lookup(canonical, execution string) (Entry, bool) {
	cm, ok := p.CanonicalMarkets[canonical]
	if !ok {
		return Entry{}, false
	}
	entry, ok := cm.ExecutionInstruments[execution]
	return entry, ok
}

// IsEnabled reports whether (canonical, execution) is enabled in policy.
func (p *Policy) IsEnabled(canonical, execution string) bool {
	entry, ok := p.Lookup(canonical, execution)
	return ok && entry.Enabled
}

// Quantity resolves the order quantity for (canonical, execution) from
// policy's base_size. Chart-trader / UI-supplied quantities are never
// consulted — policy.base_size is the sole source of truth.
func (p *Policy) Quantity(canonical, execution string) (int, error) {
	entry, ok := p.Lookup(canonical, execution)
	if !ok || !entry.Enabled {
		return 0, fmt.Errorf("execution instrument %q is not enabled for canonical market %q", execution, canonical)
	}
	return entry.BaseSize, nil
}
