// Package timetable loads and diffs the per-day stream-directive document
// that drives which streams the engine runs.
package timetable

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
)

// Directive is a single stream directive from the timetable file.
type Directive struct {
	StreamID   string `json:"stream" yaml:"stream"`
	Instrument string `json:"instrument" yaml:"instrument"` // canonical instrument
	Session    string `json:"session" yaml:"session"`
	SlotTime   string `json:"slot_time" yaml:"slot_time"` // "HH:MM" Chicago
	Enabled    bool   `json:"enabled" yaml:"enabled"`
}

// Metadata carries optional per-day flags.
type Metadata struct {
	Replay bool `json:"replay" yaml:"replay"`
}

// Contract is the parsed timetable document for one trading date.
type Contract struct {
	TradingDate string      `json:"trading_date" yaml:"trading_date"`
	Timezone    string      `json:"timezone" yaml:"timezone"`
	Streams     []Directive `json:"streams" yaml:"streams"`
	MetadataRaw *Metadata   `json:"metadata,omitempty" yaml:"metadata,omitempty"`

	hash string // content hash at load time, used for reactivity guards
}

// RequiredTimezone is the only timezone a timetable may declare.
const RequiredTimezone = "America/Chicago"

// Load reads and validates a timetable file, computing its content hash.
func Load(path string) (*Contract, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is an operator-provided config path
	if err != nil {
		return nil, fmt.Errorf("reading timetable %q: %w", path, err)
	}

	var c Contract
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing timetable %q: %w", path, err)
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid timetable %q: %w", path, err)
	}

	sum := sha256.Sum256(data)
	c.hash = hex.EncodeToString(sum[:])

	return &c, nil
}

// Validate enforces §4.3's structural rules.
func (c *Contract) Validate() error {
	if c.Timezone != RequiredTimezone {
		return fmt.Errorf("timezone must be %q, got %q", RequiredTimezone, c.Timezone)
	}
	if c.TradingDate == "" {
		return fmt.Errorf("trading_date is required")
	}
	return nil
}

// Hash returns the content hash computed at load time, used to detect
// whether a reload actually changed anything.
func (c *Contract) Hash() string {
	return c.hash
}

// Enabled returns only the enabled directive subset.
func (c *Contract) Enabled() []Directive {
	out := make([]Directive, 0, len(c.Streams))
	for _, d := range c.Streams {
		if d.Enabled {
			out = append(out, d)
		}
	}
	return out
}

// IsReplay reports whether the optional replay metadata flag is set.
func (c *Contract) IsReplay() bool {
	return c.MetadataRaw != nil && c.MetadataRaw.Replay
}

// Diff classifies the difference between an old and new set of directives
// for directives matching a running canonical market.
type Diff struct {
	New     []Directive // directives with no prior counterpart by stream id
	Updated []Directive // directives whose slot-time (or other fields) changed
	Skipped []Directive // directives that do not match the running canonical market
}

// DiffDirectives compares newDirs against oldDirs (by stream id), returning
// which are new, which changed, and which don't match runningCanonical.
// Directives matching runningCanonical are classified New/Updated;
// directives that don't match are classified Skipped (CANONICAL_MISMATCH).
func DiffDirectives(oldDirs, newDirs []Directive, runningCanonical string) Diff {
	oldByID := make(map[string]Directive, len(oldDirs))
	for _, d := range oldDirs {
		oldByID[d.StreamID] = d
	}

	var diff Diff
	for _, nd := range newDirs {
		if nd.Instrument != runningCanonical {
			diff.Skipped = append(diff.Skipped, nd)
			continue
		}
		old, existed := oldByID[nd.StreamID]
		switch {
		case !existed:
			diff.New = append(diff.New, nd)
		case old.SlotTime != nd.SlotTime || old.Session != nd.Session || old.Enabled != nd.Enabled:
			diff.Updated = append(diff.Updated, nd)
		}
	}
	return diff
}
