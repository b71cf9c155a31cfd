package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Intent is the composed, deterministically-hashed description of a
// would-be trade. IntentID is the idempotency key: two Intents built from
// identical fields always hash to the same ID.
type Intent struct {
	TradingDate        string
	StreamID            string
	Instrument          string // execution instrument
	Session             string
	SlotTime            string // "HH:MM" Chicago
	Direction           Direction
	Entry               float64
	Stop                float64
	Target              float64
	BETrigger           float64
	BEStop              float64
	EntryTimeUTC        time.Time
	TriggerReason       TriggerReason
	Qty                 int // not part of the identity hash; resolved from policy
}

// IntentID computes the deterministic SHA-256 hash of the fields named by
// §3's Intent entity: (trading_date, stream_id, instrument, session,
// slot_time, direction, entry, stop, target, BE-trigger, entry-time,
// trigger-reason). Quantity is deliberately excluded — it is a policy
// attribute, not part of trade identity.
func (i Intent) IntentID() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%s|%.8f|%.8f|%.8f|%.8f|%d|%s",
		i.TradingDate,
		i.StreamID,
		i.Instrument,
		i.Session,
		i.SlotTime,
		i.Direction,
		i.Entry,
		i.Stop,
		i.Target,
		i.BETrigger,
		i.EntryTimeUTC.UnixNano(),
		i.TriggerReason,
	)
	return hex.EncodeToString(h.Sum(nil))
}
