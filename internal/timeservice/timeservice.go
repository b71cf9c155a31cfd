// Package timeservice converts between UTC and America/Chicago civil time
// and constructs absolute instants from trading-date/slot-time pairs.
//
// Chicago civil time is authoritative: a (date, "HH:MM") pair is resolved
// in the Chicago location first, and the UTC instant is derived from it.
package timeservice

import (
	"fmt"
	"time"
)

const (
	// ChicagoTZ is the canonical IANA zone name for this engine.
	ChicagoTZ = "America/Chicago"

	hhmmLayout  = "15:04"
	dateLayout  = "2006-01-02"
)

// Service provides Chicago/UTC conversions backed by a cached *time.Location.
type Service struct {
	loc *time.Location
}

// New loads the America/Chicago location once and returns a reusable Service.
func New() (*Service, error) {
	loc, err := time.LoadLocation(ChicagoTZ)
	if err != nil {
		return nil, fmt.Errorf("loading %s location: %w", ChicagoTZ, err)
	}
	return &Service{loc: loc}, nil
}

// Location returns the cached America/Chicago *time.Location.
func (s *Service) Location() *time.Location {
	return s.loc
}

// ConstructChicago builds an absolute instant from a calendar date
// ("YYYY-MM-DD") and a wall-clock time ("HH:MM"), both interpreted in
// America/Chicago. The returned time.Time carries the Chicago location;
// callers that need UTC should call .UTC() or ChicagoToUTC.
func (s *Service) ConstructChicago(date, hhmm string) (time.Time, error) {
	d, err := time.ParseInLocation(dateLayout, date, s.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid trading date %q: %w", date, err)
	}
	clock, err := time.ParseInLocation(hhmmLayout, hhmm, s.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid HH:MM %q: %w", hhmm, err)
	}
	return time.Date(d.Year(), d.Month(), d.Day(), clock.Hour(), clock.Minute(), 0, 0, s.loc), nil
}

// UTCToChicago converts an instant to its America/Chicago zoned representation.
func (s *Service) UTCToChicago(instant time.Time) time.Time {
	return instant.In(s.loc)
}

// ChicagoToUTC converts a Chicago-zoned civil time to its UTC instant.
// The zoned value is first-class; UTC is always derived from it, never
// assumed.
func (s *Service) ChicagoToUTC(zoned time.Time) time.Time {
	return zoned.In(s.loc).UTC()
}

// ChicagoDateOf returns the Chicago calendar date ("YYYY-MM-DD") in which
// the given instant falls.
func (s *Service) ChicagoDateOf(instant time.Time) string {
	return instant.In(s.loc).Format(dateLayout)
}

// IsDSTTransitionAmbiguous reports whether the civil wall-clock time named
// by (date, hhmm) could map to two distinct UTC instants (the "fall back"
// fold) or no instant at all (the "spring forward" gap). Detected by
// comparing the zone offset one hour before and one hour after the
// constructed instant with its own offset; any difference indicates a
// transition. Wall-clock times within an hour of a transition are reported
// as well, even when they are not themselves ambiguous.
func (s *Service) IsDSTTransitionAmbiguous(date, hhmm string) (bool, error) {
	instant, err := s.ConstructChicago(date, hhmm)
	if err != nil {
		return false, err
	}
	_, beforeOffset := instant.Add(-time.Hour).Zone()
	_, afterOffset := instant.Add(time.Hour).Zone()
	_, atOffset := instant.Zone()
	return beforeOffset != atOffset || atOffset != afterOffset, nil
}
