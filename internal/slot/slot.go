// Package slot defines the canonical representation of a bookable time unit.
//
// A slot is identified by a Unix timestamp truncated to the top of an hour;
// that key must be computed identically on client and server so that a
// client-submitted timestamp always lands in the same bucket.
package slot

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

type Status string

const (
	StatusAvailable   Status = "available"
	StatusUnavailable Status = "unavailable"
	StatusBooked      Status = "booked"
)

// Duration is the fixed length of every slot.
const Duration = time.Hour

var (
	ErrInvalidStatus = errors.New("invalid slot status")
	ErrInvalidKey    = errors.New("invalid slot key")
	ErrOutsideHours  = errors.New("hour outside working hours")
)

// Valid reports whether s is one of the three permitted status values.
func (s Status) Valid() bool {
	switch s {
	case StatusAvailable, StatusUnavailable, StatusBooked:
		return true
	}
	return false
}

func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
	return s, nil
}

// Entry is the per-slot value stored inside a doctor's availability document.
// The timestamp is duplicated from the key so a single entry is
// self-describing when read in isolation.
type Entry struct {
	Status    Status `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// Hours is a doctor's bookable window, [Open, Close) in hours of the day.
type Hours struct {
	Open  int
	Close int
}

func (h Hours) Contains(hour int) bool {
	return hour >= h.Open && hour < h.Close
}

// Truncate rounds ts down to the top of its hour.
func Truncate(ts int64) int64 {
	secs := int64(Duration / time.Second)
	return ts - ts%secs
}

// KeyFor maps a calendar day plus an hour of that day to a slot key.
// The day's own clock time is ignored; only its UTC date is used.
func KeyFor(day time.Time, hour int, h Hours) (int64, error) {
	if !h.Contains(hour) {
		return 0, fmt.Errorf("%w: hour %d not in [%d, %d)", ErrOutsideHours, hour, h.Open, h.Close)
	}
	d := day.UTC()
	return time.Date(d.Year(), d.Month(), d.Day(), hour, 0, 0, 0, time.UTC).Unix(), nil
}

// FormatKey renders a slot key the way availability documents store it.
func FormatKey(ts int64) string {
	return strconv.FormatInt(ts, 10)
}

// ParseKey parses a string-encoded slot key. Non-numeric keys are corrupt
// data as far as this subsystem is concerned.
func ParseKey(raw string) (int64, error) {
	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidKey, raw)
	}
	if ts <= 0 {
		return 0, fmt.Errorf("%w: %q is not a positive timestamp", ErrInvalidKey, raw)
	}
	return ts, nil
}
