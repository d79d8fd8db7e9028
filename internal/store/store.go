// Package store is the only place raw document data is parsed. It owns the
// translation between the persisted shape of availability maps, visits, and
// reminder markers and their typed in-memory forms.
package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrVisitExists   = errors.New("visit already exists for this slot")
	ErrVisitNotFound = errors.New("visit not found")
)

// Visit is a committed booking. Created exactly once per successful booking
// and never mutated afterwards.
type Visit struct {
	ID        uuid.UUID
	DoctorID  uuid.UUID
	PatientID uuid.UUID
	SlotTS    int64
	CreatedAt time.Time
}

// ReminderMarker records that a notification has already been dispatched for
// a visit. Presence of the marker makes notification scans idempotent.
type ReminderMarker struct {
	Key       string
	PatientID uuid.UUID
	VisitID   uuid.UUID
	SentAt    time.Time
}

// MarkerKey builds the canonical marker key for a visit, optionally
// namespaced by the trigger that produced the notification.
func MarkerKey(namespace string, patientID, visitID uuid.UUID) string {
	if namespace == "" {
		return fmt.Sprintf("%s_%s", patientID, visitID)
	}
	return fmt.Sprintf("%s_%s_%s", namespace, patientID, visitID)
}

type EventLog struct {
	ID        int64
	EventType string
	VisitID   *uuid.UUID
	Payload   []byte
	CreatedAt time.Time
}

// AdapterError wraps a storage or network failure. Callers must treat it as
// "outcome unknown" and never assume partial success.
type AdapterError struct {
	Op  string
	Err error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

func adapterErr(op string, err error) error {
	return &AdapterError{Op: op, Err: err}
}
