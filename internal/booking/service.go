// Package booking implements the slot booking engine: validation, the
// past-slot guard, and the compare-and-commit sequence that makes double
// booking impossible.
package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medibook/slot-scheduling/internal/clock"
	redisclient "github.com/medibook/slot-scheduling/internal/redis"
	"github.com/medibook/slot-scheduling/internal/slot"
	"github.com/medibook/slot-scheduling/internal/store"
)

const (
	EventVisitBooked = "VISIT_BOOKED"
	EventSlotToggled = "SLOT_TOGGLED"
)

var (
	// ErrSlotUnavailable covers both "not in available state" and "race
	// lost to another patient". The caller should re-fetch open slots.
	ErrSlotUnavailable = errors.New("slot is no longer available")
	// ErrPastSlot rejects bookings of elapsed slots against the trusted
	// clock, never the device clock.
	ErrPastSlot = errors.New("slot is in the past")
	// ErrSlotBooked rejects doctor toggles of a booked slot.
	ErrSlotBooked = errors.New("slot is booked and cannot be toggled")
	// ErrSlotContended means the per-slot lock was held by another
	// request. Transient; the caller may retry shortly.
	ErrSlotContended = errors.New("slot is currently being booked, please retry")
)

// Store is the slice of the availability adapter the engine needs.
type Store interface {
	GetWeeklyAvailability(ctx context.Context, doctorID uuid.UUID) (map[int64]slot.Status, error)
	GetBookedTimestamps(ctx context.Context, doctorID uuid.UUID) (map[int64]struct{}, error)
	SetSlotStatus(ctx context.Context, doctorID uuid.UUID, ts int64, status slot.Status) error
	CreateVisit(ctx context.Context, doctorID, patientID uuid.UUID, ts int64) (*store.Visit, error)
	ListVisitsByPatient(ctx context.Context, patientID uuid.UUID) ([]store.Visit, error)
	InsertEvent(ctx context.Context, ev store.EventLog) error
}

type Service struct {
	store  Store
	locker redisclient.Locker
	clk    clock.Clock
	hours  slot.Hours
	log    zerolog.Logger
}

func NewService(st Store, locker redisclient.Locker, clk clock.Clock, hours slot.Hours, log zerolog.Logger) *Service {
	return &Service{
		store:  st,
		locker: locker,
		clk:    clk,
		hours:  hours,
		log:    log.With().Str("component", "booking").Logger(),
	}
}

// BookVisit atomically books one slot for one patient.
//
// The sequence re-fetches both sources of truth (availability status and the
// visit-derived booked set), rejects past or non-available slots, and then
// commits under a per-slot lock. The conditional visit insert is the
// linearization point: of N concurrent attempts for the same
// (doctor, timestamp), exactly one insert lands. The availability flag
// update afterwards is best-effort; curation repairs it if it is lost.
func (s *Service) BookVisit(ctx context.Context, doctorID, patientID uuid.UUID, ts int64) (*store.Visit, error) {
	if ts != slot.Truncate(ts) || ts <= 0 {
		return nil, fmt.Errorf("%w: %d is not an hour-aligned timestamp", slot.ErrInvalidKey, ts)
	}

	now := s.clk.Now().Unix()
	if ts <= now {
		return nil, ErrPastSlot
	}

	// Never trust a client-cached view of the schedule.
	avail, err := s.store.GetWeeklyAvailability(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	if avail[ts] != slot.StatusAvailable {
		return nil, ErrSlotUnavailable
	}

	booked, err := s.store.GetBookedTimestamps(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	if _, taken := booked[ts]; taken {
		return nil, ErrSlotUnavailable
	}

	var created *store.Visit

	err = s.locker.WithSlotLock(ctx, doctorID, ts, func(lockCtx context.Context) error {
		// Re-check inside the critical section; the pre-lock check only
		// exists to fail fast.
		booked, err := s.store.GetBookedTimestamps(lockCtx, doctorID)
		if err != nil {
			return err
		}
		if _, taken := booked[ts]; taken {
			return ErrSlotUnavailable
		}

		visit, err := s.store.CreateVisit(lockCtx, doctorID, patientID, ts)
		if err != nil {
			if errors.Is(err, store.ErrVisitExists) {
				return ErrSlotUnavailable
			}
			return fmt.Errorf("create visit: %w", err)
		}
		created = visit

		if err := s.store.SetSlotStatus(lockCtx, doctorID, ts, slot.StatusBooked); err != nil {
			// The visit is committed; the flag is a denormalized hint.
			s.log.Warn().Err(err).
				Str("doctor_id", doctorID.String()).
				Int64("slot_ts", ts).
				Msg("availability flag update failed after visit commit, curation will reconcile")
		}

		s.logEvent(lockCtx, visit.ID, EventVisitBooked, map[string]any{
			"doctor_id":  doctorID.String(),
			"patient_id": patientID.String(),
			"slot_ts":    ts,
		})

		return nil
	})

	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrSlotContended
		}
		return nil, err
	}

	return created, nil
}

// GetOpenSlots returns the doctor's bookable timestamps: availability minus
// the visit-derived booked set, future slots only, ascending.
func (s *Service) GetOpenSlots(ctx context.Context, doctorID uuid.UUID) ([]int64, error) {
	avail, err := s.store.GetWeeklyAvailability(ctx, doctorID)
	if err != nil {
		return nil, err
	}

	booked, err := s.store.GetBookedTimestamps(ctx, doctorID)
	if err != nil {
		return nil, err
	}

	now := s.clk.Now().Unix()
	open := make([]int64, 0, len(avail))
	for ts, status := range avail {
		if status != slot.StatusAvailable {
			continue
		}
		if ts <= now {
			continue
		}
		if _, taken := booked[ts]; taken {
			continue
		}
		open = append(open, ts)
	}

	sort.Slice(open, func(i, j int) bool { return open[i] < open[j] })
	return open, nil
}

// ToggleSlot flips a slot between available and unavailable for the owning
// doctor. A slot with no entry yet is published as available, provided it
// falls inside working hours. Booked slots cannot be toggled.
func (s *Service) ToggleSlot(ctx context.Context, doctorID uuid.UUID, ts int64) (slot.Status, error) {
	if ts != slot.Truncate(ts) || ts <= 0 {
		return "", fmt.Errorf("%w: %d is not an hour-aligned timestamp", slot.ErrInvalidKey, ts)
	}

	now := s.clk.Now().Unix()
	if ts <= now {
		return "", ErrPastSlot
	}

	avail, err := s.store.GetWeeklyAvailability(ctx, doctorID)
	if err != nil {
		return "", err
	}

	var next slot.Status
	current, exists := avail[ts]
	switch {
	case !exists:
		hour := time.Unix(ts, 0).UTC().Hour()
		if !s.hours.Contains(hour) {
			return "", fmt.Errorf("%w: hour %d not in [%d, %d)",
				slot.ErrOutsideHours, hour, s.hours.Open, s.hours.Close)
		}
		next = slot.StatusAvailable
	case current == slot.StatusBooked:
		return "", ErrSlotBooked
	case current == slot.StatusAvailable:
		next = slot.StatusUnavailable
	default:
		next = slot.StatusAvailable
	}

	if err := s.store.SetSlotStatus(ctx, doctorID, ts, next); err != nil {
		return "", err
	}

	s.logEvent(ctx, uuid.Nil, EventSlotToggled, map[string]any{
		"doctor_id": doctorID.String(),
		"slot_ts":   ts,
		"status":    string(next),
	})

	return next, nil
}

// ListPatientVisits returns a patient's booked visits, soonest first.
func (s *Service) ListPatientVisits(ctx context.Context, patientID uuid.UUID) ([]store.Visit, error) {
	visits, err := s.store.ListVisitsByPatient(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("list visits by patient: %w", err)
	}
	return visits, nil
}

func (s *Service) logEvent(ctx context.Context, visitID uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Error().Err(err).Str("event_type", eventType).Msg("failed to marshal event payload")
		data = nil
	}

	ev := store.EventLog{
		EventType: eventType,
		Payload:   data,
		CreatedAt: s.clk.Now(),
	}
	if visitID != uuid.Nil {
		id := visitID
		ev.VisitID = &id
	}

	if err := s.store.InsertEvent(ctx, ev); err != nil {
		s.log.Error().Err(err).Str("event_type", eventType).Msg("failed to insert event log")
	}
}
