// Package curation removes expired slots from published availability maps
// and repairs stale booked flags left behind by partial booking failures.
package curation

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medibook/slot-scheduling/internal/clock"
	"github.com/medibook/slot-scheduling/internal/slot"
)

// Store is the slice of the availability adapter the curation pass needs.
type Store interface {
	ListDoctorIDs(ctx context.Context) ([]uuid.UUID, error)
	GetAvailabilityDocument(ctx context.Context, doctorID uuid.UUID) (map[string]slot.Entry, error)
	ReplaceAvailability(ctx context.Context, doctorID uuid.UUID, entries map[string]slot.Entry) error
	GetBookedTimestamps(ctx context.Context, doctorID uuid.UUID) (map[int64]struct{}, error)
	SetSlotStatus(ctx context.Context, doctorID uuid.UUID, ts int64, status slot.Status) error
}

type Service struct {
	store Store
	clk   clock.Clock
	log   zerolog.Logger
}

func NewService(st Store, clk clock.Clock, log zerolog.Logger) *Service {
	return &Service{
		store: st,
		clk:   clk,
		log:   log.With().Str("component", "curation").Logger(),
	}
}

// CleanExpiredSlots sweeps every doctor's availability document once.
// A failure on one document is logged and the pass moves on; the next run
// picks up from current store state, so abandoning a pass midway is safe.
func (s *Service) CleanExpiredSlots(ctx context.Context) error {
	doctors, err := s.store.ListDoctorIDs(ctx)
	if err != nil {
		return err
	}

	for _, doctorID := range doctors {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.cleanDoctor(ctx, doctorID); err != nil {
			s.log.Error().Err(err).
				Str("doctor_id", doctorID.String()).
				Msg("curation failed for doctor, continuing")
		}
	}

	return nil
}

func (s *Service) cleanDoctor(ctx context.Context, doctorID uuid.UUID) error {
	doc, err := s.store.GetAvailabilityDocument(ctx, doctorID)
	if err != nil {
		return err
	}
	if len(doc) == 0 {
		return nil
	}

	now := s.clk.Now().Unix()

	kept := make(map[string]slot.Entry, len(doc))
	dropped := 0
	for key, entry := range doc {
		ts, err := slot.ParseKey(key)
		if err != nil {
			s.log.Warn().
				Str("doctor_id", doctorID.String()).
				Str("slot_key", key).
				Msg("dropping malformed slot key")
			dropped++
			continue
		}
		if ts < now {
			dropped++
			continue
		}
		// Normalize the embedded timestamp to match the key.
		entry.Timestamp = ts
		kept[key] = entry
	}

	// The whole-map replace is acceptable only here: curation is the sole
	// periodic writer, and a doctor toggle racing this write is a
	// documented, tolerated inconsistency window.
	if dropped > 0 {
		if err := s.store.ReplaceAvailability(ctx, doctorID, kept); err != nil {
			return err
		}
		s.log.Info().
			Str("doctor_id", doctorID.String()).
			Int("dropped", dropped).
			Int("kept", len(kept)).
			Msg("expired slots removed")
	}

	return s.repairBookedFlags(ctx, doctorID, kept)
}

// repairBookedFlags reconciles the denormalized booked flags against the
// visits table, which is authoritative. A future slot with a visit but a
// non-booked flag had its flag write lost during booking; it is re-marked.
// The reverse case (flag booked, no visit) is logged but left alone.
func (s *Service) repairBookedFlags(ctx context.Context, doctorID uuid.UUID, entries map[string]slot.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	booked, err := s.store.GetBookedTimestamps(ctx, doctorID)
	if err != nil {
		return err
	}

	for key, entry := range entries {
		ts, err := slot.ParseKey(key)
		if err != nil {
			continue
		}
		_, hasVisit := booked[ts]

		switch {
		case hasVisit && entry.Status != slot.StatusBooked:
			if err := s.store.SetSlotStatus(ctx, doctorID, ts, slot.StatusBooked); err != nil {
				s.log.Error().Err(err).
					Str("doctor_id", doctorID.String()).
					Int64("slot_ts", ts).
					Msg("failed to repair booked flag")
				continue
			}
			s.log.Info().
				Str("doctor_id", doctorID.String()).
				Int64("slot_ts", ts).
				Msg("repaired missing booked flag")
		case !hasVisit && entry.Status == slot.StatusBooked:
			s.log.Warn().
				Str("doctor_id", doctorID.String()).
				Int64("slot_ts", ts).
				Msg("slot flagged booked with no matching visit")
		}
	}

	return nil
}
