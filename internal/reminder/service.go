// Package reminder sends visit notifications: a periodic scan for visits
// inside the lookahead window, and a change-triggered booking confirmation.
// Both go through one marker-guarded dispatch routine, so delivery is
// at-least-once and a marker means "already sent".
package reminder

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medibook/slot-scheduling/internal/clock"
	"github.com/medibook/slot-scheduling/internal/push"
	"github.com/medibook/slot-scheduling/internal/store"
)

// Store is the slice of the availability adapter the notification flows need.
type Store interface {
	ListVisitsBetween(ctx context.Context, from, to int64) ([]store.Visit, error)
	HasReminderMarker(ctx context.Context, key string) (bool, error)
	CreateReminderMarker(ctx context.Context, key string, patientID, visitID uuid.UUID, sentAt time.Time) (bool, error)
	DeleteMarkersBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// trigger parameterizes the shared dispatch routine. The scan and the
// booking confirmation differ only in marker namespace and message text.
type trigger struct {
	markerNS string
	title    string
	body     func(v *store.Visit) string
}

var (
	triggerReminder = trigger{
		markerNS: "",
		title:    "Appointment reminder",
		body: func(v *store.Visit) string {
			return fmt.Sprintf("You have a visit at %s.",
				time.Unix(v.SlotTS, 0).UTC().Format("Mon Jan 2 15:04 MST"))
		},
	}
	triggerConfirmed = trigger{
		markerNS: "confirm",
		title:    "Booking confirmed",
		body: func(v *store.Visit) string {
			return fmt.Sprintf("Your visit on %s is confirmed.",
				time.Unix(v.SlotTS, 0).UTC().Format("Mon Jan 2 15:04 MST"))
		},
	}
)

type Service struct {
	store     Store
	notifier  push.Notifier
	tokens    push.TokenSource
	clk       clock.Clock
	lookahead time.Duration
	retention time.Duration
	log       zerolog.Logger
}

func NewService(st Store, notifier push.Notifier, tokens push.TokenSource, clk clock.Clock, lookahead, retention time.Duration, log zerolog.Logger) *Service {
	return &Service{
		store:     st,
		notifier:  notifier,
		tokens:    tokens,
		clk:       clk,
		lookahead: lookahead,
		retention: retention,
		log:       log.With().Str("component", "reminder").Logger(),
	}
}

// SendDueReminders scans for visits inside [now, now+lookahead] and sends
// at most one reminder per visit. Safe to re-run and to run concurrently
// with itself: the marker decides, and a failed dispatch leaves no marker so
// the next scan retries.
func (s *Service) SendDueReminders(ctx context.Context) error {
	now := s.clk.Now()
	from := now.Unix()
	to := now.Add(s.lookahead).Unix()

	visits, err := s.store.ListVisitsBetween(ctx, from, to)
	if err != nil {
		return err
	}

	sent := 0
	for i := range visits {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		dispatched, err := s.dispatch(ctx, &visits[i], triggerReminder)
		if err != nil {
			s.log.Error().Err(err).
				Str("visit_id", visits[i].ID.String()).
				Msg("reminder dispatch failed, will retry next scan")
			continue
		}
		if dispatched {
			sent++
		}
	}

	s.log.Info().
		Int("due", len(visits)).
		Int("sent", sent).
		Msg("reminder scan complete")

	s.pruneMarkers(ctx, now)
	return nil
}

// NotifyVisitBooked sends the one-time booking confirmation for a freshly
// committed visit. Idempotent under its own marker namespace, so redelivery
// of the triggering change is harmless.
func (s *Service) NotifyVisitBooked(ctx context.Context, v *store.Visit) error {
	_, err := s.dispatch(ctx, v, triggerConfirmed)
	return err
}

// dispatch is the single notification routine both triggers share.
// Marker check, send, then marker write; the order gives at-least-once
// semantics, never at-most-once.
func (s *Service) dispatch(ctx context.Context, v *store.Visit, trg trigger) (bool, error) {
	key := store.MarkerKey(trg.markerNS, v.PatientID, v.ID)

	exists, err := s.store.HasReminderMarker(ctx, key)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	token, err := s.tokens.TokenFor(ctx, v.PatientID)
	if err != nil {
		return false, fmt.Errorf("resolve device token: %w", err)
	}

	if err := s.notifier.Send(ctx, token, trg.title, trg.body(v)); err != nil {
		return false, fmt.Errorf("send notification: %w", err)
	}

	created, err := s.store.CreateReminderMarker(ctx, key, v.PatientID, v.ID, s.clk.Now())
	if err != nil {
		// Sent but unmarked: the next scan may send again. Acceptable
		// under at-least-once.
		return true, fmt.Errorf("create reminder marker: %w", err)
	}
	if !created {
		s.log.Debug().
			Str("marker_key", key).
			Msg("marker already written by concurrent scan")
	}

	return true, nil
}

func (s *Service) pruneMarkers(ctx context.Context, now time.Time) {
	if s.retention <= 0 {
		return
	}

	n, err := s.store.DeleteMarkersBefore(ctx, now.Add(-s.retention))
	if err != nil {
		s.log.Error().Err(err).Msg("marker pruning failed")
		return
	}
	if n > 0 {
		s.log.Info().Int64("pruned", n).Msg("old reminder markers removed")
	}
}
