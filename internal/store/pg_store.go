package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medibook/slot-scheduling/internal/slot"
)

// PgStore persists availability documents, visits, reminder markers, and the
// event log in Postgres. A doctor's whole week lives in one jsonb column;
// every per-slot mutation is scoped to a single field path so concurrent
// edits to sibling slots never clobber each other. The one exception is
// ReplaceAvailability, reserved for the curation pass.
type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Helpers

func parseAvailability(raw []byte) (map[string]slot.Entry, error) {
	if len(raw) == 0 {
		return map[string]slot.Entry{}, nil
	}
	var doc map[string]slot.Entry
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode availability document: %w", err)
	}
	if doc == nil {
		doc = map[string]slot.Entry{}
	}
	return doc, nil
}

func scanVisit(row pgx.Row) (*Visit, error) {
	var v Visit
	err := row.Scan(
		&v.ID,
		&v.DoctorID,
		&v.PatientID,
		&v.SlotTS,
		&v.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrVisitNotFound
		}
		return nil, err
	}
	return &v, nil
}

// Availability

// GetAvailabilityDocument returns the raw, string-keyed availability map for
// a doctor. A missing document yields an empty map, not an error.
func (s *PgStore) GetAvailabilityDocument(ctx context.Context, doctorID uuid.UUID) (map[string]slot.Entry, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `
		SELECT slots
		FROM doctor_availability
		WHERE doctor_id = $1
	`, doctorID).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return map[string]slot.Entry{}, nil
		}
		return nil, adapterErr("get availability document", err)
	}

	doc, err := parseAvailability(raw)
	if err != nil {
		return nil, adapterErr("get availability document", err)
	}
	return doc, nil
}

// GetWeeklyAvailability returns the doctor's slot map keyed by parsed
// timestamp. Entries with malformed keys are skipped here; the curation pass
// is responsible for dropping them from the document.
func (s *PgStore) GetWeeklyAvailability(ctx context.Context, doctorID uuid.UUID) (map[int64]slot.Status, error) {
	doc, err := s.GetAvailabilityDocument(ctx, doctorID)
	if err != nil {
		return nil, err
	}

	out := make(map[int64]slot.Status, len(doc))
	for key, entry := range doc {
		ts, err := slot.ParseKey(key)
		if err != nil {
			continue
		}
		out[ts] = entry.Status
	}
	return out, nil
}

// SetSlotStatus updates exactly one slot's entry via a jsonb field path,
// creating the doctor's document if it does not exist yet. Sibling slots are
// never rewritten.
func (s *PgStore) SetSlotStatus(ctx context.Context, doctorID uuid.UUID, ts int64, status slot.Status) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", slot.ErrInvalidStatus, status)
	}

	key := slot.FormatKey(ts)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO doctor_availability (doctor_id, slots, updated_at)
		VALUES ($1, jsonb_build_object($2::text, jsonb_build_object('status', $3::text, 'timestamp', $4::bigint)), now())
		ON CONFLICT (doctor_id) DO UPDATE
		SET slots = jsonb_set(
				doctor_availability.slots,
				ARRAY[$2::text],
				jsonb_build_object('status', $3::text, 'timestamp', $4::bigint),
				true
			),
		    updated_at = now()
	`, doctorID, key, string(status), ts)
	if err != nil {
		return adapterErr("set slot status", err)
	}
	return nil
}

// ReplaceAvailability overwrites the doctor's whole availability map.
// Curation is the only caller; see the race-tolerance policy documented
// there before adding another.
func (s *PgStore) ReplaceAvailability(ctx context.Context, doctorID uuid.UUID, entries map[string]slot.Entry) error {
	if entries == nil {
		entries = map[string]slot.Entry{}
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return adapterErr("replace availability", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO doctor_availability (doctor_id, slots, updated_at)
		VALUES ($1, $2::jsonb, now())
		ON CONFLICT (doctor_id) DO UPDATE
		SET slots = EXCLUDED.slots,
		    updated_at = now()
	`, doctorID, raw)
	if err != nil {
		return adapterErr("replace availability", err)
	}
	return nil
}

func (s *PgStore) ListDoctorIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT doctor_id
		FROM doctor_availability
		ORDER BY doctor_id
	`)
	if err != nil {
		return nil, adapterErr("list doctor ids", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, adapterErr("list doctor ids", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, adapterErr("list doctor ids", err)
	}
	return ids, nil
}

// Visits

// GetBookedTimestamps derives the booked set from the visits table. Visits
// are the source of truth for "booked", independent of the availability
// map's own booked flags.
func (s *PgStore) GetBookedTimestamps(ctx context.Context, doctorID uuid.UUID) (map[int64]struct{}, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT slot_ts
		FROM visits
		WHERE doctor_id = $1
	`, doctorID)
	if err != nil {
		return nil, adapterErr("get booked timestamps", err)
	}
	defer rows.Close()

	booked := make(map[int64]struct{})
	for rows.Next() {
		var ts int64
		if err := rows.Scan(&ts); err != nil {
			return nil, adapterErr("get booked timestamps", err)
		}
		booked[ts] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, adapterErr("get booked timestamps", err)
	}
	return booked, nil
}

// CreateVisit inserts the visit record conditionally against the
// (doctor_id, slot_ts) unique index. That index is the linearization point
// for booking: when two patients race, exactly one insert lands and the
// other caller gets ErrVisitExists.
func (s *PgStore) CreateVisit(ctx context.Context, doctorID, patientID uuid.UUID, ts int64) (*Visit, error) {
	id := uuid.New()

	row := s.pool.QueryRow(ctx, `
		INSERT INTO visits (id, doctor_id, patient_id, slot_ts, created_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (doctor_id, slot_ts) DO NOTHING
		RETURNING id, doctor_id, patient_id, slot_ts, created_at
	`, id, doctorID, patientID, ts)

	v, err := scanVisit(row)
	if err != nil {
		if errors.Is(err, ErrVisitNotFound) {
			return nil, ErrVisitExists
		}
		return nil, adapterErr("create visit", err)
	}
	return v, nil
}

func (s *PgStore) ListVisitsByPatient(ctx context.Context, patientID uuid.UUID) ([]Visit, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, doctor_id, patient_id, slot_ts, created_at
		FROM visits
		WHERE patient_id = $1
		ORDER BY slot_ts
	`, patientID)
	if err != nil {
		return nil, adapterErr("list visits by patient", err)
	}
	defer rows.Close()

	return collectVisits(rows)
}

// ListVisitsBetween returns all visits with from <= slot_ts <= to, across
// all patients. The reminder scan uses this for its lookahead window.
func (s *PgStore) ListVisitsBetween(ctx context.Context, from, to int64) ([]Visit, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, doctor_id, patient_id, slot_ts, created_at
		FROM visits
		WHERE slot_ts BETWEEN $1 AND $2
		ORDER BY slot_ts
	`, from, to)
	if err != nil {
		return nil, adapterErr("list visits between", err)
	}
	defer rows.Close()

	return collectVisits(rows)
}

func collectVisits(rows pgx.Rows) ([]Visit, error) {
	var result []Visit
	for rows.Next() {
		v, err := scanVisit(rows)
		if err != nil {
			return nil, adapterErr("scan visit", err)
		}
		result = append(result, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, adapterErr("collect visits", err)
	}
	return result, nil
}

// Reminder markers

func (s *PgStore) HasReminderMarker(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM reminder_markers WHERE marker_key = $1
		)
	`, key).Scan(&exists)
	if err != nil {
		return false, adapterErr("has reminder marker", err)
	}
	return exists, nil
}

// CreateReminderMarker inserts the marker if absent. Returns false when the
// marker already existed, which means a concurrent scan got there first.
func (s *PgStore) CreateReminderMarker(ctx context.Context, key string, patientID, visitID uuid.UUID, sentAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO reminder_markers (marker_key, patient_id, visit_id, sent_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (marker_key) DO NOTHING
	`, key, patientID, visitID, sentAt)
	if err != nil {
		return false, adapterErr("create reminder marker", err)
	}
	return tag.RowsAffected() == 1, nil
}

// DeleteMarkersBefore prunes markers dispatched before the cutoff and
// returns how many were removed.
func (s *PgStore) DeleteMarkersBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM reminder_markers
		WHERE sent_at < $1
	`, cutoff)
	if err != nil {
		return 0, adapterErr("delete markers before", err)
	}
	return tag.RowsAffected(), nil
}

// Event log

func (s *PgStore) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO event_logs (event_type, visit_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.VisitID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return adapterErr("insert event log", err)
	}
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
