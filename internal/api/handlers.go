package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medibook/slot-scheduling/internal/booking"
	redisclient "github.com/medibook/slot-scheduling/internal/redis"
	"github.com/medibook/slot-scheduling/internal/slot"
	"github.com/medibook/slot-scheduling/internal/store"
)

// BookingService is the engine surface the handlers call.
type BookingService interface {
	BookVisit(ctx context.Context, doctorID, patientID uuid.UUID, ts int64) (*store.Visit, error)
	GetOpenSlots(ctx context.Context, doctorID uuid.UUID) ([]int64, error)
	ToggleSlot(ctx context.Context, doctorID uuid.UUID, ts int64) (slot.Status, error)
	ListPatientVisits(ctx context.Context, patientID uuid.UUID) ([]store.Visit, error)
}

// ConfirmationNotifier is the change-triggered booking confirmation hook.
type ConfirmationNotifier interface {
	NotifyVisitBooked(ctx context.Context, v *store.Visit) error
}

func bookVisitHandler(svc BookingService, confirm ConfirmationNotifier, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req BookVisitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		doctorID, err := uuid.Parse(req.DoctorID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctor_id must be a valid UUID")
			return
		}

		patientID, err := uuid.Parse(req.PatientID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
			return
		}

		visit, err := svc.BookVisit(r.Context(), doctorID, patientID, req.Timestamp)
		if err != nil {
			handleBookingError(w, err)
			return
		}

		// Confirmation is marker-guarded and best-effort; a failure here
		// never un-books the visit.
		if confirm != nil {
			if err := confirm.NotifyVisitBooked(r.Context(), visit); err != nil {
				log.Error().Err(err).
					Str("visit_id", visit.ID.String()).
					Msg("booking confirmation dispatch failed")
			}
		}

		writeJSON(w, http.StatusCreated, visitResponse(visit))
	}
}

func openSlotsHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, ok := parseUUIDParam(w, r, "doctorID", "invalid_doctor_id")
		if !ok {
			return
		}

		slots, err := svc.GetOpenSlots(r.Context(), doctorID)
		if err != nil {
			handleBookingError(w, err)
			return
		}
		if slots == nil {
			slots = []int64{}
		}

		writeJSON(w, http.StatusOK, OpenSlotsResponse{DoctorID: doctorID, Slots: slots})
	}
}

func toggleSlotHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, ok := parseUUIDParam(w, r, "doctorID", "invalid_doctor_id")
		if !ok {
			return
		}

		ts, err := strconv.ParseInt(chi.URLParam(r, "timestamp"), 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_timestamp", "timestamp must be a Unix timestamp")
			return
		}

		status, err := svc.ToggleSlot(r.Context(), doctorID, ts)
		if err != nil {
			handleBookingError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, ToggleSlotResponse{
			DoctorID:  doctorID,
			Timestamp: ts,
			Status:    string(status),
		})
	}
}

func patientVisitsHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		patientID, ok := parseUUIDParam(w, r, "patientID", "invalid_patient_id")
		if !ok {
			return
		}

		visits, err := svc.ListPatientVisits(r.Context(), patientID)
		if err != nil {
			handleBookingError(w, err)
			return
		}

		resp := PatientVisitsResponse{PatientID: patientID, Visits: make([]VisitResponse, 0, len(visits))}
		for i := range visits {
			resp.Visits = append(resp.Visits, visitResponse(&visits[i]))
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

func parseUUIDParam(w http.ResponseWriter, r *http.Request, name, code string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, code, "id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func visitResponse(v *store.Visit) VisitResponse {
	return VisitResponse{
		ID:        v.ID,
		DoctorID:  v.DoctorID,
		PatientID: v.PatientID,
		Timestamp: v.SlotTS,
		CreatedAt: v.CreatedAt,
	}
}

// handleBookingError keeps conflict and outage distinguishable: a 409 means
// "pick another slot or retry shortly", a 500 means the system is down.
func handleBookingError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, slot.ErrInvalidKey),
		errors.Is(err, slot.ErrInvalidStatus),
		errors.Is(err, slot.ErrOutsideHours):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, booking.ErrPastSlot):
		writeError(w, http.StatusConflict, "past_slot", err.Error())
	case errors.Is(err, booking.ErrSlotUnavailable):
		writeError(w, http.StatusConflict, "slot_unavailable", err.Error())
	case errors.Is(err, booking.ErrSlotBooked):
		writeError(w, http.StatusConflict, "slot_booked", err.Error())
	case errors.Is(err, booking.ErrSlotContended),
		errors.Is(err, redisclient.ErrLockNotAcquired):
		writeError(w, http.StatusConflict, "slot_contended", "slot is currently being booked, please retry shortly")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
