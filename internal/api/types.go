package api

import (
	"time"

	"github.com/google/uuid"
)

type BookVisitRequest struct {
	DoctorID  string `json:"doctor_id"`
	PatientID string `json:"patient_id"`
	Timestamp int64  `json:"timestamp"`
}

type VisitResponse struct {
	ID        uuid.UUID `json:"id"`
	DoctorID  uuid.UUID `json:"doctor_id"`
	PatientID uuid.UUID `json:"patient_id"`
	Timestamp int64     `json:"timestamp"`
	CreatedAt time.Time `json:"created_at"`
}

type OpenSlotsResponse struct {
	DoctorID uuid.UUID `json:"doctor_id"`
	Slots    []int64   `json:"slots"`
}

type ToggleSlotResponse struct {
	DoctorID  uuid.UUID `json:"doctor_id"`
	Timestamp int64     `json:"timestamp"`
	Status    string    `json:"status"`
}

type PatientVisitsResponse struct {
	PatientID uuid.UUID       `json:"patient_id"`
	Visits    []VisitResponse `json:"visits"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
