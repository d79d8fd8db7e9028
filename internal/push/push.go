// Package push defines the outbound notification contract. Actual delivery
// (FCM, APNs) lives behind the Notifier interface; this subsystem only
// decides when to send and guarantees it never sends twice for one marker.
package push

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Notifier dispatches one push notification to one device token.
type Notifier interface {
	Send(ctx context.Context, token, title, body string) error
}

// TokenSource resolves a patient's current device token. Backed by the
// identity service in production.
type TokenSource interface {
	TokenFor(ctx context.Context, patientID uuid.UUID) (string, error)
}

// LogNotifier writes notifications to the log instead of delivering them.
// Used in dev and by the workers when no delivery backend is configured.
type LogNotifier struct {
	log zerolog.Logger
}

func NewLogNotifier(log zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: log.With().Str("component", "push").Logger()}
}

func (n *LogNotifier) Send(ctx context.Context, token, title, body string) error {
	n.log.Info().
		Str("token", token).
		Str("title", title).
		Str("body", body).
		Msg("notification dispatched")
	return nil
}

// StaticTokenSource returns the same token for every patient. Dev stand-in
// for the identity service.
type StaticTokenSource string

func (t StaticTokenSource) TokenFor(ctx context.Context, patientID uuid.UUID) (string, error) {
	return string(t), nil
}
