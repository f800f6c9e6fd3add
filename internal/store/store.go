// Package store provides persistence for session status records.
package store

import (
	"context"
	"time"

	"github.com/ashureev/dasher-automate/internal/domain"
)

// Repository persists the last known status of each session.
type Repository interface {
	// GetStatus returns the record for sessionID, or nil when never seen.
	GetStatus(ctx context.Context, sessionID string) (*domain.StatusRecord, error)

	// UpsertStatus creates or replaces the record for a session.
	UpsertStatus(ctx context.Context, record domain.StatusRecord) error

	// TouchStatus refreshes last_seen_at without changing the status.
	TouchStatus(ctx context.Context, sessionID string, seenAt time.Time) error

	// DeleteStatus removes the record for a session, if any.
	DeleteStatus(ctx context.Context, sessionID string) error

	// ListStatuses returns all records ordered by session id.
	ListStatuses(ctx context.Context) ([]domain.StatusRecord, error)

	// PruneStatuses removes disconnected records last seen before cutoff.
	PruneStatuses(ctx context.Context, cutoff time.Time) (int64, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
