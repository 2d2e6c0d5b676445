// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/rightify/internal/domain"
)

// Repository defines the interface for persisting users and their consultations.
type Repository interface {
	// GetUser retrieves a user by their user ID. It returns nil, nil when absent.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// UpdateLastSeen updates the last_seen_at timestamp for a user.
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error

	// SaveConsultation stores a finished consultation. Saving the same ID twice
	// overwrites the earlier row.
	SaveConsultation(ctx context.Context, c *domain.Consultation) error

	// ListConsultations returns a user's consultations, newest first.
	ListConsultations(ctx context.Context, userID string, limit int) ([]*domain.Consultation, error)

	// DeleteConsultationsBefore removes consultations finished before cutoff.
	DeleteConsultationsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
