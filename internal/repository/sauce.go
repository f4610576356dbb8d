package repository

import (
	"context"

	"piquante-api/internal/domain"
)

// SauceRepository exposes persistence operations for Sauce records.
type SauceRepository interface {
	Init(ctx context.Context) error
	Create(ctx context.Context, sauce *domain.Sauce) error
	Get(ctx context.Context, id string) (*domain.Sauce, error)
	List(ctx context.Context) ([]domain.Sauce, error)
	// UpdateDetails rewrites the descriptive fields and image of a sauce,
	// leaving its votes untouched.
	UpdateDetails(ctx context.Context, sauce *domain.Sauce) error
	// UpdateVotes stores sauce.Votes only if the stored version still equals
	// expectedVersion. On success sauce.Version holds the new version.
	UpdateVotes(ctx context.Context, sauce *domain.Sauce, expectedVersion int64) error
	Delete(ctx context.Context, id string) error
}
