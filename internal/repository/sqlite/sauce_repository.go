package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"piquante-api/internal/domain"
	"piquante-api/internal/repository"
)

const createSaucesTable = `
CREATE TABLE IF NOT EXISTS sauces (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	name TEXT NOT NULL,
	manufacturer TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	main_pepper TEXT NOT NULL DEFAULT '',
	heat INTEGER NOT NULL DEFAULT 1,
	image_url TEXT NOT NULL DEFAULT '',
	image_key TEXT NOT NULL DEFAULT '',
	votes TEXT NOT NULL DEFAULT '{}',
	-- likes and dislikes mirror votes for readers of the table; votes is authoritative
	likes INTEGER NOT NULL DEFAULT 0 CHECK (likes >= 0),
	dislikes INTEGER NOT NULL DEFAULT 0 CHECK (dislikes >= 0),
	version INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sauces_user_id ON sauces(user_id);
`

const selectSauce = `
SELECT id, user_id, name, manufacturer, description, main_pepper, heat, image_url, image_key, votes, version, created_at, updated_at
FROM sauces`

type SauceRepository struct {
	db *sql.DB
}

func NewSauceRepository(db *sql.DB) repository.SauceRepository {
	return &SauceRepository{db: db}
}

func (r *SauceRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createSaucesTable); err != nil {
		return fmt.Errorf("create sauces table: %w", err)
	}
	return nil
}

func (r *SauceRepository) Create(ctx context.Context, sauce *domain.Sauce) error {
	now := time.Now().UTC()
	sauce.CreatedAt = now
	sauce.UpdatedAt = now
	sauce.Version = 1

	votes, err := encodeVotes(sauce.Votes)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
INSERT INTO sauces (id, user_id, name, manufacturer, description, main_pepper, heat, image_url, image_key, votes, likes, dislikes, version, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sauce.ID,
		sauce.UserID,
		sauce.Name,
		sauce.Manufacturer,
		sauce.Description,
		sauce.MainPepper,
		sauce.Heat,
		sauce.ImageURL,
		sauce.ImageKey,
		votes,
		sauce.Likes(),
		sauce.Dislikes(),
		sauce.Version,
		sauce.CreatedAt,
		sauce.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert sauce: %w", repository.ErrDuplicate)
		}
		return fmt.Errorf("insert sauce: %w", err)
	}
	return nil
}

func (r *SauceRepository) Get(ctx context.Context, id string) (*domain.Sauce, error) {
	row := r.db.QueryRowContext(ctx, selectSauce+`
WHERE id=?`, id)
	return scanSauce(row)
}

func (r *SauceRepository) List(ctx context.Context) ([]domain.Sauce, error) {
	rows, err := r.db.QueryContext(ctx, selectSauce+`
ORDER BY created_at DESC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query sauces: %w", err)
	}
	defer rows.Close()

	sauces := []domain.Sauce{}
	for rows.Next() {
		sauce, err := scanSauce(rows)
		if err != nil {
			return nil, err
		}
		sauces = append(sauces, *sauce)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sauces: %w", err)
	}
	return sauces, nil
}

func (r *SauceRepository) UpdateDetails(ctx context.Context, sauce *domain.Sauce) error {
	now := time.Now().UTC()
	var version int64
	err := r.db.QueryRowContext(ctx, `
UPDATE sauces
SET name=?, manufacturer=?, description=?, main_pepper=?, heat=?, image_url=?, image_key=?, version=version+1, updated_at=?
WHERE id=?
RETURNING version`,
		sauce.Name,
		sauce.Manufacturer,
		sauce.Description,
		sauce.MainPepper,
		sauce.Heat,
		sauce.ImageURL,
		sauce.ImageKey,
		now,
		sauce.ID,
	).Scan(&version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return repository.ErrNotFound
		}
		return fmt.Errorf("update sauce: %w", err)
	}
	sauce.Version = version
	sauce.UpdatedAt = now
	return nil
}

func (r *SauceRepository) UpdateVotes(ctx context.Context, sauce *domain.Sauce, expectedVersion int64) error {
	votes, err := encodeVotes(sauce.Votes)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	var version int64
	err = r.db.QueryRowContext(ctx, `
UPDATE sauces
SET votes=?, likes=?, dislikes=?, version=version+1, updated_at=?
WHERE id=? AND version=?
RETURNING version`,
		votes,
		sauce.Likes(),
		sauce.Dislikes(),
		now,
		sauce.ID,
		expectedVersion,
	).Scan(&version)
	if err == nil {
		sauce.Version = version
		sauce.UpdatedAt = now
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("update sauce votes: %w", err)
	}

	var exists int
	err = r.db.QueryRowContext(ctx, `SELECT 1 FROM sauces WHERE id=?`, sauce.ID).Scan(&exists)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return repository.ErrNotFound
	case err != nil:
		return fmt.Errorf("check sauce exists: %w", err)
	}
	return repository.ErrStaleVersion
}

func (r *SauceRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sauces WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("delete sauce: %w", err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sauce delete rows affected: %w", err)
	}
	if aff == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func scanSauce(row interface {
	Scan(dest ...any) error
}) (*domain.Sauce, error) {
	var (
		sauce domain.Sauce
		votes string
	)
	if err := row.Scan(
		&sauce.ID,
		&sauce.UserID,
		&sauce.Name,
		&sauce.Manufacturer,
		&sauce.Description,
		&sauce.MainPepper,
		&sauce.Heat,
		&sauce.ImageURL,
		&sauce.ImageKey,
		&votes,
		&sauce.Version,
		&sauce.CreatedAt,
		&sauce.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("scan sauce: %w", err)
	}

	sauce.Votes = map[string]domain.Vote{}
	if err := json.Unmarshal([]byte(votes), &sauce.Votes); err != nil {
		return nil, fmt.Errorf("decode votes of sauce %s: %w", sauce.ID, err)
	}
	return &sauce, nil
}

func encodeVotes(votes map[string]domain.Vote) (string, error) {
	if votes == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(votes)
	if err != nil {
		return "", fmt.Errorf("encode votes: %w", err)
	}
	return string(raw), nil
}
