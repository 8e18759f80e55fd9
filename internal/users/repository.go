// Package users is the platform user directory consumed by the signaling
// engine for invitee validation and caller snapshots.
package users

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pulseworks/collab-backend/internal/models"
)

// Repository looks up users by id.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a user directory repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const userColumns = `id, email, first_name, last_name, COALESCE(avatar_url,''), created_at, updated_at`

// GetByID returns a user, or nil if unknown.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	const q = `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	var u models.User
	err := r.pool.QueryRow(ctx, q, id).Scan(
		&u.ID, &u.Email, &u.FirstName, &u.LastName, &u.AvatarURL, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}

// GetByIDs returns the users matching ids, in no particular order.
func (r *Repository) GetByIDs(ctx context.Context, ids []uuid.UUID) ([]models.User, error) {
	const q = `SELECT ` + userColumns + ` FROM users WHERE id = ANY($1)`
	rows, err := r.pool.Query(ctx, q, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.User
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Email, &u.FirstName, &u.LastName, &u.AvatarURL, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// Missing returns the subset of ids with no matching user row.
func (r *Repository) Missing(ctx context.Context, ids []uuid.UUID) ([]uuid.UUID, error) {
	found, err := r.GetByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	known := make(map[uuid.UUID]struct{}, len(found))
	for _, u := range found {
		known[u.ID] = struct{}{}
	}
	var missing []uuid.UUID
	for _, id := range ids {
		if _, ok := known[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

// List returns all users for the contact picker.
func (r *Repository) List(ctx context.Context) ([]models.UserPublic, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, first_name, last_name, COALESCE(avatar_url,'') FROM users ORDER BY first_name, last_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.UserPublic
	for rows.Next() {
		var u models.UserPublic
		if err := rows.Scan(&u.ID, &u.FirstName, &u.LastName, &u.AvatarURL); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
