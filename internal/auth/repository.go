package auth

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pulseworks/collab-backend/internal/models"
)

// Repository handles account persistence for login and registration.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an auth repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetByEmail returns a user by email, or nil if unknown.
func (r *Repository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	const q = `SELECT id, email, password_hash, first_name, last_name, COALESCE(avatar_url,''), created_at, updated_at
		FROM users WHERE email = $1`
	var u models.User
	err := r.pool.QueryRow(ctx, q, email).Scan(
		&u.ID, &u.Email, &u.Password, &u.FirstName, &u.LastName, &u.AvatarURL, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}

// Create inserts a new user account.
func (r *Repository) Create(ctx context.Context, email, passwordHash, firstName, lastName, avatarURL string) (*models.User, error) {
	const q = `INSERT INTO users (id, email, password_hash, first_name, last_name, avatar_url)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, NULLIF($5, ''))
		RETURNING id, created_at, updated_at`
	u := models.User{
		Email:     email,
		Password:  passwordHash,
		FirstName: firstName,
		LastName:  lastName,
		AvatarURL: avatarURL,
	}
	if err := r.pool.QueryRow(ctx, q, email, passwordHash, firstName, lastName, avatarURL).
		Scan(&u.ID, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}
