package meetings

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pulseworks/collab-backend/internal/models"
)

// PostgresRepository persists meetings and participants in PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a meeting repository.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

const insertMeetingSQL = `INSERT INTO meetings (id, title, description, created_by, room_id, status, started_at, ended_at, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

const upsertParticipantSQL = `INSERT INTO participants (id, meeting_id, user_id, status, joined_at, left_at, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (meeting_id, user_id) DO UPDATE
	SET status = EXCLUDED.status, joined_at = EXCLUDED.joined_at, left_at = EXCLUDED.left_at`

const updateMeetingSQL = `UPDATE meetings SET status = $2, started_at = $3, ended_at = $4 WHERE id = $1`

// InsertMeeting stores a new meeting and its participant set in one transaction.
func (r *PostgresRepository) InsertMeeting(ctx context.Context, m *models.Meeting, ps []*models.Participant) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, insertMeetingSQL,
		m.ID, m.Title, m.Description, m.CreatedBy, m.RoomID, m.Status, m.StartedAt, m.EndedAt, m.CreatedAt); err != nil {
		return err
	}
	for _, p := range ps {
		if _, err := tx.Exec(ctx, upsertParticipantSQL,
			p.ID, p.MeetingID, p.UserID, p.Status, p.JoinedAt, p.LeftAt, p.CreatedAt); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// UpdateSession writes the meeting row and the changed participant rows in
// one transaction, so a participant mutation and the recomputed meeting
// status land atomically.
func (r *PostgresRepository) UpdateSession(ctx context.Context, m *models.Meeting, changed []*models.Participant) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, updateMeetingSQL, m.ID, m.Status, m.StartedAt, m.EndedAt); err != nil {
		return err
	}
	for _, p := range changed {
		if _, err := tx.Exec(ctx, upsertParticipantSQL,
			p.ID, p.MeetingID, p.UserID, p.Status, p.JoinedAt, p.LeftAt, p.CreatedAt); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// GetMeeting returns one meeting with its participants, or nil if unknown.
func (r *PostgresRepository) GetMeeting(ctx context.Context, id uuid.UUID) (*Snapshot, error) {
	const q = `SELECT id, title, COALESCE(description,''), created_by, room_id, status, started_at, ended_at, created_at
		FROM meetings WHERE id = $1`
	var m models.Meeting
	err := r.pool.QueryRow(ctx, q, id).Scan(
		&m.ID, &m.Title, &m.Description, &m.CreatedBy, &m.RoomID, &m.Status, &m.StartedAt, &m.EndedAt, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	ps, err := r.participants(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Meeting: m, Participants: ps}, nil
}

// LoadOpenMeetings returns all scheduled and active meetings with their
// participants, for startup recovery.
func (r *PostgresRepository) LoadOpenMeetings(ctx context.Context) ([]*Snapshot, error) {
	const q = `SELECT id, title, COALESCE(description,''), created_by, room_id, status, started_at, ended_at, created_at
		FROM meetings WHERE status <> 'ended' ORDER BY created_at`
	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []*Snapshot
	for rows.Next() {
		var m models.Meeting
		if err := rows.Scan(&m.ID, &m.Title, &m.Description, &m.CreatedBy, &m.RoomID, &m.Status, &m.StartedAt, &m.EndedAt, &m.CreatedAt); err != nil {
			return nil, err
		}
		snaps = append(snaps, &Snapshot{Meeting: m})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, snap := range snaps {
		ps, err := r.participants(ctx, snap.Meeting.ID)
		if err != nil {
			return nil, err
		}
		snap.Participants = ps
	}
	return snaps, nil
}

func (r *PostgresRepository) participants(ctx context.Context, meetingID uuid.UUID) ([]models.Participant, error) {
	const q = `SELECT id, meeting_id, user_id, status, joined_at, left_at, created_at
		FROM participants WHERE meeting_id = $1 ORDER BY created_at`
	rows, err := r.pool.Query(ctx, q, meetingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ps []models.Participant
	for rows.Next() {
		var p models.Participant
		if err := rows.Scan(&p.ID, &p.MeetingID, &p.UserID, &p.Status, &p.JoinedAt, &p.LeftAt, &p.CreatedAt); err != nil {
			return nil, err
		}
		ps = append(ps, p)
	}
	return ps, rows.Err()
}
