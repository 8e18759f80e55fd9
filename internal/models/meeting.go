package models

import (
	"time"

	"github.com/google/uuid"
)

// MeetingStatus is the aggregate lifecycle state of a meeting.
type MeetingStatus string

const (
	MeetingScheduled MeetingStatus = "scheduled"
	MeetingActive    MeetingStatus = "active"
	MeetingEnded     MeetingStatus = "ended"
)

// ParticipantStatus is a single user's relationship to one meeting.
type ParticipantStatus string

const (
	ParticipantInvited  ParticipantStatus = "invited"
	ParticipantAccepted ParticipantStatus = "accepted"
	ParticipantRejected ParticipantStatus = "rejected"
	ParticipantInCall   ParticipantStatus = "in_call"
)

// Meeting represents a call session. RoomID names the external media channel
// and is immutable for the meeting's lifetime.
type Meeting struct {
	ID          uuid.UUID     `json:"id"`
	Title       string        `json:"title"`
	Description string        `json:"description,omitempty"`
	CreatedBy   uuid.UUID     `json:"created_by"`
	RoomID      string        `json:"room_id"`
	Status      MeetingStatus `json:"status"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	EndedAt     *time.Time    `json:"ended_at,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}

// Participant links a user to a meeting. Exactly one row exists per
// (meeting, user) pair.
type Participant struct {
	ID        uuid.UUID         `json:"id"`
	MeetingID uuid.UUID         `json:"meeting_id"`
	UserID    uuid.UUID         `json:"user_id"`
	Status    ParticipantStatus `json:"status"`
	JoinedAt  *time.Time        `json:"joined_at,omitempty"`
	LeftAt    *time.Time        `json:"left_at,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}
