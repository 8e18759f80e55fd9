package models

import "time"

// Push event names delivered over the realtime channel.
const (
	EventIncomingCall       = "incoming_call"
	EventParticipantUpdated = "participant_updated"
	EventMeetingEnded       = "meeting_ended"
)

// IncomingCall is pushed to each invitee's live connections when a meeting
// is created.
type IncomingCall struct {
	MeetingID    string     `json:"meeting_id"`
	MeetingTitle string     `json:"meeting_title"`
	Caller       UserPublic `json:"caller"`
	CreatedAt    time.Time  `json:"created_at"`
}

// ParticipantUpdated carries the updated participant together with the full
// meeting snapshot so clients re-derive the same aggregate state the server
// computed.
type ParticipantUpdated struct {
	Meeting     Meeting     `json:"meeting"`
	Participant Participant `json:"participant"`
}

// MeetingEndedEvent is pushed to every participant when a meeting terminates.
type MeetingEndedEvent struct {
	Meeting Meeting   `json:"meeting"`
	EndedAt time.Time `json:"ended_at"`
}
