package meetings

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pulseworks/collab-backend/internal/models"
)

// Event is a participant-level signaling event.
type Event string

const (
	EventAccept   Event = "accept"
	EventReject   Event = "reject"
	EventJoin     Event = "join"
	EventLeave    Event = "leave"
	EventReinvite Event = "reinvite"
)

// transition binds an event to its allowed source statuses and target.
// Every participant mutation goes through this table; anything not listed
// here is rejected in one place instead of per handler.
type transition struct {
	from []models.ParticipantStatus
	to   models.ParticipantStatus
}

var transitions = map[Event]transition{
	EventAccept:   {from: []models.ParticipantStatus{models.ParticipantInvited}, to: models.ParticipantAccepted},
	EventReject:   {from: []models.ParticipantStatus{models.ParticipantInvited}, to: models.ParticipantRejected},
	EventJoin:     {from: []models.ParticipantStatus{models.ParticipantAccepted}, to: models.ParticipantInCall},
	EventLeave:    {from: []models.ParticipantStatus{models.ParticipantInCall}, to: models.ParticipantAccepted},
	EventReinvite: {from: []models.ParticipantStatus{models.ParticipantRejected}, to: models.ParticipantInvited},
}

// Directory resolves user references. Backed by the platform user table.
type Directory interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	// Missing returns the subset of ids with no matching user.
	Missing(ctx context.Context, ids []uuid.UUID) ([]uuid.UUID, error)
}

// Notifier receives state-machine outcomes for push delivery. Implementations
// must never block the caller and never fail the triggering command; delivery
// problems are their own concern.
type Notifier interface {
	IncomingCall(call models.IncomingCall, invitees []uuid.UUID)
	ParticipantUpdated(snap *Snapshot, p models.Participant)
	MeetingEnded(snap *Snapshot)
}

// Engine is the single authority for meeting and participant lifecycle
// transitions. All commands, HTTP or WebSocket, funnel through it.
type Engine struct {
	store     *Store
	directory Directory
	notifier  Notifier
	logger    *zap.Logger
}

// NewEngine creates the signaling engine.
func NewEngine(store *Store, directory Directory, notifier Notifier, logger *zap.Logger) *Engine {
	return &Engine{store: store, directory: directory, notifier: notifier, logger: logger}
}

// Create allocates a meeting in scheduled state with one invited participant
// per invitee. The creator is implicitly an accepted participant. Invitee ids
// are deduplicated; an empty list, the creator listed as invitee, or an
// unknown user id fail with ErrValidation.
func (e *Engine) Create(ctx context.Context, creatorID uuid.UUID, title, description string, inviteeIDs []uuid.UUID) (*Snapshot, error) {
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrValidation)
	}
	invitees := dedupe(inviteeIDs)
	if len(invitees) == 0 {
		return nil, fmt.Errorf("%w: at least one invitee is required", ErrValidation)
	}
	for _, id := range invitees {
		if id == creatorID {
			return nil, fmt.Errorf("%w: creator cannot invite themselves", ErrValidation)
		}
	}

	caller, err := e.directory.GetByID(ctx, creatorID)
	if err != nil || caller == nil {
		return nil, fmt.Errorf("%w: unknown creator", ErrValidation)
	}
	missing, err := e.directory.Missing(ctx, invitees)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: unknown user %s", ErrValidation, missing[0])
	}

	now := e.store.now()
	meeting := models.Meeting{
		ID:          uuid.New(),
		Title:       title,
		Description: description,
		CreatedBy:   creatorID,
		RoomID:      "room-" + uuid.NewString(),
		Status:      models.MeetingScheduled,
		CreatedAt:   now,
	}
	participants := make([]models.Participant, 0, len(invitees)+1)
	participants = append(participants, models.Participant{
		ID:        uuid.New(),
		MeetingID: meeting.ID,
		UserID:    creatorID,
		Status:    models.ParticipantAccepted,
		CreatedAt: now,
	})
	for _, id := range invitees {
		participants = append(participants, models.Participant{
			ID:        uuid.New(),
			MeetingID: meeting.ID,
			UserID:    id,
			Status:    models.ParticipantInvited,
			CreatedAt: now,
		})
	}

	snap, err := e.store.CreateMeeting(ctx, meeting, participants)
	if err != nil {
		return nil, err
	}

	e.notifier.IncomingCall(models.IncomingCall{
		MeetingID:    meeting.ID.String(),
		MeetingTitle: meeting.Title,
		Caller:       caller.ToPublic(),
		CreatedAt:    meeting.CreatedAt,
	}, invitees)

	e.logger.Info("meeting created",
		zap.String("meeting_id", meeting.ID.String()),
		zap.String("room_id", meeting.RoomID),
		zap.Int("invitees", len(invitees)))
	return snap, nil
}

// Get returns the current meeting snapshot.
func (e *Engine) Get(ctx context.Context, meetingID uuid.UUID) (*Snapshot, error) {
	return e.store.Get(ctx, meetingID)
}

// ListFor returns the open meetings the user participates in.
func (e *Engine) ListFor(userID uuid.UUID) []*Snapshot {
	return e.store.OpenMeetingsFor(userID)
}

// Respond records an invitee's accept or reject.
func (e *Engine) Respond(ctx context.Context, meetingID, userID uuid.UUID, accept bool) (*Snapshot, error) {
	ev := EventReject
	if accept {
		ev = EventAccept
	}
	return e.apply(ctx, meetingID, userID, ev)
}

// Join moves an accepted participant into the call. The first join activates
// the meeting.
func (e *Engine) Join(ctx context.Context, meetingID, userID uuid.UUID) (*Snapshot, error) {
	return e.apply(ctx, meetingID, userID, EventJoin)
}

// Leave moves an in_call participant back to accepted. If nobody remains in
// the call and nobody is still awaiting a first join, the meeting ends.
func (e *Engine) Leave(ctx context.Context, meetingID, userID uuid.UUID) (*Snapshot, error) {
	return e.apply(ctx, meetingID, userID, EventLeave)
}

// End terminates the meeting. Creator only. Every in_call participant is
// forced back to accepted with left_at set.
func (e *Engine) End(ctx context.Context, meetingID, callerID uuid.UUID) (*Snapshot, error) {
	snap, err := e.store.Get(ctx, meetingID)
	if err != nil {
		return nil, err
	}
	if snap.Meeting.CreatedBy != callerID {
		return nil, ErrNotCreator
	}
	if snap.Meeting.Status == models.MeetingEnded {
		return snap, nil
	}

	snap, kicked, err := e.store.End(ctx, meetingID)
	if err != nil {
		return nil, err
	}
	for _, p := range kicked {
		e.notifier.ParticipantUpdated(snap, p)
	}
	e.notifier.MeetingEnded(snap)
	e.logger.Info("meeting ended",
		zap.String("meeting_id", meetingID.String()),
		zap.Int("kicked", len(kicked)))
	return snap, nil
}

// Invite adds a user to an open meeting, or re-invites a previously rejected
// participant by resetting their row. Creator only.
func (e *Engine) Invite(ctx context.Context, meetingID, callerID, userID uuid.UUID) (*Snapshot, error) {
	snap, err := e.store.Get(ctx, meetingID)
	if err != nil {
		return nil, err
	}
	if snap.Meeting.CreatedBy != callerID {
		return nil, ErrNotCreator
	}
	user, err := e.directory.GetByID(ctx, userID)
	if err != nil || user == nil {
		return nil, fmt.Errorf("%w: unknown user %s", ErrValidation, userID)
	}

	var exists bool
	for _, p := range snap.Participants {
		if p.UserID == userID {
			exists = true
			break
		}
	}

	if exists {
		snap, err = e.apply(ctx, meetingID, userID, EventReinvite)
	} else {
		now := e.store.now()
		var p *models.Participant
		snap, p, err = e.store.AddParticipant(ctx, meetingID, models.Participant{
			ID:        uuid.New(),
			MeetingID: meetingID,
			UserID:    userID,
			Status:    models.ParticipantInvited,
			CreatedAt: now,
		})
		if err == nil {
			e.notifier.ParticipantUpdated(snap, *p)
		}
	}
	if err != nil {
		return nil, err
	}

	caller, cerr := e.directory.GetByID(ctx, callerID)
	if cerr == nil && caller != nil {
		e.notifier.IncomingCall(models.IncomingCall{
			MeetingID:    meetingID.String(),
			MeetingTitle: snap.Meeting.Title,
			Caller:       caller.ToPublic(),
			CreatedAt:    e.store.now(),
		}, []uuid.UUID{userID})
	}
	return snap, nil
}

// apply runs one table-driven participant transition and fans out the
// resulting events.
func (e *Engine) apply(ctx context.Context, meetingID, userID uuid.UUID, ev Event) (*Snapshot, error) {
	tr, ok := transitions[ev]
	if !ok {
		return nil, fmt.Errorf("%w: unknown event %q", ErrValidation, ev)
	}

	snap, p, changed, err := e.store.Mutate(ctx, meetingID, userID, tr.from, tr.to)
	if err != nil {
		return nil, err
	}
	if !changed {
		return snap, nil
	}

	e.notifier.ParticipantUpdated(snap, *p)
	if ev == EventLeave && snap.Meeting.Status == models.MeetingEnded {
		e.notifier.MeetingEnded(snap)
		e.logger.Info("meeting ended on last leave", zap.String("meeting_id", meetingID.String()))
	}

	e.logger.Debug("participant transition",
		zap.String("meeting_id", meetingID.String()),
		zap.String("user_id", userID.String()),
		zap.String("event", string(ev)),
		zap.String("status", string(p.Status)))
	return snap, nil
}

func dedupe(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
