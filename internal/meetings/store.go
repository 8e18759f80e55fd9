package meetings

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pulseworks/collab-backend/internal/models"
)

// Repository is the durable backing store for meetings and participants.
// The Store is the authority while the process runs; the repository exists
// for recovery and history.
type Repository interface {
	// InsertMeeting persists a new meeting and its initial participant set
	// in one transaction.
	InsertMeeting(ctx context.Context, m *models.Meeting, ps []*models.Participant) error
	// UpdateSession persists the meeting row and the changed participant
	// rows in one transaction.
	UpdateSession(ctx context.Context, m *models.Meeting, changed []*models.Participant) error
	// GetMeeting returns a single meeting with its participants, including
	// ended meetings retained for history.
	GetMeeting(ctx context.Context, id uuid.UUID) (*Snapshot, error)
	// LoadOpenMeetings returns every meeting that has not ended, for
	// rebuilding in-memory state on startup.
	LoadOpenMeetings(ctx context.Context) ([]*Snapshot, error)
}

// Snapshot is a point-in-time copy of one meeting and its participants.
type Snapshot struct {
	Meeting      models.Meeting       `json:"meeting"`
	Participants []models.Participant `json:"participants"`
}

// meetingState is the live record for one meeting. Its mutex is the single
// serialization point for all mutations targeting the meeting.
type meetingState struct {
	mu           sync.Mutex
	meeting      models.Meeting
	participants map[uuid.UUID]*models.Participant // keyed by user id
}

// Store keeps the authoritative in-memory view of all open meetings.
// Meetings are independent units of concurrency; there is no global lock
// around mutations, only the map mutex for lookups and inserts.
type Store struct {
	mu       sync.RWMutex
	meetings map[uuid.UUID]*meetingState
	repo     Repository
	logger   *zap.Logger
	now      func() time.Time
}

// NewStore creates an empty session store backed by repo.
func NewStore(repo Repository, logger *zap.Logger) *Store {
	return &Store{
		meetings: make(map[uuid.UUID]*meetingState),
		repo:     repo,
		logger:   logger,
		now:      time.Now,
	}
}

// Recover rebuilds in-memory state from the durable store. Called once on
// startup before the store accepts mutations.
func (s *Store) Recover(ctx context.Context) error {
	snaps, err := s.repo.LoadOpenMeetings(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, snap := range snaps {
		st := &meetingState{
			meeting:      snap.Meeting,
			participants: make(map[uuid.UUID]*models.Participant, len(snap.Participants)),
		}
		for i := range snap.Participants {
			p := snap.Participants[i]
			st.participants[p.UserID] = &p
		}
		s.meetings[snap.Meeting.ID] = st
	}
	s.logger.Info("session store recovered", zap.Int("open_meetings", len(snaps)))
	return nil
}

// CreateMeeting persists and registers a new meeting with its initial
// participant set. The meeting starts in scheduled state.
func (s *Store) CreateMeeting(ctx context.Context, m models.Meeting, ps []models.Participant) (*Snapshot, error) {
	prefs := make([]*models.Participant, len(ps))
	for i := range ps {
		prefs[i] = &ps[i]
	}
	if err := s.repo.InsertMeeting(ctx, &m, prefs); err != nil {
		return nil, err
	}

	st := &meetingState{
		meeting:      m,
		participants: make(map[uuid.UUID]*models.Participant, len(ps)),
	}
	for i := range ps {
		p := ps[i]
		st.participants[p.UserID] = &p
	}

	s.mu.Lock()
	s.meetings[m.ID] = st
	s.mu.Unlock()

	st.mu.Lock()
	defer st.mu.Unlock()
	return st.snapshotLocked(), nil
}

// Get returns a snapshot of the meeting. Ended meetings evicted from memory
// are read back from the durable store.
func (s *Store) Get(ctx context.Context, meetingID uuid.UUID) (*Snapshot, error) {
	if st := s.state(meetingID); st != nil {
		st.mu.Lock()
		defer st.mu.Unlock()
		return st.snapshotLocked(), nil
	}
	snap, err := s.repo.GetMeeting(ctx, meetingID)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, ErrNotFound
	}
	return snap, nil
}

// Mutate transitions one participant with compare-and-swap semantics: the
// participant's current status must be one of from, or already equal to the
// target in which case the call is an idempotent no-op. The meeting status
// is recomputed within the same critical section and both are persisted
// before the in-memory state is committed.
//
// Returns the post-mutation snapshot, the participant, and whether anything
// actually changed.
func (s *Store) Mutate(ctx context.Context, meetingID, userID uuid.UUID, from []models.ParticipantStatus, to models.ParticipantStatus) (*Snapshot, *models.Participant, bool, error) {
	st, err := s.openState(ctx, meetingID)
	if err != nil {
		return nil, nil, false, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.meeting.Status == models.MeetingEnded {
		return nil, nil, false, ErrMeetingEnded
	}
	p, ok := st.participants[userID]
	if !ok {
		return nil, nil, false, ErrNotFound
	}

	if p.Status == to {
		// Repeated delivery of the same event; succeed without side effects.
		cp := *p
		return st.snapshotLocked(), &cp, false, nil
	}
	if !statusIn(p.Status, from) {
		return nil, nil, false, ErrConflict
	}

	prevP := *p
	prevM := st.meeting

	now := s.now()
	switch {
	case to == models.ParticipantInCall:
		p.JoinedAt = &now
	case p.Status == models.ParticipantInCall:
		p.LeftAt = &now
	case to == models.ParticipantInvited:
		// Re-invite resets the row to a fresh invitation.
		p.JoinedAt = nil
		p.LeftAt = nil
	}
	p.Status = to
	s.recomputeMeetingStatusLocked(st, now)

	if err := s.repo.UpdateSession(ctx, &st.meeting, []*models.Participant{p}); err != nil {
		*p = prevP
		st.meeting = prevM
		return nil, nil, false, err
	}

	cp := *p
	return st.snapshotLocked(), &cp, true, nil
}

// AddParticipant inserts a new invited participant into an open meeting.
func (s *Store) AddParticipant(ctx context.Context, meetingID uuid.UUID, p models.Participant) (*Snapshot, *models.Participant, error) {
	st, err := s.openState(ctx, meetingID)
	if err != nil {
		return nil, nil, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.meeting.Status == models.MeetingEnded {
		return nil, nil, ErrMeetingEnded
	}
	if _, exists := st.participants[p.UserID]; exists {
		return nil, nil, ErrConflict
	}

	if err := s.repo.UpdateSession(ctx, &st.meeting, []*models.Participant{&p}); err != nil {
		return nil, nil, err
	}
	st.participants[p.UserID] = &p

	cp := p
	return st.snapshotLocked(), &cp, nil
}

// End forcibly terminates the meeting: every in_call participant moves back
// to accepted with left_at set, the meeting becomes ended. Ending an already
// ended meeting is an idempotent no-op.
func (s *Store) End(ctx context.Context, meetingID uuid.UUID) (*Snapshot, []models.Participant, error) {
	st, err := s.openState(ctx, meetingID)
	if err != nil {
		if err == ErrMeetingEnded {
			snap, gerr := s.repo.GetMeeting(ctx, meetingID)
			if gerr == nil && snap != nil {
				return snap, nil, nil
			}
		}
		return nil, nil, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.meeting.Status == models.MeetingEnded {
		return st.snapshotLocked(), nil, nil
	}

	now := s.now()
	var kicked []models.Participant
	var changed []*models.Participant
	var prev []models.Participant
	for _, p := range st.participants {
		if p.Status == models.ParticipantInCall {
			prev = append(prev, *p)
			p.Status = models.ParticipantAccepted
			p.LeftAt = &now
			kicked = append(kicked, *p)
			changed = append(changed, p)
		}
	}
	prevM := st.meeting
	st.meeting.Status = models.MeetingEnded
	st.meeting.EndedAt = &now
	if st.meeting.StartedAt == nil {
		// Ended before anyone joined; the session existed for zero time.
		st.meeting.StartedAt = &now
	}

	if err := s.repo.UpdateSession(ctx, &st.meeting, changed); err != nil {
		st.meeting = prevM
		for i, p := range changed {
			*p = prev[i]
		}
		return nil, nil, err
	}
	return st.snapshotLocked(), kicked, nil
}

// EvictEndedBefore drops ended meetings from memory whose ended_at is older
// than cutoff. Their history remains in the durable store.
func (s *Store) EvictEndedBefore(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for id, st := range s.meetings {
		st.mu.Lock()
		ended := st.meeting.Status == models.MeetingEnded && st.meeting.EndedAt != nil && st.meeting.EndedAt.Before(cutoff)
		st.mu.Unlock()
		if ended {
			delete(s.meetings, id)
			n++
		}
	}
	return n
}

// OpenMeetingsFor lists in-memory meetings in which the user participates.
func (s *Store) OpenMeetingsFor(userID uuid.UUID) []*Snapshot {
	s.mu.RLock()
	states := make([]*meetingState, 0, len(s.meetings))
	for _, st := range s.meetings {
		states = append(states, st)
	}
	s.mu.RUnlock()

	var out []*Snapshot
	for _, st := range states {
		st.mu.Lock()
		if _, ok := st.participants[userID]; ok {
			out = append(out, st.snapshotLocked())
		}
		st.mu.Unlock()
	}
	return out
}

func (s *Store) state(meetingID uuid.UUID) *meetingState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meetings[meetingID]
}

// openState resolves the live state for a meeting, falling back to the
// durable store to distinguish "never existed" from "ended and evicted".
func (s *Store) openState(ctx context.Context, meetingID uuid.UUID) (*meetingState, error) {
	if st := s.state(meetingID); st != nil {
		return st, nil
	}
	snap, err := s.repo.GetMeeting(ctx, meetingID)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, ErrNotFound
	}
	if snap.Meeting.Status == models.MeetingEnded {
		return nil, ErrMeetingEnded
	}
	// Open meeting missing from memory; should only happen if recovery was
	// skipped. Reload it rather than failing the command.
	st := &meetingState{
		meeting:      snap.Meeting,
		participants: make(map[uuid.UUID]*models.Participant, len(snap.Participants)),
	}
	for i := range snap.Participants {
		p := snap.Participants[i]
		st.participants[p.UserID] = &p
	}
	s.mu.Lock()
	if existing := s.meetings[meetingID]; existing != nil {
		st = existing
	} else {
		s.meetings[meetingID] = st
	}
	s.mu.Unlock()
	return st, nil
}

// recomputeMeetingStatusLocked derives the aggregate meeting status from the
// participant set. Caller holds st.mu.
//
// Policy: a meeting activates on the first join and auto-ends when the last
// in_call participant leaves, unless somebody is still awaiting a first join
// (invited, or accepted without ever joining). Participants who already took
// part do not keep the meeting alive on their own.
func (s *Store) recomputeMeetingStatusLocked(st *meetingState, now time.Time) {
	var inCall, awaitingFirstJoin int
	for _, p := range st.participants {
		switch p.Status {
		case models.ParticipantInCall:
			inCall++
		case models.ParticipantInvited:
			awaitingFirstJoin++
		case models.ParticipantAccepted:
			if p.JoinedAt == nil {
				awaitingFirstJoin++
			}
		}
	}

	switch {
	case inCall > 0:
		if st.meeting.Status == models.MeetingScheduled {
			st.meeting.Status = models.MeetingActive
			if st.meeting.StartedAt == nil {
				st.meeting.StartedAt = &now
			}
		}
	case st.meeting.Status == models.MeetingActive && awaitingFirstJoin == 0:
		st.meeting.Status = models.MeetingEnded
		st.meeting.EndedAt = &now
	}
}

// snapshotLocked copies the meeting and participants. Caller holds st.mu.
func (st *meetingState) snapshotLocked() *Snapshot {
	snap := &Snapshot{
		Meeting:      st.meeting,
		Participants: make([]models.Participant, 0, len(st.participants)),
	}
	for _, p := range st.participants {
		snap.Participants = append(snap.Participants, *p)
	}
	return snap
}

func statusIn(s models.ParticipantStatus, set []models.ParticipantStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
