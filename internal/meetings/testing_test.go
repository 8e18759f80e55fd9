package meetings

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pulseworks/collab-backend/internal/models"
)

// memRepo is an in-memory Repository for tests. failWith, when set, makes
// every write fail to exercise rollback paths; failReads does the same for
// lookups.
type memRepo struct {
	mu        sync.Mutex
	snaps     map[uuid.UUID]*Snapshot
	failWith  error
	failReads error
}

func newMemRepo() *memRepo {
	return &memRepo{snaps: make(map[uuid.UUID]*Snapshot)}
}

func (r *memRepo) InsertMeeting(_ context.Context, m *models.Meeting, ps []*models.Participant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return r.failWith
	}
	snap := &Snapshot{Meeting: *m}
	for _, p := range ps {
		snap.Participants = append(snap.Participants, *p)
	}
	r.snaps[m.ID] = snap
	return nil
}

func (r *memRepo) UpdateSession(_ context.Context, m *models.Meeting, changed []*models.Participant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return r.failWith
	}
	snap, ok := r.snaps[m.ID]
	if !ok {
		snap = &Snapshot{}
		r.snaps[m.ID] = snap
	}
	snap.Meeting = *m
	for _, p := range changed {
		replaced := false
		for i := range snap.Participants {
			if snap.Participants[i].UserID == p.UserID {
				snap.Participants[i] = *p
				replaced = true
				break
			}
		}
		if !replaced {
			snap.Participants = append(snap.Participants, *p)
		}
	}
	return nil
}

func (r *memRepo) GetMeeting(_ context.Context, id uuid.UUID) (*Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failReads != nil {
		return nil, r.failReads
	}
	snap, ok := r.snaps[id]
	if !ok {
		return nil, nil
	}
	cp := *snap
	cp.Participants = append([]models.Participant(nil), snap.Participants...)
	return &cp, nil
}

func (r *memRepo) LoadOpenMeetings(_ context.Context) ([]*Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Snapshot
	for _, snap := range r.snaps {
		if snap.Meeting.Status == models.MeetingEnded {
			continue
		}
		cp := *snap
		cp.Participants = append([]models.Participant(nil), snap.Participants...)
		out = append(out, &cp)
	}
	return out, nil
}

// fakeDirectory serves user lookups from a fixed map.
type fakeDirectory struct {
	users map[uuid.UUID]*models.User
}

func newFakeDirectory(ids ...uuid.UUID) *fakeDirectory {
	d := &fakeDirectory{users: make(map[uuid.UUID]*models.User)}
	for i, id := range ids {
		d.users[id] = &models.User{
			ID:        id,
			FirstName: "User",
			LastName:  string(rune('A' + i)),
		}
	}
	return d
}

func (d *fakeDirectory) GetByID(_ context.Context, id uuid.UUID) (*models.User, error) {
	return d.users[id], nil
}

func (d *fakeDirectory) Missing(_ context.Context, ids []uuid.UUID) ([]uuid.UUID, error) {
	var missing []uuid.UUID
	for _, id := range ids {
		if _, ok := d.users[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

// fakeNotifier records every notification the engine hands out.
type fakeNotifier struct {
	mu            sync.Mutex
	incomingCalls []struct {
		Call     models.IncomingCall
		Invitees []uuid.UUID
	}
	updates []models.Participant
	ended   []models.Meeting
}

func (n *fakeNotifier) IncomingCall(call models.IncomingCall, invitees []uuid.UUID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.incomingCalls = append(n.incomingCalls, struct {
		Call     models.IncomingCall
		Invitees []uuid.UUID
	}{call, invitees})
}

func (n *fakeNotifier) ParticipantUpdated(_ *Snapshot, p models.Participant) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.updates = append(n.updates, p)
}

func (n *fakeNotifier) MeetingEnded(snap *Snapshot) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ended = append(n.ended, snap.Meeting)
}

func (n *fakeNotifier) updatesFor(userID uuid.UUID) []models.Participant {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []models.Participant
	for _, p := range n.updates {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	return out
}

type testRig struct {
	engine   *Engine
	store    *Store
	repo     *memRepo
	notifier *fakeNotifier
	creator  uuid.UUID
	userA    uuid.UUID
	userB    uuid.UUID
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	creator := uuid.New()
	userA := uuid.New()
	userB := uuid.New()
	repo := newMemRepo()
	store := NewStore(repo, zap.NewNop())
	notifier := &fakeNotifier{}
	engine := NewEngine(store, newFakeDirectory(creator, userA, userB), notifier, zap.NewNop())
	return &testRig{
		engine:   engine,
		store:    store,
		repo:     repo,
		notifier: notifier,
		creator:  creator,
		userA:    userA,
		userB:    userB,
	}
}

// create makes a meeting with the rig's creator and both invitees.
func (r *testRig) create(t *testing.T) *Snapshot {
	t.Helper()
	snap, err := r.engine.Create(context.Background(), r.creator, "standup", "", []uuid.UUID{r.userA, r.userB})
	if err != nil {
		t.Fatalf("create meeting failed: %v", err)
	}
	return snap
}

func (r *testRig) participant(t *testing.T, snap *Snapshot, userID uuid.UUID) models.Participant {
	t.Helper()
	for _, p := range snap.Participants {
		if p.UserID == userID {
			return p
		}
	}
	t.Fatalf("participant %s not in snapshot", userID)
	return models.Participant{}
}

// checkInvariants asserts the timestamp/status coupling that must hold after
// every transition.
func checkInvariants(t *testing.T, snap *Snapshot) {
	t.Helper()
	m := snap.Meeting
	if (m.EndedAt != nil) != (m.Status == models.MeetingEnded) {
		t.Fatalf("ended_at/status mismatch: status=%s ended_at=%v", m.Status, m.EndedAt)
	}
	started := m.Status == models.MeetingActive || m.Status == models.MeetingEnded
	if (m.StartedAt != nil) != started {
		t.Fatalf("started_at/status mismatch: status=%s started_at=%v", m.Status, m.StartedAt)
	}
	for _, p := range snap.Participants {
		if p.Status == models.ParticipantInCall && p.JoinedAt == nil {
			t.Fatalf("in_call participant %s has no joined_at", p.UserID)
		}
	}
}

// fixedClock returns a deterministic advancing clock for store tests.
func fixedClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	now := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}
