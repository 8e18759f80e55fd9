package meetings

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/pulseworks/collab-backend/internal/models"
)

func TestCreateValidation(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	cases := []struct {
		name     string
		title    string
		invitees []uuid.UUID
	}{
		{"empty invitees", "standup", nil},
		{"creator invites themselves", "standup", []uuid.UUID{rig.creator}},
		{"unknown user", "standup", []uuid.UUID{uuid.New()}},
		{"missing title", "", []uuid.UUID{rig.userA}},
	}
	for _, tc := range cases {
		if _, err := rig.engine.Create(ctx, rig.creator, tc.title, "", tc.invitees); !errors.Is(err, ErrValidation) {
			t.Fatalf("%s: expected ErrValidation, got %v", tc.name, err)
		}
	}
}

func TestCreateMeeting(t *testing.T) {
	rig := newTestRig(t)
	snap := rig.create(t)
	checkInvariants(t, snap)

	if snap.Meeting.Status != models.MeetingScheduled {
		t.Fatalf("expected scheduled, got %s", snap.Meeting.Status)
	}
	if snap.Meeting.RoomID == "" {
		t.Fatal("room id not allocated")
	}
	if len(snap.Participants) != 3 {
		t.Fatalf("expected 3 participants, got %d", len(snap.Participants))
	}
	if got := rig.participant(t, snap, rig.creator).Status; got != models.ParticipantAccepted {
		t.Fatalf("creator should be accepted, got %s", got)
	}
	for _, id := range []uuid.UUID{rig.userA, rig.userB} {
		if got := rig.participant(t, snap, id).Status; got != models.ParticipantInvited {
			t.Fatalf("invitee should be invited, got %s", got)
		}
	}

	if len(rig.notifier.incomingCalls) != 1 {
		t.Fatalf("expected one IncomingCall dispatch, got %d", len(rig.notifier.incomingCalls))
	}
	if got := rig.notifier.incomingCalls[0].Invitees; len(got) != 2 {
		t.Fatalf("IncomingCall should target the 2 invitees, got %v", got)
	}
}

func TestDuplicateInviteesDeduplicated(t *testing.T) {
	rig := newTestRig(t)
	snap, err := rig.engine.Create(context.Background(), rig.creator, "standup", "",
		[]uuid.UUID{rig.userA, rig.userA, rig.userB})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if len(snap.Participants) != 3 {
		t.Fatalf("expected 3 participants after dedupe, got %d", len(snap.Participants))
	}
}

func TestDirectJoinFromInvitedFails(t *testing.T) {
	rig := newTestRig(t)
	snap := rig.create(t)
	ctx := context.Background()

	if _, err := rig.engine.Join(ctx, snap.Meeting.ID, rig.userA); !errors.Is(err, ErrConflict) {
		t.Fatalf("invited -> in_call must fail with ErrConflict, got %v", err)
	}
}

func TestAcceptIsIdempotent(t *testing.T) {
	rig := newTestRig(t)
	snap := rig.create(t)
	ctx := context.Background()

	first, err := rig.engine.Respond(ctx, snap.Meeting.ID, rig.userA, true)
	if err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	second, err := rig.engine.Respond(ctx, snap.Meeting.ID, rig.userA, true)
	if err != nil {
		t.Fatalf("repeated accept must be a no-op success, got %v", err)
	}
	if rig.participant(t, first, rig.userA).Status != rig.participant(t, second, rig.userA).Status {
		t.Fatal("repeated accept changed state")
	}
	// Only the first accept produces a notification.
	if got := len(rig.notifier.updatesFor(rig.userA)); got != 1 {
		t.Fatalf("expected exactly one ParticipantUpdated for A, got %d", got)
	}
}

func TestRejectAfterAcceptConflicts(t *testing.T) {
	rig := newTestRig(t)
	snap := rig.create(t)
	ctx := context.Background()

	if _, err := rig.engine.Respond(ctx, snap.Meeting.ID, rig.userA, true); err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	if _, err := rig.engine.Respond(ctx, snap.Meeting.ID, rig.userA, false); !errors.Is(err, ErrConflict) {
		t.Fatalf("reject after accept must conflict, got %v", err)
	}
}

func TestAcceptJoinRejectScenario(t *testing.T) {
	rig := newTestRig(t)
	snap := rig.create(t)
	ctx := context.Background()

	if _, err := rig.engine.Respond(ctx, snap.Meeting.ID, rig.userA, true); err != nil {
		t.Fatalf("A accept: %v", err)
	}
	if _, err := rig.engine.Join(ctx, snap.Meeting.ID, rig.userA); err != nil {
		t.Fatalf("A join: %v", err)
	}
	final, err := rig.engine.Respond(ctx, snap.Meeting.ID, rig.userB, false)
	if err != nil {
		t.Fatalf("B reject: %v", err)
	}
	checkInvariants(t, final)

	if final.Meeting.Status != models.MeetingActive {
		t.Fatalf("meeting should be active, got %s", final.Meeting.Status)
	}
	if got := rig.participant(t, final, rig.userA).Status; got != models.ParticipantInCall {
		t.Fatalf("A should be in_call, got %s", got)
	}
	if got := rig.participant(t, final, rig.userB).Status; got != models.ParticipantRejected {
		t.Fatalf("B should be rejected, got %s", got)
	}
	if got := rig.participant(t, final, rig.creator).Status; got != models.ParticipantAccepted {
		t.Fatalf("creator should be accepted, got %s", got)
	}
}

func TestConcurrentJoinsActivateOnce(t *testing.T) {
	rig := newTestRig(t)
	snap := rig.create(t)
	ctx := context.Background()

	for _, id := range []uuid.UUID{rig.userA, rig.userB} {
		if _, err := rig.engine.Respond(ctx, snap.Meeting.ID, id, true); err != nil {
			t.Fatalf("accept: %v", err)
		}
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []uuid.UUID{rig.userA, rig.userB} {
		wg.Add(1)
		go func(i int, id uuid.UUID) {
			defer wg.Done()
			_, errs[i] = rig.engine.Join(ctx, snap.Meeting.ID, id)
		}(i, id)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("concurrent join %d failed: %v", i, err)
		}
	}

	final, err := rig.engine.Get(ctx, snap.Meeting.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	checkInvariants(t, final)
	if final.Meeting.Status != models.MeetingActive {
		t.Fatalf("meeting should be active, got %s", final.Meeting.Status)
	}
	startedAt := final.Meeting.StartedAt
	if startedAt == nil {
		t.Fatal("started_at not set")
	}
	for _, id := range []uuid.UUID{rig.userA, rig.userB} {
		if got := rig.participant(t, final, id).Status; got != models.ParticipantInCall {
			t.Fatalf("%s should be in_call, got %s", id, got)
		}
	}

	// A later rejoin cycle must not move started_at.
	if _, err := rig.engine.Leave(ctx, snap.Meeting.ID, rig.userA); err != nil {
		t.Fatalf("leave: %v", err)
	}
	after, err := rig.engine.Join(ctx, snap.Meeting.ID, rig.userA)
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if !after.Meeting.StartedAt.Equal(*startedAt) {
		t.Fatalf("started_at changed: %v -> %v", startedAt, after.Meeting.StartedAt)
	}
}

func TestConcurrentAcceptRejectRace(t *testing.T) {
	rig := newTestRig(t)
	snap := rig.create(t)
	ctx := context.Background()

	// Accept and reject race for the same invitee: exactly one wins, the
	// loser hits the CAS conflict.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, accept := range []bool{true, false} {
		wg.Add(1)
		go func(i int, accept bool) {
			defer wg.Done()
			_, errs[i] = rig.engine.Respond(ctx, snap.Meeting.ID, rig.userA, accept)
		}(i, accept)
	}
	wg.Wait()

	var wins, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || conflicts != 1 {
		t.Fatalf("expected one winner and one conflict, got wins=%d conflicts=%d", wins, conflicts)
	}

	final, err := rig.engine.Get(ctx, snap.Meeting.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	checkInvariants(t, final)
	got := rig.participant(t, final, rig.userA).Status
	winnerAccepted := errs[0] == nil
	if winnerAccepted && got != models.ParticipantAccepted {
		t.Fatalf("accept won but status is %s", got)
	}
	if !winnerAccepted && got != models.ParticipantRejected {
		t.Fatalf("reject won but status is %s", got)
	}
	// Only the winning transition notifies.
	if updates := rig.notifier.updatesFor(rig.userA); len(updates) != 1 {
		t.Fatalf("expected exactly one ParticipantUpdated for the winner, got %d", len(updates))
	}
}

func TestLeavePolicy(t *testing.T) {
	rig := newTestRig(t)
	snap := rig.create(t)
	ctx := context.Background()

	// A accepts and joins, then leaves while B is still invited and the
	// creator never joined: both are awaiting a first join, so the meeting
	// stays active.
	if _, err := rig.engine.Respond(ctx, snap.Meeting.ID, rig.userA, true); err != nil {
		t.Fatalf("A accept: %v", err)
	}
	if _, err := rig.engine.Join(ctx, snap.Meeting.ID, rig.userA); err != nil {
		t.Fatalf("A join: %v", err)
	}
	afterLeave, err := rig.engine.Leave(ctx, snap.Meeting.ID, rig.userA)
	if err != nil {
		t.Fatalf("A leave: %v", err)
	}
	checkInvariants(t, afterLeave)
	if afterLeave.Meeting.Status != models.MeetingActive {
		t.Fatalf("meeting should stay active with pending joiners, got %s", afterLeave.Meeting.Status)
	}
	if p := rig.participant(t, afterLeave, rig.userA); p.Status != models.ParticipantAccepted || p.LeftAt == nil {
		t.Fatalf("A should be accepted with left_at set, got %s left_at=%v", p.Status, p.LeftAt)
	}

	// B rejects; the creator joins and leaves. Now nobody is in the call
	// and nobody is awaiting a first join: the meeting ends.
	if _, err := rig.engine.Respond(ctx, snap.Meeting.ID, rig.userB, false); err != nil {
		t.Fatalf("B reject: %v", err)
	}
	if _, err := rig.engine.Join(ctx, snap.Meeting.ID, rig.creator); err != nil {
		t.Fatalf("creator join: %v", err)
	}
	final, err := rig.engine.Leave(ctx, snap.Meeting.ID, rig.creator)
	if err != nil {
		t.Fatalf("creator leave: %v", err)
	}
	checkInvariants(t, final)
	if final.Meeting.Status != models.MeetingEnded {
		t.Fatalf("meeting should auto-end on last leave, got %s", final.Meeting.Status)
	}
	if len(rig.notifier.ended) == 0 {
		t.Fatal("MeetingEnded notification not dispatched")
	}
}

func TestLeaveIsIdempotent(t *testing.T) {
	rig := newTestRig(t)
	snap := rig.create(t)
	ctx := context.Background()

	if _, err := rig.engine.Respond(ctx, snap.Meeting.ID, rig.userA, true); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := rig.engine.Join(ctx, snap.Meeting.ID, rig.userA); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := rig.engine.Leave(ctx, snap.Meeting.ID, rig.userA); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if _, err := rig.engine.Leave(ctx, snap.Meeting.ID, rig.userA); err != nil {
		t.Fatalf("repeated leave must be a no-op success, got %v", err)
	}
}

func TestEndMeeting(t *testing.T) {
	rig := newTestRig(t)
	snap := rig.create(t)
	ctx := context.Background()

	for _, id := range []uuid.UUID{rig.userA, rig.userB} {
		if _, err := rig.engine.Respond(ctx, snap.Meeting.ID, id, true); err != nil {
			t.Fatalf("accept: %v", err)
		}
		if _, err := rig.engine.Join(ctx, snap.Meeting.ID, id); err != nil {
			t.Fatalf("join: %v", err)
		}
	}

	if _, err := rig.engine.End(ctx, snap.Meeting.ID, rig.userA); !errors.Is(err, ErrNotCreator) {
		t.Fatalf("non-creator end must fail, got %v", err)
	}

	final, err := rig.engine.End(ctx, snap.Meeting.ID, rig.creator)
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	checkInvariants(t, final)
	if final.Meeting.Status != models.MeetingEnded || final.Meeting.EndedAt == nil {
		t.Fatalf("meeting should be ended, got %s ended_at=%v", final.Meeting.Status, final.Meeting.EndedAt)
	}
	for _, id := range []uuid.UUID{rig.userA, rig.userB} {
		p := rig.participant(t, final, id)
		if p.Status != models.ParticipantAccepted || p.LeftAt == nil {
			t.Fatalf("%s should be accepted with left_at, got %s left_at=%v", id, p.Status, p.LeftAt)
		}
	}

	// Both kicked participants get a ParticipantUpdated, plus the terminal
	// MeetingEnded for everyone.
	if got := len(rig.notifier.updatesFor(rig.userA)) + len(rig.notifier.updatesFor(rig.userB)); got < 4 {
		t.Fatalf("expected kick updates for A and B, got %d total", got)
	}
	if len(rig.notifier.ended) != 1 {
		t.Fatalf("expected one MeetingEnded, got %d", len(rig.notifier.ended))
	}

	// Terminal: every further mutation fails.
	if _, err := rig.engine.Join(ctx, snap.Meeting.ID, rig.userA); !errors.Is(err, ErrMeetingEnded) {
		t.Fatalf("join after end must fail with ErrMeetingEnded, got %v", err)
	}
	if _, err := rig.engine.Respond(ctx, snap.Meeting.ID, rig.userB, false); !errors.Is(err, ErrMeetingEnded) {
		t.Fatalf("respond after end must fail with ErrMeetingEnded, got %v", err)
	}

	// Ending again is a no-op success.
	if _, err := rig.engine.End(ctx, snap.Meeting.ID, rig.creator); err != nil {
		t.Fatalf("repeated end must succeed, got %v", err)
	}
}

func TestReinviteAfterReject(t *testing.T) {
	rig := newTestRig(t)
	snap := rig.create(t)
	ctx := context.Background()

	if _, err := rig.engine.Respond(ctx, snap.Meeting.ID, rig.userB, false); err != nil {
		t.Fatalf("reject: %v", err)
	}
	// Rejected is terminal without an explicit re-invite.
	if _, err := rig.engine.Respond(ctx, snap.Meeting.ID, rig.userB, true); !errors.Is(err, ErrConflict) {
		t.Fatalf("accept after reject must conflict, got %v", err)
	}

	if _, err := rig.engine.Invite(ctx, snap.Meeting.ID, rig.userA, rig.userB); !errors.Is(err, ErrNotCreator) {
		t.Fatalf("non-creator invite must fail, got %v", err)
	}
	pinned := time.Unix(1_700_000_000, 0)
	rig.store.now = func() time.Time { return pinned }
	after, err := rig.engine.Invite(ctx, snap.Meeting.ID, rig.creator, rig.userB)
	if err != nil {
		t.Fatalf("re-invite: %v", err)
	}
	// The renewed invitation is stamped by the store clock.
	calls := rig.notifier.incomingCalls
	if len(calls) == 0 || !calls[len(calls)-1].Call.CreatedAt.Equal(pinned) {
		t.Fatalf("re-invite IncomingCall not stamped by the store clock: %+v", calls)
	}
	p := rig.participant(t, after, rig.userB)
	if p.Status != models.ParticipantInvited || p.JoinedAt != nil || p.LeftAt != nil {
		t.Fatalf("re-invite should reset the row, got %s joined_at=%v left_at=%v", p.Status, p.JoinedAt, p.LeftAt)
	}

	// The reset row goes through the normal lifecycle again.
	if _, err := rig.engine.Respond(ctx, snap.Meeting.ID, rig.userB, true); err != nil {
		t.Fatalf("accept after re-invite: %v", err)
	}
	if _, err := rig.engine.Join(ctx, snap.Meeting.ID, rig.userB); err != nil {
		t.Fatalf("join after re-invite: %v", err)
	}
}

func TestInviteNewParticipant(t *testing.T) {
	rig := newTestRig(t)
	snap := rig.create(t)
	ctx := context.Background()

	d := rig.engine.directory.(*fakeDirectory)
	newcomer := uuid.New()
	d.users[newcomer] = &models.User{ID: newcomer, FirstName: "New", LastName: "Comer"}

	after, err := rig.engine.Invite(ctx, snap.Meeting.ID, rig.creator, newcomer)
	if err != nil {
		t.Fatalf("invite newcomer: %v", err)
	}
	if len(after.Participants) != 4 {
		t.Fatalf("expected 4 participants, got %d", len(after.Participants))
	}
	if got := rig.participant(t, after, newcomer).Status; got != models.ParticipantInvited {
		t.Fatalf("newcomer should be invited, got %s", got)
	}
}

func TestUnknownMeetingAndParticipant(t *testing.T) {
	rig := newTestRig(t)
	snap := rig.create(t)
	ctx := context.Background()

	if _, err := rig.engine.Join(ctx, uuid.New(), rig.userA); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown meeting must be ErrNotFound, got %v", err)
	}
	if _, err := rig.engine.Join(ctx, snap.Meeting.ID, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown participant must be ErrNotFound, got %v", err)
	}
}

func TestRepositoryFailureLeavesStateUnchanged(t *testing.T) {
	rig := newTestRig(t)
	snap := rig.create(t)
	ctx := context.Background()

	if _, err := rig.engine.Respond(ctx, snap.Meeting.ID, rig.userA, true); err != nil {
		t.Fatalf("accept: %v", err)
	}

	rig.repo.failWith = errors.New("db down")
	if _, err := rig.engine.Join(ctx, snap.Meeting.ID, rig.userA); err == nil {
		t.Fatal("join should fail while the repository is down")
	}
	rig.repo.failWith = nil

	cur, err := rig.engine.Get(ctx, snap.Meeting.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got := rig.participant(t, cur, rig.userA).Status; got != models.ParticipantAccepted {
		t.Fatalf("failed join must not change state, got %s", got)
	}
	if cur.Meeting.Status != models.MeetingScheduled {
		t.Fatalf("failed join must not activate the meeting, got %s", cur.Meeting.Status)
	}
}
