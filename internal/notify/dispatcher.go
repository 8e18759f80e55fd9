// Package notify fans session events out to the live connections of the
// affected participants. Delivery is best-effort and at-least-once: a busy
// connection gets one retry, then the event is dropped and logged. Nothing
// in this package ever fails the signaling command that produced the event.
package notify

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pulseworks/collab-backend/internal/meetings"
	"github.com/pulseworks/collab-backend/internal/models"
	"github.com/pulseworks/collab-backend/internal/realtime"
)

const retryDelay = 50 * time.Millisecond

// Presence answers which connections a user currently has. Implemented by
// the realtime registry.
type Presence interface {
	ConnectionsFor(userID uuid.UUID) []realtime.Conn
}

// Publisher publishes an event to a user's cross-instance channel. May be
// nil for single-instance deployments, in which case delivery is local only.
type Publisher interface {
	PublishUserEvent(userID uuid.UUID, event string, payload []byte) error
}

// Dispatcher implements meetings.Notifier.
type Dispatcher struct {
	presence  Presence
	publisher Publisher
	logger    *zap.Logger
	// sleep is swapped out in tests to avoid real retry delays.
	sleep func(time.Duration)
}

// NewDispatcher creates a dispatcher. publisher may be nil.
func NewDispatcher(presence Presence, publisher Publisher, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		presence:  presence,
		publisher: publisher,
		logger:    logger,
		sleep:     time.Sleep,
	}
}

// IncomingCall pushes the call invitation to each invitee's connections.
// Offline invitees are skipped; their participant row already records the
// invitation.
func (d *Dispatcher) IncomingCall(call models.IncomingCall, invitees []uuid.UUID) {
	d.dispatch(models.EventIncomingCall, call, invitees)
}

// ParticipantUpdated pushes the changed participant plus the full meeting
// snapshot to every participant of the meeting.
func (d *Dispatcher) ParticipantUpdated(snap *meetings.Snapshot, p models.Participant) {
	d.dispatch(models.EventParticipantUpdated, models.ParticipantUpdated{
		Meeting:     snap.Meeting,
		Participant: p,
	}, recipients(snap))
}

// MeetingEnded notifies every participant that the session terminated.
func (d *Dispatcher) MeetingEnded(snap *meetings.Snapshot) {
	endedAt := time.Now()
	if snap.Meeting.EndedAt != nil {
		endedAt = *snap.Meeting.EndedAt
	}
	d.dispatch(models.EventMeetingEnded, models.MeetingEndedEvent{
		Meeting: snap.Meeting,
		EndedAt: endedAt,
	}, recipients(snap))
}

// dispatch hands the event to every recipient without blocking the caller.
func (d *Dispatcher) dispatch(event string, payload interface{}, userIDs []uuid.UUID) {
	data, err := json.Marshal(payload)
	if err != nil {
		d.logger.Error("marshal event", zap.String("event", event), zap.Error(err))
		return
	}
	go func() {
		for _, userID := range userIDs {
			if d.publisher != nil {
				// Publish only; the per-user subscriber on each instance
				// with a live connection performs the single local
				// broadcast, so local clients are not delivered twice.
				if err := d.publisher.PublishUserEvent(userID, event, data); err != nil {
					d.logger.Warn("publish event failed",
						zap.String("event", event),
						zap.String("user_id", userID.String()),
						zap.Error(err))
					d.DeliverLocal(userID, event, data)
				}
				continue
			}
			d.DeliverLocal(userID, event, data)
		}
	}()
}

// DeliverLocal pushes an event to the user's local connections, one retry
// per busy connection. A failed connection never blocks the others.
func (d *Dispatcher) DeliverLocal(userID uuid.UUID, event string, payload []byte) {
	conns := d.presence.ConnectionsFor(userID)
	if len(conns) == 0 {
		return
	}
	raw := json.RawMessage(payload)
	for _, c := range conns {
		if c.TrySend(event, raw) {
			continue
		}
		d.sleep(retryDelay)
		if !c.TrySend(event, raw) {
			d.logger.Warn("event dropped",
				zap.String("event", event),
				zap.String("user_id", userID.String()))
		}
	}
}

func recipients(snap *meetings.Snapshot) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(snap.Participants))
	for _, p := range snap.Participants {
		ids = append(ids, p.UserID)
	}
	return ids
}
