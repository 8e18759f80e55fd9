package realtime

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Conn is one live connection handle for a user. TrySend must not block:
// it reports false when the connection cannot take the event right now.
type Conn interface {
	TrySend(event string, payload interface{}) bool
	Close()
}

// Subscriber subscribes to a user's cross-instance event channel and invokes
// handler for incoming events. Returns a cancel function.
type Subscriber interface {
	SubscribeUser(userID uuid.UUID, handler func(event string, payload []byte)) (cancel func(), err error)
}

// RemoteHandler delivers an event that arrived from another instance to the
// local connections of a user.
type RemoteHandler func(userID uuid.UUID, event string, payload []byte)

// Registry tracks which users currently have live connections and through
// which handles. Process-wide, never persisted: a restart starts empty and
// clients re-announce presence by reconnecting.
//
// While any connection exists for a user, the registry keeps one subscription
// to that user's cross-instance channel; it is cancelled when the last
// connection goes away.
type Registry struct {
	mu       sync.RWMutex
	users    map[uuid.UUID]map[string]Conn // userID -> connID -> conn
	subs     map[uuid.UUID]func()          // cancel per-user subscription
	sub      Subscriber
	onRemote RemoteHandler
	logger   *zap.Logger
}

// NewRegistry creates an empty presence registry. sub may be nil for
// single-instance deployments.
func NewRegistry(logger *zap.Logger, sub Subscriber) *Registry {
	return &Registry{
		users:  make(map[uuid.UUID]map[string]Conn),
		subs:   make(map[uuid.UUID]func()),
		sub:    sub,
		logger: logger,
	}
}

// SetRemoteHandler sets the callback for events arriving over the
// cross-instance channel. Must be called before the first Register.
func (r *Registry) SetRemoteHandler(fn RemoteHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRemote = fn
}

// Register adds a connection handle for a user. A handle registered twice
// under the same id replaces the previous one (last writer wins).
func (r *Registry) Register(userID uuid.UUID, connID string, c Conn) {
	r.mu.Lock()
	if r.users[userID] == nil {
		r.users[userID] = make(map[string]Conn)
		if r.sub != nil && r.onRemote != nil {
			handler := r.onRemote
			cancel, err := r.sub.SubscribeUser(userID, func(event string, payload []byte) {
				handler(userID, event, payload)
			})
			if err != nil {
				r.logger.Warn("user channel subscribe failed",
					zap.String("user_id", userID.String()), zap.Error(err))
			} else {
				r.subs[userID] = cancel
			}
		}
	}
	if old := r.users[userID][connID]; old != nil {
		old.Close()
	}
	r.users[userID][connID] = c
	r.mu.Unlock()

	r.logger.Debug("connection registered",
		zap.String("user_id", userID.String()), zap.String("conn_id", connID))
}

// Unregister removes a connection handle. The per-user subscription is
// cancelled when the last handle is gone.
func (r *Registry) Unregister(userID uuid.UUID, connID string) {
	r.mu.Lock()
	if conns, ok := r.users[userID]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(r.users, userID)
			if cancel, ok := r.subs[userID]; ok {
				cancel()
				delete(r.subs, userID)
			}
		}
	}
	r.mu.Unlock()

	r.logger.Debug("connection unregistered",
		zap.String("user_id", userID.String()), zap.String("conn_id", connID))
}

// ConnectionsFor returns a snapshot of the user's live connections. Empty
// means offline. The snapshot is safe to iterate without holding any lock.
func (r *Registry) ConnectionsFor(userID uuid.UUID) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := r.users[userID]
	if len(conns) == 0 {
		return nil
	}
	out := make([]Conn, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	return out
}

// Online reports whether the user has at least one live connection.
func (r *Registry) Online(userID uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID]) > 0
}
