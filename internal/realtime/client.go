package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pulseworks/collab-backend/internal/meetings"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30
	PongWait     = 60
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // allow all origins in dev; restrict in production
	},
}

// WSMessage is the WebSocket message envelope for both directions.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// CommandHandler executes client-issued signaling commands. Implemented by
// the meetings engine.
type CommandHandler interface {
	Create(ctx context.Context, creatorID uuid.UUID, title, description string, inviteeIDs []uuid.UUID) (*meetings.Snapshot, error)
	Respond(ctx context.Context, meetingID, userID uuid.UUID, accept bool) (*meetings.Snapshot, error)
	Join(ctx context.Context, meetingID, userID uuid.UUID) (*meetings.Snapshot, error)
	Leave(ctx context.Context, meetingID, userID uuid.UUID) (*meetings.Snapshot, error)
	End(ctx context.Context, meetingID, callerID uuid.UUID) (*meetings.Snapshot, error)
}

// Client represents a single WebSocket connection of one user.
type Client struct {
	ID       string
	UserID   uuid.UUID
	registry *Registry
	commands CommandHandler
	conn     *websocket.Conn
	send     chan WSMessage
	logger   *zap.Logger
}

// TrySend queues an event for delivery, reporting false when the send
// buffer is full.
func (c *Client) TrySend(event string, payload interface{}) bool {
	var data json.RawMessage
	switch v := payload.(type) {
	case json.RawMessage:
		data = v
	case []byte:
		data = v
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return false
		}
		data = b
	}
	select {
	case c.send <- WSMessage{Event: event, Data: data}:
		return true
	default:
		return false
	}
}

// Close terminates the underlying connection.
func (c *Client) Close() {
	_ = c.conn.Close()
}

// ServeWs handles the WebSocket upgrade and runs the client loop. The token
// travels in the query string since browsers cannot set headers on the
// WebSocket handshake.
func ServeWs(registry *Registry, commands CommandHandler, logger *zap.Logger, jwtValidate func(token string) (uuid.UUID, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Query("token")
		if token == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "token required"})
			return
		}
		userID, err := jwtValidate(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &Client{
			ID:       uuid.New().String(),
			UserID:   userID,
			registry: registry,
			commands: commands,
			conn:     conn,
			send:     make(chan WSMessage, 256),
			logger:   logger,
		}
		registry.Register(userID, client.ID, client)
		go client.writePump()
		client.readPump()
	}
}

// Command payloads.
type createMeetingCmd struct {
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	ParticipantIDs []string `json:"participant_ids"`
}

type respondInviteCmd struct {
	MeetingID string `json:"meeting_id"`
	Action    string `json:"action"` // accept | reject
}

type meetingCmd struct {
	MeetingID string `json:"meeting_id"`
}

type errorReply struct {
	Command string `json:"command"`
	Kind    string `json:"kind"`
	Error   string `json:"error"`
}

func (c *Client) readPump() {
	defer func() {
		c.registry.Unregister(c.UserID, c.ID)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(65536)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})

	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			break
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		c.handleCommand(msg)
	}
}

func (c *Client) handleCommand(msg WSMessage) {
	ctx := context.Background()

	switch msg.Event {
	case "create_meeting":
		var cmd createMeetingCmd
		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			c.replyError(msg.Event, meetings.ErrValidation)
			return
		}
		invitees := make([]uuid.UUID, 0, len(cmd.ParticipantIDs))
		for _, s := range cmd.ParticipantIDs {
			id, err := uuid.Parse(s)
			if err != nil {
				c.replyError(msg.Event, meetings.ErrValidation)
				return
			}
			invitees = append(invitees, id)
		}
		snap, err := c.commands.Create(ctx, c.UserID, cmd.Title, cmd.Description, invitees)
		if err != nil {
			c.replyError(msg.Event, err)
			return
		}
		c.TrySend("meeting_created", snap)

	case "respond_invite":
		var cmd respondInviteCmd
		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			c.replyError(msg.Event, meetings.ErrValidation)
			return
		}
		meetingID, err := uuid.Parse(cmd.MeetingID)
		if err != nil || (cmd.Action != "accept" && cmd.Action != "reject") {
			c.replyError(msg.Event, meetings.ErrValidation)
			return
		}
		if _, err := c.commands.Respond(ctx, meetingID, c.UserID, cmd.Action == "accept"); err != nil {
			c.replyError(msg.Event, err)
		}

	case "join_call":
		c.runMeetingCmd(msg, c.commands.Join)
	case "leave_call":
		c.runMeetingCmd(msg, c.commands.Leave)
	case "end_meeting":
		c.runMeetingCmd(msg, c.commands.End)

	default:
		// ignore
	}
}

func (c *Client) runMeetingCmd(msg WSMessage, fn func(ctx context.Context, meetingID, userID uuid.UUID) (*meetings.Snapshot, error)) {
	var cmd meetingCmd
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		c.replyError(msg.Event, meetings.ErrValidation)
		return
	}
	meetingID, err := uuid.Parse(cmd.MeetingID)
	if err != nil {
		c.replyError(msg.Event, meetings.ErrValidation)
		return
	}
	if _, err := fn(context.Background(), meetingID, c.UserID); err != nil {
		c.replyError(msg.Event, err)
	}
}

// replyError sends the error kind back to the issuing connection so the
// client can tell conflicts, missing meetings, and ended calls apart.
func (c *Client) replyError(command string, err error) {
	kind := "internal"
	switch {
	case errors.Is(err, meetings.ErrValidation):
		kind = "validation"
	case errors.Is(err, meetings.ErrNotFound):
		kind = "not_found"
	case errors.Is(err, meetings.ErrConflict):
		kind = "conflict"
	case errors.Is(err, meetings.ErrMeetingEnded):
		kind = "meeting_ended"
	case errors.Is(err, meetings.ErrNotCreator):
		kind = "forbidden"
	}
	c.TrySend("error", errorReply{Command: command, Kind: kind, Error: err.Error()})
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
