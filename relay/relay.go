// Package relay implements the realtime coordination server: it
// authenticates joining users against project membership, tracks presence per
// room, serializes edits through the version ledger and fans events out to
// the other room members.
package relay

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/xid"
	"github.com/rs/zerolog/log"

	"github.com/devforge/collab-api/common/util"
	"github.com/devforge/collab-api/database"
	"github.com/devforge/collab-api/ledger"
	"github.com/devforge/collab-api/ot"
	"github.com/devforge/collab-api/wire"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Relay is the transport-facing coordinator. One instance per server; all
// room and ledger state lives here, not in package globals.
type Relay struct {
	rooms  *RoomManager
	ledger *ledger.Ledger
	store  *database.Store
}

func New(store *database.Store) *Relay {
	return &Relay{
		rooms:  NewRoomManager(),
		ledger: ledger.New(),
		store:  store,
	}
}

// Rooms exposes the room registry, mainly for inspection in tests.
func (r *Relay) Rooms() *RoomManager { return r.rooms }

// Ledger exposes the version ledger, used by the HTTP resync handler.
func (r *Relay) Ledger() *ledger.Ledger { return r.ledger }

// conn is one websocket connection. user and projectID are owned by the
// connection's read loop; only send may be called from other goroutines.
type conn struct {
	id string
	ws *websocket.Conn

	writeMu sync.Mutex

	user      *database.User
	projectID string
}

func (c *conn) send(env wire.Envelope) {
	if c.ws == nil {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteJSON(env); err != nil {
		log.Debug().Err(err).Str("conn", c.id).Msg("dropping message to dead connection")
	}
}

func (c *conn) sendError(msg string) {
	c.send(wire.Envelope{Event: wire.EventError, Data: wire.Error{Message: msg}})
}

// HandleSocket upgrades the request and runs the connection's event loop
// until the transport closes.
func (r *Relay) HandleSocket(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Msg("error upgrading connection")
		return
	}

	cn := &conn{id: xid.New().String(), ws: ws}
	log.Info().Str("conn", cn.id).Msg("client connected")

	defer func() {
		r.disconnect(cn)
		ws.Close()
		log.Info().Str("conn", cn.id).Msg("client disconnected")
	}()

	for {
		var env wire.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("conn", cn.id).Msg("read failed")
			}
			return
		}
		r.dispatch(c.Request.Context(), cn, env)
	}
}

func (r *Relay) dispatch(ctx context.Context, cn *conn, env wire.Envelope) {
	switch env.Event {
	case wire.EventJoinProject:
		r.handleJoin(ctx, cn, env.Data)
	case wire.EventFileOpen:
		r.handleFileOpen(cn, env.Data)
	case wire.EventFileClose:
		r.handleFileClose(cn, env.Data)
	case wire.EventCursorPosition:
		r.handleCursor(cn, env.Data)
	case wire.EventFileEdit:
		r.handleFileEdit(ctx, cn, env.Data)
	case wire.EventFileSaved:
		r.handleFileSaved(ctx, cn, env.Data)
	case wire.EventTyping:
		r.handleTyping(cn, env.Data)
	default:
		log.Warn().Str("event", env.Event).Str("conn", cn.id).Msg("unknown event")
	}
}

// room returns the caller's room, or nil if the connection has not completed
// a join. Events from unjoined connections are dropped silently, matching
// the channel's fire-and-forget semantics.
func (r *Relay) room(cn *conn) *Room {
	if cn.projectID == "" || cn.user == nil {
		return nil
	}
	room, ok := r.rooms.Room(cn.projectID)
	if !ok {
		return nil
	}
	return room
}

func (r *Relay) handleJoin(ctx context.Context, cn *conn, data interface{}) {
	var req wire.JoinProject
	if err := wire.Decode(data, &req); err != nil {
		log.Error().Err(err).Str("conn", cn.id).Msg("malformed join-project")
		cn.sendError("Malformed join request")
		return
	}

	role, err := r.store.Membership(ctx, req.UserID, req.ProjectID)
	if errors.Is(err, database.ErrNoAccess) {
		cn.sendError("Access denied to this project")
		return
	}
	if err != nil {
		log.Error().Err(err).Str("conn", cn.id).Msg("membership lookup failed")
		cn.sendError("Failed to join project")
		return
	}

	user, err := r.store.User(ctx, req.UserID)
	if errors.Is(err, database.ErrNotFound) {
		cn.sendError("User not found")
		return
	}
	if err != nil {
		log.Error().Err(err).Str("conn", cn.id).Msg("user lookup failed")
		cn.sendError("Failed to join project")
		return
	}

	// Switching projects on a live connection leaves the old room first.
	if cn.projectID != "" && cn.projectID != req.ProjectID {
		r.leaveRoom(cn)
	}

	presence := wire.Presence{
		UserID:       user.ID,
		Username:     user.Username,
		Email:        user.Email,
		Role:         role,
		LastActivity: time.Now().UnixMilli(),
		Color:        util.UserColor(user.ID),
	}
	room := r.rooms.Join(req.ProjectID, presence, cn)
	cn.user = &user
	cn.projectID = req.ProjectID

	log.Info().
		Str("conn", cn.id).
		Str("user", user.Username).
		Str("project", req.ProjectID).
		Msg("user joined project")

	// Everyone, joiner included, gets the fresh list.
	room.broadcast(wire.Envelope{
		Event: wire.EventPresenceUpdate,
		Data:  wire.PresenceUpdate{Users: room.Presences()},
	}, "")
}

func (r *Relay) handleFileOpen(cn *conn, data interface{}) {
	room := r.room(cn)
	if room == nil {
		return
	}
	var req wire.FileOpen
	if err := wire.Decode(data, &req); err != nil {
		log.Error().Err(err).Str("conn", cn.id).Msg("malformed file-open")
		return
	}

	room.setCurrentFile(cn.user.ID, req.FileID)
	p, _ := room.presence(cn.user.ID)
	room.broadcast(wire.Envelope{
		Event: wire.EventUserFileOpened,
		Data: wire.UserFileOpened{
			UserID:   cn.user.ID,
			Username: cn.user.Username,
			FileID:   req.FileID,
			FilePath: req.FilePath,
			Color:    p.Color,
		},
	}, cn.user.ID)
}

func (r *Relay) handleFileClose(cn *conn, data interface{}) {
	room := r.room(cn)
	if room == nil {
		return
	}
	var req wire.FileClose
	if err := wire.Decode(data, &req); err != nil {
		log.Error().Err(err).Str("conn", cn.id).Msg("malformed file-close")
		return
	}

	room.setCurrentFile(cn.user.ID, "")
	room.broadcast(wire.Envelope{
		Event: wire.EventUserFileClosed,
		Data:  wire.UserFileClosed{UserID: cn.user.ID, FileID: req.FileID},
	}, cn.user.ID)
}

func (r *Relay) handleCursor(cn *conn, data interface{}) {
	room := r.room(cn)
	if room == nil {
		return
	}
	var req wire.CursorPosition
	if err := wire.Decode(data, &req); err != nil {
		log.Error().Err(err).Str("conn", cn.id).Msg("malformed cursor-position")
		return
	}

	room.touch(cn.user.ID)
	p, _ := room.presence(cn.user.ID)
	room.broadcast(wire.Envelope{
		Event: wire.EventRemoteCursor,
		Data: wire.RemoteCursor{
			CursorPosition: req,
			UserID:         cn.user.ID,
			Username:       cn.user.Username,
			Color:          p.Color,
		},
	}, cn.user.ID)
}

// handleFileEdit is the server-authoritative OT path: the incoming operation
// is transformed against everything accepted since the version it was based
// on, bounds-checked against the document's tracked length, stamped with the
// next version, logged, and fanned out. The author receives an ack instead
// of an echo.
func (r *Relay) handleFileEdit(ctx context.Context, cn *conn, data interface{}) {
	room := r.room(cn)
	if room == nil {
		return
	}
	var w ot.Wire
	if err := wire.Decode(data, &w); err != nil {
		log.Error().Err(err).Str("conn", cn.id).Msg("malformed file-edit")
		cn.sendError("Malformed edit")
		return
	}
	op, err := w.Operation()
	if err != nil || op.FileID == "" {
		log.Error().Err(err).Str("conn", cn.id).Msg("invalid operation")
		cn.sendError("Invalid operation")
		return
	}
	op.UserID = cn.user.ID

	// First edit for the file: baseline the ledger's length tracking on the
	// stored content so out-of-range edits can be rejected.
	if !r.ledger.Seeded(op.FileID) {
		content, err := r.store.FileContent(ctx, op.FileID)
		if err != nil {
			log.Error().Err(err).Str("conn", cn.id).Str("file", op.FileID).Msg("could not load file for edit")
			cn.sendError("Invalid operation")
			return
		}
		r.ledger.Seed(op.FileID, len(content))
	}

	// Broadcast and ack go out inside the ledger's acceptance critical
	// section, so every connection receives operations in acceptance order;
	// in particular the author's ack always precedes the broadcast of any
	// later-accepted operation.
	_, _, err = r.ledger.Accept(op, func(stamped ot.Operation, version int64) {
		room.broadcast(wire.Envelope{
			Event: wire.EventRemoteFileEdit,
			Data:  wire.RemoteFileEdit{Wire: stamped.ToWire(), Username: cn.user.Username},
		}, cn.user.ID)
		cn.send(wire.Envelope{
			Event: wire.EventOperationAck,
			Data:  wire.OperationAck{OpID: stamped.ID, Version: version},
		})
	})
	if errors.Is(err, ledger.ErrOutOfRange) {
		log.Warn().Str("conn", cn.id).Str("file", op.FileID).Msg("edit out of document bounds")
		cn.sendError("Invalid operation")
		return
	}

	room.touch(cn.user.ID)
}

// handleFileSaved persists the full content first, then broadcasts it as the
// coarse convergence fallback and rebaselines the ledger: once every peer
// holds the saved content, the incremental history before it is moot.
func (r *Relay) handleFileSaved(ctx context.Context, cn *conn, data interface{}) {
	room := r.room(cn)
	if room == nil {
		return
	}
	var req wire.FileSaved
	if err := wire.Decode(data, &req); err != nil {
		log.Error().Err(err).Str("conn", cn.id).Msg("malformed file-saved")
		return
	}

	if err := r.store.SaveFile(ctx, req.FileID, req.NewContent); err != nil {
		log.Error().Err(err).Str("file", req.FileID).Msg("error saving file")
		cn.sendError("Failed to save file")
		return
	}

	version := r.ledger.CurrentVersion(req.FileID)
	r.ledger.Reset(req.FileID, version, len(req.NewContent))

	log.Info().Str("user", cn.user.Username).Str("path", req.FilePath).Msg("file saved")

	room.touch(cn.user.ID)
	room.broadcast(wire.Envelope{
		Event: wire.EventRemoteFileSaved,
		Data: wire.RemoteFileSaved{
			FileID:     req.FileID,
			FilePath:   req.FilePath,
			NewContent: req.NewContent,
			Version:    version,
			UserID:     cn.user.ID,
			Username:   cn.user.Username,
			Timestamp:  time.Now().UnixMilli(),
		},
	}, cn.user.ID)
}

func (r *Relay) handleTyping(cn *conn, data interface{}) {
	room := r.room(cn)
	if room == nil {
		return
	}
	var req wire.Typing
	if err := wire.Decode(data, &req); err != nil {
		log.Error().Err(err).Str("conn", cn.id).Msg("malformed typing")
		return
	}

	room.touch(cn.user.ID)
	room.broadcast(wire.Envelope{
		Event: wire.EventUserTyping,
		Data: wire.UserTyping{
			UserID:   cn.user.ID,
			Username: cn.user.Username,
			FileID:   req.FileID,
			IsTyping: req.IsTyping,
		},
	}, cn.user.ID)
}

func (r *Relay) leaveRoom(cn *conn) {
	if cn.projectID == "" || cn.user == nil {
		return
	}
	if removed := r.rooms.Leave(cn.projectID, cn.user.ID, cn); removed {
		if room, ok := r.rooms.Room(cn.projectID); ok {
			room.broadcast(wire.Envelope{
				Event: wire.EventPresenceUpdate,
				Data:  wire.PresenceUpdate{Users: room.Presences()},
			}, "")
		}
	}
	cn.projectID = ""
}

// disconnect is a lifecycle event, not an error: presence is cleaned up and
// the remaining members get a fresh list.
func (r *Relay) disconnect(cn *conn) {
	r.leaveRoom(cn)
}
