// Package agent is the client-side counterpart of the relay: it owns the
// websocket connection, keeps an optimistic local buffer per file, queues
// unacknowledged local operations and transforms that queue against incoming
// remote operations so every peer converges on the same text.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/devforge/collab-api/ot"
	"github.com/devforge/collab-api/wire"
)

// ErrHalted is returned by Edit after the relay reported an error for this
// session; the agent stops optimistic editing until it rejoins.
var ErrHalted = errors.New("session halted, rejoin required")

const remoteCursorTTL = 3 * time.Second

// Handlers are optional notification callbacks. All of them may be nil and
// are invoked from the agent's read loop.
type Handlers struct {
	OnPresence   func([]wire.Presence)
	OnFileChange func(fileID, content string)
	OnFileSaved  func(wire.RemoteFileSaved)
	OnCursor     func(wire.RemoteCursor)
	OnTyping     func(wire.UserTyping)
	OnError      func(string)
}

// Config wires an agent to one project on one relay.
type Config struct {
	// SocketURL is the websocket endpoint, e.g. ws://host/api/v1/collab.
	SocketURL string
	// BaseURL is the HTTP endpoint used to re-fetch authoritative file
	// content, e.g. http://host/api/v1.
	BaseURL   string
	ProjectID string
	UserID    string
	Handlers  Handlers
}

// document tracks one file: shadow is the last server-acknowledged content,
// pending the local operations the relay has not acked yet. The rendered
// text is always the shadow with the pending queue replayed on top.
type document struct {
	shadow  string
	version int64
	pending []ot.Operation
}

func (d *document) text() string {
	return ot.ApplyAll(d.shadow, d.pending)
}

type Agent struct {
	cfg       Config
	cursorTTL time.Duration

	mu      sync.Mutex
	ws      *websocket.Conn
	docs    map[string]*document
	cursors map[string]wire.RemoteCursor
	halted  bool
	closed  bool
}

func New(cfg Config) *Agent {
	return &Agent{
		cfg:       cfg,
		cursorTTL: remoteCursorTTL,
		docs:      make(map[string]*document),
		cursors:   make(map[string]wire.RemoteCursor),
	}
}

// Connect dials the relay with exponential backoff, joins the project and
// starts the read loop. Non-blocking afterwards; edits are fire-and-forget.
func (a *Agent) Connect(ctx context.Context) error {
	if err := a.dial(ctx); err != nil {
		return err
	}
	go a.readLoop()
	return nil
}

func (a *Agent) dial(ctx context.Context) error {
	var ws *websocket.Conn
	dial := func() error {
		var err error
		ws, _, err = websocket.DefaultDialer.DialContext(ctx, a.cfg.SocketURL, nil)
		return err
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second
	if err := backoff.Retry(dial, backoff.WithContext(bo, ctx)); err != nil {
		return fmt.Errorf("dialing relay: %w", err)
	}

	a.mu.Lock()
	a.ws = ws
	a.halted = false
	a.mu.Unlock()

	return a.send(wire.Envelope{
		Event: wire.EventJoinProject,
		Data:  wire.JoinProject{ProjectID: a.cfg.ProjectID, UserID: a.cfg.UserID},
	})
}

// Close shuts the connection down for good; no reconnect is attempted.
func (a *Agent) Close() error {
	a.mu.Lock()
	a.closed = true
	ws := a.ws
	a.mu.Unlock()
	if ws != nil {
		return ws.Close()
	}
	return nil
}

func (a *Agent) send(env wire.Envelope) error {
	a.mu.Lock()
	ws := a.ws
	a.mu.Unlock()
	if ws == nil {
		return errors.New("not connected")
	}
	return ws.WriteJSON(env)
}

// OpenFile fetches the authoritative content for the file, starts tracking
// it and announces the focus change to the room.
func (a *Agent) OpenFile(ctx context.Context, fileID, filePath string) error {
	content, version, err := a.fetchContent(ctx, fileID)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.docs[fileID] = &document{shadow: content, version: version}
	a.mu.Unlock()

	return a.send(wire.Envelope{
		Event: wire.EventFileOpen,
		Data:  wire.FileOpen{FileID: fileID, FilePath: filePath},
	})
}

// CloseFile stops tracking the file and announces it.
func (a *Agent) CloseFile(fileID string) error {
	a.mu.Lock()
	delete(a.docs, fileID)
	a.mu.Unlock()

	return a.send(wire.Envelope{
		Event: wire.EventFileClose,
		Data:  wire.FileClose{FileID: fileID},
	})
}

// Edit applies a local edit optimistically, queues it as unacknowledged and
// emits it to the relay tagged with the version it was composed against.
func (a *Agent) Edit(fileID string, edit ot.Edit) (ot.Operation, error) {
	a.mu.Lock()
	if a.halted {
		a.mu.Unlock()
		return ot.Operation{}, ErrHalted
	}
	d, ok := a.docs[fileID]
	if !ok {
		a.mu.Unlock()
		return ot.Operation{}, fmt.Errorf("file %v is not open", fileID)
	}

	op := ot.Operation{
		ID:      uuid.NewString(),
		FileID:  fileID,
		UserID:  a.cfg.UserID,
		Version: d.version,
		Time:    time.Now(),
		Edit:    edit,
	}
	d.pending = append(d.pending, op)
	a.mu.Unlock()

	if err := a.send(wire.Envelope{Event: wire.EventFileEdit, Data: op.ToWire()}); err != nil {
		return ot.Operation{}, err
	}
	return op, nil
}

// Text returns the current rendered content of an open file.
func (a *Agent) Text(fileID string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	d, ok := a.docs[fileID]
	if !ok {
		return "", false
	}
	return d.text(), true
}

// Pending returns the number of unacknowledged local operations for a file.
func (a *Agent) Pending(fileID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if d, ok := a.docs[fileID]; ok {
		return len(d.pending)
	}
	return 0
}

// MoveCursor emits the local cursor position; ephemeral, last write wins.
func (a *Agent) MoveCursor(fileID string, pos wire.CursorPos, sel *wire.Selection) error {
	return a.send(wire.Envelope{
		Event: wire.EventCursorPosition,
		Data:  wire.CursorPosition{FileID: fileID, Position: pos, Selection: sel},
	})
}

// SetTyping toggles the typing indicator.
func (a *Agent) SetTyping(fileID string, isTyping bool) error {
	return a.send(wire.Envelope{
		Event: wire.EventTyping,
		Data:  wire.Typing{FileID: fileID, IsTyping: isTyping},
	})
}

// Save emits the file's full current content as a durable save.
func (a *Agent) Save(fileID, filePath string) error {
	a.mu.Lock()
	d, ok := a.docs[fileID]
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("file %v is not open", fileID)
	}
	content := d.text()
	d.shadow = content
	d.pending = nil
	a.mu.Unlock()

	return a.send(wire.Envelope{
		Event: wire.EventFileSaved,
		Data:  wire.FileSaved{FileID: fileID, FilePath: filePath, NewContent: content},
	})
}

// Cursors returns the remote cursors that have moved within the expiry
// window; stale ones are dropped, since no heartbeat accompanies them.
func (a *Agent) Cursors() []wire.RemoteCursor {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]wire.RemoteCursor, 0, len(a.cursors))
	for _, c := range a.cursors {
		out = append(out, c)
	}
	return out
}

func (a *Agent) readLoop() {
	for {
		var env wire.Envelope
		err := func() error {
			a.mu.Lock()
			ws := a.ws
			a.mu.Unlock()
			if ws == nil {
				return errors.New("connection gone")
			}
			return ws.ReadJSON(&env)
		}()
		if err != nil {
			a.mu.Lock()
			closed := a.closed
			a.mu.Unlock()
			if closed {
				return
			}
			log.Debug().Err(err).Msg("connection lost, reconnecting")
			a.reconnect()
			return
		}
		a.handle(env)
	}
}

func (a *Agent) handle(env wire.Envelope) {
	switch env.Event {
	case wire.EventPresenceUpdate:
		var p wire.PresenceUpdate
		if wire.Decode(env.Data, &p) == nil && a.cfg.Handlers.OnPresence != nil {
			a.cfg.Handlers.OnPresence(p.Users)
		}
	case wire.EventRemoteFileEdit:
		var edit wire.RemoteFileEdit
		if err := wire.Decode(env.Data, &edit); err != nil {
			log.Error().Err(err).Msg("malformed remote edit")
			return
		}
		a.applyRemoteEdit(edit.Wire)
	case wire.EventOperationAck:
		var ack wire.OperationAck
		if wire.Decode(env.Data, &ack) == nil {
			a.applyAck(ack)
		}
	case wire.EventRemoteFileSaved:
		var saved wire.RemoteFileSaved
		if wire.Decode(env.Data, &saved) == nil {
			a.applyRemoteSave(saved)
		}
	case wire.EventRemoteCursor:
		var cursor wire.RemoteCursor
		if wire.Decode(env.Data, &cursor) == nil {
			a.trackCursor(cursor)
		}
	case wire.EventUserTyping:
		var typing wire.UserTyping
		if wire.Decode(env.Data, &typing) == nil && a.cfg.Handlers.OnTyping != nil {
			a.cfg.Handlers.OnTyping(typing)
		}
	case wire.EventError:
		var e wire.Error
		_ = wire.Decode(env.Data, &e)
		log.Warn().Str("message", e.Message).Msg("relay reported error")
		a.mu.Lock()
		a.halted = true
		a.mu.Unlock()
		if a.cfg.Handlers.OnError != nil {
			a.cfg.Handlers.OnError(e.Message)
		}
	}
}

// applyRemoteEdit folds a ledger-stamped remote operation into the file:
// the pending queue is rewritten against it first, because those local edits
// were composed before the remote one was known, then the shadow advances.
func (a *Agent) applyRemoteEdit(w ot.Wire) {
	op, err := w.Operation()
	if err != nil {
		log.Error().Err(err).Msg("invalid remote operation")
		return
	}

	a.mu.Lock()
	d, ok := a.docs[op.FileID]
	if !ok {
		a.mu.Unlock()
		return
	}
	d.pending = ot.TransformAll(d.pending, op)
	d.shadow = ot.Apply(d.shadow, op)
	d.version = op.Version
	content := d.text()
	a.mu.Unlock()

	if a.cfg.Handlers.OnFileChange != nil {
		a.cfg.Handlers.OnFileChange(op.FileID, content)
	}
}

// applyAck promotes the acknowledged pending operation, in its transformed
// form, into the shadow. The relay has already folded the same transforms in
// on its side, so shadow and canonical content stay identical.
func (a *Agent) applyAck(ack wire.OperationAck) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, d := range a.docs {
		for i, op := range d.pending {
			if op.ID != ack.OpID {
				continue
			}
			d.shadow = ot.Apply(d.shadow, op)
			d.version = ack.Version
			d.pending = append(d.pending[:i], d.pending[i+1:]...)
			return
		}
	}
}

// applyRemoteSave replaces the buffer wholesale; this is the coarse
// convergence fallback that does not depend on incremental transformation.
func (a *Agent) applyRemoteSave(saved wire.RemoteFileSaved) {
	a.mu.Lock()
	d, ok := a.docs[saved.FileID]
	if ok {
		d.shadow = saved.NewContent
		d.version = saved.Version
		d.pending = nil
	}
	a.mu.Unlock()

	if ok && a.cfg.Handlers.OnFileChange != nil {
		a.cfg.Handlers.OnFileChange(saved.FileID, saved.NewContent)
	}
	if a.cfg.Handlers.OnFileSaved != nil {
		a.cfg.Handlers.OnFileSaved(saved)
	}
}

func (a *Agent) trackCursor(cursor wire.RemoteCursor) {
	a.mu.Lock()
	a.cursors[cursor.UserID] = cursor
	a.mu.Unlock()

	if a.cfg.Handlers.OnCursor != nil {
		a.cfg.Handlers.OnCursor(cursor)
	}

	userID := cursor.UserID
	seen := cursor
	time.AfterFunc(a.cursorTTL, func() {
		a.mu.Lock()
		if cur, ok := a.cursors[userID]; ok && cur == seen {
			delete(a.cursors, userID)
		}
		a.mu.Unlock()
	})
}

// reconnect re-runs the join sequence and re-fetches authoritative content
// for every open file instead of replaying a long-stale pending queue.
func (a *Agent) reconnect() {
	ctx := context.Background()
	if err := a.dial(ctx); err != nil {
		log.Error().Err(err).Msg("reconnect failed")
		return
	}

	a.mu.Lock()
	fileIDs := make([]string, 0, len(a.docs))
	for id := range a.docs {
		fileIDs = append(fileIDs, id)
	}
	a.mu.Unlock()

	for _, fileID := range fileIDs {
		content, version, err := a.fetchContent(ctx, fileID)
		if err != nil {
			log.Error().Err(err).Str("file", fileID).Msg("resync failed")
			continue
		}
		a.mu.Lock()
		if d, ok := a.docs[fileID]; ok {
			d.shadow = content
			d.version = version
			d.pending = nil
		}
		a.mu.Unlock()
		if a.cfg.Handlers.OnFileChange != nil {
			a.cfg.Handlers.OnFileChange(fileID, content)
		}
	}

	go a.readLoop()
}

// fetchContent pulls authoritative file content from the relay's HTTP
// surface.
func (a *Agent) fetchContent(ctx context.Context, fileID string) (string, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/files/%s", a.cfg.BaseURL, fileID), nil)
	if err != nil {
		return "", 0, err
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("fetching file %v: %w", fileID, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("fetching file %v: status %v", fileID, res.StatusCode)
	}

	var body struct {
		Content string `json:"content"`
		Version int64  `json:"version"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return "", 0, fmt.Errorf("decoding file %v: %w", fileID, err)
	}
	return body.Content, body.Version, nil
}
