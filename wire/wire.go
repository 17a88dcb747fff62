// Package wire defines the event names and payload shapes of the realtime
// collaboration channel. Messages travel as a JSON envelope
// {"event": "...", "data": {...}}; Decode maps the untyped data object onto
// the typed payload structs.
package wire

import (
	"github.com/mitchellh/mapstructure"

	"github.com/devforge/collab-api/ot"
)

// Client to server.
const (
	EventJoinProject    = "join-project"
	EventFileOpen       = "file-open"
	EventFileClose      = "file-close"
	EventCursorPosition = "cursor-position"
	EventFileEdit       = "file-edit"
	EventFileSaved      = "file-saved"
	EventTyping         = "typing"
)

// Server to client.
const (
	EventPresenceUpdate  = "presence-update"
	EventUserFileOpened  = "user-file-opened"
	EventUserFileClosed  = "user-file-closed"
	EventRemoteCursor    = "remote-cursor"
	EventRemoteFileEdit  = "remote-file-edit"
	EventRemoteFileSaved = "remote-file-saved"
	EventUserTyping      = "user-typing"
	EventOperationAck    = "operation-ack"
	EventError           = "error"
)

// Envelope frames every message on the channel. On the inbound side Data
// decodes to a generic map; outbound senders put a typed payload in it.
type Envelope struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

// Decode maps an envelope's data onto a payload struct. JSON numbers arrive
// as float64, so decoding is weakly typed.
func Decode(data interface{}, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(data)
}

// Presence is the live record of one user in a project room.
type Presence struct {
	UserID       string `json:"userId" mapstructure:"userId"`
	Username     string `json:"username" mapstructure:"username"`
	Email        string `json:"email" mapstructure:"email"`
	Role         string `json:"role" mapstructure:"role"`
	CurrentFile  string `json:"currentFile,omitempty" mapstructure:"currentFile"`
	LastActivity int64  `json:"lastActivity" mapstructure:"lastActivity"`
	Color        string `json:"color" mapstructure:"color"`
}

type JoinProject struct {
	ProjectID string `json:"projectId" mapstructure:"projectId"`
	UserID    string `json:"userId" mapstructure:"userId"`
}

type FileOpen struct {
	FileID   string `json:"fileId" mapstructure:"fileId"`
	FilePath string `json:"filePath" mapstructure:"filePath"`
}

type FileClose struct {
	FileID string `json:"fileId" mapstructure:"fileId"`
}

// CursorPos is an editor coordinate.
type CursorPos struct {
	LineNumber int `json:"lineNumber" mapstructure:"lineNumber"`
	Column     int `json:"column" mapstructure:"column"`
}

// Selection is an optional selected range accompanying a cursor move.
type Selection struct {
	StartLineNumber int `json:"startLineNumber" mapstructure:"startLineNumber"`
	StartColumn     int `json:"startColumn" mapstructure:"startColumn"`
	EndLineNumber   int `json:"endLineNumber" mapstructure:"endLineNumber"`
	EndColumn       int `json:"endColumn" mapstructure:"endColumn"`
}

type CursorPosition struct {
	FileID    string     `json:"fileId" mapstructure:"fileId"`
	Position  CursorPos  `json:"position" mapstructure:"position"`
	Selection *Selection `json:"selection,omitempty" mapstructure:"selection"`
}

type FileSaved struct {
	FileID     string `json:"fileId" mapstructure:"fileId"`
	FilePath   string `json:"filePath" mapstructure:"filePath"`
	NewContent string `json:"newContent" mapstructure:"newContent"`
}

type Typing struct {
	FileID   string `json:"fileId" mapstructure:"fileId"`
	IsTyping bool   `json:"isTyping" mapstructure:"isTyping"`
}

type PresenceUpdate struct {
	Users []Presence `json:"users" mapstructure:"users"`
}

type UserFileOpened struct {
	UserID   string `json:"userId" mapstructure:"userId"`
	Username string `json:"username" mapstructure:"username"`
	FileID   string `json:"fileId" mapstructure:"fileId"`
	FilePath string `json:"filePath" mapstructure:"filePath"`
	Color    string `json:"color" mapstructure:"color"`
}

type UserFileClosed struct {
	UserID string `json:"userId" mapstructure:"userId"`
	FileID string `json:"fileId" mapstructure:"fileId"`
}

type RemoteCursor struct {
	CursorPosition `mapstructure:",squash"`
	UserID         string `json:"userId" mapstructure:"userId"`
	Username       string `json:"username" mapstructure:"username"`
	Color          string `json:"color" mapstructure:"color"`
}

// RemoteFileEdit carries a ledger-stamped operation plus the author's
// display name.
type RemoteFileEdit struct {
	ot.Wire  `mapstructure:",squash"`
	Username string `json:"username" mapstructure:"username"`
}

type RemoteFileSaved struct {
	FileID     string `json:"fileId" mapstructure:"fileId"`
	FilePath   string `json:"filePath" mapstructure:"filePath"`
	NewContent string `json:"newContent" mapstructure:"newContent"`
	Version    int64  `json:"version" mapstructure:"version"`
	UserID     string `json:"userId" mapstructure:"userId"`
	Username   string `json:"username" mapstructure:"username"`
	Timestamp  int64  `json:"timestamp" mapstructure:"timestamp"`
}

type UserTyping struct {
	UserID   string `json:"userId" mapstructure:"userId"`
	Username string `json:"username" mapstructure:"username"`
	FileID   string `json:"fileId" mapstructure:"fileId"`
	IsTyping bool   `json:"isTyping" mapstructure:"isTyping"`
}

type OperationAck struct {
	OpID    string `json:"opId" mapstructure:"opId"`
	Version int64  `json:"version" mapstructure:"version"`
}

type Error struct {
	Message string `json:"message" mapstructure:"message"`
}
