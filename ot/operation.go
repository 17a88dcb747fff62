// Package ot implements the operational transformation engine used by the
// collaboration relay and the client agent. All functions are pure: they
// never perform I/O and never mutate their arguments.
package ot

import (
	"fmt"
	"time"
)

// Edit is one of Insert, Delete or Replace. The set is closed so the
// transform switch is exhaustive.
type Edit interface {
	editKind() string
}

// Insert adds Text at byte offset Pos.
type Insert struct {
	Pos  int
	Text string
}

// Delete removes Len bytes starting at Pos.
type Delete struct {
	Pos int
	Len int
}

// Replace removes Len bytes at Pos and inserts Text in their place.
type Replace struct {
	Pos  int
	Len  int
	Text string
}

func (Insert) editKind() string  { return KindInsert }
func (Delete) editKind() string  { return KindDelete }
func (Replace) editKind() string { return KindReplace }

const (
	KindInsert  = "insert"
	KindDelete  = "delete"
	KindReplace = "replace"
)

// Operation is an atomic text mutation tagged with its origin. Version is the
// document version the author composed the edit against; after the ledger
// accepts it, Version carries the assigned version and Seq the per-file
// arrival sequence. Seq is zero while the operation is unacknowledged.
type Operation struct {
	ID     string
	FileID string
	UserID string
	// Version the edit was based on, or the assigned version once accepted.
	Version int64
	Seq     int64
	Time    time.Time
	Edit    Edit
}

// Kind returns the wire name of the operation's edit type.
func (op Operation) Kind() string { return op.Edit.editKind() }

// Pos returns the edit's byte offset.
func (op Operation) Pos() int {
	switch e := op.Edit.(type) {
	case Insert:
		return e.Pos
	case Delete:
		return e.Pos
	case Replace:
		return e.Pos
	}
	return 0
}

// Span returns the number of bytes the edit touches in the document it is
// applied to: the deleted length for deletes and replaces, the inserted
// length for inserts.
func (op Operation) Span() int {
	switch e := op.Edit.(type) {
	case Insert:
		return len(e.Text)
	case Delete:
		return e.Len
	case Replace:
		return e.Len
	}
	return 0
}

// Wire is the flat JSON shape of an Operation as it travels in event
// payloads. Length and Content are meaningful depending on Type, matching
// the tagged Edit union.
type Wire struct {
	ID        string `json:"id" mapstructure:"id"`
	Type      string `json:"type" mapstructure:"type"`
	Position  int    `json:"position" mapstructure:"position"`
	Content   string `json:"content,omitempty" mapstructure:"content"`
	Length    int    `json:"length,omitempty" mapstructure:"length"`
	FileID    string `json:"fileId" mapstructure:"fileId"`
	UserID    string `json:"userId" mapstructure:"userId"`
	Version   int64  `json:"version" mapstructure:"version"`
	Seq       int64  `json:"seq,omitempty" mapstructure:"seq"`
	Timestamp int64  `json:"timestamp" mapstructure:"timestamp"`
}

// ToWire flattens the operation for transport.
func (op Operation) ToWire() Wire {
	w := Wire{
		ID:        op.ID,
		Type:      op.Kind(),
		FileID:    op.FileID,
		UserID:    op.UserID,
		Version:   op.Version,
		Seq:       op.Seq,
		Timestamp: op.Time.UnixMilli(),
	}
	switch e := op.Edit.(type) {
	case Insert:
		w.Position = e.Pos
		w.Content = e.Text
	case Delete:
		w.Position = e.Pos
		w.Length = e.Len
	case Replace:
		w.Position = e.Pos
		w.Length = e.Len
		w.Content = e.Text
	}
	return w
}

// Operation validates the wire form and rebuilds the tagged operation.
func (w Wire) Operation() (Operation, error) {
	if w.Position < 0 {
		return Operation{}, fmt.Errorf("negative position %d", w.Position)
	}
	op := Operation{
		ID:      w.ID,
		FileID:  w.FileID,
		UserID:  w.UserID,
		Version: w.Version,
		Seq:     w.Seq,
		Time:    time.UnixMilli(w.Timestamp),
	}
	switch w.Type {
	case KindInsert:
		op.Edit = Insert{Pos: w.Position, Text: w.Content}
	case KindDelete:
		if w.Length < 0 {
			return Operation{}, fmt.Errorf("negative length %d", w.Length)
		}
		op.Edit = Delete{Pos: w.Position, Len: w.Length}
	case KindReplace:
		if w.Length < 0 {
			return Operation{}, fmt.Errorf("negative length %d", w.Length)
		}
		op.Edit = Replace{Pos: w.Position, Len: w.Length, Text: w.Content}
	default:
		return Operation{}, fmt.Errorf("unknown operation type %q", w.Type)
	}
	return op, nil
}
