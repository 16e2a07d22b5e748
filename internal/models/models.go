package models

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
)

// DefaultColor is used whenever a stored or supplied color is blank.
const DefaultColor = "#3b82f6"

// Identity is the durable local user identity.
type Identity struct {
	UserID string `json:"userId"`
	Handle string `json:"handle"`
	Color  string `json:"color"`
}

// Message represents a chat message in a room log.
type Message struct {
	ID           string    `json:"id"`
	Seq          uint64    `json:"seq"`
	RoomID       string    `json:"roomId"`
	AuthorUserID string    `json:"authorUserId"`
	AuthorHandle string    `json:"authorHandle"`
	Text         string    `json:"text"`
	Color        string    `json:"color"`
	Timestamp    time.Time `json:"timestamp"` // Assigned by the log store at write time
}

// Less reports whether m sorts before other in display order:
// timestamp ascending, ties broken by store insertion sequence.
func (m Message) Less(other Message) bool {
	if !m.Timestamp.Equal(other.Timestamp) {
		return m.Timestamp.Before(other.Timestamp)
	}
	return m.Seq < other.Seq
}

// RoomMeta is the per-room metadata record.
type RoomMeta struct {
	RoomID    string    `json:"roomId"`
	CreatedBy string    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
}

// ClientFrame is sent from a log client to the log server.
type ClientFrame struct {
	Type      ClientFrameType `json:"type"`
	ReqID     uint64          `json:"reqId"`
	RoomID    string          `json:"roomId,omitempty"`
	MessageID string          `json:"messageId,omitempty"`
	Message   *Message        `json:"message,omitempty"`
	Meta      *RoomMeta       `json:"meta,omitempty"`
}

// ServerFrame is sent from the log server to a client. Replies carry the
// ReqID of the request; snapshots carry the ReqID of the watch request.
type ServerFrame struct {
	Type     ServerFrameType `json:"type"`
	ReqID    uint64          `json:"reqId"`
	RoomID   string          `json:"roomId,omitempty"`
	Messages []Message       `json:"messages,omitempty"`
	Message  *Message        `json:"message,omitempty"`
	Meta     *RoomMeta       `json:"meta,omitempty"`
	Error    string          `json:"error,omitempty"`
	NotFound bool            `json:"notFound,omitempty"`
}

type ClientFrameType string

const (
	ClientFrameInsert     ClientFrameType = "insert"
	ClientFrameList       ClientFrameType = "list"
	ClientFrameDelete     ClientFrameType = "delete"
	ClientFrameWatch      ClientFrameType = "watch"
	ClientFrameUnwatch    ClientFrameType = "unwatch"
	ClientFrameGetMeta    ClientFrameType = "getMeta"
	ClientFrameClaimMeta  ClientFrameType = "claimMeta"
	ClientFrameDeleteMeta ClientFrameType = "deleteMeta"
)

type ServerFrameType string

const (
	ServerFrameReply    ServerFrameType = "reply"
	ServerFrameSnapshot ServerFrameType = "snapshot"
)
