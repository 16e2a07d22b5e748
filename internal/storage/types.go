package storage

import (
	"encoding"
	"encoding/binary"
	"time"

	"roomchat/internal/models"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBMessage struct {
	ID           string `msgpack:"id"`
	Seq          uint64 `msgpack:"seq"`
	RoomID       string `msgpack:"roomId"`
	AuthorUserID string `msgpack:"authorUserId"`
	AuthorHandle string `msgpack:"authorHandle"`
	Text         string `msgpack:"text"`
	Color        string `msgpack:"color"`
	Timestamp    int64  `msgpack:"timestamp"` // Unix nanoseconds
}

func newDBMessage(m models.Message) *DBMessage {
	return &DBMessage{
		ID:           m.ID,
		Seq:          m.Seq,
		RoomID:       m.RoomID,
		AuthorUserID: m.AuthorUserID,
		AuthorHandle: m.AuthorHandle,
		Text:         m.Text,
		Color:        m.Color,
		Timestamp:    m.Timestamp.UnixNano(),
	}
}

func (m *DBMessage) Message() models.Message {
	return models.Message{
		ID:           m.ID,
		Seq:          m.Seq,
		RoomID:       m.RoomID,
		AuthorUserID: m.AuthorUserID,
		AuthorHandle: m.AuthorHandle,
		Text:         m.Text,
		Color:        m.Color,
		Timestamp:    time.Unix(0, m.Timestamp).UTC(),
	}
}

// Key orders messages by timestamp, then by insertion sequence, so a cursor
// walk yields display order.
func (m *DBMessage) Key() []byte {
	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key[:8], uint64(m.Timestamp))
	binary.BigEndian.PutUint64(key[8:], m.Seq)
	return key
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

type DBRoom struct {
	ID        string `msgpack:"id"`
	CreatedBy string `msgpack:"createdBy"`
	CreatedAt int64  `msgpack:"createdAt"` // Unix nanoseconds
}

func (r *DBRoom) Meta() models.RoomMeta {
	return models.RoomMeta{
		RoomID:    r.ID,
		CreatedBy: r.CreatedBy,
		CreatedAt: time.Unix(0, r.CreatedAt).UTC(),
	}
}

func (r *DBRoom) Key() []byte {
	return []byte(r.ID)
}

func (r *DBRoom) MarshalBinary() (data []byte, err error) {
	type alias DBRoom
	return msgpack.Marshal((*alias)(r))
}

func (r *DBRoom) UnmarshalBinary(data []byte) error {
	type alias DBRoom
	return msgpack.Unmarshal(data, (*alias)(r))
}
