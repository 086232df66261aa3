package realtime

import (
	"encoding/json"
	"fmt"
	"time"
)

// wire message kinds. The canvas protocol is JSON text messages with a
// small envelope: {"kind": ..., "payload": ...}

type MessageKind string

// client -> server
const (
	MessageJoinCanvas    MessageKind = "join_canvas"
	MessageLeaveCanvas   MessageKind = "leave_canvas"
	MessageObjectCreated MessageKind = "object_created"
	MessageObjectUpdated MessageKind = "object_updated"
	MessageObjectDeleted MessageKind = "object_deleted"
	MessageCursorMove    MessageKind = "cursor_move"
	MessageCursorLeave   MessageKind = "cursor_leave"
	MessageHeartbeat     MessageKind = "heartbeat"
	MessageEventBatch    MessageKind = "event_batch"
)

// server -> client
const (
	MessageJoinedCanvas       MessageKind = "joined_canvas"
	MessageUserJoined         MessageKind = "user_joined"
	MessageUserLeft           MessageKind = "user_left"
	MessageObjectCreateFailed MessageKind = "object_create_failed"
	MessageObjectUpdateFailed MessageKind = "object_update_failed"
	MessageObjectDeleteFailed MessageKind = "object_delete_failed"
	MessageCursorMoved        MessageKind = "cursor_moved"
	MessageCursorLeft         MessageKind = "cursor_left"
	MessageCursorsData        MessageKind = "cursors_data"
	MessageOnlineUsers        MessageKind = "online_users"
)

func (self MessageKind) IsFailure() bool {
	switch self {
	case MessageObjectCreateFailed, MessageObjectUpdateFailed, MessageObjectDeleteFailed:
		return true
	default:
		return false
	}
}

type Message struct {
	Kind    MessageKind     `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func EncodeMessage(kind MessageKind, payload any) ([]byte, error) {
	var payloadBytes json.RawMessage
	if payload != nil {
		var err error
		payloadBytes, err = json.Marshal(payload)
		if err != nil {
			return nil, err
		}
	}
	return json.Marshal(&Message{
		Kind:    kind,
		Payload: payloadBytes,
	})
}

func DecodeMessage(messageBytes []byte) (*Message, error) {
	message := &Message{}
	if err := json.Unmarshal(messageBytes, message); err != nil {
		return nil, err
	}
	if message.Kind == "" {
		return nil, fmt.Errorf("message missing kind")
	}
	return message, nil
}

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// replicated from the authoritative copy on the backend.
// the replica is used only for reconciliation comparison and must never be
// treated as a source of truth for rendering.
type CanvasObject struct {
	ObjectId   string         `json:"object_id"`
	Type       string         `json:"type"`
	Position   Position       `json:"position"`
	Properties map[string]any `json:"properties,omitempty"`
	ZIndex     int            `json:"z_index"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

type JoinCanvasArgs struct {
	CanvasId  string `json:"canvas_id"`
	AuthToken string `json:"auth_token"`
}

type LeaveCanvasArgs struct {
	CanvasId  string `json:"canvas_id"`
	AuthToken string `json:"auth_token"`
}

type ObjectArgs struct {
	CanvasId   string         `json:"canvas_id"`
	AuthToken  string         `json:"auth_token"`
	ObjectId   string         `json:"object_id,omitempty"`
	Object     *CanvasObject  `json:"object,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
}

type CursorArgs struct {
	CanvasId  string   `json:"canvas_id"`
	AuthToken string   `json:"auth_token"`
	Position  Position `json:"position"`
	Timestamp int64    `json:"timestamp"`
}

type HeartbeatArgs struct {
	CanvasId  string `json:"canvas_id"`
	AuthToken string `json:"auth_token"`
	Timestamp int64  `json:"timestamp"`
}

// a group of coalesced events of the same kind and priority,
// sent as one unit. When `ContentEncoding` is set, `CompressedPayloads`
// carries the encoded `payloads` array instead.
type EventBatchArgs struct {
	Kind               MessageKind       `json:"kind"`
	Priority           string            `json:"priority"`
	Payloads           []json.RawMessage `json:"payloads,omitempty"`
	ContentEncoding    string            `json:"content_encoding,omitempty"`
	CompressedPayloads []byte            `json:"compressed_payloads,omitempty"`
}

type JoinedCanvasResult struct {
	CanvasId string         `json:"canvas_id"`
	UserId   string         `json:"user_id"`
	Objects  []CanvasObject `json:"objects,omitempty"`
}

type UserPresence struct {
	UserId   string `json:"user_id"`
	UserName string `json:"user_name,omitempty"`
}

type OnlineUsersResult struct {
	CanvasId string         `json:"canvas_id"`
	Users    []UserPresence `json:"users"`
}

type CursorSample struct {
	UserId    string   `json:"user_id"`
	Position  Position `json:"position"`
	Timestamp int64    `json:"timestamp"`
}

type CursorsDataResult struct {
	CanvasId string         `json:"canvas_id"`
	Cursors  []CursorSample `json:"cursors"`
}

type OperationFailedResult struct {
	CanvasId string `json:"canvas_id"`
	ObjectId string `json:"object_id,omitempty"`
	Message  string `json:"message"`
}
