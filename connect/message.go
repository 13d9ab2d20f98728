package connect

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type MessageType string

const (
	MessageTypeClientIdentification MessageType = "CLIENT_IDENTIFICATION"
	MessageTypeSyncUpdate           MessageType = "SYNC_UPDATE"
	MessageTypeSyncResponse         MessageType = "SYNC_RESPONSE"
	MessageTypeConflictDetected     MessageType = "CONFLICT_DETECTED"
	MessageTypeConflictResolution   MessageType = "CONFLICT_RESOLUTION"
	MessageTypeConflictResolved     MessageType = "CONFLICT_RESOLVED"
	MessageTypeUserConnected        MessageType = "USER_CONNECTED"
	MessageTypeUserDisconnected     MessageType = "USER_DISCONNECTED"
	MessageTypeHeartbeat            MessageType = "HEARTBEAT"
	MessageTypeHeartbeatResponse    MessageType = "HEARTBEAT_RESPONSE"
	MessageTypeError                MessageType = "ERROR"
	MessageTypePresenceUpdate       MessageType = "PRESENCE_UPDATE"
	MessageTypeCollaborationEvent   MessageType = "COLLABORATION_EVENT"
)

// types the supervisor routes when received
func (self MessageType) IsInbound() bool {
	switch self {
	case MessageTypeSyncUpdate,
		MessageTypeSyncResponse,
		MessageTypeConflictDetected,
		MessageTypeConflictResolved,
		MessageTypeUserConnected,
		MessageTypeUserDisconnected,
		MessageTypeHeartbeat,
		MessageTypeHeartbeatResponse,
		MessageTypeError,
		MessageTypePresenceUpdate,
		MessageTypeCollaborationEvent:
		return true
	default:
		return false
	}
}

// wire envelope. `timestamp` and `queuedAt` are epoch millis.
type Message struct {
	Type       MessageType     `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  int64           `json:"timestamp"`
	ClientId   string          `json:"clientId"`
	SessionId  string          `json:"sessionId"`
	QueuedAt   int64           `json:"queuedAt,omitempty"`
	RetryCount int             `json:"retryCount,omitempty"`
}

func NewMessage(messageType MessageType, payload any) (*Message, error) {
	var payloadBytes json.RawMessage
	if payload != nil {
		var err error
		payloadBytes, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("Bad payload for %s: %w", messageType, err)
		}
	}
	return &Message{
		Type:    messageType,
		Payload: payloadBytes,
	}, nil
}

func RequireNewMessage(messageType MessageType, payload any) *Message {
	message, err := NewMessage(messageType, payload)
	if err != nil {
		panic(err)
	}
	return message
}

func (self *Message) stamp(identity ClientIdentity, now time.Time) {
	self.Timestamp = now.UnixMilli()
	self.ClientId = identity.ClientId.String()
	self.SessionId = identity.SessionId
}

func (self *Message) DecodePayload(payload any) error {
	if len(self.Payload) == 0 {
		return errors.New("Empty payload.")
	}
	return json.Unmarshal(self.Payload, payload)
}

// send time of the message, from the peer clock
func (self *Message) Time() time.Time {
	return time.UnixMilli(self.Timestamp)
}

func EncodeMessage(message *Message) ([]byte, error) {
	return json.Marshal(message)
}

func DecodeMessage(b []byte) (*Message, error) {
	message := &Message{}
	if err := json.Unmarshal(b, message); err != nil {
		return nil, err
	}
	if message.Type == "" {
		return nil, errors.New("Message is missing a type.")
	}
	return message, nil
}

// payloads

type ClientIdentificationPayload struct {
	ClientId  string `json:"clientId"`
	SessionId string `json:"sessionId"`
	Jwt       string `json:"jwt,omitempty"`
}

type SyncUpdatePayload struct {
	Key       string   `json:"key"`
	Value     any      `json:"value"`
	Timestamp int64    `json:"timestamp"`
	Priority  *float64 `json:"priority,omitempty"`
	Source    string   `json:"source,omitempty"`
}

type SyncResponsePayload struct {
	Keys              []string `json:"keys,omitempty"`
	Success           bool     `json:"success"`
	PendingOperations *int     `json:"pendingOperations,omitempty"`
}

type ConflictDetectedPayload struct {
	ConflictId   string      `json:"conflictId,omitempty"`
	Type         string      `json:"type,omitempty"`
	Key          string      `json:"key"`
	Strategy     string      `json:"strategy,omitempty"`
	LocalState   EntityState `json:"localState"`
	RemoteUpdate EntityState `json:"remoteUpdate"`
}

type ConflictResolutionPayload struct {
	ConflictId string           `json:"conflictId"`
	Key        string           `json:"key"`
	Action     ResolutionAction `json:"action"`
	Reason     string           `json:"reason,omitempty"`
	Resolution EntityState      `json:"resolution,omitempty"`
}

type PresencePayload struct {
	UserId string         `json:"userId"`
	Status string         `json:"status,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type HeartbeatPayload struct {
	// epoch millis of the probe being answered
	ProbeTimestamp int64 `json:"probeTimestamp,omitempty"`
}
