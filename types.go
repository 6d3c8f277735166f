package chatsync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// Message Types
// ============================================================================

// MessageType distinguishes user-authored text from system notices.
type MessageType string

const (
	MessageText   MessageType = "text"
	MessageSystem MessageType = "system"
)

// AckState is the confirmation state of a timeline entry.
type AckState int

const (
	Pending AckState = iota
	Confirmed
	Failed
)

func (s AckState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Confirmed:
		return "confirmed"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("AckState(%d)", int(s))
}

// MarshalText lets snapshots store the state by name.
func (s AckState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *AckState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "pending":
		*s = Pending
	case "confirmed":
		*s = Confirmed
	case "failed":
		*s = Failed
	default:
		return fmt.Errorf("unknown ack state %q", b)
	}
	return nil
}

// Message is one timeline entry. ServerID is zero until the backend has
// accepted the message; TempID is set for messages sent by this client.
type Message struct {
	RoomID     string      `json:"roomId"`
	ServerID   int64       `json:"serverId,omitempty"`
	TempID     string      `json:"tempId,omitempty"`
	SenderID   string      `json:"senderId"`
	SenderName string      `json:"senderName,omitempty"`
	Text       string      `json:"text"`
	Type       MessageType `json:"type"`
	SentAt     time.Time   `json:"sentAt"`
	AckState   AckState    `json:"ackState"`
	FailReason string      `json:"failReason,omitempty"`
}

// Key returns the identity used for rendering lists: the server id once
// assigned, otherwise the temp id.
func (m Message) Key() string {
	if m.ServerID != 0 {
		return strconv.FormatInt(m.ServerID, 10)
	}
	return m.TempID
}

// ============================================================================
// Identity
// ============================================================================

// Identity describes a chat participant.
type Identity struct {
	UserID    string `json:"userId" toml:"user_id"`
	Username  string `json:"username,omitempty" toml:"username"`
	FullName  string `json:"fullName,omitempty" toml:"full_name"`
	FirstName string `json:"firstName,omitempty" toml:"-"`
	LastName  string `json:"lastName,omitempty" toml:"-"`
}

// DisplayName resolves the name shown next to a participant's messages.
// Order: full name, first and last name, username, user id.
func (i Identity) DisplayName() string {
	if n := strings.TrimSpace(i.FullName); n != "" {
		return n
	}
	if n := strings.TrimSpace(i.FirstName + " " + i.LastName); n != "" {
		return n
	}
	if i.Username != "" {
		return i.Username
	}
	return i.UserID
}

// ============================================================================
// Wire Types
// ============================================================================

// FlexID accepts either a JSON number or a JSON string and keeps the
// canonical string form.
type FlexID string

func (f *FlexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id must be a number or string: %w", err)
	}
	*f = FlexID(n.String())
	return nil
}

// WireSender is the sender object embedded in wire messages.
type WireSender struct {
	UserID   FlexID `json:"userId"`
	Username string `json:"username,omitempty"`
	FullName string `json:"fullName,omitempty"`
}

// WireMessage is the backend's message representation.
type WireMessage struct {
	MessageID FlexID      `json:"messageId"`
	Text      string      `json:"text"`
	Sender    WireSender  `json:"sender"`
	SentAt    string      `json:"sentAt"`
	Type      MessageType `json:"type"`
}

// ServerID parses the message id. Server ids are positive integers.
func (w WireMessage) ServerID() (int64, error) {
	id, err := strconv.ParseInt(string(w.MessageID), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid message id %q", w.MessageID)
	}
	return id, nil
}

// ToMessage converts the wire form into a Confirmed timeline entry.
func (w WireMessage) ToMessage(roomID string) (Message, error) {
	id, err := w.ServerID()
	if err != nil {
		return Message{}, err
	}
	sentAt, err := parseSentAt(w.SentAt)
	if err != nil {
		return Message{}, fmt.Errorf("message %d: %w", id, err)
	}
	typ := w.Type
	if typ == "" {
		typ = MessageText
	}
	sender := Identity{
		UserID:   string(w.Sender.UserID),
		Username: w.Sender.Username,
		FullName: w.Sender.FullName,
	}
	return Message{
		RoomID:     roomID,
		ServerID:   id,
		SenderID:   sender.UserID,
		SenderName: sender.DisplayName(),
		Text:       w.Text,
		Type:       typ,
		SentAt:     sentAt,
		AckState:   Confirmed,
	}, nil
}

// Timestamps without an offset are read in local time.
var localSentAtLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func parseSentAt(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("missing sentAt")
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err == nil {
		return t.UTC(), nil
	}
	for _, layout := range localSentAtLayouts {
		if lt, lerr := time.ParseInLocation(layout, s, time.Local); lerr == nil {
			return lt.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("parse sentAt: %w", err)
}

// ============================================================================
// Presence Types
// ============================================================================

// PresenceStatus is a participant's ephemeral status in a room.
type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusOffline PresenceStatus = "offline"
	StatusTyping  PresenceStatus = "typing"
)

// PresenceEvent reports a status change. Not persisted.
type PresenceEvent struct {
	RoomID    string
	UserID    string
	Status    PresenceStatus
	Timestamp time.Time
}
