package chatsync

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlexID(t *testing.T) {
	tests := []struct {
		in      string
		want    FlexID
		wantErr bool
	}{
		{in: `42`, want: "42"},
		{in: `"42"`, want: "42"},
		{in: `"room-a"`, want: "room-a"},
		{in: `null`, want: ""},
		{in: ` 7 `, want: "7"},
		{in: `true`, wantErr: true},
		{in: `{"id":1}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var got FlexID
			err := json.Unmarshal([]byte(tt.in), &got)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDisplayName(t *testing.T) {
	tests := []struct {
		name string
		id   Identity
		want string
	}{
		{"full name", Identity{UserID: "1", Username: "ana", FullName: "Ana Hoxha", FirstName: "A"}, "Ana Hoxha"},
		{"first and last", Identity{UserID: "1", Username: "ana", FirstName: "Ana", LastName: "Hoxha"}, "Ana Hoxha"},
		{"first only", Identity{UserID: "1", FirstName: "Ana"}, "Ana"},
		{"username", Identity{UserID: "1", Username: "ana", FullName: "  "}, "ana"},
		{"user id", Identity{UserID: "1"}, "1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.id.DisplayName())
		})
	}
}

func TestWireMessageToMessage(t *testing.T) {
	var w WireMessage
	require.NoError(t, json.Unmarshal([]byte(`{
		"messageId": 17,
		"text": "Which universities offer robotics?",
		"sender": {"userId": 3, "username": "drita", "fullName": "Drita Koci"},
		"sentAt": "2026-03-02T10:15:30.5+01:00"
	}`), &w))

	m, err := w.ToMessage("12")
	require.NoError(t, err)
	assert.Equal(t, "12", m.RoomID)
	assert.Equal(t, int64(17), m.ServerID)
	assert.Equal(t, "3", m.SenderID)
	assert.Equal(t, "Drita Koci", m.SenderName)
	assert.Equal(t, MessageText, m.Type)
	assert.Equal(t, Confirmed, m.AckState)
	assert.Equal(t, time.Date(2026, 3, 2, 9, 15, 30, 500_000_000, time.UTC), m.SentAt)

	t.Run("invalid ids", func(t *testing.T) {
		for _, id := range []FlexID{"", "0", "-4", "abc"} {
			_, err := WireMessage{MessageID: id, SentAt: "2026-03-02T10:00:00Z"}.ToMessage("1")
			assert.Error(t, err, "id %q", id)
		}
	})

	t.Run("missing or bad sentAt", func(t *testing.T) {
		_, err := WireMessage{MessageID: "1"}.ToMessage("1")
		assert.Error(t, err)
		_, err = WireMessage{MessageID: "1", SentAt: "yesterday"}.ToMessage("1")
		assert.Error(t, err)
	})

	t.Run("sentAt without offset is local time", func(t *testing.T) {
		want := time.Date(2024, 5, 1, 10, 0, 0, 0, time.Local).UTC()
		for _, s := range []string{"2024-05-01T10:00:00", "2024-05-01 10:00:00", "2024-05-01T10:00:00.000"} {
			m, err := WireMessage{MessageID: "3", SentAt: s}.ToMessage("1")
			require.NoError(t, err, s)
			assert.Equal(t, want, m.SentAt, s)
		}
	})

	t.Run("system type is kept", func(t *testing.T) {
		m, err := WireMessage{MessageID: "2", SentAt: "2026-03-02T10:00:00Z", Type: MessageSystem}.ToMessage("1")
		require.NoError(t, err)
		assert.Equal(t, MessageSystem, m.Type)
	})
}

func TestAckStateText(t *testing.T) {
	for _, s := range []AckState{Pending, Confirmed, Failed} {
		b, err := s.MarshalText()
		require.NoError(t, err)
		var got AckState
		require.NoError(t, got.UnmarshalText(b))
		assert.Equal(t, s, got)
	}
	var s AckState
	assert.Error(t, s.UnmarshalText([]byte("lost")))
	assert.Equal(t, "AckState(9)", AckState(9).String())
}

func TestMessageKey(t *testing.T) {
	assert.Equal(t, "tmp:1", Message{TempID: "tmp:1"}.Key())
	assert.Equal(t, "55", Message{TempID: "tmp:1", ServerID: 55}.Key())
}
