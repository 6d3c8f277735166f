package chatsync

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

const snapshotVersion = 1

// snapshotEnvelope is the stored form of a room snapshot.
type snapshotEnvelope struct {
	Version   int             `json:"v"`
	RoomID    string          `json:"roomId"`
	Category  string          `json:"category"`
	SavedAt   time.Time       `json:"savedAt"`
	Messages  json.RawMessage `json:"messages"`
	Signature string          `json:"sig"`
}

// sealer signs snapshots with HMAC-SHA256 when a key is set and with a
// bare SHA-256 digest otherwise.
type sealer struct {
	key []byte
}

func (s sealer) sign(roomID, category string, body []byte) string {
	if len(s.key) == 0 {
		h := sha256.New()
		writeSigned(h, roomID, category, body)
		return "sha256=" + hex.EncodeToString(h.Sum(nil))
	}
	mac := hmac.New(sha256.New, s.key)
	writeSigned(mac, roomID, category, body)
	return "hmac-sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func writeSigned(w io.Writer, roomID, category string, body []byte) {
	w.Write([]byte(roomID))
	w.Write([]byte{'\n'})
	w.Write([]byte(category))
	w.Write([]byte{'\n'})
	w.Write(body)
}

// verify compares in constant time.
func (s sealer) verify(roomID, category string, body []byte, signature string) bool {
	if signature == "" {
		return false
	}
	expected := s.sign(roomID, category, body)
	if len(signature) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(signature), []byte(expected)) == 1
}

func (s sealer) seal(roomID, category string, msgs []Message, now time.Time) ([]byte, error) {
	if msgs == nil {
		msgs = []Message{}
	}
	body, err := json.Marshal(msgs)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return json.Marshal(snapshotEnvelope{
		Version:   snapshotVersion,
		RoomID:    roomID,
		Category:  category,
		SavedAt:   now.UTC(),
		Messages:  body,
		Signature: s.sign(roomID, category, body),
	})
}

func (s sealer) open(data []byte, roomID, category string) ([]Message, error) {
	var env snapshotEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("invalid snapshot JSON: %w", err)
	}
	if env.Version != snapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", env.Version)
	}
	if env.RoomID != roomID || env.Category != category {
		return nil, fmt.Errorf("snapshot belongs to %s/%s", env.RoomID, env.Category)
	}
	if !s.verify(env.RoomID, env.Category, env.Messages, env.Signature) {
		return nil, fmt.Errorf("snapshot signature mismatch")
	}
	var msgs []Message
	if err := json.Unmarshal(env.Messages, &msgs); err != nil {
		return nil, fmt.Errorf("invalid snapshot messages: %w", err)
	}
	return msgs, nil
}
