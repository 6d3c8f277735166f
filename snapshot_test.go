package chatsync

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

const testSnapshotKey = "test-snapshot-key"

func makeTestTimeline() []Message {
	return []Message{
		{RoomID: "r1", ServerID: 1, SenderID: "u1", SenderName: "Ana", Text: "hi", Type: MessageText, SentAt: at(0), AckState: Confirmed},
		{RoomID: "r1", TempID: "c:1", SenderID: "me", Text: "unsent", Type: MessageText, SentAt: at(1), AckState: Failed, FailReason: "timeout"},
	}
}

// ============================================================================
// sealer
// ============================================================================

func TestSealer(t *testing.T) {
	for _, tc := range []struct {
		name   string
		key    []byte
		prefix string
	}{
		{"hmac", []byte(testSnapshotKey), "hmac-sha256="},
		{"digest", nil, "sha256="},
	} {
		t.Run(tc.name+" round trip", func(t *testing.T) {
			s := sealer{key: tc.key}
			data, err := s.seal("r1", CategoryMessages, makeTestTimeline(), at(5))
			require.NoError(t, err)

			var env snapshotEnvelope
			require.NoError(t, json.Unmarshal(data, &env))
			assert.True(t, strings.HasPrefix(env.Signature, tc.prefix))

			msgs, err := s.open(data, "r1", CategoryMessages)
			require.NoError(t, err)
			require.Len(t, msgs, 2)
			assert.Equal(t, Failed, msgs[1].AckState)
			assert.True(t, msgs[0].SentAt.Equal(at(0)))
		})
	}

	t.Run("nil timeline seals as empty array", func(t *testing.T) {
		data, err := sealer{}.seal("r1", CategoryMessages, nil, at(0))
		require.NoError(t, err)
		msgs, err := sealer{}.open(data, "r1", CategoryMessages)
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})

	t.Run("tampered body", func(t *testing.T) {
		s := sealer{key: []byte(testSnapshotKey)}
		data, _ := s.seal("r1", CategoryMessages, makeTestTimeline(), at(5))
		tampered := strings.Replace(string(data), `"hi"`, `"ho"`, 1)
		_, err := s.open([]byte(tampered), "r1", CategoryMessages)
		assert.Error(t, err)
	})

	t.Run("wrong key", func(t *testing.T) {
		data, _ := sealer{key: []byte("a")}.seal("r1", CategoryMessages, makeTestTimeline(), at(5))
		_, err := sealer{key: []byte("b")}.open(data, "r1", CategoryMessages)
		assert.Error(t, err)
	})

	t.Run("other room", func(t *testing.T) {
		s := sealer{}
		data, _ := s.seal("r1", CategoryMessages, makeTestTimeline(), at(5))
		_, err := s.open(data, "r2", CategoryMessages)
		assert.Error(t, err)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := sealer{}.open([]byte("not json"), "r1", CategoryMessages)
		assert.Error(t, err)
	})

	t.Run("unsupported version", func(t *testing.T) {
		s := sealer{}
		data, _ := s.seal("r1", CategoryMessages, nil, at(0))
		data = []byte(strings.Replace(string(data), `"v":1`, `"v":9`, 1))
		_, err := s.open(data, "r1", CategoryMessages)
		assert.ErrorContains(t, err, "version")
	})

	t.Run("empty signature", func(t *testing.T) {
		assert.False(t, sealer{}.verify("r1", CategoryMessages, []byte("[]"), ""))
	})
}
