package chatsync

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mintToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return token
}

func TestCredentialsCheck(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name    string
		token   string
		wantErr bool
	}{
		{"empty", "", true},
		{"opaque token is left to the server", "abc123", false},
		{"jwt without exp", mintToken(t, jwt.MapClaims{"userId": "1"}), false},
		{"jwt valid", mintToken(t, jwt.MapClaims{"exp": now.Add(time.Hour).Unix()}), false},
		{"jwt expired", mintToken(t, jwt.MapClaims{"exp": now.Add(-time.Second).Unix()}), true},
		{"jwt malformed exp", mintToken(t, jwt.MapClaims{"exp": "tomorrow"}), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Credentials{Token: tt.token}.Check(now)
			if tt.wantErr {
				assert.True(t, IsAuthError(err), "got %v", err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestCredentialsClaims(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	c := Credentials{Token: mintToken(t, jwt.MapClaims{
		"userId":    float64(42),
		"username":  "ana",
		"firstName": "Ana",
		"lastName":  "Hoxha",
		"exp":       exp.Unix(),
	})}

	id := c.Identity()
	assert.Equal(t, "42", id.UserID)
	assert.Equal(t, "Ana Hoxha", id.DisplayName())

	got, ok := c.ExpiresAt()
	require.True(t, ok)
	assert.True(t, got.Equal(exp))

	t.Run("sub fallback", func(t *testing.T) {
		c := Credentials{Token: mintToken(t, jwt.MapClaims{"sub": "user-9"})}
		assert.Equal(t, "user-9", c.Identity().UserID)
		_, ok := c.ExpiresAt()
		assert.False(t, ok)
	})

	t.Run("opaque token", func(t *testing.T) {
		assert.Equal(t, Identity{}, Credentials{Token: "opaque"}.Identity())
	})
}
