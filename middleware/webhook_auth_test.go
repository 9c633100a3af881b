package middleware

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBearerToken(t *testing.T) {
	token, err := BearerToken("Bearer abc.def.ghi")
	require.NoError(t, err)
	assert.Equal(t, "abc.def.ghi", token)

	token, err = BearerToken("bearer lower-case")
	require.NoError(t, err)
	assert.Equal(t, "lower-case", token)

	for _, header := range []string{"", "Bearer", "Bearer ", "Basic dXNlcg==", "abc"} {
		_, err := BearerToken(header)
		assert.ErrorIs(t, err, ErrMissingToken, "header %q", header)
	}
}

func TestWebhookTokenRoundTrip(t *testing.T) {
	token, err := IssueWebhookToken("google", "secret", time.Hour)
	require.NoError(t, err)

	provider, err := ValidateWebhookToken(token, "secret")
	require.NoError(t, err)
	assert.Equal(t, "google", provider)
}

func TestWebhookTokenWrongSecret(t *testing.T) {
	token, err := IssueWebhookToken("google", "secret", time.Hour)
	require.NoError(t, err)

	_, err = ValidateWebhookToken(token, "other-secret")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestWebhookTokenExpired(t *testing.T) {
	token, err := IssueWebhookToken("google", "secret", -time.Minute)
	require.NoError(t, err)

	_, err = ValidateWebhookToken(token, "secret")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestWebhookTokenGarbage(t *testing.T) {
	_, err := ValidateWebhookToken("not-a-jwt", "secret")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
