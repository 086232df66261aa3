package realtime

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestParseCanvasToken(t *testing.T) {
	expiresAt := time.Now().Add(1 * time.Hour)
	claims, err := ParseCanvasToken(testToken(t, expiresAt))
	assert.Equal(t, err, nil)
	assert.Equal(t, claims.UserId, "u1")
	assert.Equal(t, claims.UserName, "tester")
	assert.Equal(t, claims.CanvasIds, []string{"c1"})
	assert.Equal(t, claims.ExpiresAt.Unix(), expiresAt.Unix())

	_, err = ParseCanvasToken("not a jwt")
	assert.NotEqual(t, err, nil)
}

func TestAuthValidate(t *testing.T) {
	auth := testAuth(t)
	assert.Equal(t, auth.Validate(), nil)

	missingToken := &CanvasAuth{CanvasId: "c1"}
	assert.NotEqual(t, missingToken.Validate(), nil)

	missingCanvas := &CanvasAuth{Token: testToken(t, time.Now().Add(1 * time.Hour))}
	assert.NotEqual(t, missingCanvas.Validate(), nil)

	expired := &CanvasAuth{
		Token:    testToken(t, time.Now().Add(-1 * time.Hour)),
		CanvasId: "c1",
	}
	assert.NotEqual(t, expired.Validate(), nil)
}
