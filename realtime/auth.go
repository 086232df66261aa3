package realtime

import (
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

type CanvasAuth struct {
	Token      string
	CanvasId   string
	InstanceId Id
	AppVersion string
}

type CanvasTokenClaims struct {
	UserId    string
	UserName  string
	CanvasIds []string
	ExpiresAt time.Time
}

// extracts the claims needed for local validation. The token is issued and
// verified by the backend; the client only sanity checks it before send.
func ParseCanvasToken(token string) (*CanvasTokenClaims, error) {
	parser := gojwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := parsed.Claims.(gojwt.MapClaims)

	canvasTokenClaims := &CanvasTokenClaims{}

	if userId, ok := claims["user_id"].(string); ok {
		canvasTokenClaims.UserId = userId
	}
	if userName, ok := claims["user_name"].(string); ok {
		canvasTokenClaims.UserName = userName
	}
	if canvasIds, ok := claims["canvas_ids"].([]any); ok {
		for _, canvasId := range canvasIds {
			if canvasIdStr, ok := canvasId.(string); ok {
				canvasTokenClaims.CanvasIds = append(canvasTokenClaims.CanvasIds, canvasIdStr)
			}
		}
	}
	if expiresAt, err := claims.GetExpirationTime(); err == nil && expiresAt != nil {
		canvasTokenClaims.ExpiresAt = expiresAt.Time
	}

	return canvasTokenClaims, nil
}

// local checks before anything hits the wire
func (self *CanvasAuth) Validate() *ValidationError {
	if self.Token == "" {
		return NewValidationError("token", "missing auth token")
	}
	if self.CanvasId == "" {
		return NewValidationError("canvas_id", "missing canvas id")
	}
	claims, err := ParseCanvasToken(self.Token)
	if err != nil {
		return NewValidationError("token", "cannot parse auth token: %s", err)
	}
	if !claims.ExpiresAt.IsZero() && claims.ExpiresAt.Before(time.Now()) {
		return NewValidationError("token", "auth token expired at %s", claims.ExpiresAt)
	}
	return nil
}
