package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Claims is the validated identity of a request: the user whose data is
// being synced and the device doing the syncing. Token issuance and
// validation internals are an external collaborator; this package only
// consumes the interface.
type Claims struct {
	UserID   string
	DeviceID string
}

// IdentityProvider validates a bearer credential into Claims.
type IdentityProvider interface {
	Verify(ctx context.Context, token string) (Claims, error)
}

var ErrInvalidCredential = errors.New("invalid credential")

// DevTokens is the development identity provider: tokens of the form
// "user:device". Production deployments plug in a real provider.
type DevTokens struct{}

func (DevTokens) Verify(_ context.Context, token string) (Claims, error) {
	user, device, ok := strings.Cut(token, ":")
	if !ok || user == "" || device == "" {
		return Claims{}, ErrInvalidCredential
	}
	return Claims{UserID: user, DeviceID: device}, nil
}

const claimsKey = "sync.claims"

// Auth extracts and verifies the bearer token, storing Claims on the
// request context. WebSocket upgrades may carry the token as a query
// parameter because browsers cannot set headers on upgrade requests.
func Auth(idp IdentityProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" {
			token = c.Query("token")
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing credential"})
			return
		}
		claims, err := idp.Verify(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid credential"})
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if strings.HasPrefix(header, prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

func claimsFrom(c *gin.Context) Claims {
	v, _ := c.Get(claimsKey)
	claims, _ := v.(Claims)
	return claims
}
