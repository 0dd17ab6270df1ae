package router

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fleetgate/backend/internal/broker"
)

var errUnauthenticated = errors.New("router: unauthenticated")

// DeviceSession is the broker-backed record behind a device-session token.
// Provisioning writes it at enrollment; the websocket upgrade resolves it.
type DeviceSession struct {
	DeviceID string `json:"deviceId"`
	TenantID string `json:"tenantId"`
}

// RegisterDeviceSession stores a session token for a device with the
// configured TTL.
func RegisterDeviceSession(ctx context.Context, b *broker.Client, token, deviceID, tenantID string, ttl time.Duration) error {
	return b.Set(ctx, broker.SessionKey(token), DeviceSession{DeviceID: deviceID, TenantID: tenantID}, ttl)
}

// ResolveDeviceSession looks the token up. A missing key is an auth
// failure, not an internal error.
func ResolveDeviceSession(ctx context.Context, b *broker.Client, token string) (*DeviceSession, error) {
	if token == "" {
		return nil, errUnauthenticated
	}
	var sess DeviceSession
	if err := b.Get(ctx, broker.SessionKey(token), &sess); err != nil {
		if errors.Is(err, broker.ErrNotFound) {
			return nil, errUnauthenticated
		}
		return nil, err
	}
	if sess.DeviceID == "" {
		return nil, errUnauthenticated
	}
	return &sess, nil
}

// Principal is the authenticated identity of a customer or web-portal
// connection.
type Principal struct {
	UserID   string
	TenantID string
	Portal   bool
}

type portalClaims struct {
	TenantID string `json:"tenant_id"`
	Kind     string `json:"kind,omitempty"`
	jwt.RegisteredClaims
}

// VerifyJWT checks an HS256 bearer token and extracts the principal.
func VerifyJWT(secret, token string) (*Principal, error) {
	if secret == "" {
		return nil, fmt.Errorf("jwt secret not configured")
	}

	var claims portalClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil || !parsed.Valid {
		return nil, errUnauthenticated
	}
	if claims.TenantID == "" || claims.Subject == "" {
		return nil, errUnauthenticated
	}

	return &Principal{
		UserID:   claims.Subject,
		TenantID: claims.TenantID,
		Portal:   claims.Kind == "web-portal",
	}, nil
}

// bearerFromRequest extracts a JWT from the Authorization header or from
// the browser-friendly "auth-<jwt>" websocket subprotocol. Empty when the
// client intends to authenticate with a late auth frame.
func bearerFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	for _, proto := range strings.Split(r.Header.Get("Sec-WebSocket-Protocol"), ",") {
		proto = strings.TrimSpace(proto)
		if strings.HasPrefix(proto, "auth-") {
			return strings.TrimPrefix(proto, "auth-")
		}
	}
	return ""
}
