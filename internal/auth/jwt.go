package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const sessionIDKey contextKey = "session_id"

const (
	agentAudience   = "meetrec-agent"
	webhookAudience = "meetrec-webhook"
)

var ErrInvalidToken = errors.New("invalid token")

// AgentClaims scopes a meeting agent connection to one session.
type AgentClaims struct {
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// WebhookClaims bind a webhook signature to the exact request body.
type WebhookClaims struct {
	SessionID  string `json:"sid"`
	BodySHA256 string `json:"body_sha256"`
	jwt.RegisteredClaims
}

func IssueAgentToken(secret, sessionID string, ttl time.Duration, now time.Time) (string, error) {
	claims := AgentClaims{
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Audience:  jwt.ClaimStrings{agentAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func ParseAgentToken(secret, raw string) (*AgentClaims, error) {
	claims := &AgentClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, hmacKey(secret), jwt.WithAudience(agentAudience))
	if err != nil || !token.Valid || claims.SessionID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// AgentMiddleware accepts the token from the Authorization header or, for
// websocket clients that cannot set headers, the token query parameter.
func AgentMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenRaw := r.URL.Query().Get("token")
			if authz := r.Header.Get("Authorization"); strings.HasPrefix(authz, "Bearer ") {
				tokenRaw = strings.TrimSpace(strings.TrimPrefix(authz, "Bearer "))
			}
			if tokenRaw == "" {
				http.Error(w, `{"error":{"code":"unauthorized","message":"missing bearer token"}}`, http.StatusUnauthorized)
				return
			}
			claims, err := ParseAgentToken(secret, tokenRaw)
			if err != nil {
				http.Error(w, `{"error":{"code":"unauthorized","message":"invalid token"}}`, http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), sessionIDKey, claims.SessionID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func SessionIDFromContext(ctx context.Context) (string, bool) {
	v := ctx.Value(sessionIDKey)
	s, ok := v.(string)
	return s, ok && s != ""
}

func SignWebhook(secret, sessionID string, body []byte, now time.Time) (string, error) {
	claims := WebhookClaims{
		SessionID:  sessionID,
		BodySHA256: bodyDigest(body),
		RegisteredClaims: jwt.RegisteredClaims{
			Audience:  jwt.ClaimStrings{webhookAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// VerifyWebhook is the receiver-side check for SignWebhook.
func VerifyWebhook(secret, raw string, body []byte) (*WebhookClaims, error) {
	claims := &WebhookClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, hmacKey(secret), jwt.WithAudience(webhookAudience))
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.BodySHA256 != bodyDigest(body) {
		return nil, fmt.Errorf("%w: body digest mismatch", ErrInvalidToken)
	}
	return claims, nil
}

func hmacKey(secret string) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	}
}

func bodyDigest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
