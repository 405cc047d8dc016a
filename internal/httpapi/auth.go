package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
)

const (
	tokenAudience = "relaycal"

	ScopeMeetingsRead   = "meetings:read"
	ScopeMeetingsReport = "meetings:report"

	DefaultCallbackTokenTTL = 12 * time.Hour
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// Claims are carried by both operator tokens and the per-meeting callback
// tokens handed to the bot. A callback token is bound to one MeetingID.
type Claims struct {
	Scopes    []string `json:"scopes,omitempty"`
	MeetingID int64    `json:"meeting_id,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) hasScope(scope string) bool {
	for _, granted := range c.Scopes {
		if granted == scope {
			return true
		}
	}
	return false
}

// IssueToken signs an operator token with the given scopes.
func IssueToken(secret, subject string, scopes []string, ttl time.Duration, now time.Time) (string, error) {
	return sign(secret, Claims{
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Audience:  jwt.ClaimStrings{tokenAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	})
}

// IssueCallbackToken signs the token a launched bot uses to report on
// meetingID and nothing else.
func IssueCallbackToken(secret string, meetingID int64, ttl time.Duration, now time.Time) (string, error) {
	if ttl <= 0 {
		ttl = DefaultCallbackTokenTTL
	}
	return sign(secret, Claims{
		Scopes:    []string{ScopeMeetingsReport},
		MeetingID: meetingID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "meeting-" + strconv.FormatInt(meetingID, 10),
			Audience:  jwt.ClaimStrings{tokenAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	})
}

// CallbackTokenIssuer adapts IssueCallbackToken to the scheduler's issuer.
func CallbackTokenIssuer(secret string, ttl time.Duration) func(meetingID int64) (string, error) {
	return func(meetingID int64) (string, error) {
		return IssueCallbackToken(secret, meetingID, ttl, time.Now().UTC())
	}
}

func sign(secret string, claims Claims) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret is required")
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func authorizeBearer(authHeader, jwtSecret, requiredScope string, now time.Time) (*Claims, *authError) {
	claims, err := parseBearer(authHeader, jwtSecret, now)
	if err != nil {
		return nil, err
	}
	if requiredScope != "" && !claims.hasScope(requiredScope) {
		return nil, &authError{
			status:  403,
			code:    "forbidden",
			message: "missing required scope: " + requiredScope,
		}
	}
	return claims, nil
}

func parseBearer(authHeader, jwtSecret string, now time.Time) (*Claims, *authError) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return nil, &authError{
			status:  401,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))

	// Expiry is checked against the server clock below, not jwt.TimeFunc.
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithoutClaimsValidation())
	claims := &Claims{}
	_, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte(jwtSecret), nil
	})
	if err != nil {
		return nil, &authError{status: 401, code: "unauthorized", message: "invalid token: " + err.Error()}
	}
	if !claims.VerifyExpiresAt(now, true) {
		return nil, &authError{status: 401, code: "unauthorized", message: "token expired"}
	}
	if !claims.VerifyAudience(tokenAudience, true) {
		return nil, &authError{status: 401, code: "unauthorized", message: "invalid aud claim"}
	}
	if len(claims.Scopes) == 0 {
		return nil, &authError{status: 403, code: "forbidden", message: "no scopes granted"}
	}
	return claims, nil
}

// SignInternalRequest computes the X-Relaycal-Signature value for body.
func SignInternalRequest(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("\n"))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func verifyInternalHMAC(secret, timestamp, signature string, body []byte, now time.Time, maxSkew time.Duration) *authError {
	if timestamp == "" || signature == "" {
		return &authError{status: 401, code: "unauthorized", message: "missing internal auth headers"}
	}
	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return &authError{status: 401, code: "unauthorized", message: "invalid internal timestamp"}
	}
	delta := now.Sub(ts)
	if delta < 0 {
		delta = -delta
	}
	if delta > maxSkew {
		return &authError{status: 401, code: "unauthorized", message: fmt.Sprintf("internal request outside %s replay window", maxSkew)}
	}
	expectedHex := SignInternalRequest(secret, timestamp, body)
	if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(expectedHex)) {
		return &authError{status: 401, code: "unauthorized", message: "internal signature mismatch"}
	}
	return nil
}
