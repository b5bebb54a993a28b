package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// ErrInvalidToken is returned when a channel token fails verification.
var ErrInvalidToken = errors.New("invalid channel token")

// ChannelClaims are the JWT claims of a channel credential. Subject carries
// the ephemeral client id.
type ChannelClaims struct {
	Channel string `json:"channel"`
	jwt.RegisteredClaims
}

// ChannelCredential is the body returned by the token endpoint.
type ChannelCredential struct {
	Token     string    `json:"token"`
	ClientID  string    `json:"clientId"`
	Channel   string    `json:"channel"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// TokenIssuer signs and verifies short-lived HS256 channel credentials.
type TokenIssuer struct {
	secret  []byte
	ttl     time.Duration
	channel string
	issuer  string
	now     func() time.Time
}

// NewTokenIssuer creates an issuer for the given channel.
func NewTokenIssuer(secret string, ttl time.Duration, channel string) (*TokenIssuer, error) {
	if secret == "" {
		return nil, fmt.Errorf("token secret is required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("token ttl must be positive, got %s", ttl)
	}
	return &TokenIssuer{
		secret:  []byte(secret),
		ttl:     ttl,
		channel: channel,
		issuer:  "intake",
		now:     time.Now,
	}, nil
}

// Issue signs a credential for clientID.
func (i *TokenIssuer) Issue(clientID string) (*ChannelCredential, error) {
	now := i.now()
	exp := now.Add(i.ttl)
	claims := ChannelClaims{
		Channel: i.channel,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   clientID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return nil, fmt.Errorf("sign channel token: %w", err)
	}
	return &ChannelCredential{
		Token:     signed,
		ClientID:  clientID,
		Channel:   i.channel,
		ExpiresAt: exp.UTC(),
	}, nil
}

// Verify parses and validates a credential.
func (i *TokenIssuer) Verify(token string) (*ChannelClaims, error) {
	claims := &ChannelClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	if i.channel != "" && claims.Channel != i.channel {
		return nil, fmt.Errorf("%w: channel mismatch", ErrInvalidToken)
	}
	return claims, nil
}

const clientIDAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// NewClientID returns an ephemeral identifier of the form "client-<13 chars>".
func NewClientID() (string, error) {
	buf := make([]byte, 13)
	max := big.NewInt(int64(len(clientIDAlphabet)))
	for idx := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate client id: %w", err)
		}
		buf[idx] = clientIDAlphabet[n.Int64()]
	}
	return "client-" + string(buf), nil
}

// Issuer issues channel credentials.
type Issuer interface {
	Issue(clientID string) (*ChannelCredential, error)
}

// TokenHandler serves GET /api/channel-token.
type TokenHandler struct {
	issuer   Issuer
	clientID func() (string, error)
	logger   zerolog.Logger
}

// NewTokenHandler creates the token endpoint handler.
func NewTokenHandler(issuer Issuer, logger zerolog.Logger) *TokenHandler {
	return &TokenHandler{issuer: issuer, clientID: NewClientID, logger: logger}
}

// RegisterRoutes registers the token endpoint on the API group.
func (h *TokenHandler) RegisterRoutes(api *echo.Group) {
	api.GET("/channel-token", h.IssueToken)
}

// IssueToken returns a fresh credential for a newly generated client id.
// Any failure yields 500 with a fixed error body so clients can tell
// "unable to connect" apart from transport trouble.
func (h *TokenHandler) IssueToken(c echo.Context) error {
	clientID, err := h.clientID()
	if err == nil {
		var cred *ChannelCredential
		cred, err = h.issuer.Issue(clientID)
		if err == nil {
			return c.JSON(http.StatusOK, cred)
		}
	}

	h.logger.Error().Err(err).Msg("error creating channel token")
	return c.JSON(http.StatusInternalServerError, map[string]string{
		"error": "Failed to create token",
	})
}
