package pubsub

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// ChannelToken is the short-lived credential a remote client presents when
// attaching to the intake hub.
type ChannelToken struct {
	Token     string    `json:"token"`
	ClientID  string    `json:"clientId"`
	Channel   string    `json:"channel"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// TokenSource obtains channel credentials.
type TokenSource interface {
	Token(ctx context.Context) (*ChannelToken, error)
}

// HTTPTokenSource fetches credentials from the server's token endpoint.
type HTTPTokenSource struct {
	client *resty.Client
	path   string
}

// NewHTTPTokenSource creates a token source against baseURL. Retries are
// left to resty and stay small: a credential outage is reported to the
// caller as ErrAuthUnavailable rather than waited out.
func NewHTTPTokenSource(baseURL string) *HTTPTokenSource {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10*time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500*time.Millisecond).
		SetRetryMaxWaitTime(2*time.Second).
		SetHeader("Accept", "application/json")

	return &HTTPTokenSource{client: client, path: "/api/channel-token"}
}

// Token requests a fresh credential.
func (s *HTTPTokenSource) Token(ctx context.Context) (*ChannelToken, error) {
	var tok ChannelToken
	var failure struct {
		Error string `json:"error"`
	}
	resp, err := s.client.R().
		SetContext(ctx).
		SetResult(&tok).
		SetError(&failure).
		Get(s.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthUnavailable, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: token endpoint returned %d %s", ErrAuthUnavailable, resp.StatusCode(), failure.Error)
	}
	if tok.Token == "" {
		return nil, fmt.Errorf("%w: empty token", ErrAuthUnavailable)
	}
	return &tok, nil
}
