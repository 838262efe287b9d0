package publisher

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// PublishContent is the channel-agnostic payload handed to a provider
type PublishContent struct {
	// Key identifies the delivery and stays stable across retries
	Key       string   `json:"key"`
	Title     string   `json:"title"`
	Text      string   `json:"text"`
	MediaURLs []string `json:"media_urls"`
	Hashtags  []string `json:"hashtags"`
}

// PublishResult identifies the post created on the platform
type PublishResult struct {
	PlatformPostID string    `json:"platform_post_id"`
	PlatformURL    string    `json:"platform_url,omitempty"`
	PublishedAt    time.Time `json:"published_at"`
}

type TokenSet struct {
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// Provider is the contract every distribution channel adapter implements
type Provider interface {
	Name() string
	Publish(ctx context.Context, content PublishContent) (*PublishResult, error)
	TestConnection(ctx context.Context) (bool, error)
	RefreshAccessToken(ctx context.Context) (*TokenSet, error)
}

// ErrRefreshUnsupported is returned by providers whose credentials cannot be refreshed
var ErrRefreshUnsupported = errors.New("provider does not support token refresh")

// HTTPError is a non-success response from a platform API.
// The registry uses StatusCode to tell throttling and outages from rejections.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	body := e.Body
	if len(body) > 256 {
		body = body[:256] + "..."
	}
	return fmt.Sprintf("http status %d: %s", e.StatusCode, body)
}

// Retryable reports whether the status indicates throttling or a server-side fault
func (e *HTTPError) Retryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}
