package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/careermate/billing/pkg/billing"
)

const (
	defaultMaxWebhookBytes   = 256 * 1024
	defaultWebhookRateLimit  = 100
	defaultWebhookRateWindow = time.Minute
)

// Config holds configuration for the billing API handler.
type Config struct {
	// Service is the billing service instance (required).
	Service *billing.Service

	// GetUserID extracts the authenticated user id from an HTTP request
	// (required). The webhook endpoint does not use it: webhook requests
	// are authenticated by signature, not by user.
	GetUserID func(*http.Request) string

	// OnError handles errors. If nil, a JSON error body with an
	// appropriate status code is written.
	OnError func(http.ResponseWriter, *http.Request, error)

	// Logger is used for structured logging (default: NoopLogger).
	Logger billing.Logger

	// MaxWebhookBytes caps the webhook request body (default 256KB).
	MaxWebhookBytes int64

	// WebhookRateLimit and WebhookRateWindow configure the per-IP rate
	// limiter on the webhook endpoint (default 100/minute).
	WebhookRateLimit  int
	WebhookRateWindow time.Duration
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Service == nil {
		return fmt.Errorf("service is required")
	}
	if c.GetUserID == nil {
		return fmt.Errorf("getUserID is required")
	}
	return nil
}

// NewHandler creates a billing API handler with the given configuration.
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = &billing.NoopLogger{}
	}
	if config.MaxWebhookBytes <= 0 {
		config.MaxWebhookBytes = defaultMaxWebhookBytes
	}
	if config.WebhookRateLimit <= 0 {
		config.WebhookRateLimit = defaultWebhookRateLimit
	}
	if config.WebhookRateWindow <= 0 {
		config.WebhookRateWindow = defaultWebhookRateWindow
	}
	return &Handler{config: config}, nil
}

// FromHeader returns a GetUserID function that reads a header.
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetUserID function that reads the request context.
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}
