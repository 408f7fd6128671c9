// Package http provides HTTP middleware that gates paid features on
// token balance and deducts tokens after successful delivery.
package http

import (
	"errors"
	"net/http"

	"github.com/careermate/billing/pkg/billing"
)

// UserIDExtractor extracts the user ID from an HTTP request.
// Return empty string if user is not authenticated.
type UserIDExtractor func(r *http.Request) string

// ServiceExtractor extracts the paid service name from an HTTP request.
// For example: "analyze_profile", "generate_cv".
type ServiceExtractor func(r *http.Request) string

// Config holds middleware configuration.
type Config struct {
	// Service is the billing service instance (required).
	Service *billing.Service

	// GetUserID extracts user ID from request (required).
	GetUserID UserIDExtractor

	// GetService extracts the paid service name from request (required).
	GetService ServiceExtractor

	// OnInsufficientTokens is called when the user cannot afford the
	// service. If nil, returns 402 Payment Required.
	OnInsufficientTokens func(w http.ResponseWriter, r *http.Request)

	// OnUnauthorized is called when user is not authenticated.
	// If nil, returns 401 Unauthorized.
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when an internal error occurs.
	// If nil, returns 500 Internal Server Error.
	OnError func(w http.ResponseWriter, r *http.Request, err error)

	// Logger is used for structured logging (default: NoopLogger).
	Logger billing.Logger
}

// Middleware creates HTTP middleware that checks affordability before the
// handler runs and deducts tokens only after the handler responds with a
// 2xx. A failed delivery never costs tokens.
func Middleware(config Config) func(http.Handler) http.Handler {
	logger := config.Logger
	if logger == nil {
		logger = &billing.NoopLogger{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				}
				return
			}

			service := config.GetService(r)
			ctx := r.Context()

			allowed, err := config.Service.CanAccessService(ctx, userID, service)
			if err != nil {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else if errors.Is(err, billing.ErrUnknownService) {
					http.Error(w, "Bad Request", http.StatusBadRequest)
				} else {
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
				return
			}
			if !allowed {
				if config.OnInsufficientTokens != nil {
					config.OnInsufficientTokens(w, r)
				} else {
					http.Error(w, "Payment Required", http.StatusPaymentRequired)
				}
				return
			}

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			// Deduct only for delivered responses. If the balance was
			// drained by a concurrent request between the check and here,
			// the debit fails; the delivery already happened, so log and
			// move on rather than failing the response.
			if rec.status >= 200 && rec.status < 300 {
				if err := config.Service.DeductTokensForService(ctx, userID, service); err != nil {
					logger.Warn("post-delivery deduction failed",
						billing.Field{Key: "user_id", Value: userID},
						billing.Field{Key: "service", Value: service},
						billing.Field{Key: "error", Value: err.Error()})
				}
			}
		})
	}
}

// HandlerFunc creates middleware for http.HandlerFunc handlers.
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

// FixedService returns a ServiceExtractor that always returns the same
// service name. Useful when a route maps to exactly one paid feature.
func FixedService(name string) ServiceExtractor {
	return func(r *http.Request) string {
		return name
	}
}

// statusRecorder captures the status code written by the wrapped handler.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	written bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.written {
		s.status = code
		s.written = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if !s.written {
		s.status = http.StatusOK
		s.written = true
	}
	return s.ResponseWriter.Write(b)
}
