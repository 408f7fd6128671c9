package billing

import "errors"

var (
	// ErrUnknownService is returned when a service name has no configured token cost
	ErrUnknownService = errors.New("unknown service")

	// ErrInsufficientTokens is returned when the balance cannot cover a deduction
	ErrInsufficientTokens = errors.New("insufficient tokens")

	// ErrInvalidSignature is returned when webhook signature verification fails
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrDuplicateEvent is returned by storage when a webhook event id was already processed
	ErrDuplicateEvent = errors.New("duplicate webhook event")

	// ErrPaymentGateway is returned when an outbound payment-processor call fails
	ErrPaymentGateway = errors.New("payment gateway error")

	// ErrSubscriptionStateConflict is returned when an update references a
	// subscription id that does not match the stored one
	ErrSubscriptionStateConflict = errors.New("subscription state conflict")

	// ErrUnknownPackage is returned when a checkout price id has no configured package
	ErrUnknownPackage = errors.New("unknown package")

	// ErrBillingNotFound is returned when no billing record exists for a user
	ErrBillingNotFound = errors.New("billing record not found")

	// ErrInvalidAmount is returned for negative amounts
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrStorageUnavailable is returned when storage is unavailable
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrGatewayNotConfigured is returned when an operation requires a payment
	// gateway but none was provided
	ErrGatewayNotConfigured = errors.New("payment gateway not configured")
)
