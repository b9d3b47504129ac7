package clients

import "context"

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

const (
	// AttemptIDKey is the context key for the update attempt id
	// (for the X-Attempt-ID header on collaborator calls)
	AttemptIDKey contextKey = "attempt-id"
)

// WithAttemptID adds an attempt id to the context
// It is automatically forwarded as the X-Attempt-ID header in HTTP requests
func WithAttemptID(ctx context.Context, attemptID string) context.Context {
	return context.WithValue(ctx, AttemptIDKey, attemptID)
}

// GetAttemptID retrieves the attempt id from context
// Returns the id and true if found, empty string and false otherwise
func GetAttemptID(ctx context.Context) (string, bool) {
	attemptID, ok := ctx.Value(AttemptIDKey).(string)
	return attemptID, ok && attemptID != ""
}
