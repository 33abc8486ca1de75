package blob

import "context"

type contextKey string

const noRetryKey contextKey = "blob.no_retry"

// ContextWithoutRetry marks ctx so retrying decorators make a single attempt.
func ContextWithoutRetry(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, noRetryKey, true)
}

// RetryDisabled reports whether ctx was marked with ContextWithoutRetry.
func RetryDisabled(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	v, _ := ctx.Value(noRetryKey).(bool)
	return v
}
