package retries

import (
	"context"
	"errors"
	"time"

	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/retry"
)

const (
	DefaultAttempts  = 3
	DefaultBaseDelay = 100 * time.Millisecond

	HealthAttempts  = 2
	HealthBaseDelay = 50 * time.Millisecond
)

// Retry runs fn up to attempts times. Errors rejected by isRetriable, and a
// cancelled ctx, stop the loop immediately.
func Retry(ctx context.Context, attempts uint, wait time.Duration, fn func() error, isRetriable func(error) bool) error {
	if attempts == 0 {
		attempts = 1
	}

	return retry.Times(attempts-1).Wait(wait).TryWithAbort(func(attempt uint) (error, bool) {
		if err := ctx.Err(); err != nil {
			return err, true
		}
		err := fn()
		if err == nil {
			return nil, true
		}
		return err, !isRetriable(err)
	})
}

var retriableDbCodes = map[string]struct{}{
	"ProvisionedThroughputExceededException": {},
	"ThrottlingException":                    {},
	"RequestLimitExceeded":                   {},
	"InternalServerError":                    {},
	"ServiceUnavailable":                     {},
	"TransactionConflictException":           {},
}

func IsRetriableDbError(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		_, ok := retriableDbCodes[apiErr.ErrorCode()]
		return ok
	}
	return false
}

func IsRetriableStorageError(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "SlowDown", "InternalError", "ServiceUnavailable", "RequestTimeout":
			return true
		}
	}
	return false
}
