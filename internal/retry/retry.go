// Package retry implements a bounded exponential backoff retry policy.
package retry

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/cloudpg/cloudpg/logging"
)

var log = logging.Module("retry")

// Options control the number of attempts and the delay between them.
type Options struct {
	MaxAttempts  int
	InitialSleep time.Duration
	MaxSleep     time.Duration
}

// DefaultOptions are conservative defaults used when no options are provided.
var DefaultOptions = Options{
	MaxAttempts:  10,
	InitialSleep: 1 * time.Second,
	MaxSleep:     32 * time.Second,
}

// AttemptFunc performs a single attempt.
type AttemptFunc func() error

// IsRetriableFunc determines whether an error is worth retrying.
type IsRetriableFunc func(err error) bool

// WithExponentialBackoff runs the provided attempt until it succeeds or until
// it fails with a non-retriable error, sleeping between attempts with
// exponentially growing delays up to a limit. It returns the number of
// attempts made along with the final error.
func WithExponentialBackoff(ctx context.Context, opt Options, desc string, attempt AttemptFunc, isRetriable IsRetriableFunc) (int, error) {
	if opt.MaxAttempts <= 0 {
		opt = DefaultOptions
	}

	sleepAmount := opt.InitialSleep

	var err error

	for i := 1; i <= opt.MaxAttempts; i++ {
		err = attempt()
		if err == nil {
			return i, nil
		}

		if !isRetriable(err) {
			return i, err
		}

		if i == opt.MaxAttempts {
			break
		}

		log(ctx).Debugf("got error %v when %v (#%v), sleeping for %v before retrying", err, desc, i, sleepAmount)

		select {
		case <-ctx.Done():
			return i, errors.Wrapf(ctx.Err(), "canceled while retrying %v", desc)
		case <-time.After(sleepAmount):
		}

		sleepAmount *= 2
		if sleepAmount > opt.MaxSleep {
			sleepAmount = opt.MaxSleep
		}
	}

	return opt.MaxAttempts, errors.Wrapf(err, "unable to complete %v despite %v attempts", desc, opt.MaxAttempts)
}
