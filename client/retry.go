package client

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/hashicorp/go-retryablehttp"
)

const maxBackoff = 120 * time.Second

type noRetryKey struct{}

func withoutRetry(ctx context.Context) context.Context {
	return context.WithValue(ctx, noRetryKey{}, true)
}

func (c *Client) retriesMethod(method string) bool {
	for _, m := range c.cfg.RetryMethods {
		if m == method {
			return true
		}
	}
	return false
}

// retryPolicy retries connection errors and the given statuses, unless the request opted out.
func retryPolicy(statuses []int, logger log.Logger) retryablehttp.CheckRetry {
	retryStatuses := make(map[int]bool, len(statuses))
	for _, s := range statuses {
		retryStatuses[s] = true
	}

	return func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if noRetry, _ := ctx.Value(noRetryKey{}).(bool); noRetry {
			return false, nil
		}
		if err != nil {
			retry, _ := retryablehttp.DefaultRetryPolicy(ctx, resp, err)
			logger.Debugf("CheckRetry: retry=%v ; err=%+v", retry, err)
			return retry, nil
		}
		return retryStatuses[resp.StatusCode], nil
	}
}

// exponentialBackoff waits factor * 2^attempt seconds, or what the server asks for with Retry-After.
func exponentialBackoff(factor float64) retryablehttp.Backoff {
	return func(_, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		if resp != nil && (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable) {
			if seconds, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && seconds >= 0 {
				return capDuration(time.Duration(seconds)*time.Second, max)
			}
		}

		wait := time.Duration(factor * math.Pow(2, float64(attemptNum)) * float64(time.Second))
		return capDuration(wait, max)
	}
}

func capDuration(d, max time.Duration) time.Duration {
	if max > 0 && d > max {
		return max
	}
	if d < 0 {
		return 0
	}
	return d
}
