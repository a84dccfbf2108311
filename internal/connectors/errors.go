package connectors

import (
	"fmt"
	"strconv"
	"time"

	"github.com/xela07ax/spaceai-agent-router/internal/domain"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// DefaultRetryAfter is used when a throttled registry does not say how long
// to back off.
const DefaultRetryAfter = time.Second

type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

func (e *ThrottleError) Unwrap() error { return e.Cause }

// fromStatus maps a registry gRPC failure onto the errors callers branch on.
func fromStatus(method string, err error, trailer metadata.MD) error {
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%s: %w", method, err)
	}

	switch st.Code() {
	case codes.ResourceExhausted:
		return &ThrottleError{RetryAfter: retryAfter(trailer), Cause: err}
	case codes.NotFound:
		return domain.ErrUnknownStrategy.Withf("%s: %s", method, st.Message())
	default:
		return fmt.Errorf("%s failed [%s]: %s", method, st.Code(), st.Message())
	}
}

// retryAfter reads the "retry-after" trailer in seconds.
func retryAfter(md metadata.MD) time.Duration {
	vals := md.Get("retry-after")
	if len(vals) == 0 {
		return DefaultRetryAfter
	}
	secs, err := strconv.Atoi(vals[0])
	if err != nil || secs <= 0 {
		return DefaultRetryAfter
	}
	return time.Duration(secs) * time.Second
}
