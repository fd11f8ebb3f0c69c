package youtube

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ternarybob/ideadigest/internal/models"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
)

// Reasons YouTube reports on 403 responses that mean "slow down" rather than "forbidden"
var rateLimitReasons = map[string]bool{
	"quotaExceeded":         true,
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
	"dailyLimitExceeded":    true,
}

// classify maps an API call failure onto the platform error taxonomy
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		reason := firstReason(gerr)
		switch {
		case gerr.Code == http.StatusUnauthorized:
			return models.NewPlatformError(models.ErrorCodeAuthExpired, op, err)
		case gerr.Code == http.StatusTooManyRequests,
			gerr.Code == http.StatusForbidden && rateLimitReasons[reason]:
			return &models.PlatformError{
				Code:       models.ErrorCodeRateLimited,
				Op:         op,
				RetryAfter: parseRetryAfter(gerr.Header.Get("Retry-After"), time.Now()),
				Err:        err,
			}
		case gerr.Code >= 500:
			return models.NewPlatformError(models.ErrorCodeTransient, op, err)
		default:
			return models.NewPlatformError(models.ErrorCodePermanent, op, err)
		}
	}

	// Token refresh failures surface wrapped in *url.Error
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		if rerr.Response != nil && rerr.Response.StatusCode >= 500 {
			return models.NewPlatformError(models.ErrorCodeTransient, op, err)
		}
		return models.NewPlatformError(models.ErrorCodeAuthExpired, op, err)
	}

	// Network failures, deadlines, cancellation and truncated bodies
	return models.NewPlatformError(models.ErrorCodeTransient, op, err)
}

func firstReason(gerr *googleapi.Error) string {
	for _, item := range gerr.Errors {
		if item.Reason != "" {
			return item.Reason
		}
	}
	return ""
}

// isCommentsDisabled reports the 403 YouTube returns for videos with comments turned off
func isCommentsDisabled(err error) bool {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return false
	}
	return gerr.Code == http.StatusForbidden && firstReason(gerr) == "commentsDisabled"
}

// parseRetryAfter accepts delta-seconds or an HTTP date
func parseRetryAfter(value string, now time.Time) time.Duration {
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
