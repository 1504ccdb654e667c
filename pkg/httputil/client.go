package httputil

import (
	"time"

	"github.com/go-resty/resty/v2"
)

// NewDefaultRestyClient returns a resty client with a base URL, a JSON Accept header and a
// request timeout. Automatic retries stay off: callers decide whether a request
// may be repeated.
func NewDefaultRestyClient(baseURL string, timeout time.Duration) *resty.Client {
	return resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetRetryCount(0)
}
