package exchange

import (
	"fmt"

	"github.com/jonwraymond/futuresfeed/errtrack"
)

// APIError is a non-2xx response from the exchange. Code and Message carry
// the exchange's own error payload when one was present.
type APIError struct {
	Resource string
	Status   int
	Code     int
	Message  string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("exchange: %s: status %d code %d: %s", e.Resource, e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("exchange: %s: status %d", e.Resource, e.Status)
}

// kindForStatus maps an HTTP status to the error taxonomy. 429 and 418
// (the exchange's IP-ban warning) are rate limit errors, 5xx are server
// errors, and every other 4xx is a client error.
func kindForStatus(status int) errtrack.Kind {
	switch {
	case status == 429 || status == 418:
		return errtrack.KindRateLimit
	case status >= 500:
		return errtrack.KindExchangeServer
	default:
		return errtrack.KindExchangeClient
	}
}
