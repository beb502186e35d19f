package broker

import (
	"errors"
	"fmt"
	"net/url"
)

var (
	// ErrNotConnected is returned by any operation invoked while disconnected
	ErrNotConnected = errors.New("broker not connected")

	// ErrHandlerPanic wraps a recovered handler panic
	ErrHandlerPanic = errors.New("handler panicked")
)

// ConnectionError reports that the broker transport could not be reached
type ConnectionError struct {
	URL string
	Err error
}

// NewConnectionError wraps err with the (credential-redacted) broker URL
func NewConnectionError(rawURL string, err error) *ConnectionError {
	return &ConnectionError{URL: RedactURL(rawURL), Err: err}
}

func (e *ConnectionError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("failed to connect to broker: %v", e.Err)
	}
	return fmt.Sprintf("failed to connect to broker %s: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// RedactURL masks the password in a broker URL for logging. Unparseable
// input yields an empty string.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Redacted()
}
