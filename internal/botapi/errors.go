package botapi

import (
	"errors"
	"fmt"
	"net/http"
)

// HTTPError is a non-2xx answer from the server.
type HTTPError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("lishogi api error: %s %s status=%d body=%s", e.Method, e.Path, e.StatusCode, e.Body)
}

// AsHTTPError unwraps err into an HTTPError.
func AsHTTPError(err error) (*HTTPError, bool) {
	var he *HTTPError
	if errors.As(err, &he) {
		return he, true
	}
	return nil, false
}

// IsNotFound reports a 404, which the server uses for withdrawn challenges.
func IsNotFound(err error) bool {
	he, ok := AsHTTPError(err)
	return ok && he.StatusCode == http.StatusNotFound
}

// IsClientRejection reports an HTTP status below 500. Such failures are not
// retried.
func IsClientRejection(err error) bool {
	he, ok := AsHTTPError(err)
	return ok && he.StatusCode < 500
}
