package http

import (
	"fmt"
	"net/http"
)

// An APIResponseError represents an unexpected response from an HTTP method call.
type APIResponseError struct {
	Code int
	Body string
}

func (e APIResponseError) Error() string {
	v := fmt.Sprintf("unexpected response: %v - %v", e.Code, http.StatusText(e.Code))
	if e.Body != "" {
		v += fmt.Sprintf(" (%v)", e.Body)
	}
	return v
}
