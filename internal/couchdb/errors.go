package couchdb

import (
	"fmt"
	"net/http"

	"github.com/imroc/req/v3"
	"github.com/openmined/cbox/internal/remote"
)

// APIError is an error body returned by CouchDB.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"error"`
	Reason     string `json:"reason"`
}

func newAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status}
	if len(body) > 0 {
		_ = jsonUnmarshal(body, apiErr)
	}
	if apiErr.Code == "" {
		apiErr.Code = http.StatusText(status)
	}
	return apiErr
}

func (e *APIError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("couchdb: %d %s", e.StatusCode, e.Code)
	}
	return fmt.Sprintf("couchdb: %d %s: %s", e.StatusCode, e.Code, e.Reason)
}

// Unwrap maps the status onto the remote sentinels.
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return remote.ErrUnauthorized
	case http.StatusNotFound:
		return remote.ErrNotFound
	case http.StatusConflict:
		return remote.ErrConflict
	}
	return nil
}

// checkResponse turns a transport failure or an error status into an error.
func checkResponse(resp *req.Response, err error, op string) error {
	if err != nil {
		return fmt.Errorf("couchdb %s: %w", op, err)
	}
	if resp.IsErrorState() {
		return fmt.Errorf("couchdb %s: %w", op, newAPIError(resp.GetStatusCode(), resp.Bytes()))
	}
	return nil
}
