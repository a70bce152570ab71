package sink

import (
	"io"
	"net/http"
)

// maxErrorBody bounds how much of a failed response is kept on the error.
const maxErrorBody = 4 << 10

// ResponseHandler classifies a completed exchange. It returns nil on success
// and an *ApplicationError otherwise. Handlers must not close the body.
type ResponseHandler func(resp *http.Response) error

// OnHTTPErrorResponse fails every response outside 2xx.
var OnHTTPErrorResponse = NewStatusHandler(func(code int) bool {
	return code >= 200 && code < 300
})

// NewStatusHandler fails every response whose status accept rejects.
func NewStatusHandler(accept func(code int) bool) ResponseHandler {
	return func(resp *http.Response) error {
		if accept(resp.StatusCode) {
			return nil
		}
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &ApplicationError{StatusCode: resp.StatusCode, Body: string(b)}
	}
}

// isAuthFailure reports whether an endpoint rejected the credentials of a request.
func isAuthFailure(code int) bool {
	return code == http.StatusUnauthorized || code == http.StatusForbidden
}

// onAuthErrorResponse upgrades 401 and 403 failures from next into *AuthenticationError.
func onAuthErrorResponse(next ResponseHandler) ResponseHandler {
	return func(resp *http.Response) error {
		err := next(resp)
		if appErr, ok := err.(*ApplicationError); ok && isAuthFailure(appErr.StatusCode) {
			return &AuthenticationError{ApplicationError: appErr}
		}
		return err
	}
}

// drain discards what is left of a body so the connection can be reused.
func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}
