package drive

import "github.com/cryptdrive/drivedl/internal/errors"

// StatusError is implemented by errors that carry the HTTP status of a
// rejected remote request.
type StatusError interface {
	error
	HTTPStatus() int
}

// HTTPStatus returns the status carried by err or one of the errors it
// wraps, and 0 if there is none.
func HTTPStatus(err error) int {
	var se StatusError
	if errors.As(err, &se) {
		return se.HTTPStatus()
	}
	return 0
}

// IsClientRejection reports whether the remote side rejected a request with
// a 4xx status.
func IsClientRejection(err error) bool {
	status := HTTPStatus(err)
	return status >= 400 && status < 500
}
