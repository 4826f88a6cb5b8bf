package cluster

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/stratumhq/strata/pkg/auth"
	"github.com/stratumhq/strata/pkg/cache"
	"github.com/stratumhq/strata/pkg/objstore"
)

// StatusError carries the HTTP status an error should surface as. Handlers
// return errors up the stack and the server maps them at the boundary.
type StatusError struct {
	Code int
	Msg  string
}

func (e *StatusError) Error() string {
	return e.Msg
}

// Errorf builds a StatusError.
func Errorf(code int, format string, args ...any) error {
	return &StatusError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// CodeOf maps an error to its HTTP status. Store misses become 404, auth
// failures 401, a saturated cache 503, anything unrecognized 500.
func CodeOf(err error) int {
	var se *StatusError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &se):
		return se.Code
	case objstore.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, auth.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, cache.ErrFull):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
