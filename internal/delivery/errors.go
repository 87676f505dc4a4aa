package delivery

import (
	"errors"
	"fmt"
)

// ErrNoEndpoint is returned by [Manager.Upload] when no webhook URL is
// configured and enqueueing is suppressed.
var ErrNoEndpoint = errors.New("delivery: no endpoint configured")

// ErrOrphan is returned by [Outbox.Load] when a metadata sidecar has no
// matching audio file.
var ErrOrphan = errors.New("delivery: metadata has no audio")

// ServerError is a 5xx response. It is retried.
type ServerError struct {
	StatusCode int
	Body       string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("delivery: server error %d: %s", e.StatusCode, e.Body)
}

// PermanentError is a non-2xx, non-5xx response. It is neither retried nor
// spooled.
type PermanentError struct {
	StatusCode int
	Body       string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("delivery: rejected with status %d: %s", e.StatusCode, e.Body)
}

// IsPermanent reports whether err wraps a [*PermanentError].
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
