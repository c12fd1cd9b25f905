package oracle

import (
	"errors"
	"fmt"
)

var (
	ErrHTTPStatus = errors.New("unexpected http status")
	ErrDecode     = errors.New("response is not valid json")
)

// TransportError is any failure reaching an oracle: network, non-2xx status or an
// undecodable body.
type TransportError struct {
	Endpoint   string
	StatusCode int
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Body != "":
		return fmt.Sprintf("oracle %s: http %d: %s", e.Endpoint, e.StatusCode, e.Body)
	case e.StatusCode != 0:
		return fmt.Sprintf("oracle %s: http %d: %v", e.Endpoint, e.StatusCode, e.Err)
	default:
		return fmt.Sprintf("oracle %s: %v", e.Endpoint, e.Err)
	}
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
