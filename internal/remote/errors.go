package remote

import (
	"errors"
	"fmt"
)

// ErrInterrupted is returned when the user stops a remote run. The job keeps
// running on the server and can be reattached later.
var ErrInterrupted = errors.New("remote run interrupted")

// CommunicationError is a transport failure talking to the server.
type CommunicationError struct {
	URL     string
	Retries int
	Err     error
}

func (e *CommunicationError) Error() string {
	if e.Retries > 0 {
		return fmt.Sprintf("could not reach %s after %d retries: %v", e.URL, e.Retries, e.Err)
	}
	return fmt.Sprintf("could not reach %s: %v", e.URL, e.Err)
}

func (e *CommunicationError) Unwrap() error { return e.Err }

// ServerError is a non-2xx response.
type ServerError struct {
	Code    int
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server responded with %d: %s", e.Code, e.Message)
}

// RemoteSetupError covers everything that prevents a remote run from being
// started: bad credentials, a server that is not ready, an invalid node
// selection or a malformed server response.
type RemoteSetupError struct {
	Msg string
	Err error
}

func (e *RemoteSetupError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("remote setup: %s: %v", e.Msg, e.Err)
	}
	return "remote setup: " + e.Msg
}

func (e *RemoteSetupError) Unwrap() error { return e.Err }

func setupError(err error, format string, args ...any) error {
	return &RemoteSetupError{Msg: fmt.Sprintf(format, args...), Err: err}
}

// ResultFetchWarning reports results that could not be retrieved. It never
// aborts a run.
type ResultFetchWarning struct {
	// Node is empty for the final aggregate archive.
	Node string
	Err  error
}

func (e *ResultFetchWarning) Error() string {
	what := "final results"
	if e.Node != "" {
		what = "results for node " + e.Node
	}
	return fmt.Sprintf("could not fetch %s: %v", what, e.Err)
}

func (e *ResultFetchWarning) Unwrap() error { return e.Err }
