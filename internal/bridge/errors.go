package bridge

import "fmt"

// ConnectionError reports a handshake or transport failure while
// establishing the hub link. The broken session is never cached, so the
// next invocation retries from scratch. Distinct from config.ConfigError
// even though both render as one-line text at the tool boundary: a
// connection failure is retry-worthy, a config failure is not.
type ConnectionError struct {
	Address string
	Err     error
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	return fmt.Sprintf("cannot connect to bridge at %s: %v", e.Address, e.Err)
}

// Unwrap returns the underlying transport error.
func (e *ConnectionError) Unwrap() error {
	return e.Err
}
