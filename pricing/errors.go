package pricing

import "fmt"

// NetworkError reports a transport-level failure talking to the pricing
// service: connection problems, timeouts, or non-2xx responses.
type NetworkError struct {
	Op     string // remote operation, e.g. "resolve" or "price_selection"
	Status int    // HTTP status when the server answered, 0 otherwise
	Err    error
}

func (e *NetworkError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("pricing %s: unexpected status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("pricing %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// SchemaError reports a pricing response whose payload does not match the
// expected shape.
type SchemaError struct {
	Op  string
	Err error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("pricing %s: malformed response: %v", e.Op, e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }
