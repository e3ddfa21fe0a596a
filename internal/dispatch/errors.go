package dispatch

import "fmt"

// DispatchError means a request never reached the grid.
type DispatchError struct {
	Stage  string // prepare, encode, write or submit
	Packet string
	Err    error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("failed passing work packet %s to grid engine (%s): %v", e.Packet, e.Stage, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}
