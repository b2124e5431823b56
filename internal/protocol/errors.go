package protocol

import "fmt"

// ActuationError is returned when a set command's acknowledgment does not
// carry the expected magic.
type ActuationError struct {
	Command Opcode
}

func (e *ActuationError) Error() string {
	return fmt.Sprintf("device rejected %s: acknowledgment mismatch", e.Command)
}
