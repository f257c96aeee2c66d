package types

import "fmt"

// ContractError is the panic value raised when a caller breaks an engine
// invariant: conflicting fixups, a range without its chunk, queue underflow,
// session nesting overflow. These are programmer errors and are not returned.
type ContractError struct {
	Op  string
	Msg string
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("%s: contract violation: %s", e.Op, e.Msg)
}

// Violation panics with a *ContractError.
func Violation(op, format string, args ...any) {
	panic(&ContractError{Op: op, Msg: fmt.Sprintf(format, args...)})
}
