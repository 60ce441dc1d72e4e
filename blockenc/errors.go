package blockenc

import (
	"fmt"
)

// ConfigError is the type of error returned for a request that is rejected
// before any instruction is encoded.
type ConfigError struct {
	// Block and Index locate the offending block and instruction, or are -1.
	Block, Index int
	Reason       string
}

func (err *ConfigError) Error() string {
	switch {
	case err.Block < 0:
		return "blockenc: " + err.Reason
	case err.Index < 0:
		return fmt.Sprintf("blockenc: block %d: %s", err.Block, err.Reason)
	}
	return fmt.Sprintf("blockenc: block %d, instruction %d: %s", err.Block, err.Index, err.Reason)
}

// EncodeError is the type of error returned when an instruction cannot be
// encoded. Err is typically a *RangeError or an InvalidInsnError.
type EncodeError struct {
	Block, Index int
	// IP is the original address of the instruction.
	IP  uint64
	Err error
}

func (err *EncodeError) Error() string {
	return fmt.Sprintf("blockenc: block %d, instruction %d at %#x: %v", err.Block, err.Index, err.IP, err.Err)
}

func (err *EncodeError) Unwrap() error {
	return err.Err
}

// NonConvergenceError is the type of error returned when relaxation does not
// reach a fixed point within its pass limit.
type NonConvergenceError struct {
	Passes int
}

func (err *NonConvergenceError) Error() string {
	return fmt.Sprintf("blockenc: branch forms did not converge after %d passes", err.Passes)
}

// SinkError is the type of error returned when a block's sink fails. Blocks
// before Block have been written.
type SinkError struct {
	Block int
	Err   error
}

func (err *SinkError) Error() string {
	return fmt.Sprintf("blockenc: writing block %d: %v", err.Block, err.Err)
}

func (err *SinkError) Unwrap() error {
	return err.Err
}
