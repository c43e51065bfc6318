package types

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// ErrLogNotRecognized is returned by decoders for logs they do not handle
// (wrong signature or a different contract ABI). It is never fatal.
var ErrLogNotRecognized = errors.New("log not recognized")

// DecodeError wraps a failure to decode a log that matched a known signature.
type DecodeError struct {
	Subscriber  string
	BlockNumber uint64
	LogIndex    uint
	Address     common.Address
	Err         error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: failed to decode log %d at block %d (%s): %v", e.Subscriber, e.LogIndex, e.BlockNumber, e.Address.Hex(), e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// ApplyError is a recognized event whose handler could not produce a
// transition, e.g. it references an entity missing from the state.
type ApplyError struct {
	Subscriber  string
	BlockNumber uint64
	LogIndex    uint
	Event       string
	Err         error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("%s: failed to apply %s (log %d, block %d): %v", e.Subscriber, e.Event, e.LogIndex, e.BlockNumber, e.Err)
}

func (e *ApplyError) Unwrap() error {
	return e.Err
}

// RegenerationError is a retryable failure to rebuild state from the chain.
// The subscriber keeps serving its last good snapshot.
type RegenerationError struct {
	Subscriber  string
	BlockNumber uint64
	Err         error
}

func (e *RegenerationError) Error() string {
	return fmt.Sprintf("%s: failed to regenerate state at block %d: %v", e.Subscriber, e.BlockNumber, e.Err)
}

func (e *RegenerationError) Unwrap() error {
	return e.Err
}

func (e *RegenerationError) Retryable() bool {
	return true
}

// IsRetryable reports whether err (or anything it wraps) asks for a retry.
func IsRetryable(err error) bool {
	var re interface{ Retryable() bool }
	if errors.As(err, &re) {
		return re.Retryable()
	}
	return false
}
