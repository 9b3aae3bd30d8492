package dberrors

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound              = errors.New("nulldb: not found")
	ErrValueDeleted          = errors.New("nulldb: value deleted")
	ErrCorrupted             = errors.New("nulldb: corrupted")
	ErrIO                    = errors.New("nulldb: io error")
	ErrFailedToObtainMainLog = errors.New("nulldb: failed to obtain main log")
	ErrNotLeader             = errors.New("nulldb: not leader")
	ErrFailedToReplicate     = errors.New("nulldb: failed to replicate")
	ErrInvalidArgument       = errors.New("nulldb: invalid argument")
	ErrClosed                = errors.New("nulldb: closed")
)

// NotLeaderError is returned by a node that is not the leader. Leader is the
// last leader id the node heard from, empty if unknown.
type NotLeaderError struct {
	Leader string
}

func (e *NotLeaderError) Error() string {
	if e.Leader == "" {
		return ErrNotLeader.Error()
	}
	return fmt.Sprintf("%s (leader: %s)", ErrNotLeader, e.Leader)
}

func (e *NotLeaderError) Is(target error) bool {
	return target == ErrNotLeader
}

// IO wraps a file-system failure so that it matches ErrIO and keeps the cause.
func IO(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrIO, err)
}

// Corrupted wraps a decode or index failure.
func Corrupted(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorrupted, fmt.Sprintf(format, args...))
}
