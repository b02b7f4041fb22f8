package core

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition reports a command that is not valid in the
	// current playback state. It is a no-op, never fatal.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrPlayerUnreachable reports a lost player connection. The link
	// retries lazily on the next command.
	ErrPlayerUnreachable = errors.New("player unreachable")
	// ErrPlayerRejected reports a stream the player refused to open.
	ErrPlayerRejected = errors.New("player rejected stream")
	// ErrQueueEmpty reports an operation that needs a non-empty queue.
	ErrQueueEmpty = errors.New("queue is empty")
	// ErrStartOfQueue reports a rewind past the first track.
	ErrStartOfQueue = errors.New("at start of queue")
	// ErrNoCurrentTrack reports an operation that needs a current track.
	ErrNoCurrentTrack = errors.New("no track playing")
)

// RemoteError is a catalog API failure: either a non-2xx HTTP response or a
// Subsonic-level error envelope.
type RemoteError struct {
	Status  int
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote error (status %d)", e.Status)
	}
	return fmt.Sprintf("remote error (status %d): %s", e.Status, e.Message)
}
