package digidaq

import (
	"errors"
	"fmt"
)

// ErrBufferFull is returned when appending to a channel buffer at capacity.
var ErrBufferFull = errors.New("channel buffer is full")

// ErrUnknownChannel is returned when appending to a channel that is not in
// the active channel set.
var ErrUnknownChannel = errors.New("channel is not in the active channel set")

// ErrSessionActive is returned when starting an acquisition while another is running.
var ErrSessionActive = errors.New("an acquisition session is already running")

// ConfigError reports an invalid configuration. Group is empty for errors
// that do not belong to one channel group.
type ConfigError struct {
	Group  string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	msg := e.Reason
	if e.Group != "" {
		msg = fmt.Sprintf("channel group %q: %s", e.Group, e.Reason)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return "config error: " + msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ShapeMismatch reports an event whose payload does not match the configured
// channel count or record length. It is recoverable: the event is dropped.
type ShapeMismatch struct {
	Channel int // -1 for whole-frame problems
	Have    []int
	Want    []int
	Reason  string
}

func (e *ShapeMismatch) Error() string {
	if e.Channel >= 0 {
		return fmt.Sprintf("shape mismatch on channel %d: %s (have %v, want %v)", e.Channel, e.Reason, e.Have, e.Want)
	}
	return fmt.Sprintf("shape mismatch: %s (have %v, want %v)", e.Reason, e.Have, e.Want)
}

// DeviceFatalError wraps an unexpected failure reported by the digitizer.
type DeviceFatalError struct {
	Op  string
	Err error
}

func (e *DeviceFatalError) Error() string {
	return fmt.Sprintf("digitizer %s failed: %v", e.Op, e.Err)
}

func (e *DeviceFatalError) Unwrap() error { return e.Err }

// StorageError wraps an I/O failure while flushing or rotating output files.
type StorageError struct {
	Path string
	Op   string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %q: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
