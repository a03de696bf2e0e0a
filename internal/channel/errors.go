package channel

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("channel adapter closed")

// Role names a connection to the medium.
type Role string

const (
	RolePublish   Role = "publish"
	RoleSubscribe Role = "subscribe"
)

// ConnectionError reports that a role could not be established at startup.
type ConnectionError struct {
	Role    Role
	Channel string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s role for channel %q: %v", e.Role, e.Channel, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// PublishError reports that a message could not be republished.
type PublishError struct {
	Channel  string
	Attempts int
	Err      error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish on channel %q failed after %d attempt(s): %v", e.Channel, e.Attempts, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}
