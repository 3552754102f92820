// Package session acquires and releases the browser a single capture runs
// in. Every capture owns its session exclusively.
package session

import (
	"context"
	"errors"
)

// ErrUnknownSession is returned when releasing an id the provider never issued.
var ErrUnknownSession = errors.New("session: unknown session id")

// Session is a browser reachable over CDP.
type Session struct {
	ID         string `json:"id"`
	ConnectURL string `json:"connectUrl"`
}

// Provider creates and releases sessions. Implementations are safe for
// concurrent use.
type Provider interface {
	Create(ctx context.Context) (*Session, error)

	// Release ends a session. It is called exactly once per created session,
	// on every exit path of a capture.
	Release(ctx context.Context, id string) error
}
