// Package automation defines the boundary to the browser-automation
// collaborator. The core never inspects session internals; it creates one
// session per worker against that worker's profile directory and closes it
// when the worker stops.
package automation

import "context"

// Session is an isolated automation session bound to one profile directory.
type Session interface {
	Close() error
}

// SessionFactory creates sessions. The pool calls CreateSession once per
// worker at start and Close once at stop.
type SessionFactory interface {
	CreateSession(ctx context.Context, profilePath string) (Session, error)
}

// FactoryFunc adapts a function to the SessionFactory interface.
type FactoryFunc func(ctx context.Context, profilePath string) (Session, error)

// CreateSession implements SessionFactory.
func (f FactoryFunc) CreateSession(ctx context.Context, profilePath string) (Session, error) {
	return f(ctx, profilePath)
}
