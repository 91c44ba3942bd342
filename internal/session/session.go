// Package session ties sync work to the signed-in owner. Signing out cancels
// every call tree bound to the session with cause ErrSignedOut.
package session

import (
	"context"
	"errors"
	"sync"
)

var ErrSignedOut = errors.New("signed out")

type Session struct {
	UserID string

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelCauseFunc
}

func New(userID string) *Session {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Session{UserID: userID, ctx: ctx, cancel: cancel}
}

// Bind derives a context that is cancelled when parent is done or the session
// signs out, whichever happens first. The returned func must be called.
func (s *Session) Bind(parent context.Context) (context.Context, context.CancelFunc) {
	s.mu.Lock()
	sctx := s.ctx
	s.mu.Unlock()

	ctx, cancel := context.WithCancelCause(parent)
	if sctx.Err() != nil {
		cancel(ErrSignedOut)
		return ctx, func() {}
	}
	stop := context.AfterFunc(sctx, func() { cancel(ErrSignedOut) })
	return ctx, func() {
		stop()
		cancel(context.Canceled)
	}
}

// SignOut cancels all bound work.
func (s *Session) SignOut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel(ErrSignedOut)
}

func (s *Session) SignedOut() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx.Err() != nil
}

// IsSignedOut reports whether ctx was cancelled by a sign-out.
func IsSignedOut(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), ErrSignedOut)
}
