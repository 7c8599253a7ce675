// Package session holds the signed-in user as last confirmed by the
// settlement service. The balance is never adjusted locally; every change
// arrives as a whole User from the server.
package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"pottsmarket/internal/apperr"
	"pottsmarket/internal/market"
)

type Authenticator interface {
	Me(ctx context.Context) (market.User, error)
	Login(ctx context.Context, username, password string) (market.User, error)
	Signup(ctx context.Context, username, email, password string) (market.User, error)
	Logout(ctx context.Context) error
}

type Store struct {
	auth Authenticator
	log  *slog.Logger

	mu        sync.RWMutex
	user      market.User
	signedIn  bool
	listeners []func(market.User, bool)
}

func New(auth Authenticator, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{auth: auth, log: logger}
}

// Current returns a snapshot of the held user.
func (s *Store) Current() (market.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user, s.signedIn
}

func (s *Store) OnChange(fn func(market.User, bool)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

func (s *Store) Login(ctx context.Context, username, password string) (market.User, error) {
	const op = "login"
	username = strings.TrimSpace(username)
	if err := market.ValidateCredentials(username, password); err != nil {
		return market.User{}, apperr.Invalid(op, err)
	}
	user, err := s.auth.Login(ctx, username, password)
	if err != nil {
		return market.User{}, authError(op, err)
	}
	s.replace(user)
	s.log.Info("signed in", "username", user.Username)
	return user, nil
}

func (s *Store) Signup(ctx context.Context, username, email, password string) (market.User, error) {
	const op = "signup"
	username = strings.TrimSpace(username)
	if err := market.ValidateCredentials(username, password); err != nil {
		return market.User{}, apperr.Invalid(op, err)
	}
	user, err := s.auth.Signup(ctx, username, strings.TrimSpace(email), password)
	if err != nil {
		return market.User{}, authError(op, err)
	}
	s.replace(user)
	s.log.Info("signed up", "username", user.Username)
	return user, nil
}

// Logout always clears locally; the remote invalidation is best effort.
func (s *Store) Logout(ctx context.Context) {
	if err := s.auth.Logout(ctx); err != nil {
		s.log.Warn("remote logout failed", "err", err)
	}
	s.Clear()
}

// Refresh re-reads the identity. A "not authenticated" answer clears the
// store and is not an error; transport failures leave the store untouched.
func (s *Store) Refresh(ctx context.Context) (market.User, bool, error) {
	user, err := s.auth.Me(ctx)
	if err != nil {
		classified := apperr.Classify("refresh", err)
		if apperr.Is(classified, apperr.KindAuthRequired) {
			s.Clear()
			return market.User{}, false, nil
		}
		if !apperr.Is(classified, apperr.KindNetwork) {
			classified = &apperr.Error{Kind: apperr.KindNetwork, Op: "refresh", Message: classified.Error(), Err: err}
		}
		return market.User{}, false, classified
	}
	s.replace(user)
	return user, true, nil
}

func (s *Store) Clear() {
	s.mu.Lock()
	changed := s.signedIn
	s.user = market.User{}
	s.signedIn = false
	listeners := append([]func(market.User, bool){}, s.listeners...)
	s.mu.Unlock()
	if changed {
		for _, fn := range listeners {
			fn(market.User{}, false)
		}
	}
}

func (s *Store) replace(user market.User) {
	s.mu.Lock()
	s.user = user
	s.signedIn = true
	listeners := append([]func(market.User, bool){}, s.listeners...)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(user, true)
	}
}

func authError(op string, err error) error {
	classified := apperr.Classify(op, err)
	var e *apperr.Error
	if !errors.As(classified, &e) {
		return classified
	}
	switch e.Kind {
	case apperr.KindAuthRequired:
		e.Kind = apperr.KindInvalidCredentials
		if e.Message == "" || e.Message == "sign in required" {
			e.Message = "invalid credentials"
		}
	case apperr.KindRejected, apperr.KindConflict:
		e.Kind = apperr.KindValidation
		if strings.Contains(strings.ToLower(e.Message), "username") {
			e.Field = "username"
		}
	}
	return e
}
