package server

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
)

type hook struct {
	name string
	fn   func(context.Context) error
}

// ShutdownHooks releases the bridge's resources when the server stops. Hooks
// run in reverse registration order, so a resource is released before the
// resources it was built on.
type ShutdownHooks struct {
	hooks []hook
}

// AddContext registers a hook that honours the shutdown deadline. A nil hook
// is ignored.
func (s *ShutdownHooks) AddContext(name string, fn func(context.Context) error) {
	if fn == nil {
		log.Warn().Str("hook", name).Msg("nil shutdown hook ignored")
		return
	}
	s.hooks = append(s.hooks, hook{name: name, fn: fn})
}

// AddClose registers a resource to be closed. A nil closer is ignored.
func (s *ShutdownHooks) AddClose(name string, closer io.Closer) {
	if closer == nil {
		log.Warn().Str("hook", name).Msg("nil shutdown hook ignored")
		return
	}
	s.AddContext(name, func(context.Context) error { return closer.Close() })
}

// Len is the number of registered hooks.
func (s *ShutdownHooks) Len() int {
	return len(s.hooks)
}

// Execute runs every hook, most recently registered first. A failing hook
// does not stop the others; all failures are returned together.
func (s *ShutdownHooks) Execute(ctx context.Context) error {
	var errs []error

	for i := len(s.hooks) - 1; i >= 0; i-- {
		h := s.hooks[i]
		l := log.Ctx(ctx).With().Str("hook", h.name).Logger()

		if err := h.fn(ctx); err != nil {
			l.Warn().Err(err).Msg("shutdown hook failed")
			errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
			continue
		}
		l.Debug().Msg("shutdown hook complete")
	}

	return errors.Join(errs...)
}

// Abandon releases every registered resource after a startup failure and
// returns err unchanged. Release failures are logged.
func (s *ShutdownHooks) Abandon(ctx context.Context, err error) error {
	if hookErr := s.Execute(ctx); hookErr != nil {
		log.Ctx(ctx).Warn().Err(hookErr).Msg("resources not released cleanly")
	}
	return err
}
