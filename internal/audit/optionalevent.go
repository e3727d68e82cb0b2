package audit

import (
	"github.com/rs/zerolog"
)

// OptionalEvent builds a nested log dictionary that is only written when at
// least one field was set. Empty strings, empty slices and zero ints are
// skipped.
type OptionalEvent struct {
	ev       *zerolog.Event
	modified bool
}

func NewOptionalEvent(e *zerolog.Event) *OptionalEvent {
	return &OptionalEvent{ev: e}
}

func (oe *OptionalEvent) event() *zerolog.Event {
	if oe.ev == nil {
		oe.ev = zerolog.Dict()
	}
	oe.modified = true
	return oe.ev
}

// Set adds the dictionary to parent under key, if anything was written.
func (oe *OptionalEvent) Set(parent *zerolog.Event, key string) bool {
	if !oe.modified {
		return false
	}
	parent.Dict(key, oe.ev)
	return true
}

func (oe *OptionalEvent) Str(key, val string) *OptionalEvent {
	if val != "" {
		oe.event().Str(key, val)
	}
	return oe
}

func (oe *OptionalEvent) Strs(key string, vals []string) *OptionalEvent {
	if len(vals) > 0 {
		oe.event().Strs(key, vals)
	}
	return oe
}

// Bool always writes, so a dictionary holding a bool is always present.
func (oe *OptionalEvent) Bool(key string, val bool) *OptionalEvent {
	oe.event().Bool(key, val)
	return oe
}

func (oe *OptionalEvent) Int(key string, val int) *OptionalEvent {
	if val != 0 {
		oe.event().Int(key, val)
	}
	return oe
}
