// Package audit writes one structured log entry per bridge request, recording
// who called, what was submitted to Atol and how it ended.
package audit

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Level is the log level audit entries are written at. It sits above panic
// so that audit entries survive any level filtering.
const Level = zerolog.Level(20)

// LevelName is the level string written for audit entries.
const LevelName = "audit"

type key struct{}

var entryKey = key{}

// Entry is the audit record of a single request. Handlers add to it as the
// request progresses; the middleware writes it when the request completes.
type Entry struct {
	// request
	Method    string
	Path      string
	Status    int
	SourceIP  string
	UserAgent string

	// authorization
	Authorized     bool
	AuthSubject    string
	AuthIssuer     string
	AuthAudience   []string
	AuthExpirySecs int

	// atol
	Operation      string
	ExternalID     string
	UUID           string
	DocumentStatus string
	AtolErrorCode  int

	Error string
}

func (e *Entry) MarshalZerologObject(event *zerolog.Event) {
	event.Dict("request", zerolog.Dict().
		Str("method", e.Method).
		Str("path", e.Path).
		Int("status", e.Status).
		Str("sourceIP", e.SourceIP).
		Str("userAgent", e.UserAgent),
	)

	auth := NewOptionalEvent(nil).
		Bool("authorized", e.Authorized).
		Str("subject", e.AuthSubject).
		Str("issuer", e.AuthIssuer).
		Strs("audience", e.AuthAudience).
		Int("expirySecs", e.AuthExpirySecs)
	auth.Set(event, "authorization")

	atol := NewOptionalEvent(nil).
		Str("operation", e.Operation).
		Str("externalID", e.ExternalID).
		Str("uuid", e.UUID).
		Str("status", e.DocumentStatus).
		Int("errorCode", e.AtolErrorCode)
	atol.Set(event, "atol")

	if e.Error != "" {
		event.Str("error", e.Error)
	}
}

// Begin captures the request details.
func (e *Entry) Begin(r *http.Request) {
	e.Method = r.Method
	e.Path = r.URL.Path
	e.UserAgent = r.UserAgent()
	e.SourceIP = r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		e.SourceIP = host
	}
}

// End returns a function to be deferred: it writes the entry, including when
// the handler panics. A panic is recorded in the entry and then re-raised.
func (e *Entry) End(ctx context.Context) func() {
	return func() {
		if r := recover(); r != nil {
			if e.Error != "" {
				e.Error += "; "
			}
			e.Error += fmt.Sprintf("panic: %v", r)
			e.Status = http.StatusInternalServerError

			e.write(ctx)
			panic(r)
		}

		if e.Status == 0 {
			e.Status = http.StatusOK
		}
		e.write(ctx)
	}
}

func (e *Entry) write(ctx context.Context) {
	log.Ctx(ctx).WithLevel(Level).EmbedObject(e).Msg("audit_event")
}

// Log returns the entry for the request, or a detached empty entry when the
// context carries none.
func Log(ctx context.Context) *Entry {
	_, e := Context(ctx)
	return e
}

// Context returns the request's entry, attaching a new one to the returned
// context when there is none yet.
func Context(ctx context.Context) (context.Context, *Entry) {
	if e, ok := ctx.Value(entryKey).(*Entry); ok {
		return ctx, e
	}

	e := &Entry{}
	return context.WithValue(ctx, entryKey, e), e
}

// Middleware attaches an Entry to each request and writes it when the request
// completes.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, entry := Context(r.Context())
			entry.Begin(r)
			defer entry.End(ctx)()

			rec := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r.WithContext(ctx))

			entry.Status = rec.status
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// MarshalLevel names the audit level in log output and defers to zerolog for
// every other level. Install it as zerolog.LevelFieldMarshalFunc.
func MarshalLevel(l zerolog.Level) string {
	if l == Level {
		return LevelName
	}
	return l.String()
}
