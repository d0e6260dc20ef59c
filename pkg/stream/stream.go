// Package stream implements the response streamer: as the bindings
// of a request's top-level response object resolve, it emits partial
// JSON fragments so a client sees early keys before the whole document
// is ready.
package stream

import (
	"bufio"
	"io"
	"net/http"
	"sync"

	"github.com/kristofer/loaf/pkg/scheduler"
	"github.com/kristofer/loaf/pkg/value"
)

// Streamer serializes a request's resolving bindings to w. When
// Streaming is false it buffers every key and writes a single JSON
// object on Close — the fallback for clients that do not advertise
// streaming support.
type Streamer struct {
	w         io.Writer
	streaming bool

	mu      sync.Mutex
	pending []value.ObjectEntry
	flushed map[string]bool
	closed  bool
	err     error
}

// New builds a Streamer. streaming selects chunked newline-delimited
// fragments vs. a single buffered body.
func New(w io.Writer, streaming bool) *Streamer {
	return &Streamer{w: w, streaming: streaming, flushed: make(map[string]bool)}
}

// Observer returns a scheduler.Observer that feeds this Streamer —
// passed straight to scheduler.Run so each binding is published the
// instant it settles, independent of declaration order. A conforming
// client reassembles the final object by key.
func (s *Streamer) Observer() scheduler.Observer {
	return func(name string, v value.Value, exc *value.Exception) {
		if exc != nil {
			v = ErrorValue(exc)
		}
		s.Publish(name, v)
	}
}

// Publish records that binding name has resolved to v (or, for a failed
// binding, its error object) and — when streaming is enabled —
// flushes it immediately as its own newline-delimited fragment.
func (s *Streamer) Publish(name string, v value.Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.flushed[name] {
		return s.err
	}
	s.flushed[name] = true
	s.pending = append(s.pending, value.ObjectEntry{Key: value.Str(name), Val: v})
	if !s.streaming {
		return nil
	}
	if err := s.flushLocked(); err != nil {
		s.err = err
	}
	return s.err
}

// flushLocked writes every not-yet-written pending entry as one JSON
// object line. Must be called with mu held.
func (s *Streamer) flushLocked() error {
	if len(s.pending) == 0 {
		return nil
	}
	obj := value.NewObject(s.pending...)
	b, err := obj.MarshalJSON()
	if err != nil {
		return err
	}
	s.pending = nil
	if _, err := s.w.Write(b); err != nil {
		return err
	}
	_, err = s.w.Write([]byte("\n"))
	if bf, ok := s.w.(*bufio.Writer); ok {
		bf.Flush()
	}
	if f, ok := s.w.(http.Flusher); ok {
		f.Flush()
	}
	return err
}

// Close flushes any remaining pending keys as a final fragment (the
// single-body fallback path writes everything here, since nothing was
// flushed incrementally) and reports the first write error seen, if any.
func (s *Streamer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.err
	}
	if err := s.flushLocked(); err != nil && s.err == nil {
		s.err = err
	}
	s.closed = true
	return s.err
}

// ErrorValue renders a failed binding's exception as the wire shape
// nested under the binding's own key: {"type": <kind>, "message":
// <text>}. Only a whole-request failure (the document itself never
// started, e.g. CircularDependency) gets the top-level {"error": ...}
// envelope from value.ErrorObject.
func ErrorValue(exc *value.Exception) value.Value {
	return value.NewObject(
		value.ObjectEntry{Key: value.Str("type"), Val: value.Str(exc.TypeTag)},
		value.ObjectEntry{Key: value.Str("message"), Val: value.Str(exc.Message)},
	)
}
