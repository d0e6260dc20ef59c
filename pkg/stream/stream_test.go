package stream

import (
	"bytes"
	"strings"
	"testing"

	"github.com/kristofer/loaf/pkg/value"
)

func TestStreamingModeFlushesOneLinePerPublish(t *testing.T) {
	var buf bytes.Buffer
	s := New(&buf, true)
	if err := s.Publish("a", value.Int(1)); err != nil {
		t.Fatal(err)
	}
	if err := s.Publish("b", value.Int(2)); err != nil {
		t.Fatal(err)
	}
	s.Close()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2: %q", len(lines), buf.String())
	}
	if lines[0] != `{"a":1}` {
		t.Errorf("first line = %q, want {\"a\":1}", lines[0])
	}
	if lines[1] != `{"b":2}` {
		t.Errorf("second line = %q, want {\"b\":2}", lines[1])
	}
}

// TestBufferedModeWritesOnlyOnClose covers the non-streaming
// fallback: nothing reaches w until Close assembles the single body.
func TestBufferedModeWritesOnlyOnClose(t *testing.T) {
	var buf bytes.Buffer
	s := New(&buf, false)
	s.Publish("a", value.Int(1))
	s.Publish("b", value.Str("x"))

	if buf.Len() != 0 {
		t.Fatalf("expected nothing written before Close, got %q", buf.String())
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	got := strings.TrimSpace(buf.String())
	if got != `{"a":1,"b":"x"}` {
		t.Errorf("got %q", got)
	}
}

func TestPublishIgnoresDuplicateName(t *testing.T) {
	var buf bytes.Buffer
	s := New(&buf, false)
	s.Publish("a", value.Int(1))
	s.Publish("a", value.Int(999))
	s.Close()
	if strings.TrimSpace(buf.String()) != `{"a":1}` {
		t.Errorf("got %q, want the first publish to win", buf.String())
	}
}

func TestObserverTranslatesExceptionToErrorValue(t *testing.T) {
	var buf bytes.Buffer
	s := New(&buf, false)
	obs := s.Observer()
	obs("a", value.Value{}, &value.Exception{TypeTag: "TypeError", Message: "boom"})
	s.Close()
	got := strings.TrimSpace(buf.String())
	want := `{"a":{"type":"TypeError","message":"boom"}}`
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestPublishAfterCloseIsNoop(t *testing.T) {
	var buf bytes.Buffer
	s := New(&buf, true)
	s.Close()
	if err := s.Publish("a", value.Int(1)); err != nil {
		t.Fatal(err)
	}
	if buf.Len() != 0 {
		t.Errorf("expected no write after Close, got %q", buf.String())
	}
}
