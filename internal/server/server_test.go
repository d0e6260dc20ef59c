package server

import (
	json "encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/kristofer/loaf/pkg/config"
	"github.com/kristofer/loaf/pkg/document"
)

func testConfig() *config.Config {
	return &config.Config{
		Port:                 0,
		WorkerPoolSize:       4,
		RequestDeadline:      2 * time.Second,
		CacheCapacity:        64,
		CacheHighWatermark:   1 << 20,
		CacheLowWatermark:    1 << 19,
		HeapCollectThreshold: 100000,
		HeapMaxAllocations:   1000000,
	}
}

func TestRegisterDocumentWithoutEndpointErrors(t *testing.T) {
	d, err := New(testConfig(), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	doc := &document.Document{Bindings: []document.Binding{
		{Name: "a", Expr: document.ConstExpr{}},
	}}
	if err := d.RegisterDocument(doc); err != errNoEndpoint {
		t.Fatalf("got %v, want errNoEndpoint", err)
	}
}

// TestHandlerServesResolvedBindingsAsJSON covers the end-to-end request
// path: a document with an @endpoint resolves through the real
// scheduler/evaluator and is written back as a buffered JSON body when
// the client does not ask for streaming.
func TestHandlerServesResolvedBindingsAsJSON(t *testing.T) {
	d, err := New(testConfig(), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	doc, err := document.Parse([]byte(`{
		"bindings": [
			{"name": "greeting", "expr": {"string": "hello"}, "endpoint": {"method": "GET", "path": "/hello"}}
		]
	}`))
	if err != nil {
		t.Fatal(err)
	}
	if err := d.RegisterDocument(doc); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/hello", nil)
	rec := httptest.NewRecorder()
	d.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var got map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("invalid JSON body %q: %v", rec.Body.String(), err)
	}
	if got["greeting"] != "hello" {
		t.Errorf("got %v, want greeting=hello", got)
	}
}

// TestHandlerInjectsPathParamAsBinding: a `:name` route
// segment becomes a zero-dependency binding of the same name.
func TestHandlerInjectsPathParamAsBinding(t *testing.T) {
	d, err := New(testConfig(), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	doc, err := document.Parse([]byte(`{
		"bindings": [
			{"name": "echoed", "expr": {"ref": "id"}, "endpoint": {"method": "GET", "path": "/items/:id"}}
		]
	}`))
	if err != nil {
		t.Fatal(err)
	}
	if err := d.RegisterDocument(doc); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/items/abc123", nil)
	rec := httptest.NewRecorder()
	d.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var got map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("invalid JSON body %q: %v", rec.Body.String(), err)
	}
	if got["echoed"] != "abc123" {
		t.Errorf("got %v, want echoed=abc123", got)
	}
}

// TestHandlerReturnsBadRequestOnCircularDependency covers the 4xx
// taxonomy entry for a whole-request failure the client caused.
func TestHandlerReturnsBadRequestOnCircularDependency(t *testing.T) {
	d, err := New(testConfig(), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	doc, err := document.Parse([]byte(`{
		"bindings": [
			{"name": "a", "expr": {"ref": "b"}, "endpoint": {"method": "GET", "path": "/cycle"}},
			{"name": "b", "expr": {"ref": "a"}}
		]
	}`))
	if err != nil {
		t.Fatal(err)
	}
	if err := d.RegisterDocument(doc); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/cycle", nil)
	rec := httptest.NewRecorder()
	d.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body = %s", rec.Code, rec.Body.String())
	}
}
