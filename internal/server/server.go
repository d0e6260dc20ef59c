// Package server wires the runtime daemon's HTTP transport surface to
// the runtime core: per-request arenas, the dependency scheduler, the
// stack VM via pkg/document's Evaluator, and the response streamer.
// One Daemon serves every document registered against it; the
// unified cache and heap manager are process-wide and shared
// across all of a Daemon's requests, while each request gets its own
// arena, torn down on completion.
package server

import (
	"context"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kristofer/loaf/pkg/cache"
	"github.com/kristofer/loaf/pkg/config"
	"github.com/kristofer/loaf/pkg/document"
	"github.com/kristofer/loaf/pkg/fetch"
	"github.com/kristofer/loaf/pkg/heap"
	"github.com/kristofer/loaf/pkg/scheduler"
	"github.com/kristofer/loaf/pkg/stream"
	"github.com/kristofer/loaf/pkg/value"
	"github.com/kristofer/loaf/pkg/vm"
)

// Daemon is the runtime daemon: one per running process. It owns the
// process-wide collaborators (heap manager, cache, fetch client) and
// exposes a chi router that RegisterDocument populates one endpoint at
// a time.
type Daemon struct {
	cfg    *config.Config
	log    zerolog.Logger
	heaps  *heap.Manager
	cache  *cache.Cache
	client *fetch.Client
	router *chi.Mux

	// slots bounds in-flight requests to the configured worker pool size
	// (each worker carries exactly one request at a time). nil when
	// the pool size is unbounded.
	slots chan struct{}
}

// New builds a Daemon from cfg, ready for RegisterDocument calls.
func New(cfg *config.Config, log zerolog.Logger) (*Daemon, error) {
	c, err := cache.New(cfg.CacheCapacity, cfg.CacheHighWatermark, cfg.CacheLowWatermark)
	if err != nil {
		return nil, err
	}
	d := &Daemon{
		cfg:    cfg,
		log:    log,
		heaps:  heap.NewManager(cfg.HeapCollectThreshold, cfg.HeapMaxAllocations),
		cache:  c,
		client: fetch.New(c),
		router: chi.NewRouter(),
	}
	if cfg.WorkerPoolSize > 0 {
		d.slots = make(chan struct{}, cfg.WorkerPoolSize)
	}
	return d, nil
}

// Router exposes the chi.Mux for tests and for embedding under other
// middleware.
func (d *Daemon) Router() http.Handler { return d.router }

// RegisterDocument binds a document's `@endpoint:METHOD:/path`
// declaration to the router. A document with no Endpoint on any of
// its bindings is a programming error — every document served by the
// daemon answers exactly one route. A `:name` path segment is
// registered as chi's `{name}` parameter.
func (d *Daemon) RegisterDocument(doc *document.Document) error {
	ep := endpointOf(doc)
	if ep == nil {
		return errNoEndpoint
	}
	segs := strings.Split(ep.Path, "/")
	for i, s := range segs {
		if len(s) > 1 && s[0] == ':' {
			segs[i] = "{" + s[1:] + "}"
		}
	}
	d.router.MethodFunc(strings.ToUpper(ep.Method), strings.Join(segs, "/"), d.handlerFor(doc))
	return nil
}

// ListenAndServe starts the HTTP listener on cfg.Port.
func (d *Daemon) ListenAndServe() error {
	addr := ":" + strconv.Itoa(d.cfg.Port)
	d.log.Info().Str("addr", addr).Msg("loaf daemon listening")
	return http.ListenAndServe(addr, d.router)
}

// WatchMemoryPressure polls the Go runtime's heap statistics and calls
// NotifyPressure on both the arena manager and the unified cache
// whenever live heap bytes cross thresholdBytes — a userspace stand-in
// for an OS memory-pressure signal, since Go does not expose one
// directly. It runs until ctx is cancelled.
func (d *Daemon) WatchMemoryPressure(ctx context.Context, thresholdBytes uint64, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var ms runtime.MemStats
			runtime.ReadMemStats(&ms)
			if ms.HeapAlloc > thresholdBytes {
				d.log.Warn().Uint64("heap_alloc", ms.HeapAlloc).Msg("memory pressure: sweeping arenas and cache")
				d.heaps.NotifyPressure()
				d.cache.NotifyPressure()
			}
		}
	}
}

func endpointOf(doc *document.Document) *document.Endpoint {
	for _, b := range doc.Bindings {
		if b.Endpoint != nil {
			return b.Endpoint
		}
	}
	return nil
}

var errNoEndpoint = &noEndpointError{}

type noEndpointError struct{}

func (*noEndpointError) Error() string { return "server: document declares no @endpoint" }

// handlerFor builds the http.HandlerFunc that resolves doc's binding
// graph for one request: a fresh request id and arena, path parameters
// lifted into zero-dependency bindings, the scheduler driven against
// pkg/document's Evaluator, and the result streamed or buffered
// depending on what the client advertises.
func (d *Daemon) handlerFor(doc *document.Document) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		log := d.log.With().Str("request_id", reqID).Logger()

		ctx := r.Context()
		if d.cfg.RequestDeadline > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d.cfg.RequestDeadline)
			defer cancel()
		}

		if d.slots != nil {
			select {
			case d.slots <- struct{}{}:
				defer func() { <-d.slots }()
			case <-ctx.Done():
				writeTopLevelError(w, &value.Exception{TypeTag: "TimeoutError", Message: "no worker available before deadline"})
				return
			}
		}

		arena := d.heaps.CreateArena(reqID)
		defer d.heaps.Release(arena)

		augmented := withPathParams(doc, r)
		graph := document.Graph(augmented)
		ev := document.NewEvaluator(augmented, graph, d.heaps, arena, d.client, vm.Options{})

		streaming := wantsStreaming(r)
		w.Header().Set("Content-Type", "application/json")
		if streaming {
			w.Header().Set("Transfer-Encoding", "chunked")
		}
		s := stream.New(w, streaming)

		if err := scheduler.Run(ctx, graph, ev, s.Observer()); err != nil {
			writeTopLevelError(w, err)
			return
		}
		if err := s.Close(); err != nil {
			log.Error().Err(err).Msg("stream close failed")
		}
	}
}

// wantsStreaming decides between chunked fragments and a single
// buffered body: a client opts in to streaming with an Accept header
// naming the newline-delimited media type.
func wantsStreaming(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/x-ndjson")
}

// withPathParams returns doc with one extra zero-dependency ConstExpr
// binding per chi route parameter, leaving doc itself untouched —
// path parameters (:name) become bindings of the same name.
func withPathParams(doc *document.Document, r *http.Request) *document.Document {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil || len(rctx.URLParams.Keys) == 0 {
		return doc
	}
	out := &document.Document{Bindings: append([]document.Binding{}, doc.Bindings...)}
	for i, k := range rctx.URLParams.Keys {
		out.Bindings = append(out.Bindings, document.Binding{
			Name: k,
			Expr: document.ConstExpr{Value: value.Str(rctx.URLParams.Values[i])},
		})
	}
	return out
}

// writeTopLevelError writes the whole-request failure body: 4xx
// for the two client-caused kinds (CircularDependency,
// UnresolvedReference), 5xx for everything else.
func writeTopLevelError(w http.ResponseWriter, err error) {
	var exc *value.Exception
	status := http.StatusInternalServerError
	switch e := err.(type) {
	case *scheduler.CircularDependencyError:
		exc = &value.Exception{TypeTag: "CircularDependency", Message: e.Error()}
		status = http.StatusBadRequest
	case *scheduler.UnresolvedReferenceError:
		exc = &value.Exception{TypeTag: "UnresolvedReference", Message: e.Error()}
		status = http.StatusBadRequest
	case *value.Exception:
		exc = e
	default:
		exc = &value.Exception{TypeTag: "InternalError", Message: err.Error()}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	b, marshalErr := value.ErrorObject(exc).MarshalJSON()
	if marshalErr != nil {
		return
	}
	_, _ = w.Write(b)
}
