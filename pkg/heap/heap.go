// Package heap implements the per-request arena model:
// a bump-allocating region per request, with a companion free-list used
// only when the mark/sweep collector actually runs. The dominant path —
// releasing the whole arena on request completion — never touches the
// collector at all.
package heap

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/kristofer/loaf/pkg/value"
)

// GCState records whether an arena is in its fast bump-allocating phase
// or has been swept at least once.
type GCState int

const (
	GCStateBump GCState = iota
	GCStateSwept
)

// Arena is a per-request memory region. Every Value an
// arena hands out is tagged with the arena's ID; the Manager refuses to
// let a Value belonging to one arena be stored into an aggregate owned by
// another (CrossHeapReference).
type Arena struct {
	ID           uint64
	OwnerRequest string

	mu          sync.Mutex
	allocations []value.Value
	freed       []int // indices available for reuse after a sweep
	gcState     GCState
	highWater   int
}

// CrossHeapReferenceError is raised when code attempts to store a Value
// from one arena into an aggregate owned by another.
type CrossHeapReferenceError struct {
	From, Into uint64
}

func (e *CrossHeapReferenceError) Error() string {
	return fmt.Sprintf("CrossHeapReference: value owned by arena %d stored into arena %d", e.From, e.Into)
}

// HeapExhaustionError is raised when an arena's allocation count exceeds
// the Manager's configured ceiling.
type HeapExhaustionError struct {
	ArenaID uint64
	Limit   int
}

func (e *HeapExhaustionError) Error() string {
	return fmt.Sprintf("HeapExhaustion: arena %d exceeded %d live allocations", e.ArenaID, e.Limit)
}

// Manager allocates and tracks arenas. One Manager exists per running
// daemon; every request gets its own Arena from it. The unified cache
// (pkg/cache) does not allocate from a Manager: cached values belong to
// no arena.
type Manager struct {
	nextID             uint64
	collectThreshold   int
	maxAllocations     int
	mu                 sync.Mutex
	arenas             map[uint64]*Arena
	pressureSubscribed bool
}

// NewManager creates a Manager. collectThreshold is the high-water mark
// (in allocation count) at which an arena is swept mid-request;
// maxAllocations is the hard ceiling past which HeapExhaustion is raised.
func NewManager(collectThreshold, maxAllocations int) *Manager {
	return &Manager{
		collectThreshold: collectThreshold,
		maxAllocations:   maxAllocations,
		arenas:           make(map[uint64]*Arena),
	}
}

// CreateArena allocates a fresh arena owned by ownerRequest (the request
// id, or the module name for an arena a VM creates with CREATEHEAP).
func (m *Manager) CreateArena(ownerRequest string) *Arena {
	id := atomic.AddUint64(&m.nextID, 1)
	a := &Arena{ID: id, OwnerRequest: ownerRequest}
	m.mu.Lock()
	m.arenas[id] = a
	m.mu.Unlock()
	return a
}

// Release drops a for whole-arena teardown — the dominant fast path on
// request completion. No mark/sweep runs; the arena's slice simply
// becomes garbage for the Go runtime's own collector.
func (m *Manager) Release(a *Arena) {
	m.mu.Lock()
	delete(m.arenas, a.ID)
	m.mu.Unlock()
	a.mu.Lock()
	a.allocations = nil
	a.freed = nil
	a.mu.Unlock()
}

// Alloc stores v in a, tagging it with a's ID; nested aggregate
// elements keep whatever tag they already carry. It returns HeapExhaustion if a has hit the
// manager's allocation ceiling, and triggers a mark/sweep collection
// (collectThreshold) before it would otherwise.
func (m *Manager) Alloc(a *Arena, v value.Value) (value.Value, error) {
	if err := m.checkCrossHeap(a, v); err != nil {
		return value.Value{}, err
	}
	a.mu.Lock()
	if len(a.allocations)-len(a.freed) >= m.maxAllocations {
		a.mu.Unlock()
		return value.Value{}, &HeapExhaustionError{ArenaID: a.ID, Limit: m.maxAllocations}
	}

	v.ArenaID = a.ID
	var idx int
	if n := len(a.freed); n > 0 {
		idx = a.freed[n-1]
		a.freed = a.freed[:n-1]
		a.allocations[idx] = v
	} else {
		idx = len(a.allocations)
		a.allocations = append(a.allocations, v)
	}
	if idx+1 > a.highWater {
		a.highWater = idx + 1
	}
	live := len(a.allocations) - len(a.freed)
	shouldSweep := live >= m.collectThreshold
	a.mu.Unlock()

	if shouldSweep {
		m.Collect(a)
	}
	return v, nil
}

// checkCrossHeap walks v (and, for aggregates, its elements) verifying
// every nested Value either belongs to a's arena already or is a
// primitive that is arena-independent by construction.
func (m *Manager) checkCrossHeap(a *Arena, v value.Value) error {
	switch v.Kind {
	case value.KindArray:
		for _, e := range v.Arr {
			if e.ArenaID != 0 && e.ArenaID != a.ID {
				return &CrossHeapReferenceError{From: e.ArenaID, Into: a.ID}
			}
		}
	case value.KindObject:
		for _, e := range v.Obj {
			if e.Val.ArenaID != 0 && e.Val.ArenaID != a.ID {
				return &CrossHeapReferenceError{From: e.Val.ArenaID, Into: a.ID}
			}
		}
	}
	return nil
}

// Collect records a sweep point for a. Collection only ever happens for
// three reasons: an explicit COLLECTHEAP instruction, the arena's
// high-water mark crossing collectThreshold during execution (both
// funnel through this method), or an OS memory-pressure signal
// (NotifyPressure).
//
// There is no pointer trace to run: loaf values never hold
// back-references into their arena (no cross-heap pointers, by
// invariant), the live/dead partition is maintained incrementally by
// explicit Free calls, and freed slots are already reusable through the
// free list. Collect therefore only flips the arena out of its
// bump-only phase; the dominant reclamation path remains the
// whole-arena drop in Release.
func (m *Manager) Collect(a *Arena) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.gcState = GCStateSwept
}

// Free marks the allocation at idx as reusable. No opcode maps to it
// and the compiler never emits a call to it, so user-visible bindings
// are never freed mid-request.
func (a *Arena) Free(idx int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.freed = append(a.freed, idx)
}

// NotifyPressure is the OS memory-pressure hook; the
// daemon calls it on every arena when the host signals pressure,
// aggressively sweeping regardless of collectThreshold.
func (m *Manager) NotifyPressure() {
	m.mu.Lock()
	arenas := make([]*Arena, 0, len(m.arenas))
	for _, a := range m.arenas {
		arenas = append(arenas, a)
	}
	m.mu.Unlock()
	for _, a := range arenas {
		m.Collect(a)
	}
}
