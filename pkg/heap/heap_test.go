package heap

import (
	"testing"

	"github.com/kristofer/loaf/pkg/value"
)

func TestAllocTagsArenaID(t *testing.T) {
	m := NewManager(1000, 1000)
	a := m.CreateArena("req-1")
	v, err := m.Alloc(a, value.Arr([]value.Value{value.Int(1)}))
	if err != nil {
		t.Fatal(err)
	}
	if v.ArenaID != a.ID {
		t.Errorf("ArenaID = %d, want %d", v.ArenaID, a.ID)
	}
}

func TestCrossHeapReferenceRejected(t *testing.T) {
	m := NewManager(1000, 1000)
	a1 := m.CreateArena("req-1")
	a2 := m.CreateArena("req-2")

	v1, err := m.Alloc(a1, value.Arr(nil))
	if err != nil {
		t.Fatal(err)
	}
	_, err = m.Alloc(a2, value.Arr([]value.Value{v1}))
	if err == nil {
		t.Fatal("expected a CrossHeapReferenceError")
	}
	if _, ok := err.(*CrossHeapReferenceError); !ok {
		t.Fatalf("expected *CrossHeapReferenceError, got %T", err)
	}
}

func TestHeapExhaustion(t *testing.T) {
	m := NewManager(1000, 2)
	a := m.CreateArena("req-1")
	if _, err := m.Alloc(a, value.Int(1)); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Alloc(a, value.Int(2)); err != nil {
		t.Fatal(err)
	}
	_, err := m.Alloc(a, value.Int(3))
	if err == nil {
		t.Fatal("expected a HeapExhaustionError")
	}
	if _, ok := err.(*HeapExhaustionError); !ok {
		t.Fatalf("expected *HeapExhaustionError, got %T", err)
	}
}

func TestReleaseDropsArenaFromManager(t *testing.T) {
	m := NewManager(1000, 1000)
	a := m.CreateArena("req-1")
	if _, err := m.Alloc(a, value.Int(1)); err != nil {
		t.Fatal(err)
	}
	m.Release(a)
	if len(a.allocations) != 0 {
		t.Error("Release should clear the arena's allocation slice")
	}
	if _, ok := m.arenas[a.ID]; ok {
		t.Error("Release should remove the arena from the manager")
	}
}

func TestCollectMarksArenaSwept(t *testing.T) {
	m := NewManager(1000, 1000)
	a := m.CreateArena("req-1")
	if a.gcState != GCStateBump {
		t.Fatal("a fresh arena should start in GCStateBump")
	}
	m.Collect(a)
	if a.gcState != GCStateSwept {
		t.Error("Collect should mark the arena GCStateSwept")
	}
}

func TestAllocTriggersCollectAtThreshold(t *testing.T) {
	m := NewManager(2, 1000)
	a := m.CreateArena("req-1")
	m.Alloc(a, value.Int(1))
	m.Alloc(a, value.Int(2))
	if a.gcState != GCStateSwept {
		t.Error("expected Alloc to trigger a sweep once live count reaches collectThreshold")
	}
}

func TestNotifyPressureSweepsAllArenas(t *testing.T) {
	m := NewManager(1000, 1000)
	a1 := m.CreateArena("req-1")
	a2 := m.CreateArena("req-2")
	m.NotifyPressure()
	if a1.gcState != GCStateSwept || a2.gcState != GCStateSwept {
		t.Error("NotifyPressure should sweep every live arena")
	}
}
