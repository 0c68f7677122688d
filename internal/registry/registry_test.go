package registry

import (
	"testing"

	"github.com/northforge/mediad/internal/signalbus"
)

type stubImpl struct{ obj *Object }

func (s *stubImpl) Object() *Object { return s.obj }

func TestAddEmitsAfterInsertion(t *testing.T) {
	bus := signalbus.New()
	var r *Registry
	var sawDuringEmit bool
	bus.Subscribe(SignalObjectAdded, func(data any) {
		obj := data.(*Object)
		if _, ok := r.Lookup(obj.ID()); ok {
			sawDuringEmit = true
		}
	})
	r = New(bus, 0)
	obj := r.Add("mediad:object.core/Node", &stubImpl{})
	if !sawDuringEmit {
		t.Fatalf("expected object to already be present in registry during object_added emission")
	}
	if obj.ID() == 0 {
		t.Fatalf("expected nonzero id")
	}
}

func TestRemoveEmitsBeforeClear(t *testing.T) {
	bus := signalbus.New()
	r := New(bus, 0)
	obj := r.Add("mediad:object.core/Node", &stubImpl{})

	var sawWhileLive bool
	bus.Subscribe(SignalObjectRemoved, func(data any) {
		removed := data.(*Object)
		if _, ok := r.Lookup(removed.ID()); ok {
			sawWhileLive = true
		}
	})
	r.Remove(obj)
	if !sawWhileLive {
		t.Fatalf("expected object_removed to fire while slot was still populated")
	}
	if _, ok := r.Lookup(obj.ID()); ok {
		t.Fatalf("expected slot cleared after Remove returns")
	}
}

func TestMapURIIdempotent(t *testing.T) {
	r := New(nil, 0)
	a := r.MapURI("mediad:object.core/Node")
	b := r.MapURI("mediad:object.core/Node")
	c := r.MapURI("mediad:object.core/Port")
	if a != b {
		t.Fatalf("expected same code for equal strings, got %d vs %d", a, b)
	}
	if a == c {
		t.Fatalf("expected different codes for different strings")
	}
}

func TestIterSkipsClearedSlots(t *testing.T) {
	r := New(nil, 0)
	o1 := r.Add("t", &stubImpl{})
	o2 := r.Add("t", &stubImpl{})
	r.Remove(o1)
	objs := r.Iter()
	if len(objs) != 1 || objs[0].ID() != o2.ID() {
		t.Fatalf("expected only o2 to remain, got %+v", objs)
	}
}

func TestIDReuseAfterRemove(t *testing.T) {
	r := New(nil, 0)
	o1 := r.Add("t", &stubImpl{})
	r.Remove(o1)
	o2 := r.Add("t", &stubImpl{})
	if o2.ID() != o1.ID() {
		t.Fatalf("expected dense id reuse, got %d then %d", o1.ID(), o2.ID())
	}
}
