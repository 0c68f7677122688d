package client

import (
	"testing"

	"github.com/northforge/mediad/internal/registry"
	"github.com/northforge/mediad/internal/signalbus"
)

type fakeOwned struct{ name string }

func (f *fakeOwned) Object() *registry.Object { return nil }

func TestTeardownDestroysInLIFOOrder(t *testing.T) {
	bus := signalbus.New()
	c := New(nil, bus, nil)

	a := &fakeOwned{"a"}
	b := &fakeOwned{"b"}
	d := &fakeOwned{"d"}
	c.Own(a)
	c.Own(b)
	c.Own(d)

	var order []string
	c.Teardown(func(o Owned) {
		order = append(order, o.(*fakeOwned).name)
	})

	want := []string{"d", "b", "a"}
	if len(order) != len(want) {
		t.Fatalf("expected %d teardown calls, got %d", len(want), len(order))
	}
	for i, name := range want {
		if order[i] != name {
			t.Fatalf("expected teardown order %v, got %v", want, order)
		}
	}
}

func TestDisownSkipsTeardown(t *testing.T) {
	bus := signalbus.New()
	c := New(nil, bus, nil)
	a := &fakeOwned{"a"}
	b := &fakeOwned{"b"}
	c.Own(a)
	c.Own(b)
	c.Disown(a)

	var order []string
	c.Teardown(func(o Owned) { order = append(order, o.(*fakeOwned).name) })
	if len(order) != 1 || order[0] != "b" {
		t.Fatalf("expected only b to be torn down, got %v", order)
	}
}

func TestTeardownEmitsClientRemoved(t *testing.T) {
	bus := signalbus.New()
	c := New(nil, bus, nil)

	fired := false
	bus.Subscribe(SignalClientRemoved, func(data any) { fired = true })
	c.Teardown(func(Owned) {})
	if !fired {
		t.Fatalf("expected client_removed signal on teardown")
	}
}
