package props

import "testing"

func TestRoundTripVariant(t *testing.T) {
	p := New()
	p.Set("target.node", "/sink/0")
	p.Set("media.class", "Audio/Source")
	v := p.ToVariant()
	back := FromVariant(v)
	if !p.Equal(back) {
		t.Fatalf("round trip mismatch: %+v vs %+v", p.Keys(), back.Keys())
	}
}

func TestOrderPreservedOnUpdate(t *testing.T) {
	p := New()
	p.Set("a", "1")
	p.Set("b", "2")
	p.Set("a", "3")
	if got := p.Keys(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("expected order [a b], got %v", got)
	}
	if v, _ := p.Get("a"); v != "3" {
		t.Fatalf("expected updated value 3, got %s", v)
	}
}

func TestDelete(t *testing.T) {
	p := New()
	p.Set("a", "1")
	p.Set("b", "2")
	p.Delete("a")
	if _, ok := p.Get("a"); ok {
		t.Fatalf("expected a to be gone")
	}
	if got := p.Keys(); len(got) != 1 || got[0] != "b" {
		t.Fatalf("expected only [b] left, got %v", got)
	}
}
