package pool

import "testing"

func TestPoolReuse(t *testing.T) {
	created := 0
	p := New(4, 2, func() interface{} {
		created++
		return make([]byte, 8)
	})
	if p.Size() != 2 {
		t.Fatalf("initial size = %d, want 2", p.Size())
	}

	a := p.Get().([]byte)
	b := p.Get().([]byte)
	if created != 2 {
		t.Fatalf("Get from a pre-filled pool should not allocate, created = %d", created)
	}

	p.Put(a)
	c := p.TryGet()
	if c == nil {
		t.Fatal("TryGet after Put should return the recycled element")
	}

	_ = b
}

func TestPoolGrowsUpToCapacity(t *testing.T) {
	created := 0
	p := Empty(2, func() interface{} {
		created++
		return created
	})
	if got := p.TryGet(); got != nil {
		t.Fatalf("TryGet on an empty pool with nothing pending = %v, want nil", got)
	}
	first := p.Get()
	second := p.Get()
	if first == nil || second == nil {
		t.Fatal("Get must create new elements up to capacity")
	}
	if created != 2 {
		t.Fatalf("created = %d, want 2", created)
	}
}
