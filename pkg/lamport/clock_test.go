package lamport

import "testing"

func TestTickAdvancesMonotonically(t *testing.T) {
	c := New()
	a := c.Tick(0)
	b := c.Tick(0)
	if b <= a {
		t.Fatalf("expected strictly increasing ticks, got %d then %d", a, b)
	}
}

func TestTickFoldsInRemote(t *testing.T) {
	c := New()
	c.Tick(0) // t=1
	got := c.Tick(10)
	if got != 11 {
		t.Fatalf("expected max(1,10)+1=11, got %d", got)
	}
}

func TestMergeNeverDecreases(t *testing.T) {
	c := New()
	c.Tick(0) // t=1
	c.Merge(0)
	if c.Value() != 1 {
		t.Fatalf("expected merge with smaller value to be a no-op, got %d", c.Value())
	}
	c.Merge(5)
	if c.Value() != 5 {
		t.Fatalf("expected merge to adopt larger remote value, got %d", c.Value())
	}
}

func TestClockMonotonicityAfterApply(t *testing.T) {
	c := New()
	for _, remote := range []uint64{3, 1, 7, 2} {
		before := c.Value()
		c.Merge(remote)
		if c.Value() < before || c.Value() < remote {
			t.Fatalf("clock must satisfy value() >= max(prior, applied clock)")
		}
	}
}
