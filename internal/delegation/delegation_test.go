package delegation

import (
	"fmt"
	"sync"
	"testing"
)

func TestSetGetParent(t *testing.T) {
	r := NewRegistry()

	if !r.SetParent("child-1", "parent") {
		t.Fatal("SetParent should record a new edge")
	}
	if r.SetParent("child-1", "other") {
		t.Error("SetParent should not update an existing edge")
	}
	if p, ok := r.GetParent("child-1"); !ok || p != "parent" {
		t.Errorf("GetParent() = %q, %v", p, ok)
	}
	if _, ok := r.GetParent("unknown"); ok {
		t.Error("GetParent() for unknown child should be false")
	}
}

func TestSetParent_Rejects(t *testing.T) {
	r := NewRegistry()
	for _, tc := range [][2]string{{"", "p"}, {"c", ""}, {"same", "same"}} {
		if r.SetParent(tc[0], tc[1]) {
			t.Errorf("SetParent(%q, %q) should be rejected", tc[0], tc[1])
		}
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
}

func TestChildren(t *testing.T) {
	r := NewRegistry()
	r.SetParent("c2", "p")
	r.SetParent("c1", "p")
	r.SetParent("c3", "q")

	got := r.Children("p")
	if len(got) != 2 || got[0] != "c1" || got[1] != "c2" {
		t.Errorf("Children(p) = %v", got)
	}
}

func TestSnapshotRestore(t *testing.T) {
	r := NewRegistry()
	r.SetParent("c1", "p1")
	r.SetParent("c2", "p1")

	snap := r.Snapshot()
	snap["mutated"] = "x"
	if _, ok := r.GetParent("mutated"); ok {
		t.Error("Snapshot should return a copy")
	}

	restored := NewRegistry()
	restored.SetParent("stale", "gone")
	restored.Restore(r.Snapshot())

	if _, ok := restored.GetParent("stale"); ok {
		t.Error("Restore should replace existing edges")
	}
	if p, _ := restored.GetParent("c2"); p != "p1" {
		t.Errorf("restored parent = %q", p)
	}
}

func TestConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			r.SetParent(fmt.Sprintf("c%d", n), "p")
		}(i)
		go func() {
			defer wg.Done()
			_ = r.Children("p")
			_ = r.Snapshot()
		}()
	}
	wg.Wait()
	if r.Len() != 50 {
		t.Errorf("Len() = %d, want 50", r.Len())
	}
}
