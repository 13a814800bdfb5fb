package stream

import (
	"errors"
	"sync"
	"testing"

	"backend-fieldtrack/internal/trip"
)

func TestRegistrySubjectBinding(t *testing.T) {
	r := NewRegistry()
	c := NewClient(1)

	if err := r.RegisterSubject(c, ""); !errors.Is(err, trip.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if err := r.RegisterSubject(c, "emp1"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.RegisterSubject(c, "emp2"); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if s, ok := r.SubjectOf(c); !ok || s != "emp2" {
		t.Fatalf("expected emp2, got %q", s)
	}
	if st := r.Stats(); st.Subjects != 1 || st.Connections != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestRegistryUnregisterIdempotent(t *testing.T) {
	r := NewRegistry()
	c := NewClient(1)
	_ = r.RegisterSubject(c, "emp1")
	r.RegisterObserver(c, "")

	r.Unregister(c)
	r.Unregister(c)

	if _, ok := r.SubjectOf(c); ok {
		t.Fatalf("expected binding removed")
	}
	if st := r.Stats(); st != (RegistryStats{}) {
		t.Fatalf("expected empty registry, got %+v", st)
	}
	r.Unregister(NewClient(1))
}

func TestRegistryObserversSnapshot(t *testing.T) {
	r := NewRegistry()
	a, b := NewClient(1), NewClient(1)
	r.RegisterObserver(a, "")
	r.RegisterObserver(b, "emp1")

	snap := r.Observers()
	r.Unregister(a)
	if len(snap) != 2 {
		t.Fatalf("snapshot changed: %d", len(snap))
	}
	if len(r.Observers()) != 1 {
		t.Fatalf("expected one observer left")
	}
	for _, o := range snap {
		if o.Client == b && (o.Wants("emp2") || !o.Wants("emp1")) {
			t.Fatalf("filter not applied")
		}
		if o.Client == a && !o.Wants("anyone") {
			t.Fatalf("empty filter should match all")
		}
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := NewClient(1)
			if i%2 == 0 {
				_ = r.RegisterSubject(c, "emp1")
			} else {
				r.RegisterObserver(c, "")
			}
			_ = r.Observers()
			_ = r.Stats()
			r.Unregister(c)
		}(i)
	}
	wg.Wait()
	if st := r.Stats(); st != (RegistryStats{}) {
		t.Fatalf("expected empty registry, got %+v", st)
	}
}
