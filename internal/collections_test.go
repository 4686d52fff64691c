package internal

import (
	"sort"
	"testing"
)

func TestSet(t *testing.T) {
	s := NewSet[string]()
	if s.Size() != 0 {
		t.Errorf("Size() = %d, want 0", s.Size())
	}

	s.Add("a")
	s.Add("b")
	s.Add("a")
	if s.Size() != 2 {
		t.Errorf("Size() = %d, want 2", s.Size())
	}
	if !s.Contains("a") || s.Contains("c") {
		t.Error("Contains gave wrong membership")
	}

	got := s.ToSlice()
	sort.Strings(got)
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("ToSlice() = %v", got)
	}
}

func TestNewSetFrom(t *testing.T) {
	s := NewSetFrom([]string{"x", "y", "x"})
	if s.Size() != 2 {
		t.Errorf("Size() = %d, want 2", s.Size())
	}

	empty := NewSetFrom[string](nil)
	if empty.Size() != 0 {
		t.Errorf("empty Size() = %d, want 0", empty.Size())
	}
}
