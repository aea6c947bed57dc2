package types

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestVersionVectorMergeTakesPointwiseMax(t *testing.T) {
	a := VersionVector{"n1": 3, "n2": 1}
	b := VersionVector{"n1": 2, "n3": 5}

	got := a.Merge(b)
	want := VersionVector{"n1": 3, "n2": 1, "n3": 5}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Merge() mismatch (-want +got):\n%s", diff)
	}

	// Merge must not mutate either input.
	if diff := cmp.Diff(VersionVector{"n1": 3, "n2": 1}, a); diff != "" {
		t.Fatalf("Merge mutated receiver (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(VersionVector{"n1": 2, "n3": 5}, b); diff != "" {
		t.Fatalf("Merge mutated argument (-want +got):\n%s", diff)
	}
}

func TestVersionVectorComparableDominance(t *testing.T) {
	a := VersionVector{"n1": 3, "n2": 1}
	b := VersionVector{"n1": 2, "n2": 1}

	if !a.Comparable(b) {
		t.Fatal("a should dominate b")
	}
}

func TestVersionVectorComparableConflict(t *testing.T) {
	a := VersionVector{"n1": 3, "n2": 0}
	b := VersionVector{"n1": 1, "n2": 2}

	if a.Comparable(b) {
		t.Fatal("a and b diverge on different nodes and should be incomparable")
	}
}
