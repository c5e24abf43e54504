package payload

import "testing"

func TestStateMapCount(t *testing.T) {
	s := NewStateMap()
	for i := 0; i < 3; i++ {
		if _, err := s.Count("clicks"); err != nil {
			t.Fatalf("Count: %v", err)
		}
	}
	v, ok := s.Get("clicks")
	if !ok || v != "3" {
		t.Fatalf("got %q, %v, want 3, true", v, ok)
	}
}

func TestStateMapCountSaturates(t *testing.T) {
	s := NewStateMap()
	s.Replace(map[string]string{"n": "9223372036854775807"})
	n, err := s.Count("n")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 9223372036854775807 {
		t.Fatalf("got %d, want saturated max int64", n)
	}
}

func TestStateMapReplaceAndSnapshot(t *testing.T) {
	s := NewStateMap()
	s.Replace(map[string]string{"a": "1", "b": "2"})
	snap := s.Snapshot()
	snap["a"] = "mutated"
	v, _ := s.Get("a")
	if v != "1" {
		t.Fatalf("snapshot mutation leaked into state map: got %q", v)
	}
}

func TestMergeStringsConcatenate(t *testing.T) {
	out := String("hello ")
	next := String("world")
	got := Merge(out, MergeTarget{Data: &next})
	if got.AsString() != "hello world" {
		t.Fatalf("got %q", got.AsString())
	}
}

func TestMergeTreesDeep(t *testing.T) {
	out := Tree(map[string]any{"a": 1, "nested": map[string]any{"x": 1}})
	next := Tree(map[string]any{"b": 2, "nested": map[string]any{"y": 2}})
	got := Merge(out, MergeTarget{Data: &next})
	tree, ok := got.Tree.(map[string]any)
	if !ok {
		t.Fatalf("expected tree result")
	}
	if tree["a"] != 1 || tree["b"] != 2 {
		t.Fatalf("top-level keys missing: %#v", tree)
	}
	nested, ok := tree["nested"].(map[string]any)
	if !ok || nested["x"] != 1 || nested["y"] != 2 {
		t.Fatalf("nested merge failed: %#v", tree["nested"])
	}
}

func TestMergeDataFalseReplaces(t *testing.T) {
	out := String("upstream")
	next := String("downstream literal")
	noMerge := false
	got := Merge(out, MergeTarget{Data: &next, MergeData: &noMerge})
	if got.AsString() != "downstream literal" {
		t.Fatalf("got %q, want literal data to win", got.AsString())
	}
}

func TestMergeDataFalseNoLiteralKeepsUpstream(t *testing.T) {
	out := String("upstream")
	noMerge := false
	got := Merge(out, MergeTarget{MergeData: &noMerge})
	if got.AsString() != "upstream" {
		t.Fatalf("got %q, want upstream preserved", got.AsString())
	}
}

func TestMergeNoNextDataKeepsUpstream(t *testing.T) {
	out := String("upstream")
	got := Merge(out, MergeTarget{})
	if got.AsString() != "upstream" {
		t.Fatalf("got %q", got.AsString())
	}
}

func TestCloneMetadataIndependent(t *testing.T) {
	p := New(NewStateMap())
	p.Metadata["k"] = "v"
	clone := p.CloneMetadata()
	clone.Metadata["k"] = "changed"
	if p.Metadata["k"] != "v" {
		t.Fatalf("clone mutation leaked into original")
	}
}
